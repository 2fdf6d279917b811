package collection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viewkeeper/viewkeeper/pkg/keys"
	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
	"github.com/viewkeeper/viewkeeper/pkg/score"
	"github.com/viewkeeper/viewkeeper/pkg/storage/memory"
)

func testRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r := registry.New()
	r.RegisterScope("customer")
	r.RegisterScope("domain")

	return r
}

func sortedSetDescriptor(t *testing.T, r *registry.Registry, strategy registry.ScoreStrategy) *registry.Descriptor {
	t.Helper()

	d, err := r.Register(registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "domains",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.SortedSet,
		Score:            strategy,
	})
	require.NoError(t, err)

	return d
}

func TestAddComputesScoreAndRecordsReverseIndex(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)

	r := testRegistry(t)
	d := sortedSetDescriptor(t, r, registry.FieldScore{Field: "created_at"})

	now := time.Unix(1704067200, 0)
	engine := New(ds, WithClock(func() time.Time { return now }))

	item := persistence.NewRecord("dom_1", map[string]string{"created_at": "1700000000"})
	require.NoError(t, engine.Add(ctx, d, "cust_1", item))

	got, ok, err := engine.Score(ctx, d, "cust_1", "dom_1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(1700000000), got)

	tracked, err := ds.SIsMember(ctx, keys.ReverseIndex("domain", "dom_1"), "customer:cust_1:domains")
	require.NoError(t, err)
	require.True(t, tracked)

	// No strategy field: falls back to insertion time.
	bare := persistence.NewRecord("dom_2", nil)
	require.NoError(t, engine.Add(ctx, d, "cust_1", bare))

	got, ok, err = engine.Score(ctx, d, "cust_1", "dom_2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, float64(1704067200), got)
}

func TestRemoveForgetsReverseIndex(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)

	r := testRegistry(t)
	d := sortedSetDescriptor(t, r, nil)
	engine := New(ds)

	item := persistence.NewRecord("dom_1", nil)
	require.NoError(t, engine.Add(ctx, d, "cust_1", item))
	require.NoError(t, engine.Remove(ctx, d, "cust_1", "dom_1"))

	ok, err := engine.IsMember(ctx, d, "cust_1", "dom_1")
	require.NoError(t, err)
	require.False(t, ok)

	tracked, err := ds.SIsMember(ctx, keys.ReverseIndex("domain", "dom_1"), "customer:cust_1:domains")
	require.NoError(t, err)
	require.False(t, tracked)
}

func TestSetAndListCollections(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)

	r := testRegistry(t)
	set, err := r.Register(registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "tags",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.Set,
	})
	require.NoError(t, err)

	list, err := r.Register(registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "history",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.List,
	})
	require.NoError(t, err)

	engine := New(ds)
	item := persistence.NewRecord("dom_1", nil)

	require.NoError(t, engine.Add(ctx, set, "cust_1", item))
	require.NoError(t, engine.Add(ctx, set, "cust_1", item))
	n, err := engine.Length(ctx, set, "cust_1")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	// Lists keep duplicates; Remove drops every occurrence.
	require.NoError(t, engine.Add(ctx, list, "cust_1", item))
	require.NoError(t, engine.Add(ctx, list, "cust_1", item))
	n, err = engine.Length(ctx, list, "cust_1")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	ok, err := engine.IsMember(ctx, list, "cust_1", "dom_1")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, engine.Remove(ctx, list, "cust_1", "dom_1"))
	n, err = engine.Length(ctx, list, "cust_1")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestBulkAddScoresItemsIndependently(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)

	r := testRegistry(t)
	d := sortedSetDescriptor(t, r, registry.FieldScore{Field: "rank"})
	engine := New(ds)

	items := []persistence.Instance{
		persistence.NewRecord("dom_1", map[string]string{"rank": "3"}),
		persistence.NewRecord("dom_2", map[string]string{"rank": "1"}),
		persistence.NewRecord("dom_3", map[string]string{"rank": "2"}),
	}
	require.NoError(t, engine.BulkAdd(ctx, d, "cust_1", items))

	members, err := engine.Members(ctx, d, "cust_1")
	require.NoError(t, err)
	require.Equal(t, []string{"dom_2", "dom_3", "dom_1"}, members)

	for _, item := range items {
		tracked, err := ds.SIsMember(ctx, keys.ReverseIndex("domain", item.Identifier()), "customer:cust_1:domains")
		require.NoError(t, err)
		require.True(t, tracked)
	}
}

func TestClearForgetsEveryReverseEntry(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)

	r := testRegistry(t)
	d := sortedSetDescriptor(t, r, nil)
	engine := New(ds)

	require.NoError(t, engine.Add(ctx, d, "cust_1", persistence.NewRecord("dom_1", nil)))
	require.NoError(t, engine.Add(ctx, d, "cust_1", persistence.NewRecord("dom_2", nil)))

	require.NoError(t, engine.Clear(ctx, d, "cust_1"))

	n, err := engine.Length(ctx, d, "cust_1")
	require.NoError(t, err)
	require.Zero(t, n)

	for _, id := range []string{"dom_1", "dom_2"} {
		tracked, err := ds.SIsMember(ctx, keys.ReverseIndex("domain", id), "customer:cust_1:domains")
		require.NoError(t, err)
		require.False(t, tracked)
	}
}

func TestUpdateScoreAndFlagRewrites(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)

	r := testRegistry(t)
	d := sortedSetDescriptor(t, r, nil)
	engine := New(ds)
	codec := score.NewCodec(score.Decimal)

	encoded, err := codec.EncodeFlags(1704067200, score.Read)
	require.NoError(t, err)
	require.NoError(t, engine.AddWithScore(ctx, d, "cust_1", persistence.NewRecord("dom_1", nil), encoded))

	ok, err := engine.AddFlags(ctx, d, codec, "cust_1", "dom_1", score.Write, score.Delete)
	require.NoError(t, err)
	require.True(t, ok)

	current, present, err := engine.Score(ctx, d, "cust_1", "dom_1")
	require.NoError(t, err)
	require.True(t, present)
	decoded := codec.Decode(current)
	require.Equal(t, int64(1704067200), decoded.OrderingKey)
	require.Equal(t, 37, decoded.Metadata)

	ok, err = engine.RemoveFlags(ctx, d, codec, "cust_1", "dom_1", score.Write)
	require.NoError(t, err)
	require.True(t, ok)

	current, _, err = engine.Score(ctx, d, "cust_1", "dom_1")
	require.NoError(t, err)
	require.Equal(t, 33, codec.Decode(current).Metadata)

	// Absent member: reported, not an error.
	ok, err = engine.AddFlags(ctx, d, codec, "cust_1", "ghost", score.Read)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = engine.UpdateScore(ctx, d, "cust_1", "dom_1", 42)
	require.NoError(t, err)
	require.True(t, ok)

	current, _, err = engine.Score(ctx, d, "cust_1", "dom_1")
	require.NoError(t, err)
	require.Equal(t, float64(42), current)
}

func TestUnknownCollectionTypeFailsFast(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)

	engine := New(ds)
	d := &registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "broken",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.CollectionType(99),
	}

	err := engine.Add(ctx, d, "cust_1", persistence.NewRecord("dom_1", nil))
	require.ErrorIs(t, err, ErrUnknownCollectionType)

	_, err = engine.Members(ctx, d, "cust_1")
	require.ErrorIs(t, err, ErrUnknownCollectionType)

	_, err = engine.Length(ctx, d, "cust_1")
	require.ErrorIs(t, err, ErrUnknownCollectionType)
}
