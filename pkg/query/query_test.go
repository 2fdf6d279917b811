package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viewkeeper/viewkeeper/pkg/keys"
	"github.com/viewkeeper/viewkeeper/pkg/score"
	"github.com/viewkeeper/viewkeeper/pkg/storage/memory"
)

func seed(t *testing.T, ds *memory.Datastore, key string, members map[string]float64) {
	t.Helper()

	ctx := context.Background()
	for member, memberScore := range members {
		require.NoError(t, ds.ZAdd(ctx, key, member, memberScore))
	}
}

func memberNames(t *testing.T, e *Engine, result *TemporaryCollection) []string {
	t.Helper()

	members, err := e.Members(context.Background(), result)
	require.NoError(t, err)

	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Member)
	}
	return names
}

func TestAlgebra(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)
	e := New(ds)

	seed(t, ds, "first", map[string]float64{"a": 1, "b": 2, "c": 3})
	seed(t, ds, "second", map[string]float64{"b": 2, "c": 3, "d": 4})

	inter, err := e.Intersection(ctx, []string{"first", "second"})
	require.NoError(t, err)
	require.Equal(t, int64(2), inter.Size)
	require.ElementsMatch(t, []string{"b", "c"}, memberNames(t, e, inter))
	require.True(t, keys.IsTemporary(inter.Key))

	union, err := e.Union(ctx, []string{"first", "second"})
	require.NoError(t, err)
	require.Equal(t, int64(4), union.Size)
	require.ElementsMatch(t, []string{"a", "b", "c", "d"}, memberNames(t, e, union))

	diff, err := e.Difference(ctx, "first", []string{"second"})
	require.NoError(t, err)
	require.Equal(t, int64(1), diff.Size)
	require.Equal(t, []string{"a"}, memberNames(t, e, diff))
}

func TestEmptyInputsYieldWellFormedResults(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)
	e := New(ds)

	union, err := e.Union(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, union)
	require.Zero(t, union.Size)
	require.True(t, keys.IsTemporary(union.Key))
	require.Empty(t, memberNames(t, e, union))

	// Chaining off an empty result stays uniform.
	chained, err := e.Intersection(ctx, []string{union.Key, "absent"})
	require.NoError(t, err)
	require.Zero(t, chained.Size)
}

func TestResultsExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1704067200, 0)
	ds := memory.New(memory.WithClock(func() time.Time { return now }))
	t.Cleanup(ds.Close)
	e := New(ds)

	seed(t, ds, "first", map[string]float64{"a": 1})
	result, err := e.Union(ctx, []string{"first"}, WithTTL(time.Minute))
	require.NoError(t, err)

	exists, err := ds.Exists(ctx, result.Key)
	require.NoError(t, err)
	require.True(t, exists)

	now = now.Add(2 * time.Minute)
	exists, err = ds.Exists(ctx, result.Key)
	require.NoError(t, err)
	require.False(t, exists, "temporary results must not outlive their TTL")
}

func TestMinCategoryFiltering(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)

	codec := score.NewCodec(score.Binary)
	e := New(ds, WithCodec(codec))

	admin, err := codec.EncodeFlags(100, score.Admin)
	require.NoError(t, err)
	editor, err := codec.EncodeFlags(100, score.Edit, score.Delete)
	require.NoError(t, err)
	viewer, err := codec.EncodeFlags(100, score.Read)
	require.NoError(t, err)

	seed(t, ds, "staff", map[string]float64{"alice": admin, "bob": editor, "carol": viewer})

	result, err := e.Union(ctx, []string{"staff"}, WithMinCategory(score.Administrator))
	require.NoError(t, err)
	require.Equal(t, []string{"alice"}, memberNames(t, e, result))

	result, err = e.Union(ctx, []string{"staff"}, WithMinCategory(score.Editor))
	require.NoError(t, err)
	require.Equal(t, []string{"bob"}, memberNames(t, e, result))

	// Any permission at all satisfies the lowest category.
	result, err = e.Union(ctx, []string{"staff"}, WithMinCategory(score.Viewer))
	require.NoError(t, err)
	require.Len(t, memberNames(t, e, result), 3)
}

func TestQueryCollectionsTrimOrder(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)
	e := New(ds)

	seed(t, ds, "scores", map[string]float64{
		"a": 1, "b": 2, "c": 3, "d": 4, "e": 5, "f": 6,
	})

	min, max := float64(2), float64(5)
	result, err := e.QueryCollections(ctx, []string{"scores"}, Spec{
		Operation: OperationUnion,
		MinScore:  &min,
		MaxScore:  &max,
		Offset:    1,
		Limit:     2,
	})
	require.NoError(t, err)

	// Range keeps {b,c,d,e}; offset drops b; limit keeps {c,d}.
	require.Equal(t, []string{"c", "d"}, memberNames(t, e, result))
	require.Equal(t, int64(2), result.Size)
}

func TestQueryCollectionsDifference(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)
	e := New(ds)

	seed(t, ds, "first", map[string]float64{"a": 1, "b": 2})
	seed(t, ds, "second", map[string]float64{"b": 2})

	result, err := e.QueryCollections(ctx, []string{"first", "second"}, Spec{
		Operation: OperationDifference,
	})
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, memberNames(t, e, result))
}

func TestCollectionStatistics(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)
	e := New(ds)

	seed(t, ds, "first", map[string]float64{"a": 1, "b": 2, "c": 3})
	seed(t, ds, "second", map[string]float64{"b": 2, "c": 3, "d": 4})

	stats, err := e.CollectionStatistics(ctx, []string{"first", "second"})
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Sizes["first"])
	require.Equal(t, int64(3), stats.Sizes["second"])
	require.Equal(t, int64(6), stats.TotalMembers)
	require.Equal(t, int64(4), stats.UniqueMembers)
	require.InDelta(t, 2.0/6.0, stats.OverlapRatio, 1e-9)

	empty, err := e.CollectionStatistics(ctx, []string{"absent"})
	require.NoError(t, err)
	require.Zero(t, empty.TotalMembers)
	require.Zero(t, empty.OverlapRatio)
}

func TestSharedMembers(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)
	e := New(ds)

	seed(t, ds, "first", map[string]float64{"a": 1, "b": 2, "c": 3})
	seed(t, ds, "second", map[string]float64{"b": 2, "c": 3, "d": 4})
	seed(t, ds, "third", map[string]float64{"c": 3})

	pairs, err := e.SharedMembers(ctx, []string{"first", "second", "third"}, 2)
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	require.Equal(t, "first", pairs[0].First)
	require.Equal(t, "second", pairs[0].Second)
	require.Equal(t, 2, pairs[0].Count)
	require.ElementsMatch(t, []string{"b", "c"}, pairs[0].Members)

	pairs, err = e.SharedMembers(ctx, []string{"first", "second", "third"}, 1)
	require.NoError(t, err)
	require.Len(t, pairs, 3)
	require.Equal(t, 2, pairs[0].Count, "pairs sort by shared count, largest first")
}

func TestDifferenceWithCategoryFilter(t *testing.T) {
	ctx := context.Background()
	ds := memory.New()
	t.Cleanup(ds.Close)

	codec := score.NewCodec(score.Binary)
	e := New(ds, WithCodec(codec))

	admin, err := codec.EncodeFlags(1, score.Admin)
	require.NoError(t, err)
	viewer, err := codec.EncodeFlags(1, score.Read)
	require.NoError(t, err)

	seed(t, ds, "base", map[string]float64{"alice": admin, "carol": viewer})
	seed(t, ds, "excluded", map[string]float64{"alice": admin})

	// Category applies to the base before subtraction.
	result, err := e.Difference(ctx, "base", []string{"excluded"}, WithMinCategory(score.Administrator))
	require.NoError(t, err)
	require.Empty(t, memberNames(t, e, result))
}
