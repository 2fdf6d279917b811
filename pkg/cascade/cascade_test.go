package cascade

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viewkeeper/viewkeeper/pkg/collection"
	"github.com/viewkeeper/viewkeeper/pkg/index"
	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
	"github.com/viewkeeper/viewkeeper/pkg/reverseindex"
	"github.com/viewkeeper/viewkeeper/pkg/storage/memory"
)

type fixture struct {
	store       *memory.Datastore
	reg         *registry.Registry
	catalog     *persistence.Catalog
	collections *collection.Engine
	indexes     *index.Engine
	tracker     *reverseindex.Tracker
	engine      *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Close)

	reg := registry.New()
	reg.RegisterScope("customer")
	reg.RegisterScope("domain")

	catalog := persistence.NewCatalog()
	tracker := reverseindex.New(store, reg, catalog)

	return &fixture{
		store:       store,
		reg:         reg,
		catalog:     catalog,
		collections: collection.New(store),
		indexes:     index.New(store, catalog),
		tracker:     tracker,
		engine:      New(store, reg, tracker),
	}
}

func (f *fixture) declare(t *testing.T, d registry.Descriptor) *registry.Descriptor {
	t.Helper()

	registered, err := f.reg.Register(d)
	require.NoError(t, err)

	return registered
}

func TestDetachCompleteness(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	domains := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "domains",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.SortedSet,
	})
	favorites := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "favorites",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.Set,
	})
	nameIndex := f.declare(t, registry.Descriptor{
		Kind:             registry.KindUniqueIndex,
		Name:             "name_index",
		OwnerScope:       "domain",
		ParticipantScope: "domain",
		ClassLevel:       true,
		Field:            "name",
	})
	tldIndex := f.declare(t, registry.Descriptor{
		Kind:             registry.KindMultiIndex,
		Name:             "tld_index",
		OwnerScope:       "domain",
		ParticipantScope: "domain",
		ClassLevel:       true,
		Field:            "tld",
	})

	item := persistence.NewRecord("dom_1", map[string]string{"name": "example.com", "tld": "com"})
	require.NoError(t, f.collections.Add(ctx, domains, "cust_1", item))
	require.NoError(t, f.collections.Add(ctx, domains, "cust_2", item))
	require.NoError(t, f.collections.Add(ctx, favorites, "cust_1", item))
	require.NoError(t, f.indexes.AddEntry(ctx, nameIndex, "", "example.com", "dom_1"))
	require.NoError(t, f.indexes.AddEntry(ctx, tldIndex, "", "com", "dom_1"))
	require.NoError(t, f.indexes.AddEntry(ctx, tldIndex, "", "com", "dom_2"))

	predicted, err := f.engine.DryRun(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Equal(t, 5, predicted.Removals)
	require.Zero(t, predicted.Cascades)
	require.Len(t, predicted.AffectedKeys, 5)

	applied, err := f.engine.Detach(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Equal(t, predicted.Removals, applied.Removals)
	require.Equal(t, predicted.AffectedKeys, applied.AffectedKeys)

	for _, owner := range []string{"cust_1", "cust_2"} {
		ok, err := f.collections.IsMember(ctx, domains, owner, "dom_1")
		require.NoError(t, err)
		require.False(t, ok)
	}
	ok, err := f.collections.IsMember(ctx, favorites, "cust_1", "dom_1")
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = f.indexes.FindBy(ctx, nameIndex, "", "example.com")
	require.NoError(t, err)
	require.False(t, ok)

	ids, err := f.indexes.FindAllBy(ctx, tldIndex, "", "com")
	require.NoError(t, err)
	require.Equal(t, []string{"dom_2"}, ids, "other participants' entries survive")

	tracked, err := f.tracker.TrackedKeys(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Empty(t, tracked)

	// Re-running against clean state is a no-op.
	again, err := f.engine.Detach(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Zero(t, again.Removals)
}

func TestIgnoreStrategyLeavesMembershipStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ignored := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "archive",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.Set,
		Cascade:          registry.CascadeIgnore,
	})

	item := persistence.NewRecord("dom_1", nil)
	require.NoError(t, f.collections.Add(ctx, ignored, "cust_1", item))

	plan, err := f.engine.Detach(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Zero(t, plan.Removals)

	ok, err := f.collections.IsMember(ctx, ignored, "cust_1", "dom_1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCascadeStrategyNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	members := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "members",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.Set,
		Cascade:          registry.CascadeNotify,
	})

	item := persistence.NewRecord("dom_1", nil)
	require.NoError(t, f.collections.Add(ctx, members, "cust_1", item))
	require.NoError(t, f.collections.Add(ctx, members, "cust_2", item))

	var notified []Notification
	f.engine.OnCascade(registry.KindParticipation, "members", func(_ context.Context, n Notification) error {
		notified = append(notified, n)
		return nil
	})

	predicted, err := f.engine.DryRun(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Equal(t, 2, predicted.Cascades)

	plan, err := f.engine.Detach(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Equal(t, 2, plan.Cascades)
	require.Len(t, notified, 2)

	owners := []string{notified[0].OwnerID, notified[1].OwnerID}
	require.ElementsMatch(t, []string{"cust_1", "cust_2"}, owners)
	require.Equal(t, "dom_1", notified[0].ParticipantID)

	// Detachment happens before notification.
	ok, err := f.collections.IsMember(ctx, members, "cust_1", "dom_1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCascadeCallbackErrorPropagates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	members := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "members",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.Set,
		Cascade:          registry.CascadeNotify,
	})

	require.NoError(t, f.collections.Add(ctx, members, "cust_1", persistence.NewRecord("dom_1", nil)))

	boom := errors.New("owner cleanup failed")
	f.engine.OnCascade(registry.KindParticipation, "members", func(context.Context, Notification) error {
		return boom
	})

	_, err := f.engine.Detach(ctx, "domain", "dom_1")
	require.ErrorIs(t, err, boom)
}

func TestDetachFindsMembershipMissingFromReverseIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	domains := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "domains",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.SortedSet,
	})

	// Forward write with no reverse-index record, as after a crash between
	// the two halves of a split write.
	require.NoError(t, f.store.ZAdd(ctx, domains.CollectionKey("cust_1"), "dom_1", 1))

	plan, err := f.engine.Detach(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Equal(t, 1, plan.Removals)

	ok, err := f.collections.IsMember(ctx, domains, "cust_1", "dom_1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDetachSkipsCollidingIndexValueKey(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	domains := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "domains",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.SortedSet,
	})
	planIndex := f.declare(t, registry.Descriptor{
		Kind:             registry.KindMultiIndex,
		Name:             "plan_index",
		OwnerScope:       "customer",
		ParticipantScope: "customer",
		ClassLevel:       true,
		Field:            "plan",
	})

	// A field value equal to the collection name makes the index value key
	// ("customer:plan_index:domains", a set) match the participation scan
	// pattern ("customer:*:domains", sorted sets).
	require.NoError(t, f.collections.Add(ctx, domains, "cust_1", persistence.NewRecord("dom_1", nil)))
	require.NoError(t, f.indexes.AddEntry(ctx, planIndex, "", "domains", "cust_9"))

	predicted, err := f.engine.DryRun(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Equal(t, 1, predicted.Removals)

	applied, err := f.engine.Detach(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Equal(t, 1, applied.Removals)
	require.Equal(t, []string{domains.CollectionKey("cust_1")}, applied.AffectedKeys)

	ok, err := f.collections.IsMember(ctx, domains, "cust_1", "dom_1")
	require.NoError(t, err)
	require.False(t, ok)

	ids, err := f.indexes.FindAllBy(ctx, planIndex, "", "domains")
	require.NoError(t, err)
	require.Equal(t, []string{"cust_9"}, ids, "the colliding index entry is untouched")
}

func TestDryRunMutatesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	domains := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "domains",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.SortedSet,
	})

	require.NoError(t, f.collections.Add(ctx, domains, "cust_1", persistence.NewRecord("dom_1", nil)))

	plan, err := f.engine.DryRun(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Equal(t, 1, plan.Removals)

	ok, err := f.collections.IsMember(ctx, domains, "cust_1", "dom_1")
	require.NoError(t, err)
	require.True(t, ok)

	tracked, err := f.tracker.TrackedKeys(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Len(t, tracked, 1)
}
