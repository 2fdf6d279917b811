package reverseindex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/viewkeeper/viewkeeper/pkg/collection"
	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
	"github.com/viewkeeper/viewkeeper/pkg/storage/memory"
)

type fixture struct {
	store   *memory.Datastore
	reg     *registry.Registry
	catalog *persistence.Catalog
	engine  *collection.Engine
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Close)

	reg := registry.New()
	reg.RegisterScope("customer")
	reg.RegisterScope("domain")

	catalog := persistence.NewCatalog()

	return &fixture{
		store:   store,
		reg:     reg,
		catalog: catalog,
		engine:  collection.New(store),
		tracker: New(store, reg, catalog),
	}
}

func (f *fixture) declare(t *testing.T, d registry.Descriptor) *registry.Descriptor {
	t.Helper()

	registered, err := f.reg.Register(d)
	require.NoError(t, err)

	return registered
}

func TestRecordIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.tracker.Record(ctx, "domain", "dom_1", "customer:cust_1:domains"))
	require.NoError(t, f.tracker.Record(ctx, "domain", "dom_1", "customer:cust_1:domains"))

	tracked, err := f.tracker.TrackedKeys(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Equal(t, []string{"customer:cust_1:domains"}, tracked)

	require.NoError(t, f.tracker.Forget(ctx, "domain", "dom_1", "customer:cust_1:domains"))
	tracked, err = f.tracker.TrackedKeys(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Empty(t, tracked)
}

func TestConvergenceAfterAddRemove(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	d := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "domains",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.SortedSet,
	})

	item := persistence.NewRecord("dom_1", nil)
	require.NoError(t, f.engine.Add(ctx, d, "cust_1", item))
	require.NoError(t, f.engine.Remove(ctx, d, "cust_1", "dom_1"))

	tracked, err := f.tracker.TrackedKeys(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.NotContains(t, tracked, "customer:cust_1:domains")
}

func TestCurrentMembershipsVerifiesForwardState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	sorted := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "domains",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.SortedSet,
		Score:            registry.ConstantScore{Value: 5},
	})
	list := f.declare(t, registry.Descriptor{
		Kind:             registry.KindParticipation,
		Name:             "history",
		OwnerScope:       "customer",
		ParticipantScope: "domain",
		CollectionType:   registry.List,
	})

	f.catalog.PutWithID("customer", "cust_1", nil)
	item := persistence.NewRecord("dom_1", nil)

	require.NoError(t, f.engine.Add(ctx, sorted, "cust_1", item))
	require.NoError(t, f.engine.Add(ctx, list, "cust_1", item))

	// Stale entry: tracked but absent from the forward collection.
	require.NoError(t, f.tracker.Record(ctx, "domain", "dom_1", "customer:cust_1:tags"))

	// Entry whose target instance no longer loads.
	require.NoError(t, f.tracker.Record(ctx, "domain", "dom_1", "customer:cust_2:domains"))

	// Malformed key.
	require.NoError(t, f.tracker.Record(ctx, "domain", "dom_1", "justonepart"))

	memberships, err := f.tracker.CurrentMemberships(ctx, "domain", "dom_1")
	require.NoError(t, err)
	require.Len(t, memberships, 2)

	byName := map[string]Membership{}
	for _, m := range memberships {
		byName[m.Name] = m
	}

	domains := byName["domains"]
	require.Equal(t, "customer", domains.TargetScope)
	require.Equal(t, "cust_1", domains.TargetID)
	require.Equal(t, registry.SortedSet, domains.Type)
	require.NotNil(t, domains.Score)
	require.Equal(t, float64(5), *domains.Score)
	require.Nil(t, domains.Position)

	history := byName["history"]
	require.Equal(t, registry.List, history.Type)
	require.NotNil(t, history.Position)
	require.Zero(t, *history.Position)
	require.Nil(t, history.Score)
}

func TestIDsParticipatingInTarget(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	for _, key := range []string{
		"customer:cust_1:domains",
		"customer:cust_1:favorites",
		"customer:cust_2:domains",
		"customer:classwide", // class-level, no target identifier
		"other:own_1:domains",
	} {
		require.NoError(t, f.tracker.Record(ctx, "domain", "dom_1", key))
	}

	ids, err := f.tracker.IDsParticipatingInTarget(ctx, "domain", "dom_1", "customer")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"cust_1", "cust_2"}, ids)

	ids, err = f.tracker.IDsParticipatingInTarget(ctx, "domain", "dom_1", "customer", "favorites")
	require.NoError(t, err)
	require.Equal(t, []string{"cust_1"}, ids)

	ids, err = f.tracker.IDsParticipatingInTarget(ctx, "domain", "dom_1", "session")
	require.NoError(t, err)
	require.Empty(t, ids)
}
