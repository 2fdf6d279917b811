package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/storage/test"
)

func newTestDatastore(t *testing.T) *Datastore {
	t.Helper()

	uri := "file:" + filepath.Join(t.TempDir(), "viewkeeper.db")
	require.NoError(t, RunMigrations(uri, false))

	ds, err := New(uri, &Config{})
	require.NoError(t, err)
	t.Cleanup(ds.Close)

	return ds
}

func TestSQLiteDatastore(t *testing.T) {
	ds := newTestDatastore(t)

	test.RunAllTests(t, ds)
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	now := time.Now()
	ds.clock = func() time.Time { return now }

	require.NoError(t, ds.SAdd(ctx, "scope:id:things", "m"))
	require.NoError(t, ds.Expire(ctx, "scope:id:things", time.Minute))

	exists, err := ds.Exists(ctx, "scope:id:things")
	require.NoError(t, err)
	require.True(t, exists)

	now = now.Add(2 * time.Minute)

	exists, err = ds.Exists(ctx, "scope:id:things")
	require.NoError(t, err)
	require.False(t, exists)

	keys, _, err := ds.Scan(ctx, 0, "scope:*", storage.DefaultScanCount)
	require.NoError(t, err)
	require.NotContains(t, keys, "scope:id:things")

	// A write under the expired key reclaims it as a fresh container.
	require.NoError(t, ds.ZAdd(ctx, "scope:id:things", "m", 1))
	card, err := ds.ZCard(ctx, "scope:id:things")
	require.NoError(t, err)
	require.Equal(t, int64(1), card)
}

func TestWrongKind(t *testing.T) {
	ctx := context.Background()
	ds := newTestDatastore(t)

	require.NoError(t, ds.SAdd(ctx, "scope:id:things", "m"))

	err := ds.ZAdd(ctx, "scope:id:things", "m", 1)
	require.ErrorIs(t, err, storage.ErrWrongKind)

	_, _, err = ds.HGet(ctx, "scope:id:things", "f")
	require.ErrorIs(t, err, storage.ErrWrongKind)
}

func TestPrepareDSN(t *testing.T) {
	prepared, err := PrepareDSN("file:test.db")
	require.NoError(t, err)
	require.Contains(t, prepared, "_txlock=immediate")
	require.Contains(t, prepared, "journal_mode%28WAL%29")
	require.Contains(t, prepared, "busy_timeout%28100%29")

	prepared, err = PrepareDSN("file:test.db?_pragma=journal_mode(DELETE)")
	require.NoError(t, err)
	require.Contains(t, prepared, "journal_mode%28DELETE%29")
	require.NotContains(t, prepared, "journal_mode%28WAL%29")
}

func TestPatternToLike(t *testing.T) {
	require.Equal(t, "customer:%:domains", patternToLike("customer:*:domains"))
	require.Equal(t, "a\\%b\\_c", patternToLike("a%b_c"))
}
