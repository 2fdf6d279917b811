package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/storage/test"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMemoryDatastore(t *testing.T) {
	ds := New()
	defer ds.Close()

	test.RunAllTests(t, ds)
}

func TestLazyExpiry(t *testing.T) {
	ctx := context.Background()

	now := time.Now()
	ds := New(WithClock(func() time.Time { return now }))
	defer ds.Close()

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
}

func TestWrongKind(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	require.NoError(t, ds.SAdd(ctx, "scope:id:things", "m"))

	err := ds.ZAdd(ctx, "scope:id:things", "m", 1)
	require.ErrorIs(t, err, storage.ErrWrongKind)

	_, _, err = ds.HGet(ctx, "scope:id:things", "f")
	require.ErrorIs(t, err, storage.ErrWrongKind)
}

func TestScanSeesNoExpiredCursorDrift(t *testing.T) {
	ctx := context.Background()
	ds := New()
	defer ds.Close()

	for _, key := range []string{"a:1:c", "a:2:c", "a:3:c"} {
		require.NoError(t, ds.SAdd(ctx, key, "m"))
	}

	keys, next, err := ds.Scan(ctx, 0, "a:*:c", 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
	require.NotZero(t, next)

	keys, next, err = ds.Scan(ctx, next, "a:*:c", 2)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	require.Zero(t, next)
}
