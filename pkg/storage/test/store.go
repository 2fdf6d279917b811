// Package test contains the conformance suite every [storage.Store]
// implementation must pass.
package test

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/viewkeeper/viewkeeper/pkg/storage"
)

// RunAllTests exercises the full Store contract against ds.
func RunAllTests(t *testing.T, ds storage.Store) {
	t.Run("TestStoreIsReady", func(t *testing.T) {
		status, err := ds.IsReady(context.Background())
		require.NoError(t, err)
		require.True(t, status.IsReady)
	})

	t.Run("TestSortedSet", func(t *testing.T) { SortedSetTest(t, ds) })
	t.Run("TestSet", func(t *testing.T) { SetTest(t, ds) })
	t.Run("TestList", func(t *testing.T) { ListTest(t, ds) })
	t.Run("TestHash", func(t *testing.T) { HashTest(t, ds) })
	t.Run("TestAlgebra", func(t *testing.T) { AlgebraTest(t, ds) })
	t.Run("TestScan", func(t *testing.T) { ScanTest(t, ds) })
	t.Run("TestBatch", func(t *testing.T) { BatchTest(t, ds) })
	t.Run("TestExpire", func(t *testing.T) { ExpireTest(t, ds) })
}

func SortedSetTest(t *testing.T, ds storage.Store) {
	ctx := context.Background()
	key := "conformance:zset:basic"
	t.Cleanup(func() { _ = ds.Del(ctx, key) })

	// Absent key reads as empty, never errors.
	card, err := ds.ZCard(ctx, key)
	require.NoError(t, err)
	require.Zero(t, card)

	_, ok, err := ds.ZScore(ctx, key, "nobody")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ds.ZAdd(ctx, key, "a", 1))
	require.NoError(t, ds.ZAdd(ctx, key, "b", 2))
	require.NoError(t, ds.ZAdd(ctx, key, "c", 3))

	card, err = ds.ZCard(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(3), card)

	// Re-adding replaces the score.
	require.NoError(t, ds.ZAdd(ctx, key, "a", 10))
	score, ok, err := ds.ZScore(ctx, key, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 10.0, score)
	require.NoError(t, ds.ZAdd(ctx, key, "a", 1))

	members, err := ds.ZRangeByScore(ctx, key, 2, 3)
	require.NoError(t, err)
	require.True(t, cmp.Equal([]storage.ScoredMember{
		{Member: "b", Score: 2},
		{Member: "c", Score: 3},
	}, members), cmp.Diff([]storage.ScoredMember{{Member: "b", Score: 2}, {Member: "c", Score: 3}}, members))

	ranked, err := ds.ZRange(ctx, key, 0, 1)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	require.Equal(t, "a", ranked[0].Member)

	tail, err := ds.ZRange(ctx, key, -1, -1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	require.Equal(t, "c", tail[0].Member)

	removed, err := ds.ZRemRangeByScore(ctx, key, 3, 100)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	require.NoError(t, ds.ZRem(ctx, key, "a"))
	require.NoError(t, ds.ZRem(ctx, key, "a")) // absent member is a no-op

	card, err = ds.ZCard(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(1), card)

	removed, err = ds.ZRemRangeByRank(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	exists, err := ds.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists, "emptied sorted set must not linger as a key")
}

func SetTest(t *testing.T, ds storage.Store) {
	ctx := context.Background()
	key := "conformance:set:basic"
	t.Cleanup(func() { _ = ds.Del(ctx, key) })

	ok, err := ds.SIsMember(ctx, key, "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ds.SAdd(ctx, key, "a", "b"))
	require.NoError(t, ds.SAdd(ctx, key, "a")) // idempotent

	card, err := ds.SCard(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(2), card)

	members, err := ds.SMembers(ctx, key)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, ds.SRem(ctx, key, "a", "missing"))
	ok, err = ds.SIsMember(ctx, key, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func ListTest(t *testing.T, ds storage.Store) {
	ctx := context.Background()
	key := "conformance:list:basic"
	t.Cleanup(func() { _ = ds.Del(ctx, key) })

	require.NoError(t, ds.RPush(ctx, key, "x", "y", "x", "z"))

	n, err := ds.LLen(ctx, key)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	all, err := ds.LRange(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"x", "y", "x", "z"}, all)

	// LRem removes every occurrence.
	removed, err := ds.LRem(ctx, key, "x")
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	all, err = ds.LRange(ctx, key, 0, -1)
	require.NoError(t, err)
	require.Equal(t, []string{"y", "z"}, all)
}

func HashTest(t *testing.T, ds storage.Store) {
	ctx := context.Background()
	key := "conformance:hash:basic"
	t.Cleanup(func() { _ = ds.Del(ctx, key) })

	_, ok, err := ds.HGet(ctx, key, "f")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, ds.HSet(ctx, key, "f1", "v1"))
	require.NoError(t, ds.HSet(ctx, key, "f2", "v2"))
	require.NoError(t, ds.HSet(ctx, key, "f1", "v1b")) // overwrite

	v, ok, err := ds.HGet(ctx, key, "f1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1b", v)

	all, err := ds.HGetAll(ctx, key)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"f1": "v1b", "f2": "v2"}, all)

	require.NoError(t, ds.HDel(ctx, key, "f1", "missing"))
	_, ok, err = ds.HGet(ctx, key, "f1")
	require.NoError(t, err)
	require.False(t, ok)
}

func AlgebraTest(t *testing.T, ds storage.Store) {
	ctx := context.Background()
	first := "conformance:algebra:first"
	second := "conformance:algebra:second"
	dest := "conformance:algebra:dest"
	t.Cleanup(func() { _ = ds.Del(ctx, first, second, dest) })

	require.NoError(t, ds.ZAdd(ctx, first, "a", 1))
	require.NoError(t, ds.ZAdd(ctx, first, "b", 2))
	require.NoError(t, ds.ZAdd(ctx, first, "c", 3))
	require.NoError(t, ds.ZAdd(ctx, second, "b", 2))
	require.NoError(t, ds.ZAdd(ctx, second, "c", 3))
	require.NoError(t, ds.ZAdd(ctx, second, "d", 4))

	card, err := ds.ZInterStore(ctx, dest, []string{first, second})
	require.NoError(t, err)
	require.Equal(t, int64(2), card)
	members, err := ds.ZRange(ctx, dest, 0, -1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"b", "c"}, memberNames(members))

	card, err = ds.ZUnionStore(ctx, dest, []string{first, second})
	require.NoError(t, err)
	require.Equal(t, int64(4), card)
	members, err = ds.ZRange(ctx, dest, 0, -1)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b", "c", "d"}, memberNames(members))

	// Sources of zero length yield an empty destination, not an error.
	card, err = ds.ZUnionStore(ctx, dest, []string{"conformance:algebra:absent"})
	require.NoError(t, err)
	require.Zero(t, card)
}

func ScanTest(t *testing.T, ds storage.Store) {
	ctx := context.Background()
	seeded := []string{
		"conformance:scan:alpha:items",
		"conformance:scan:beta:items",
		"conformance:scan:beta:other",
	}
	t.Cleanup(func() { _ = ds.Del(ctx, seeded...) })

	for _, key := range seeded {
		require.NoError(t, ds.SAdd(ctx, key, "m"))
	}

	var found []string
	var cursor uint64
	for {
		keys, next, err := ds.Scan(ctx, cursor, "conformance:scan:*:items", 1)
		require.NoError(t, err)
		found = append(found, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}
	require.ElementsMatch(t, []string{
		"conformance:scan:alpha:items",
		"conformance:scan:beta:items",
	}, found)

	keys, next, err := ds.Scan(ctx, 0, "conformance:scan:no-such:*", storage.DefaultScanCount)
	require.NoError(t, err)
	require.Empty(t, keys)
	require.Zero(t, next)
}

func BatchTest(t *testing.T, ds storage.Store) {
	ctx := context.Background()
	zkey := "conformance:batch:zset"
	skey := "conformance:batch:set"
	t.Cleanup(func() { _ = ds.Del(ctx, zkey, skey) })

	err := ds.Batch(ctx, []storage.Op{
		storage.ZAddOp(zkey, "a", 1),
		storage.ZAddOp(zkey, "b", 2),
		storage.SAddOp(skey, "a"),
	})
	require.NoError(t, err)

	card, err := ds.ZCard(ctx, zkey)
	require.NoError(t, err)
	require.Equal(t, int64(2), card)

	ok, err := ds.SIsMember(ctx, skey, "a")
	require.NoError(t, err)
	require.True(t, ok)

	err = ds.Batch(ctx, []storage.Op{
		storage.ZRemOp(zkey, "a"),
		storage.SRemOp(skey, "a"),
		storage.DelOp("conformance:batch:absent"),
	})
	require.NoError(t, err)

	card, err = ds.ZCard(ctx, zkey)
	require.NoError(t, err)
	require.Equal(t, int64(1), card)

	// A batch with an unknown op code is rejected without partial effects.
	err = ds.Batch(ctx, []storage.Op{
		storage.ZAddOp(zkey, "never", 9),
		{Code: storage.OpCode(99), Key: zkey},
	})
	require.ErrorIs(t, err, storage.ErrUnknownOpCode)

	_, ok, err = ds.ZScore(ctx, zkey, "never")
	require.NoError(t, err)
	require.False(t, ok)
}

func ExpireTest(t *testing.T, ds storage.Store) {
	ctx := context.Background()
	key := "conformance:expire:basic"
	t.Cleanup(func() { _ = ds.Del(ctx, key) })

	require.NoError(t, ds.SAdd(ctx, key, "m"))

	// A generous TTL keeps the key visible.
	require.NoError(t, ds.Expire(ctx, key, time.Hour))
	exists, err := ds.Exists(ctx, key)
	require.NoError(t, err)
	require.True(t, exists)

	// A non-positive TTL deletes immediately.
	require.NoError(t, ds.Expire(ctx, key, 0))
	exists, err = ds.Exists(ctx, key)
	require.NoError(t, err)
	require.False(t, exists)

	// Expiring an absent key is a no-op.
	require.NoError(t, ds.Expire(ctx, "conformance:expire:absent", time.Hour))
}

func memberNames(members []storage.ScoredMember) []string {
	names := make([]string, 0, len(members))
	for _, m := range members {
		names = append(names, m.Member)
	}
	return names
}
