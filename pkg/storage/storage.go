// Package storage contains the key-value store interfaces and shared
// primitives used by every viewkeeper engine.
package storage

import (
	"context"
	"strings"
	"time"
)

// DefaultScanCount is the per-iteration hint passed to Scan when callers do
// not care about page sizing.
const DefaultScanCount = 100

// ScoredMember is one member of a sorted set together with its score.
type ScoredMember struct {
	Member string
	Score  float64
}

// SortedSetStore provides scored-set primitives. Rank arguments follow the
// usual convention: zero-based from the low end, negative values count from
// the high end (-1 is the highest-scored member).
type SortedSetStore interface {
	// ZAdd inserts member with score, overwriting the score if the member
	// already exists.
	ZAdd(ctx context.Context, key, member string, score float64) error

	// ZRem removes member. Removing an absent member is not an error.
	ZRem(ctx context.Context, key, member string) error

	// ZScore returns the member's score; the bool reports presence.
	ZScore(ctx context.Context, key, member string) (float64, bool, error)

	// ZCard returns the number of members.
	ZCard(ctx context.Context, key string) (int64, error)

	// ZRangeByScore returns members with min <= score <= max in score order.
	ZRangeByScore(ctx context.Context, key string, min, max float64) ([]ScoredMember, error)

	// ZRange returns members in the rank window [start, stop], inclusive.
	ZRange(ctx context.Context, key string, start, stop int64) ([]ScoredMember, error)

	// ZRemRangeByScore removes members with min <= score <= max, returning
	// how many were removed.
	ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error)

	// ZRemRangeByRank removes members in the rank window [start, stop].
	ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error)
}

// SetStore provides plain-set primitives.
type SetStore interface {
	SAdd(ctx context.Context, key string, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SIsMember(ctx context.Context, key, member string) (bool, error)
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
}

// ListStore provides positional-list primitives.
type ListStore interface {
	RPush(ctx context.Context, key string, values ...string) error

	// LRem removes every occurrence of value, returning how many were
	// removed.
	LRem(ctx context.Context, key, value string) (int64, error)

	// LRange returns elements in the position window [start, stop],
	// inclusive, with negative positions counting from the tail.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	LLen(ctx context.Context, key string) (int64, error)
}

// HashStore provides hash-map primitives.
type HashStore interface {
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
}

// AlgebraStore provides native set-algebra over sorted sets. Both operations
// store their result at destination, replacing whatever was there, and return
// the resulting cardinality. Scores of members present in several sources
// are summed.
type AlgebraStore interface {
	ZUnionStore(ctx context.Context, destination string, sources []string) (int64, error)
	ZInterStore(ctx context.Context, destination string, sources []string) (int64, error)
}

// KeyStore provides key-space operations.
type KeyStore interface {
	// Scan iterates keys matching pattern starting at cursor. A returned
	// cursor of zero means iteration is complete. There is no point-in-time
	// snapshot guarantee: keys written concurrently may be seen, missed, or
	// seen twice.
	Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error)

	// Del removes keys of any kind. Deleting absent keys is not an error.
	Del(ctx context.Context, keys ...string) error

	// Expire sets a time-to-live on key. A non-positive ttl deletes the key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	Exists(ctx context.Context, key string) (bool, error)
}

// Store is the full key-value adapter contract the engines are written
// against.
type Store interface {
	SortedSetStore
	SetStore
	ListStore
	HashStore
	AlgebraStore
	KeyStore

	// Batch applies ops atomically: either every op is applied with no
	// interleaving from other batches, or none is.
	Batch(ctx context.Context, ops []Op) error

	// IsReady reports whether the store is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close closes the store and cleans up any residual resources.
	Close()
}

// ReadinessStatus represents the readiness status of the store.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current store status.
	Message string

	IsReady bool
}

// MatchKey reports whether key matches pattern, where '*' matches any run of
// characters (including none) and every other character matches itself.
func MatchKey(pattern, key string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == key
	}
	if !strings.HasPrefix(key, parts[0]) {
		return false
	}
	key = key[len(parts[0]):]
	for i := 1; i < len(parts)-1; i++ {
		idx := strings.Index(key, parts[i])
		if idx < 0 {
			return false
		}
		key = key[idx+len(parts[i]):]
	}
	return strings.HasSuffix(key, parts[len(parts)-1])
}
