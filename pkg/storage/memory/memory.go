// Package memory provides an ephemeral, process-local implementation of
// [storage.Store]. Instances may be safely shared by multiple goroutines.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/telemetry"
)

var tracer = otel.Tracer("viewkeeper/pkg/storage/memory")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "memory."+name)
}

type kind int

const (
	kindSortedSet kind = iota
	kindSet
	kindList
	kindHash
)

func (k kind) String() string {
	switch k {
	case kindSortedSet:
		return "sorted-set"
	case kindSet:
		return "set"
	case kindList:
		return "list"
	case kindHash:
		return "hash"
	default:
		return "unknown"
	}
}

// entry is the value stored under one key. Exactly one of the containers is
// populated, according to kind.
type entry struct {
	kind      kind
	zset      *storage.ScoredSet
	set       map[string]struct{}
	list      []string
	hash      map[string]string
	expiresAt time.Time // zero means no expiry
}

func (e *entry) empty() bool {
	switch e.kind {
	case kindSortedSet:
		return e.zset.Len() == 0
	case kindSet:
		return len(e.set) == 0
	case kindList:
		return len(e.list) == 0
	case kindHash:
		return len(e.hash) == 0
	default:
		return true
	}
}

// Datastore provides a memory-backed implementation of [storage.Store].
type Datastore struct {
	mu      sync.Mutex
	entries map[string]*entry /* GUARDED_BY(mu) */
	clock   func() time.Time
}

var _ storage.Store = (*Datastore)(nil)

// Option configures a Datastore.
type Option func(*Datastore)

// WithClock overrides the time source used for key expiry.
func WithClock(clock func() time.Time) Option {
	return func(d *Datastore) {
		d.clock = clock
	}
}

// New creates a new empty Datastore.
func New(opts ...Option) *Datastore {
	d := &Datastore{
		entries: make(map[string]*entry),
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Close see [storage.Store].Close.
func (d *Datastore) Close() {}

// IsReady see [storage.Store].IsReady.
func (d *Datastore) IsReady(ctx context.Context) (storage.ReadinessStatus, error) {
	if err := ctx.Err(); err != nil {
		return storage.ReadinessStatus{}, err
	}
	return storage.ReadinessStatus{IsReady: true}, nil
}

// purgeExpiredLocked drops key if its expiry has passed. Expiry is lazy:
// keys are reaped on access, not by a background sweeper.
func (d *Datastore) purgeExpiredLocked(key string) {
	e, ok := d.entries[key]
	if !ok {
		return
	}
	if !e.expiresAt.IsZero() && !d.clock().Before(e.expiresAt) {
		delete(d.entries, key)
	}
}

// dropIfEmptyLocked removes key when its container has no members left,
// matching the usual KV-store behavior of collections existing only while
// they have members.
func (d *Datastore) dropIfEmptyLocked(key string) {
	if e, ok := d.entries[key]; ok && e.empty() {
		delete(d.entries, key)
	}
}

func (d *Datastore) lookupLocked(key string, want kind, create bool) (*entry, error) {
	d.purgeExpiredLocked(key)
	e, ok := d.entries[key]
	if !ok {
		if !create {
			return nil, nil
		}
		e = &entry{kind: want}
		switch want {
		case kindSortedSet:
			e.zset = storage.NewScoredSet()
		case kindSet:
			e.set = make(map[string]struct{})
		case kindHash:
			e.hash = make(map[string]string)
		}
		d.entries[key] = e
		return e, nil
	}
	if e.kind != want {
		return nil, storage.WrongKindError(key, want.String(), e.kind.String())
	}
	return e, nil
}

// ZAdd see [storage.SortedSetStore].ZAdd.
func (d *Datastore) ZAdd(ctx context.Context, key, member string, score float64) error {
	_, span := startTrace(ctx, "ZAdd")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.zaddLocked(key, member, score)
}

func (d *Datastore) zaddLocked(key, member string, score float64) error {
	e, err := d.lookupLocked(key, kindSortedSet, true)
	if err != nil {
		return err
	}
	e.zset.Add(member, score)
	return nil
}

// ZRem see [storage.SortedSetStore].ZRem.
func (d *Datastore) ZRem(ctx context.Context, key, member string) error {
	_, span := startTrace(ctx, "ZRem")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.zremLocked(key, member)
}

func (d *Datastore) zremLocked(key, member string) error {
	e, err := d.lookupLocked(key, kindSortedSet, false)
	if err != nil || e == nil {
		return err
	}
	e.zset.Remove(member)
	d.dropIfEmptyLocked(key)
	return nil
}

// ZScore see [storage.SortedSetStore].ZScore.
func (d *Datastore) ZScore(ctx context.Context, key, member string) (float64, bool, error) {
	_, span := startTrace(ctx, "ZScore")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindSortedSet, false)
	if err != nil || e == nil {
		return 0, false, err
	}
	score, ok := e.zset.Score(member)
	return score, ok, nil
}

// ZCard see [storage.SortedSetStore].ZCard.
func (d *Datastore) ZCard(ctx context.Context, key string) (int64, error) {
	_, span := startTrace(ctx, "ZCard")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindSortedSet, false)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(e.zset.Len()), nil
}

// ZRangeByScore see [storage.SortedSetStore].ZRangeByScore.
func (d *Datastore) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]storage.ScoredMember, error) {
	_, span := startTrace(ctx, "ZRangeByScore")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindSortedSet, false)
	if err != nil || e == nil {
		return nil, err
	}
	return e.zset.RangeByScore(min, max), nil
}

// ZRange see [storage.SortedSetStore].ZRange.
func (d *Datastore) ZRange(ctx context.Context, key string, start, stop int64) ([]storage.ScoredMember, error) {
	_, span := startTrace(ctx, "ZRange")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindSortedSet, false)
	if err != nil || e == nil {
		return nil, err
	}
	return e.zset.RangeByRank(start, stop), nil
}

// ZRemRangeByScore see [storage.SortedSetStore].ZRemRangeByScore.
func (d *Datastore) ZRemRangeByScore(ctx context.Context, key string, min, max float64) (int64, error) {
	_, span := startTrace(ctx, "ZRemRangeByScore")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindSortedSet, false)
	if err != nil || e == nil {
		return 0, err
	}
	victims := e.zset.RangeByScore(min, max)
	for _, v := range victims {
		e.zset.Remove(v.Member)
	}
	d.dropIfEmptyLocked(key)
	return int64(len(victims)), nil
}

// ZRemRangeByRank see [storage.SortedSetStore].ZRemRangeByRank.
func (d *Datastore) ZRemRangeByRank(ctx context.Context, key string, start, stop int64) (int64, error) {
	_, span := startTrace(ctx, "ZRemRangeByRank")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindSortedSet, false)
	if err != nil || e == nil {
		return 0, err
	}
	victims := e.zset.RangeByRank(start, stop)
	for _, v := range victims {
		e.zset.Remove(v.Member)
	}
	d.dropIfEmptyLocked(key)
	return int64(len(victims)), nil
}

// SAdd see [storage.SetStore].SAdd.
func (d *Datastore) SAdd(ctx context.Context, key string, members ...string) error {
	_, span := startTrace(ctx, "SAdd")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.saddLocked(key, members...)
}

func (d *Datastore) saddLocked(key string, members ...string) error {
	e, err := d.lookupLocked(key, kindSet, true)
	if err != nil {
		return err
	}
	for _, m := range members {
		e.set[m] = struct{}{}
	}
	return nil
}

// SRem see [storage.SetStore].SRem.
func (d *Datastore) SRem(ctx context.Context, key string, members ...string) error {
	_, span := startTrace(ctx, "SRem")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.sremLocked(key, members...)
}

func (d *Datastore) sremLocked(key string, members ...string) error {
	e, err := d.lookupLocked(key, kindSet, false)
	if err != nil || e == nil {
		return err
	}
	for _, m := range members {
		delete(e.set, m)
	}
	d.dropIfEmptyLocked(key)
	return nil
}

// SIsMember see [storage.SetStore].SIsMember.
func (d *Datastore) SIsMember(ctx context.Context, key, member string) (bool, error) {
	_, span := startTrace(ctx, "SIsMember")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindSet, false)
	if err != nil || e == nil {
		return false, err
	}
	_, ok := e.set[member]
	return ok, nil
}

// SMembers see [storage.SetStore].SMembers.
func (d *Datastore) SMembers(ctx context.Context, key string) ([]string, error) {
	_, span := startTrace(ctx, "SMembers")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindSet, false)
	if err != nil || e == nil {
		return nil, err
	}
	members := make([]string, 0, len(e.set))
	for m := range e.set {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// SCard see [storage.SetStore].SCard.
func (d *Datastore) SCard(ctx context.Context, key string) (int64, error) {
	_, span := startTrace(ctx, "SCard")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindSet, false)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.set)), nil
}

// RPush see [storage.ListStore].RPush.
func (d *Datastore) RPush(ctx context.Context, key string, values ...string) error {
	_, span := startTrace(ctx, "RPush")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.rpushLocked(key, values...)
}

func (d *Datastore) rpushLocked(key string, values ...string) error {
	e, err := d.lookupLocked(key, kindList, true)
	if err != nil {
		return err
	}
	e.list = append(e.list, values...)
	return nil
}

// LRem see [storage.ListStore].LRem. Every occurrence of value is removed.
func (d *Datastore) LRem(ctx context.Context, key, value string) (int64, error) {
	_, span := startTrace(ctx, "LRem")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.lremLocked(key, value)
}

func (d *Datastore) lremLocked(key, value string) (int64, error) {
	e, err := d.lookupLocked(key, kindList, false)
	if err != nil || e == nil {
		return 0, err
	}
	kept := e.list[:0]
	var removed int64
	for _, v := range e.list {
		if v == value {
			removed++
			continue
		}
		kept = append(kept, v)
	}
	e.list = kept
	d.dropIfEmptyLocked(key)
	return removed, nil
}

// LRange see [storage.ListStore].LRange.
func (d *Datastore) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	_, span := startTrace(ctx, "LRange")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindList, false)
	if err != nil || e == nil {
		return nil, err
	}
	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || n == 0 {
		return nil, nil
	}
	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

// LLen see [storage.ListStore].LLen.
func (d *Datastore) LLen(ctx context.Context, key string) (int64, error) {
	_, span := startTrace(ctx, "LLen")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindList, false)
	if err != nil || e == nil {
		return 0, err
	}
	return int64(len(e.list)), nil
}

// HSet see [storage.HashStore].HSet.
func (d *Datastore) HSet(ctx context.Context, key, field, value string) error {
	_, span := startTrace(ctx, "HSet")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.hsetLocked(key, field, value)
}

func (d *Datastore) hsetLocked(key, field, value string) error {
	e, err := d.lookupLocked(key, kindHash, true)
	if err != nil {
		return err
	}
	e.hash[field] = value
	return nil
}

// HGet see [storage.HashStore].HGet.
func (d *Datastore) HGet(ctx context.Context, key, field string) (string, bool, error) {
	_, span := startTrace(ctx, "HGet")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindHash, false)
	if err != nil || e == nil {
		return "", false, err
	}
	v, ok := e.hash[field]
	return v, ok, nil
}

// HDel see [storage.HashStore].HDel.
func (d *Datastore) HDel(ctx context.Context, key string, fields ...string) error {
	_, span := startTrace(ctx, "HDel")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.hdelLocked(key, fields...)
}

func (d *Datastore) hdelLocked(key string, fields ...string) error {
	e, err := d.lookupLocked(key, kindHash, false)
	if err != nil || e == nil {
		return err
	}
	for _, f := range fields {
		delete(e.hash, f)
	}
	d.dropIfEmptyLocked(key)
	return nil
}

// HGetAll see [storage.HashStore].HGetAll.
func (d *Datastore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	_, span := startTrace(ctx, "HGetAll")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	e, err := d.lookupLocked(key, kindHash, false)
	if err != nil || e == nil {
		return map[string]string{}, err
	}
	out := make(map[string]string, len(e.hash))
	for f, v := range e.hash {
		out[f] = v
	}
	return out, nil
}

// membersWithScores reads a source key for set algebra. Sorted sets
// contribute their scores; plain sets contribute score 1. Missing keys are
// empty.
func (d *Datastore) membersWithScoresLocked(key string) (map[string]float64, error) {
	d.purgeExpiredLocked(key)
	e, ok := d.entries[key]
	if !ok {
		return map[string]float64{}, nil
	}
	out := make(map[string]float64)
	switch e.kind {
	case kindSortedSet:
		for _, m := range e.zset.Values() {
			out[m.Member] = m.Score
		}
	case kindSet:
		for m := range e.set {
			out[m] = 1
		}
	default:
		return nil, storage.WrongKindError(key, "sorted-set or set", e.kind.String())
	}
	return out, nil
}

// ZUnionStore see [storage.AlgebraStore].ZUnionStore.
func (d *Datastore) ZUnionStore(ctx context.Context, destination string, sources []string) (int64, error) {
	_, span := startTrace(ctx, "ZUnionStore")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	union := make(map[string]float64)
	for _, src := range sources {
		members, err := d.membersWithScoresLocked(src)
		if err != nil {
			telemetry.TraceError(span, err)
			return 0, err
		}
		for m, s := range members {
			union[m] += s
		}
	}
	return d.storeAlgebraResultLocked(destination, union), nil
}

// ZInterStore see [storage.AlgebraStore].ZInterStore.
func (d *Datastore) ZInterStore(ctx context.Context, destination string, sources []string) (int64, error) {
	_, span := startTrace(ctx, "ZInterStore")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if len(sources) == 0 {
		return d.storeAlgebraResultLocked(destination, nil), nil
	}

	inter, err := d.membersWithScoresLocked(sources[0])
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, err
	}
	for _, src := range sources[1:] {
		members, err := d.membersWithScoresLocked(src)
		if err != nil {
			telemetry.TraceError(span, err)
			return 0, err
		}
		for m := range inter {
			s, ok := members[m]
			if !ok {
				delete(inter, m)
				continue
			}
			inter[m] += s
		}
	}
	return d.storeAlgebraResultLocked(destination, inter), nil
}

// storeAlgebraResultLocked replaces destination with the computed member set.
// An empty result still leaves destination absent, mirroring dropIfEmpty.
func (d *Datastore) storeAlgebraResultLocked(destination string, members map[string]float64) int64 {
	delete(d.entries, destination)
	if len(members) == 0 {
		return 0
	}
	e := &entry{kind: kindSortedSet, zset: storage.NewScoredSet()}
	for m, s := range members {
		e.zset.Add(m, s)
	}
	d.entries[destination] = e
	return int64(len(members))
}

// Scan see [storage.KeyStore].Scan. The cursor is an offset into the sorted
// key list; concurrent writes may be seen, missed, or seen twice.
func (d *Datastore) Scan(ctx context.Context, cursor uint64, pattern string, count int64) ([]string, uint64, error) {
	_, span := startTrace(ctx, "Scan")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	if count <= 0 {
		count = storage.DefaultScanCount
	}

	matched := make([]string, 0)
	for key := range d.entries {
		if storage.MatchKey(pattern, key) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)

	if cursor >= uint64(len(matched)) {
		return nil, 0, nil
	}
	end := cursor + uint64(count)
	if end >= uint64(len(matched)) {
		return matched[cursor:], 0, nil
	}
	return matched[cursor:end], end, nil
}

// Del see [storage.KeyStore].Del.
func (d *Datastore) Del(ctx context.Context, keys ...string) error {
	_, span := startTrace(ctx, "Del")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, key := range keys {
		delete(d.entries, key)
	}
	return nil
}

// Expire see [storage.KeyStore].Expire.
func (d *Datastore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	_, span := startTrace(ctx, "Expire")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	return d.expireLocked(key, ttl)
}

func (d *Datastore) expireLocked(key string, ttl time.Duration) error {
	if ttl <= 0 {
		delete(d.entries, key)
		return nil
	}
	d.purgeExpiredLocked(key)
	if e, ok := d.entries[key]; ok {
		e.expiresAt = d.clock().Add(ttl)
	}
	return nil
}

// Exists see [storage.KeyStore].Exists.
func (d *Datastore) Exists(ctx context.Context, key string) (bool, error) {
	_, span := startTrace(ctx, "Exists")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	d.purgeExpiredLocked(key)
	_, ok := d.entries[key]
	return ok, nil
}

// Batch see [storage.Store].Batch. Ops are validated before any of them is
// applied, so a malformed batch leaves the store untouched.
func (d *Datastore) Batch(ctx context.Context, ops []storage.Op) error {
	_, span := startTrace(ctx, "Batch")
	defer span.End()

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, op := range ops {
		switch op.Code {
		case storage.OpZAdd, storage.OpZRem, storage.OpSAdd, storage.OpSRem,
			storage.OpRPush, storage.OpLRem, storage.OpHSet, storage.OpHDel,
			storage.OpDel, storage.OpExpire:
		default:
			err := storage.ErrUnknownOpCode
			telemetry.TraceError(span, err)
			return err
		}
	}

	for _, op := range ops {
		var err error
		switch op.Code {
		case storage.OpZAdd:
			err = d.zaddLocked(op.Key, op.Member, op.Score)
		case storage.OpZRem:
			err = d.zremLocked(op.Key, op.Member)
		case storage.OpSAdd:
			err = d.saddLocked(op.Key, op.Member)
		case storage.OpSRem:
			err = d.sremLocked(op.Key, op.Member)
		case storage.OpRPush:
			err = d.rpushLocked(op.Key, op.Value)
		case storage.OpLRem:
			_, err = d.lremLocked(op.Key, op.Value)
		case storage.OpHSet:
			err = d.hsetLocked(op.Key, op.Field, op.Value)
		case storage.OpHDel:
			err = d.hdelLocked(op.Key, op.Field)
		case storage.OpDel:
			delete(d.entries, op.Key)
		case storage.OpExpire:
			err = d.expireLocked(op.Key, op.TTL)
		}
		if err != nil {
			telemetry.TraceError(span, err)
			return err
		}
	}
	return nil
}
