// Package collection owns membership writes against declared participation
// collections: add, remove and bulk-add, plus the read surface the query and
// cascade engines build on.
//
// Every forward write is paired with the matching reverse-index write in one
// atomic batch, so the reverse set never drifts from the forward collection
// under a crash between the two.
package collection

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/viewkeeper/viewkeeper/pkg/keys"
	"github.com/viewkeeper/viewkeeper/pkg/logger"
	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
	"github.com/viewkeeper/viewkeeper/pkg/score"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/telemetry"
)

var tracer = otel.Tracer("viewkeeper/pkg/collection")

// ErrUnknownCollectionType if a descriptor carries a collection type the
// engine does not implement. This is a programming error, never downgraded.
var ErrUnknownCollectionType = fmt.Errorf("unknown collection type")

// Engine executes membership operations. It is safe for concurrent use; all
// consistency relies on the store's per-batch atomicity.
type Engine struct {
	store  storage.Store
	logger logger.Logger
	clock  func() time.Time
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithClock overrides the time source used for current-time score fallbacks.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		e.clock = clock
	}
}

func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		logger: logger.NewNoopLogger(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) startTrace(ctx context.Context, d *registry.Descriptor, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "collection."+name, trace.WithAttributes(
		attribute.String("collection", d.Name),
		attribute.String("owner_scope", d.OwnerScope),
	))
}

// Add inserts item into the descriptor's collection for the given owner,
// computing the score via the descriptor's strategy when the collection is a
// sorted set. The forward write and the reverse-index record are applied as
// one atomic batch.
func (e *Engine) Add(ctx context.Context, d *registry.Descriptor, ownerID string, item persistence.Instance) error {
	ctx, span := e.startTrace(ctx, d, "Add")
	defer span.End()

	ops, err := e.addOps(ctx, d, ownerID, item)
	if err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	if err := e.store.Batch(ctx, ops); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	e.logger.DebugWithContext(ctx, "added collection member",
		zap.String("key", d.CollectionKey(ownerID)),
		zap.String("member", item.Identifier()))

	return nil
}

// AddWithScore is Add with a caller-supplied score, bypassing the
// descriptor's score strategy. Only meaningful for sorted-set collections;
// other types ignore the score.
func (e *Engine) AddWithScore(ctx context.Context, d *registry.Descriptor, ownerID string, item persistence.Instance, memberScore float64) error {
	ctx, span := e.startTrace(ctx, d, "AddWithScore")
	defer span.End()

	key := d.CollectionKey(ownerID)

	forward, err := forwardAddOp(d, key, item.Identifier(), memberScore)
	if err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	ops := []storage.Op{forward, reverseRecordOp(d, key, item.Identifier())}
	if err := e.store.Batch(ctx, ops); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	return nil
}

// BulkAdd inserts every item with an independently computed score, as a
// single atomic batch.
func (e *Engine) BulkAdd(ctx context.Context, d *registry.Descriptor, ownerID string, items []persistence.Instance) error {
	ctx, span := e.startTrace(ctx, d, "BulkAdd")
	span.SetAttributes(attribute.Int("item_count", len(items)))
	defer span.End()

	if len(items) == 0 {
		return nil
	}

	var ops []storage.Op
	for _, item := range items {
		itemOps, err := e.addOps(ctx, d, ownerID, item)
		if err != nil {
			telemetry.TraceError(span, err)
			return err
		}
		ops = append(ops, itemOps...)
	}

	if err := e.store.Batch(ctx, ops); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	return nil
}

func (e *Engine) addOps(ctx context.Context, d *registry.Descriptor, ownerID string, item persistence.Instance) ([]storage.Op, error) {
	key := d.CollectionKey(ownerID)

	var memberScore float64
	if d.CollectionType == registry.SortedSet {
		strategy := d.Score
		if strategy == nil {
			strategy = registry.CurrentTimeScore{}
		}
		computed, err := strategy.Score(ctx, item, e.clock())
		if err != nil {
			return nil, fmt.Errorf("compute score for %q in %s: %w", item.Identifier(), key, err)
		}
		memberScore = computed
	}

	forward, err := forwardAddOp(d, key, item.Identifier(), memberScore)
	if err != nil {
		return nil, err
	}

	return []storage.Op{forward, reverseRecordOp(d, key, item.Identifier())}, nil
}

func forwardAddOp(d *registry.Descriptor, key, memberID string, memberScore float64) (storage.Op, error) {
	switch d.CollectionType {
	case registry.SortedSet:
		return storage.ZAddOp(key, memberID, memberScore), nil
	case registry.Set:
		return storage.SAddOp(key, memberID), nil
	case registry.List:
		return storage.RPushOp(key, memberID), nil
	default:
		return storage.Op{}, fmt.Errorf("%w: %d on collection %q", ErrUnknownCollectionType, d.CollectionType, key)
	}
}

func reverseRecordOp(d *registry.Descriptor, collectionKey, memberID string) storage.Op {
	return storage.SAddOp(keys.ReverseIndex(d.ParticipantScope, memberID), collectionKey)
}

// Remove detaches the member from the collection. For list collections every
// occurrence is removed. The reverse-index entry is forgotten in the same
// batch.
func (e *Engine) Remove(ctx context.Context, d *registry.Descriptor, ownerID, memberID string) error {
	ctx, span := e.startTrace(ctx, d, "Remove")
	defer span.End()

	key := d.CollectionKey(ownerID)

	var forward storage.Op
	switch d.CollectionType {
	case registry.SortedSet:
		forward = storage.ZRemOp(key, memberID)
	case registry.Set:
		forward = storage.SRemOp(key, memberID)
	case registry.List:
		forward = storage.LRemOp(key, memberID)
	default:
		err := fmt.Errorf("%w: %d on collection %q", ErrUnknownCollectionType, d.CollectionType, key)
		telemetry.TraceError(span, err)
		return err
	}

	ops := []storage.Op{
		forward,
		storage.SRemOp(keys.ReverseIndex(d.ParticipantScope, memberID), key),
	}
	if err := e.store.Batch(ctx, ops); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	return nil
}

// IsMember reports whether memberID currently belongs to the collection.
func (e *Engine) IsMember(ctx context.Context, d *registry.Descriptor, ownerID, memberID string) (bool, error) {
	ctx, span := e.startTrace(ctx, d, "IsMember")
	defer span.End()

	key := d.CollectionKey(ownerID)

	switch d.CollectionType {
	case registry.SortedSet:
		_, ok, err := e.store.ZScore(ctx, key, memberID)
		return ok, err
	case registry.Set:
		return e.store.SIsMember(ctx, key, memberID)
	case registry.List:
		values, err := e.store.LRange(ctx, key, 0, -1)
		if err != nil {
			return false, err
		}
		for _, v := range values {
			if v == memberID {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: %d on collection %q", ErrUnknownCollectionType, d.CollectionType, key)
	}
}

// Members returns every member identifier. Sorted sets come back in score
// order, lists in positional order, sets in store order.
func (e *Engine) Members(ctx context.Context, d *registry.Descriptor, ownerID string) ([]string, error) {
	ctx, span := e.startTrace(ctx, d, "Members")
	defer span.End()

	key := d.CollectionKey(ownerID)

	switch d.CollectionType {
	case registry.SortedSet:
		scored, err := e.store.ZRange(ctx, key, 0, -1)
		if err != nil {
			return nil, err
		}
		members := make([]string, 0, len(scored))
		for _, m := range scored {
			members = append(members, m.Member)
		}
		return members, nil
	case registry.Set:
		return e.store.SMembers(ctx, key)
	case registry.List:
		return e.store.LRange(ctx, key, 0, -1)
	default:
		return nil, fmt.Errorf("%w: %d on collection %q", ErrUnknownCollectionType, d.CollectionType, key)
	}
}

// ScoredMembers returns the members of a sorted-set collection with their
// scores, in score order.
func (e *Engine) ScoredMembers(ctx context.Context, d *registry.Descriptor, ownerID string) ([]storage.ScoredMember, error) {
	if d.CollectionType != registry.SortedSet {
		return nil, fmt.Errorf("%w: scored read on %s collection %q",
			ErrUnknownCollectionType, d.CollectionType, d.Name)
	}
	return e.store.ZRange(ctx, d.CollectionKey(ownerID), 0, -1)
}

// Score returns memberID's score in a sorted-set collection; the bool reports
// membership.
func (e *Engine) Score(ctx context.Context, d *registry.Descriptor, ownerID, memberID string) (float64, bool, error) {
	if d.CollectionType != registry.SortedSet {
		return 0, false, fmt.Errorf("%w: score lookup on %s collection %q",
			ErrUnknownCollectionType, d.CollectionType, d.Name)
	}
	return e.store.ZScore(ctx, d.CollectionKey(ownerID), memberID)
}

// Length returns the collection's cardinality.
func (e *Engine) Length(ctx context.Context, d *registry.Descriptor, ownerID string) (int64, error) {
	key := d.CollectionKey(ownerID)

	switch d.CollectionType {
	case registry.SortedSet:
		return e.store.ZCard(ctx, key)
	case registry.Set:
		return e.store.SCard(ctx, key)
	case registry.List:
		return e.store.LLen(ctx, key)
	default:
		return 0, fmt.Errorf("%w: %d on collection %q", ErrUnknownCollectionType, d.CollectionType, key)
	}
}

// Clear drops the whole collection and forgets the matching reverse-index
// entry of every current member, as one batch.
func (e *Engine) Clear(ctx context.Context, d *registry.Descriptor, ownerID string) error {
	ctx, span := e.startTrace(ctx, d, "Clear")
	defer span.End()

	key := d.CollectionKey(ownerID)

	members, err := e.Members(ctx, d, ownerID)
	if err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	ops := make([]storage.Op, 0, len(members)+1)
	seen := map[string]struct{}{}
	for _, m := range members {
		if _, dup := seen[m]; dup {
			continue
		}
		seen[m] = struct{}{}
		ops = append(ops, storage.SRemOp(keys.ReverseIndex(d.ParticipantScope, m), key))
	}
	ops = append(ops, storage.DelOp(key))

	if err := e.store.Batch(ctx, ops); err != nil {
		telemetry.TraceError(span, err)
		return err
	}

	return nil
}

// UpdateScore rewrites memberID's score in a sorted-set collection, keeping
// membership intact. Updating an absent member is a no-op reported via the
// returned bool.
func (e *Engine) UpdateScore(ctx context.Context, d *registry.Descriptor, ownerID, memberID string, newScore float64) (bool, error) {
	ctx, span := e.startTrace(ctx, d, "UpdateScore")
	defer span.End()

	if d.CollectionType != registry.SortedSet {
		return false, fmt.Errorf("%w: score update on %s collection %q",
			ErrUnknownCollectionType, d.CollectionType, d.Name)
	}

	key := d.CollectionKey(ownerID)
	_, ok, err := e.store.ZScore(ctx, key, memberID)
	if err != nil || !ok {
		return false, err
	}
	if err := e.store.ZAdd(ctx, key, memberID, newScore); err != nil {
		telemetry.TraceError(span, err)
		return false, err
	}

	return true, nil
}

// AddFlags sets permission bits on memberID's packed score, preserving its
// ordering key.
func (e *Engine) AddFlags(ctx context.Context, d *registry.Descriptor, codec *score.Codec, ownerID, memberID string, flags ...score.Flag) (bool, error) {
	return e.rewriteFlags(ctx, d, ownerID, memberID, func(current float64) float64 {
		return codec.AddFlags(current, flags...)
	})
}

// RemoveFlags clears permission bits on memberID's packed score, preserving
// its ordering key.
func (e *Engine) RemoveFlags(ctx context.Context, d *registry.Descriptor, codec *score.Codec, ownerID, memberID string, flags ...score.Flag) (bool, error) {
	return e.rewriteFlags(ctx, d, ownerID, memberID, func(current float64) float64 {
		return codec.RemoveFlags(current, flags...)
	})
}

func (e *Engine) rewriteFlags(ctx context.Context, d *registry.Descriptor, ownerID, memberID string, rewrite func(float64) float64) (bool, error) {
	if d.CollectionType != registry.SortedSet {
		return false, fmt.Errorf("%w: flag update on %s collection %q",
			ErrUnknownCollectionType, d.CollectionType, d.Name)
	}

	key := d.CollectionKey(ownerID)
	current, ok, err := e.store.ZScore(ctx, key, memberID)
	if err != nil || !ok {
		return false, err
	}
	if err := e.store.ZAdd(ctx, key, memberID, rewrite(current)); err != nil {
		return false, err
	}

	return true, nil
}
