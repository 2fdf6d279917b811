// Package cascade detaches a destroyed object from every collection and
// index it participates in, according to each relationship's declared
// strategy.
//
// Deleting the primary object never triggers cleanup implicitly; callers
// invoke this engine explicitly, with DryRun available for impact preview.
package cascade

import (
	"context"
	"errors"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/viewkeeper/viewkeeper/pkg/keys"
	"github.com/viewkeeper/viewkeeper/pkg/logger"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
	"github.com/viewkeeper/viewkeeper/pkg/reverseindex"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/telemetry"
)

var tracer = otel.Tracer("viewkeeper/pkg/cascade")

func withParticipant(scope, id string) oteltrace.SpanStartOption {
	return oteltrace.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("participant", id),
	)
}

// Notification describes one detachment handed to an application callback
// under the cascade strategy. The framework never decides whether the owner
// should itself be destroyed; that is the callback's call.
type Notification struct {
	Descriptor    *registry.Descriptor
	OwnerID       string // empty for class-level collections
	ParticipantID string
	Key           string
}

// NotifyFunc is invoked after a cascade-strategy detachment. Errors
// propagate to the caller of Detach.
type NotifyFunc func(ctx context.Context, n Notification) error

// Plan is the predicted or applied effect of one detachment run.
type Plan struct {
	// Removals counts individual membership and index-entry detachments.
	Removals int

	// Cascades counts the application callbacks that fire.
	Cascades int

	// AffectedKeys lists every store key touched, sorted and unique.
	AffectedKeys []string
}

type notifyKey struct {
	kind registry.Kind
	name string
}

// Engine computes and applies detachment plans.
type Engine struct {
	store   storage.Store
	reg     *registry.Registry
	tracker *reverseindex.Tracker
	logger  logger.Logger

	mu       sync.RWMutex
	notifier map[notifyKey]NotifyFunc
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(store storage.Store, reg *registry.Registry, tracker *reverseindex.Tracker, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		reg:      reg,
		tracker:  tracker,
		logger:   logger.NewNoopLogger(),
		notifier: map[notifyKey]NotifyFunc{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// OnCascade registers the callback invoked for cascade-strategy
// relationships of the given kind and collection name. Registering again
// replaces the previous callback.
func (e *Engine) OnCascade(kind registry.Kind, name string, fn NotifyFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.notifier[notifyKey{kind: kind, name: name}] = fn
}

func (e *Engine) notifyFor(d *registry.Descriptor) (NotifyFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	fn, ok := e.notifier[notifyKey{kind: d.Kind, name: d.Name}]
	return fn, ok
}

// Detach removes the participant from every relationship per its declared
// strategy: remove and cascade detach, ignore leaves membership
// intentionally stale. Index entries are always cleaned regardless of
// strategy, since a stale index entry is worse than a missed cascade. All
// removals are applied as one atomic batch, then cascade callbacks fire.
func (e *Engine) Detach(ctx context.Context, participantScope, participantID string) (*Plan, error) {
	ctx, span := tracer.Start(ctx, "cascade.Detach", withParticipant(participantScope, participantID))
	defer span.End()

	plan, ops, notifications, err := e.compute(ctx, participantScope, participantID)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	if len(ops) > 0 {
		if err := e.store.Batch(ctx, ops); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
	}

	for _, n := range notifications {
		fn, ok := e.notifyFor(n.Descriptor)
		if !ok {
			e.logger.WarnWithContext(ctx, "no cascade callback registered",
				zap.String("relationship", n.Descriptor.Name),
				zap.String("participant", participantID))
			continue
		}
		if err := fn(ctx, n); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
	}

	e.logger.InfoWithContext(ctx, "detached participant",
		zap.String("scope", participantScope),
		zap.String("participant", participantID),
		zap.Int("removals", plan.Removals),
		zap.Int("cascades", plan.Cascades))

	return plan, nil
}

// DryRun computes the same plan Detach would apply, without mutating
// anything.
func (e *Engine) DryRun(ctx context.Context, participantScope, participantID string) (*Plan, error) {
	ctx, span := tracer.Start(ctx, "cascade.DryRun", withParticipant(participantScope, participantID))
	defer span.End()

	plan, _, _, err := e.compute(ctx, participantScope, participantID)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	return plan, nil
}

func (e *Engine) compute(ctx context.Context, participantScope, participantID string) (*Plan, []storage.Op, []Notification, error) {
	plan := &Plan{}
	var ops []storage.Op
	var notifications []Notification
	affected := map[string]struct{}{}

	for _, d := range e.reg.ParticipatedBy(participantScope) {
		if d.IsIndex() {
			indexOps, err := e.indexRemovals(ctx, d, participantID, affected)
			if err != nil {
				return nil, nil, nil, err
			}
			plan.Removals += len(indexOps)
			ops = append(ops, indexOps...)
			continue
		}

		if d.Cascade == registry.CascadeIgnore {
			continue
		}

		candidates, err := e.candidateKeys(ctx, d, participantScope, participantID)
		if err != nil {
			return nil, nil, nil, err
		}

		for _, key := range candidates {
			isMember, err := e.isMember(ctx, d, key, participantID)
			if err != nil {
				return nil, nil, nil, err
			}
			if !isMember {
				continue
			}

			ops = append(ops, forwardRemoveOp(d, key, participantID),
				storage.SRemOp(keys.ReverseIndex(d.ParticipantScope, participantID), key))
			affected[key] = struct{}{}
			plan.Removals++

			if d.Cascade == registry.CascadeNotify {
				ownerID := ""
				if parsed, err := keys.ParseCollection(key); err == nil {
					ownerID = parsed.OwnerID
				}
				notifications = append(notifications, Notification{
					Descriptor:    d,
					OwnerID:       ownerID,
					ParticipantID: participantID,
					Key:           key,
				})
				plan.Cascades++
			}
		}
	}

	plan.AffectedKeys = make([]string, 0, len(affected))
	for key := range affected {
		plan.AffectedKeys = append(plan.AffectedKeys, key)
	}
	sort.Strings(plan.AffectedKeys)

	return plan, ops, notifications, nil
}

// candidateKeys merges the participant's tracked reverse-index keys with a
// pattern scan over the relationship's key space, so entries missing from
// either side are still found. The scan sees no point-in-time snapshot;
// repeated runs converge.
func (e *Engine) candidateKeys(ctx context.Context, d *registry.Descriptor, participantScope, participantID string) ([]string, error) {
	seen := map[string]struct{}{}
	var candidates []string

	add := func(key string) {
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		candidates = append(candidates, key)
	}

	tracked, err := e.tracker.TrackedKeys(ctx, participantScope, participantID)
	if err != nil {
		return nil, err
	}
	pattern := d.ScanPattern()
	for _, key := range tracked {
		if storage.MatchKey(pattern, key) {
			add(key)
		}
	}

	var cursor uint64
	for {
		page, next, err := e.store.Scan(ctx, cursor, pattern, storage.DefaultScanCount)
		if err != nil {
			return nil, err
		}
		for _, key := range page {
			add(key)
		}
		if next == 0 {
			break
		}
		cursor = next
	}

	sort.Strings(candidates)

	return candidates, nil
}

// isMember checks the participant against one candidate key. The scan
// pattern can collide with a key from another relationship's space, such as
// an index value key whose field value equals the collection name; a key of
// the wrong kind is not a membership.
func (e *Engine) isMember(ctx context.Context, d *registry.Descriptor, key, participantID string) (bool, error) {
	ok, err := e.checkMember(ctx, d, key, participantID)
	if errors.Is(err, storage.ErrWrongKind) {
		return false, nil
	}
	return ok, err
}

func (e *Engine) checkMember(ctx context.Context, d *registry.Descriptor, key, participantID string) (bool, error) {
	switch d.CollectionType {
	case registry.SortedSet:
		_, ok, err := e.store.ZScore(ctx, key, participantID)
		return ok, err
	case registry.Set:
		return e.store.SIsMember(ctx, key, participantID)
	case registry.List:
		values, err := e.store.LRange(ctx, key, 0, -1)
		if err != nil {
			return false, err
		}
		for _, v := range values {
			if v == participantID {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}

func forwardRemoveOp(d *registry.Descriptor, key, participantID string) storage.Op {
	switch d.CollectionType {
	case registry.Set:
		return storage.SRemOp(key, participantID)
	case registry.List:
		return storage.LRemOp(key, participantID)
	default:
		return storage.ZRemOp(key, participantID)
	}
}

// indexRemovals finds every index entry pointing at the participant. The
// instance itself may already be gone, so entries are located by scanning
// the index keys, not by re-reading the indexed field.
func (e *Engine) indexRemovals(ctx context.Context, d *registry.Descriptor, participantID string, affected map[string]struct{}) ([]storage.Op, error) {
	var ops []storage.Op

	var cursor uint64
	pattern := d.ScanPattern()
	for {
		page, next, err := e.store.Scan(ctx, cursor, pattern, storage.DefaultScanCount)
		if err != nil {
			return nil, err
		}

		for _, key := range page {
			if d.Cardinality == registry.Unique {
				entries, err := e.store.HGetAll(ctx, key)
				if errors.Is(err, storage.ErrWrongKind) {
					continue
				}
				if err != nil {
					return nil, err
				}
				fields := make([]string, 0, len(entries))
				for field, identifier := range entries {
					if identifier == participantID {
						fields = append(fields, field)
					}
				}
				sort.Strings(fields)
				for _, field := range fields {
					ops = append(ops, storage.HDelOp(key, field))
					affected[key] = struct{}{}
				}
				continue
			}

			ok, err := e.store.SIsMember(ctx, key, participantID)
			if errors.Is(err, storage.ErrWrongKind) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if ok {
				ops = append(ops, storage.SRemOp(key, participantID))
				affected[key] = struct{}{}
			}
		}

		if next == 0 {
			return ops, nil
		}
		cursor = next
	}
}
