// Package reverseindex tracks, per participant, every collection key the
// participant has been added to, so that cleanup costs O(tracked keys)
// instead of a full key-space scan.
//
// The reverse set is an index into candidates, not ground truth: reads
// re-verify each tracked key against the forward collection, and entries
// whose target no longer resolves are silently skipped. Rebuild is the
// recovery path when the two drift.
package reverseindex

import (
	"context"
	"errors"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/viewkeeper/viewkeeper/pkg/keys"
	"github.com/viewkeeper/viewkeeper/pkg/logger"
	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/telemetry"
)

var tracer = otel.Tracer("viewkeeper/pkg/reverseindex")

// Membership is one verified forward-collection membership of a participant.
type Membership struct {
	TargetScope string

	// TargetID is empty for class-level collections.
	TargetID string

	Name string
	Type registry.CollectionType

	// Score is set for sorted-set memberships.
	Score *float64

	// Position is set for list memberships, zero-based first occurrence.
	Position *int64
}

// Tracker maintains and reads the per-participant reverse sets.
type Tracker struct {
	store  storage.Store
	reg    *registry.Registry
	loader persistence.Loader
	logger logger.Logger
}

type Option func(*Tracker)

func WithLogger(l logger.Logger) Option {
	return func(t *Tracker) {
		t.logger = l
	}
}

func New(store storage.Store, reg *registry.Registry, loader persistence.Loader, opts ...Option) *Tracker {
	t := &Tracker{
		store:  store,
		reg:    reg,
		loader: loader,
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record adds collectionKey to the participant's reverse set. Recording the
// same key twice is a no-op.
func (t *Tracker) Record(ctx context.Context, participantScope, participantID, collectionKey string) error {
	return t.store.SAdd(ctx, keys.ReverseIndex(participantScope, participantID), collectionKey)
}

// Forget removes collectionKey from the participant's reverse set.
func (t *Tracker) Forget(ctx context.Context, participantScope, participantID, collectionKey string) error {
	return t.store.SRem(ctx, keys.ReverseIndex(participantScope, participantID), collectionKey)
}

// TrackedKeys returns the raw reverse set in sorted order, unverified.
func (t *Tracker) TrackedKeys(ctx context.Context, participantScope, participantID string) ([]string, error) {
	tracked, err := t.store.SMembers(ctx, keys.ReverseIndex(participantScope, participantID))
	if err != nil {
		return nil, err
	}
	sort.Strings(tracked)

	return tracked, nil
}

// CurrentMemberships resolves every tracked key into a verified membership.
// Keys that fail to parse, reference an undeclared relationship, or point at
// a target instance that no longer loads are skipped. Store errors propagate.
func (t *Tracker) CurrentMemberships(ctx context.Context, participantScope, participantID string) ([]Membership, error) {
	ctx, span := tracer.Start(ctx, "reverseindex.CurrentMemberships")
	span.SetAttributes(attribute.String("participant", participantID))
	defer span.End()

	tracked, err := t.TrackedKeys(ctx, participantScope, participantID)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	memberships := make([]Membership, 0, len(tracked))
	for _, key := range tracked {
		parsed, err := keys.ParseCollection(key)
		if err != nil {
			t.logger.DebugWithContext(ctx, "skipping malformed tracked key", zap.String("key", key))
			continue
		}

		d, ok := t.reg.FindCollection(parsed.Scope, parsed.Name)
		if !ok {
			t.logger.DebugWithContext(ctx, "skipping tracked key with no declared relationship",
				zap.String("key", key))
			continue
		}

		if !parsed.ClassLevel {
			if _, err := t.loader.Load(ctx, parsed.Scope, parsed.OwnerID); err != nil {
				if errors.Is(err, persistence.ErrNotFound) {
					continue
				}
				telemetry.TraceError(span, err)
				return nil, err
			}
		}

		membership, isMember, err := t.verify(ctx, d, key, participantID)
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
		if !isMember {
			continue
		}

		membership.TargetScope = parsed.Scope
		membership.TargetID = parsed.OwnerID
		membership.Name = parsed.Name
		memberships = append(memberships, membership)
	}

	return memberships, nil
}

func (t *Tracker) verify(ctx context.Context, d *registry.Descriptor, key, participantID string) (Membership, bool, error) {
	m := Membership{Type: d.CollectionType}

	switch d.CollectionType {
	case registry.SortedSet:
		memberScore, ok, err := t.store.ZScore(ctx, key, participantID)
		if err != nil || !ok {
			return m, false, err
		}
		m.Score = &memberScore
		return m, true, nil
	case registry.Set:
		ok, err := t.store.SIsMember(ctx, key, participantID)
		return m, ok, err
	case registry.List:
		values, err := t.store.LRange(ctx, key, 0, -1)
		if err != nil {
			return m, false, err
		}
		for i, v := range values {
			if v == participantID {
				position := int64(i)
				m.Position = &position
				return m, true, nil
			}
		}
		return m, false, nil
	default:
		return m, false, nil
	}
}

// IDsParticipatingInTarget returns the unique target identifiers under
// targetScope whose collections track the participant, in one pass over the
// reverse set. When collection names are given, only those collections are
// considered. A participant tracked under several collections of the same
// target collapses to one identifier. Class-level keys carry no target
// identifier and are not reported.
func (t *Tracker) IDsParticipatingInTarget(ctx context.Context, participantScope, participantID, targetScope string, names ...string) ([]string, error) {
	tracked, err := t.TrackedKeys(ctx, participantScope, participantID)
	if err != nil {
		return nil, err
	}

	normalized := registry.NormalizeScope(targetScope)
	prefix := keys.ScopePrefix(normalized)

	wanted := map[string]struct{}{}
	for _, name := range names {
		wanted[name] = struct{}{}
	}

	seen := map[string]struct{}{}
	var ids []string
	for _, key := range tracked {
		if len(key) < len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		parsed, err := keys.ParseCollection(key)
		if err != nil || parsed.ClassLevel || parsed.Scope != normalized {
			continue
		}
		if len(wanted) > 0 {
			if _, ok := wanted[parsed.Name]; !ok {
				continue
			}
		}
		if _, dup := seen[parsed.OwnerID]; dup {
			continue
		}
		seen[parsed.OwnerID] = struct{}{}
		ids = append(ids, parsed.OwnerID)
	}

	return ids, nil
}
