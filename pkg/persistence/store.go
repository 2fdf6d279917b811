package persistence

import (
	"context"
	"time"

	"github.com/viewkeeper/viewkeeper/pkg/id"
	"github.com/viewkeeper/viewkeeper/pkg/keys"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
)

// StoreLoader persists instances in the same key-value store the derived
// views live in: one hash per instance plus a canonical per-scope instance
// set scored by creation time.
type StoreLoader struct {
	store storage.Store
	clock func() time.Time
}

var _ Loader = (*StoreLoader)(nil)

type StoreLoaderOption func(*StoreLoader)

// WithClock overrides the creation-time source.
func WithClock(clock func() time.Time) StoreLoaderOption {
	return func(l *StoreLoader) {
		l.clock = clock
	}
}

func NewStoreLoader(store storage.Store, opts ...StoreLoaderOption) *StoreLoader {
	l := &StoreLoader{
		store: store,
		clock: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Save writes the instance's fields and registers it in the scope's canonical
// set, as one atomic batch. An empty identifier gets a fresh ULID. Returns
// the identifier.
func (l *StoreLoader) Save(ctx context.Context, scope, identifier string, fields map[string]string) (string, error) {
	if identifier == "" {
		generated, err := id.NewString()
		if err != nil {
			return "", err
		}
		identifier = generated
	}

	objectKey := keys.Object(scope, identifier)
	ops := make([]storage.Op, 0, len(fields)+1)
	for field, value := range fields {
		ops = append(ops, storage.HSetOp(objectKey, field, value))
	}
	ops = append(ops, storage.ZAddOp(keys.Instances(scope), identifier, float64(l.clock().Unix())))

	if err := l.store.Batch(ctx, ops); err != nil {
		return "", err
	}

	return identifier, nil
}

// Delete drops the instance's hash and unregisters it from the canonical
// set. Derived views are untouched; detaching them is the cascade engine's
// job, invoked explicitly by the caller.
func (l *StoreLoader) Delete(ctx context.Context, scope, identifier string) error {
	return l.store.Batch(ctx, []storage.Op{
		storage.DelOp(keys.Object(scope, identifier)),
		storage.ZRemOp(keys.Instances(scope), identifier),
	})
}

func (l *StoreLoader) Load(ctx context.Context, scope, identifier string) (Instance, error) {
	// Membership in the canonical set decides existence; an instance with no
	// fields is still an instance.
	_, ok, err := l.store.ZScore(ctx, keys.Instances(scope), identifier)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}

	fields, err := l.store.HGetAll(ctx, keys.Object(scope, identifier))
	if err != nil {
		return nil, err
	}

	return NewRecord(identifier, fields), nil
}

func (l *StoreLoader) AllIDs(ctx context.Context, scope string) ([]string, error) {
	members, err := l.store.ZRange(ctx, keys.Instances(scope), 0, -1)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.Member)
	}

	return ids, nil
}
