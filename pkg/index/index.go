// Package index maintains field-value to identifier indexes, unique and
// multi-valued, class-level or instance-scoped.
//
// A unique index is one hash key mapping field values to identifiers. A
// multi index is one set key per field value. Both layouts are pattern-
// scannable, which is what Rebuild's clearing phase relies on to find
// orphaned entries.
package index

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/viewkeeper/viewkeeper/pkg/logger"
	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
)

var tracer = otel.Tracer("viewkeeper/pkg/index")

var (
	// ErrNotAnIndex if a participation descriptor is passed where an index
	// descriptor is required. Programming error, fail fast.
	ErrNotAnIndex = errors.New("descriptor is not an index")

	// ErrCardinalityMismatch if a rebuild path is invoked with an index whose
	// declared cardinality does not match. Guards against internal misuse.
	ErrCardinalityMismatch = errors.New("index cardinality mismatch")
)

// Engine executes index reads, writes and rebuilds.
type Engine struct {
	store  storage.Store
	loader persistence.Loader
	logger logger.Logger
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

func New(store storage.Store, loader persistence.Loader, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		loader: loader,
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// indexable reports whether a field value may be indexed. Absent, empty and
// whitespace-only values are never indexed.
func indexable(fieldValue string) bool {
	return strings.TrimSpace(fieldValue) != ""
}

func requireIndex(d *registry.Descriptor) error {
	if !d.IsIndex() {
		return fmt.Errorf("%w: %s %q", ErrNotAnIndex, d.Kind, d.Name)
	}
	return nil
}

// AddEntry indexes identifier under fieldValue. Unindexable values are
// skipped silently. On a unique index an existing entry for the same field
// value is overwritten, last write wins.
func (e *Engine) AddEntry(ctx context.Context, d *registry.Descriptor, ownerID, fieldValue, identifier string) error {
	if err := requireIndex(d); err != nil {
		return err
	}
	if !indexable(fieldValue) {
		return nil
	}

	if d.Cardinality == registry.Unique {
		return e.store.HSet(ctx, d.UniqueIndexKey(ownerID), fieldValue, identifier)
	}
	return e.store.SAdd(ctx, d.MultiIndexValueKey(ownerID, fieldValue), identifier)
}

// RemoveEntry drops identifier's entry under fieldValue. On a unique index
// the entry is only dropped while it still maps to this identifier, so a
// later overwrite by another instance is not clobbered.
func (e *Engine) RemoveEntry(ctx context.Context, d *registry.Descriptor, ownerID, fieldValue, identifier string) error {
	if err := requireIndex(d); err != nil {
		return err
	}
	if !indexable(fieldValue) {
		return nil
	}

	if d.Cardinality == registry.Unique {
		key := d.UniqueIndexKey(ownerID)
		current, ok, err := e.store.HGet(ctx, key, fieldValue)
		if err != nil || !ok || current != identifier {
			return err
		}
		return e.store.HDel(ctx, key, fieldValue)
	}
	return e.store.SRem(ctx, d.MultiIndexValueKey(ownerID, fieldValue), identifier)
}

// UpdateEntry moves identifier's entry from oldValue to newValue. Equal
// values are a no-op. An empty newValue only removes the old entry. An empty
// oldValue is a no-op: creating a brand-new entry goes through AddEntry, not
// UpdateEntry.
func (e *Engine) UpdateEntry(ctx context.Context, d *registry.Descriptor, ownerID, identifier, oldValue, newValue string) error {
	if err := requireIndex(d); err != nil {
		return err
	}
	if oldValue == newValue {
		return nil
	}
	if !indexable(oldValue) {
		return nil
	}

	if err := e.RemoveEntry(ctx, d, ownerID, oldValue, identifier); err != nil {
		return err
	}
	if !indexable(newValue) {
		return nil
	}
	return e.AddEntry(ctx, d, ownerID, newValue, identifier)
}

// FindBy resolves fieldValue through a unique index. An absent entry is an
// empty result, not an error.
func (e *Engine) FindBy(ctx context.Context, d *registry.Descriptor, ownerID, fieldValue string) (string, bool, error) {
	if err := requireIndex(d); err != nil {
		return "", false, err
	}
	if d.Cardinality != registry.Unique {
		return "", false, fmt.Errorf("%w: point lookup on multi index %q", ErrCardinalityMismatch, d.Name)
	}
	return e.store.HGet(ctx, d.UniqueIndexKey(ownerID), fieldValue)
}

// FindByEach is the bulk variant of FindBy. Unmatched values are dropped
// from the result, never padded.
func (e *Engine) FindByEach(ctx context.Context, d *registry.Descriptor, ownerID string, fieldValues []string) ([]string, error) {
	found := make([]string, 0, len(fieldValues))
	for _, value := range fieldValues {
		identifier, ok, err := e.FindBy(ctx, d, ownerID, value)
		if err != nil {
			return nil, err
		}
		if ok {
			found = append(found, identifier)
		}
	}
	return found, nil
}

// FindAllBy resolves fieldValue through a multi index. An absent value is an
// empty slice.
func (e *Engine) FindAllBy(ctx context.Context, d *registry.Descriptor, ownerID, fieldValue string) ([]string, error) {
	if err := requireIndex(d); err != nil {
		return nil, err
	}
	if d.Cardinality != registry.Multi {
		return nil, fmt.Errorf("%w: multi lookup on unique index %q", ErrCardinalityMismatch, d.Name)
	}
	return e.store.SMembers(ctx, d.MultiIndexValueKey(ownerID, fieldValue))
}

// FindAllByEach is the bulk variant of FindAllBy, keyed by field value.
// Values with no entries are left out of the map.
func (e *Engine) FindAllByEach(ctx context.Context, d *registry.Descriptor, ownerID string, fieldValues []string) (map[string][]string, error) {
	found := make(map[string][]string, len(fieldValues))
	for _, value := range fieldValues {
		identifiers, err := e.FindAllBy(ctx, d, ownerID, value)
		if err != nil {
			return nil, err
		}
		if len(identifiers) > 0 {
			found[value] = identifiers
		}
	}
	return found, nil
}

// Sample returns up to n indexed identifiers, useful for spot checks. The
// selection is arbitrary but duplicate-free.
func (e *Engine) Sample(ctx context.Context, d *registry.Descriptor, ownerID string, n int) ([]string, error) {
	if err := requireIndex(d); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	seen := map[string]struct{}{}
	var sampled []string

	take := func(identifier string) bool {
		if _, dup := seen[identifier]; dup {
			return len(sampled) < n
		}
		seen[identifier] = struct{}{}
		sampled = append(sampled, identifier)
		return len(sampled) < n
	}

	if d.Cardinality == registry.Unique {
		entries, err := e.store.HGetAll(ctx, d.UniqueIndexKey(ownerID))
		if err != nil {
			return nil, err
		}
		for _, identifier := range entries {
			if !take(identifier) {
				break
			}
		}
		return sampled, nil
	}

	err := e.scanIndexKeys(ctx, d, ownerID, func(key string) (bool, error) {
		members, err := e.store.SMembers(ctx, key)
		if err != nil {
			return false, err
		}
		for _, identifier := range members {
			if !take(identifier) {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	return sampled, nil
}

// scanIndexKeys walks every store key belonging to the index, calling visit
// for each. visit returning false stops the walk early.
func (e *Engine) scanIndexKeys(ctx context.Context, d *registry.Descriptor, ownerID string, visit func(key string) (bool, error)) error {
	if d.Cardinality == registry.Unique {
		key := d.UniqueIndexKey(ownerID)
		ok, err := e.store.Exists(ctx, key)
		if err != nil || !ok {
			return err
		}
		_, err = visit(key)
		return err
	}

	pattern := d.MultiIndexPattern(ownerID)
	var cursor uint64
	for {
		keys, next, err := e.store.Scan(ctx, cursor, pattern, storage.DefaultScanCount)
		if err != nil {
			return err
		}
		for _, key := range keys {
			keep, err := visit(key)
			if err != nil {
				return err
			}
			if !keep {
				return nil
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (e *Engine) logRebuildPhase(ctx context.Context, d *registry.Descriptor, p Progress) {
	e.logger.DebugWithContext(ctx, "index rebuild progress",
		zap.String("index", d.Name),
		zap.String("phase", string(p.Phase)),
		zap.Int("completed", p.Completed),
		zap.Int("total", p.Total))
}
