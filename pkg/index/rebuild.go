package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/viewkeeper/viewkeeper/pkg/persistence"
	"github.com/viewkeeper/viewkeeper/pkg/registry"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/telemetry"
)

// DefaultRebuildBatchSize is how many instances are processed between
// progress reports when the caller does not choose a batch size.
const DefaultRebuildBatchSize = 500

// Phase names one stage of a rebuild.
type Phase string

const (
	PhaseLoading    Phase = "loading"
	PhaseClearing   Phase = "clearing"
	PhaseRebuilding Phase = "rebuilding"
)

// Progress is one snapshot of a running rebuild. It exists only for the
// duration of the call and is never persisted.
type Progress struct {
	Phase     Phase
	Completed int
	Total     int

	// Rate is instances per second over the rebuilding phase so far.
	Rate float64
}

// ProgressFunc receives rebuild snapshots. An error return aborts the
// rebuild: a failing callback is a caller-side bug, not something to
// swallow.
type ProgressFunc func(Progress) error

// SourceFunc enumerates the identifiers a rebuild recomputes from.
type SourceFunc func(ctx context.Context) ([]string, error)

type rebuildConfig struct {
	batchSize  int
	onProgress ProgressFunc
	source     SourceFunc
}

type RebuildOption func(*rebuildConfig)

func WithBatchSize(n int) RebuildOption {
	return func(c *rebuildConfig) {
		if n > 0 {
			c.batchSize = n
		}
	}
}

func WithProgress(fn ProgressFunc) RebuildOption {
	return func(c *rebuildConfig) {
		c.onProgress = fn
	}
}

// WithSource overrides the identifier source. Instance-scoped indexes with
// no canonical "all instances" set enumerate via one of the owning
// instance's participation collections instead.
func WithSource(source SourceFunc) RebuildOption {
	return func(c *rebuildConfig) {
		c.source = source
	}
}

// Rebuild recomputes the index from canonical data in three phases: load the
// identifier set, clear every existing index key (orphans included), then
// re-read each instance's field and re-add it. Identifiers that no longer
// load are skipped and not counted. Returns how many instances were
// processed.
//
// Rebuild is idempotent: with no intervening writes, repeated runs produce
// identical index contents and identical counts.
func (e *Engine) Rebuild(ctx context.Context, d *registry.Descriptor, ownerID string, opts ...RebuildOption) (int, error) {
	ctx, span := tracer.Start(ctx, "index.Rebuild")
	span.SetAttributes(
		attribute.String("index", d.Name),
		attribute.String("cardinality", d.Cardinality.String()),
	)
	defer span.End()

	count, err := e.rebuild(ctx, d, ownerID, opts...)
	if err != nil {
		telemetry.TraceError(span, err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("count", count))

	return count, nil
}

func (e *Engine) rebuild(ctx context.Context, d *registry.Descriptor, ownerID string, opts ...RebuildOption) (int, error) {
	if err := requireIndex(d); err != nil {
		return 0, err
	}
	switch d.Kind {
	case registry.KindUniqueIndex:
		if d.Cardinality != registry.Unique {
			return 0, fmt.Errorf("%w: unique index %q declared with cardinality %s",
				ErrCardinalityMismatch, d.Name, d.Cardinality)
		}
	case registry.KindMultiIndex:
		if d.Cardinality != registry.Multi {
			return 0, fmt.Errorf("%w: multi index %q declared with cardinality %s",
				ErrCardinalityMismatch, d.Name, d.Cardinality)
		}
	}

	cfg := rebuildConfig{
		batchSize: DefaultRebuildBatchSize,
		source: func(ctx context.Context) ([]string, error) {
			return e.loader.AllIDs(ctx, d.ParticipantScope)
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	report := func(p Progress) error {
		e.logRebuildPhase(ctx, d, p)
		if cfg.onProgress == nil {
			return nil
		}
		return cfg.onProgress(p)
	}

	// Loading phase.
	ids, err := cfg.source(ctx)
	if err != nil {
		return 0, fmt.Errorf("enumerate instances of %q: %w", d.ParticipantScope, err)
	}
	if err := report(Progress{Phase: PhaseLoading, Total: len(ids)}); err != nil {
		return 0, err
	}

	// Clearing phase. Pattern-scanning picks up orphaned value keys whose
	// field value no longer occurs in any live instance.
	if err := e.clearIndex(ctx, d, ownerID); err != nil {
		return 0, err
	}
	if err := report(Progress{Phase: PhaseClearing, Total: len(ids)}); err != nil {
		return 0, err
	}

	// Rebuilding phase.
	started := time.Now()
	completed := 0
	sinceReport := 0
	for _, identifier := range ids {
		inst, err := e.loader.Load(ctx, d.ParticipantScope, identifier)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				continue
			}
			return completed, fmt.Errorf("load %s %q: %w", d.ParticipantScope, identifier, err)
		}

		fieldValue, _ := inst.Field(d.Field)
		if err := e.AddEntry(ctx, d, ownerID, fieldValue, inst.Identifier()); err != nil {
			return completed, err
		}

		completed++
		sinceReport++
		if sinceReport >= cfg.batchSize {
			sinceReport = 0
			if err := report(rebuildingProgress(completed, len(ids), started)); err != nil {
				return completed, err
			}
		}
	}

	if err := report(rebuildingProgress(completed, len(ids), started)); err != nil {
		return completed, err
	}

	return completed, nil
}

func rebuildingProgress(completed, total int, started time.Time) Progress {
	p := Progress{Phase: PhaseRebuilding, Completed: completed, Total: total}
	if elapsed := time.Since(started).Seconds(); elapsed > 0 {
		p.Rate = float64(completed) / elapsed
	}
	return p
}

// clearIndex drops every store key belonging to the index.
func (e *Engine) clearIndex(ctx context.Context, d *registry.Descriptor, ownerID string) error {
	var stale []string
	err := e.scanIndexKeys(ctx, d, ownerID, func(key string) (bool, error) {
		stale = append(stale, key)
		return true, nil
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	ops := make([]storage.Op, 0, len(stale))
	for _, key := range stale {
		ops = append(ops, storage.DelOp(key))
	}
	return e.store.Batch(ctx, ops)
}
