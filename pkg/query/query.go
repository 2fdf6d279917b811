// Package query runs set algebra across sorted-set collections, with the
// results materialized into short-lived temporary collections.
//
// Every temporary key receives its expiry at creation, so an interrupted
// query never leaks permanent storage.
package query

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/viewkeeper/viewkeeper/pkg/keys"
	"github.com/viewkeeper/viewkeeper/pkg/logger"
	"github.com/viewkeeper/viewkeeper/pkg/score"
	"github.com/viewkeeper/viewkeeper/pkg/storage"
	"github.com/viewkeeper/viewkeeper/pkg/telemetry"
)

var tracer = otel.Tracer("viewkeeper/pkg/query")

// DefaultTTL bounds the lifetime of temporary result collections when the
// caller does not choose one.
const DefaultTTL = 5 * time.Minute

// TemporaryCollection is a materialized, TTL-bounded query result. An empty
// result is a valid collection whose key simply holds no members, so results
// chain uniformly.
type TemporaryCollection struct {
	Key  string
	Size int64
	TTL  time.Duration
}

// Engine executes set-algebra queries.
type Engine struct {
	store  storage.Store
	codec  *score.Codec
	logger logger.Logger
}

type Option func(*Engine)

func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithCodec overrides the score codec used for category filtering.
func WithCodec(c *score.Codec) Option {
	return func(e *Engine) {
		e.codec = c
	}
}

func New(store storage.Store, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		codec:  score.NewCodec(score.Binary),
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type queryConfig struct {
	ttl         time.Duration
	minCategory *score.Category
}

type QueryOption func(*queryConfig)

// WithTTL sets the result collection's lifetime.
func WithTTL(ttl time.Duration) QueryOption {
	return func(c *queryConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMinCategory pre-filters every source to members whose packed score
// metadata satisfies the category before the algebra runs.
func WithMinCategory(cat score.Category) QueryOption {
	return func(c *queryConfig) {
		c.minCategory = &cat
	}
}

func applyOptions(opts []QueryOption) queryConfig {
	cfg := queryConfig{ttl: DefaultTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func tempKey() string {
	return keys.Temporary(uuid.NewString())
}

// Union materializes the union of the collections.
func (e *Engine) Union(ctx context.Context, collections []string, opts ...QueryOption) (*TemporaryCollection, error) {
	return e.algebra(ctx, "Union", collections, opts, e.store.ZUnionStore)
}

// Intersection materializes the intersection of the collections.
func (e *Engine) Intersection(ctx context.Context, collections []string, opts ...QueryOption) (*TemporaryCollection, error) {
	return e.algebra(ctx, "Intersection", collections, opts, e.store.ZInterStore)
}

func (e *Engine) algebra(ctx context.Context, name string, collections []string, opts []QueryOption,
	combine func(ctx context.Context, destination string, sources []string) (int64, error),
) (*TemporaryCollection, error) {
	ctx, span := tracer.Start(ctx, "query."+name)
	span.SetAttributes(attribute.Int("collection_count", len(collections)))
	defer span.End()

	cfg := applyOptions(opts)
	result := &TemporaryCollection{Key: tempKey(), TTL: cfg.ttl}

	if len(collections) == 0 {
		return result, nil
	}

	sources, err := e.filterSources(ctx, collections, cfg)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	size, err := combine(ctx, result.Key, sources)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	if err := e.store.Expire(ctx, result.Key, cfg.ttl); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	result.Size = size

	return result, nil
}

// Difference materializes base minus every collection in excludes. Stores
// expose no native three-way difference, so the base is copied and the
// excluded members removed member by member.
func (e *Engine) Difference(ctx context.Context, base string, excludes []string, opts ...QueryOption) (*TemporaryCollection, error) {
	ctx, span := tracer.Start(ctx, "query.Difference")
	defer span.End()

	cfg := applyOptions(opts)
	result := &TemporaryCollection{Key: tempKey(), TTL: cfg.ttl}

	if base == "" {
		return result, nil
	}

	sources, err := e.filterSources(ctx, []string{base}, cfg)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	if _, err := e.store.ZUnionStore(ctx, result.Key, sources); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	if err := e.store.Expire(ctx, result.Key, cfg.ttl); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	var ops []storage.Op
	for _, exclude := range excludes {
		members, err := e.store.ZRange(ctx, exclude, 0, -1)
		if err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
		for _, m := range members {
			ops = append(ops, storage.ZRemOp(result.Key, m.Member))
		}
	}
	if len(ops) > 0 {
		if err := e.store.Batch(ctx, ops); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
	}

	size, err := e.store.ZCard(ctx, result.Key)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	result.Size = size

	return result, nil
}

// filterSources applies the category pre-filter, materializing each filtered
// source into its own TTL-bounded intermediate collection. Without a
// category the sources pass through untouched.
func (e *Engine) filterSources(ctx context.Context, collections []string, cfg queryConfig) ([]string, error) {
	if cfg.minCategory == nil {
		return collections, nil
	}

	filtered := make([]string, 0, len(collections))
	for _, source := range collections {
		members, err := e.store.ZRange(ctx, source, 0, -1)
		if err != nil {
			return nil, err
		}

		intermediate := tempKey()
		var ops []storage.Op
		for _, m := range members {
			if e.codec.MeetsCategory(m.Score, *cfg.minCategory) {
				ops = append(ops, storage.ZAddOp(intermediate, m.Member, m.Score))
			}
		}
		if len(ops) > 0 {
			ops = append(ops, storage.ExpireOp(intermediate, cfg.ttl))
			if err := e.store.Batch(ctx, ops); err != nil {
				return nil, err
			}
		}
		filtered = append(filtered, intermediate)
	}

	return filtered, nil
}

// Operation selects the algebra applied by QueryCollections.
type Operation int

const (
	OperationUnion Operation = iota
	OperationIntersection
	OperationDifference
)

// Spec shapes one QueryCollections run. For OperationDifference the first
// collection is the base and the rest are excluded.
type Spec struct {
	Operation Operation

	// MinScore and MaxScore trim the result to an inclusive score range.
	MinScore *float64
	MaxScore *float64

	// Offset and Limit trim the result to a rank window after any score
	// trimming. Limit zero means unlimited.
	Offset int64
	Limit  int64
}

// QueryCollections runs the chosen algebra and then trims the materialized
// result: first by score range, then by rank window. Range trimming always
// precedes limit trimming.
func (e *Engine) QueryCollections(ctx context.Context, collections []string, spec Spec, opts ...QueryOption) (*TemporaryCollection, error) {
	ctx, span := tracer.Start(ctx, "query.QueryCollections")
	defer span.End()

	var result *TemporaryCollection
	var err error
	switch spec.Operation {
	case OperationUnion:
		result, err = e.Union(ctx, collections, opts...)
	case OperationIntersection:
		result, err = e.Intersection(ctx, collections, opts...)
	case OperationDifference:
		if len(collections) == 0 {
			result, err = e.Difference(ctx, "", nil, opts...)
		} else {
			result, err = e.Difference(ctx, collections[0], collections[1:], opts...)
		}
	default:
		err = fmt.Errorf("unknown query operation %d", spec.Operation)
	}
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	if spec.MinScore != nil {
		below := math.Nextafter(*spec.MinScore, math.Inf(-1))
		if _, err := e.store.ZRemRangeByScore(ctx, result.Key, math.Inf(-1), below); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
	}
	if spec.MaxScore != nil {
		above := math.Nextafter(*spec.MaxScore, math.Inf(1))
		if _, err := e.store.ZRemRangeByScore(ctx, result.Key, above, math.Inf(1)); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
	}

	if spec.Offset > 0 {
		if _, err := e.store.ZRemRangeByRank(ctx, result.Key, 0, spec.Offset-1); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
	}
	if spec.Limit > 0 {
		if _, err := e.store.ZRemRangeByRank(ctx, result.Key, spec.Limit, -1); err != nil {
			telemetry.TraceError(span, err)
			return nil, err
		}
	}

	size, err := e.store.ZCard(ctx, result.Key)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	result.Size = size

	return result, nil
}

// Members reads a result collection in score order.
func (e *Engine) Members(ctx context.Context, result *TemporaryCollection) ([]storage.ScoredMember, error) {
	return e.store.ZRange(ctx, result.Key, 0, -1)
}
