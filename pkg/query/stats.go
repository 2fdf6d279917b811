package query

import (
	"context"
	"sort"
)

// Statistics summarizes overlap across a set of collections.
type Statistics struct {
	// Sizes maps each input collection to its cardinality.
	Sizes map[string]int64

	TotalMembers  int64
	UniqueMembers int64

	// OverlapRatio is (total - unique) / total, zero when total is zero.
	OverlapRatio float64
}

// CollectionStatistics computes per-collection sizes and the overlap ratio
// across all inputs.
func (e *Engine) CollectionStatistics(ctx context.Context, collections []string, opts ...QueryOption) (*Statistics, error) {
	stats := &Statistics{Sizes: make(map[string]int64, len(collections))}

	for _, key := range collections {
		size, err := e.store.ZCard(ctx, key)
		if err != nil {
			return nil, err
		}
		stats.Sizes[key] = size
		stats.TotalMembers += size
	}

	if stats.TotalMembers == 0 {
		return stats, nil
	}

	union, err := e.Union(ctx, collections, opts...)
	if err != nil {
		return nil, err
	}
	defer e.discard(ctx, union)

	stats.UniqueMembers = union.Size
	stats.OverlapRatio = float64(stats.TotalMembers-stats.UniqueMembers) / float64(stats.TotalMembers)

	return stats, nil
}

// SharedPair is one pair of collections with enough members in common.
type SharedPair struct {
	First  string
	Second string

	// Members in score order of the intersection.
	Members []string
	Count   int
}

// SharedMembers intersects every 2-combination of the inputs and returns the
// pairs whose intersection has at least minShared members.
func (e *Engine) SharedMembers(ctx context.Context, collections []string, minShared int, opts ...QueryOption) ([]SharedPair, error) {
	var pairs []SharedPair

	for i := 0; i < len(collections); i++ {
		for j := i + 1; j < len(collections); j++ {
			shared, err := e.Intersection(ctx, []string{collections[i], collections[j]}, opts...)
			if err != nil {
				return nil, err
			}

			if shared.Size < int64(minShared) {
				e.discard(ctx, shared)
				continue
			}

			members, err := e.Members(ctx, shared)
			if err != nil {
				e.discard(ctx, shared)
				return nil, err
			}
			e.discard(ctx, shared)

			names := make([]string, 0, len(members))
			for _, m := range members {
				names = append(names, m.Member)
			}

			pairs = append(pairs, SharedPair{
				First:   collections[i],
				Second:  collections[j],
				Members: names,
				Count:   len(names),
			})
		}
	}

	sort.Slice(pairs, func(a, b int) bool {
		if pairs[a].Count != pairs[b].Count {
			return pairs[a].Count > pairs[b].Count
		}
		if pairs[a].First != pairs[b].First {
			return pairs[a].First < pairs[b].First
		}
		return pairs[a].Second < pairs[b].Second
	})

	return pairs, nil
}

// discard drops an intermediate result early instead of waiting out its TTL.
func (e *Engine) discard(ctx context.Context, result *TemporaryCollection) {
	if err := e.store.Del(ctx, result.Key); err != nil {
		e.logger.Debug("failed to discard temporary collection")
	}
}
