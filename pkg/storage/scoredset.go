package storage

import (
	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"
)

// ScoredSet stores a set (no duplicate members) of string IDs with float64
// scores in memory, ordered by score and then member. It is not safe for
// concurrent use; callers are expected to hold their own lock.
type ScoredSet struct {
	tree   *redblacktree.Tree
	scores map[string]float64
}

func scoredMemberComparator(a, b interface{}) int {
	x := a.(ScoredMember)
	y := b.(ScoredMember)
	switch {
	case x.Score < y.Score:
		return -1
	case x.Score > y.Score:
		return 1
	default:
		return utils.StringComparator(x.Member, y.Member)
	}
}

func NewScoredSet() *ScoredSet {
	return &ScoredSet{
		tree:   redblacktree.NewWith(scoredMemberComparator),
		scores: make(map[string]float64),
	}
}

// Add inserts member with score, replacing any previous score.
func (s *ScoredSet) Add(member string, score float64) {
	if old, ok := s.scores[member]; ok {
		s.tree.Remove(ScoredMember{Member: member, Score: old})
	}
	s.scores[member] = score
	s.tree.Put(ScoredMember{Member: member, Score: score}, nil)
}

// Remove deletes member, reporting whether it was present.
func (s *ScoredSet) Remove(member string) bool {
	old, ok := s.scores[member]
	if !ok {
		return false
	}
	delete(s.scores, member)
	s.tree.Remove(ScoredMember{Member: member, Score: old})
	return true
}

// Score returns the member's score; the bool reports presence.
func (s *ScoredSet) Score(member string) (float64, bool) {
	score, ok := s.scores[member]
	return score, ok
}

// Exists reports whether member is present.
func (s *ScoredSet) Exists(member string) bool {
	_, ok := s.scores[member]
	return ok
}

// Len returns the number of members.
func (s *ScoredSet) Len() int {
	return s.tree.Size()
}

// Values returns every member in ascending score order.
func (s *ScoredSet) Values() []ScoredMember {
	values := make([]ScoredMember, 0, s.tree.Size())
	for _, k := range s.tree.Keys() {
		values = append(values, k.(ScoredMember))
	}
	return values
}

// RangeByScore returns members with min <= score <= max in score order.
func (s *ScoredSet) RangeByScore(min, max float64) []ScoredMember {
	var values []ScoredMember
	it := s.tree.Iterator()
	for it.Next() {
		m := it.Key().(ScoredMember)
		if m.Score < min {
			continue
		}
		if m.Score > max {
			break
		}
		values = append(values, m)
	}
	return values
}

// RangeByRank returns members within the rank window [start, stop],
// inclusive, with negative ranks counting from the high end.
func (s *ScoredSet) RangeByRank(start, stop int64) []ScoredMember {
	from, to, ok := NormalizeRanks(start, stop, int64(s.tree.Size()))
	if !ok {
		return nil
	}
	return s.Values()[from : to+1]
}

// NormalizeRanks resolves possibly-negative ranks against a set of size n,
// clamping to bounds. ok is false when the window is empty.
func NormalizeRanks(start, stop, n int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
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
	if start > stop || start >= n || stop < 0 {
		return 0, 0, false
	}
	return start, stop, true
}
