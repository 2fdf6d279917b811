package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoredSet(t *testing.T) {
	t.Run("empty_set", func(t *testing.T) {
		set := NewScoredSet()
		assert.Equal(t, 0, set.Len())
		assert.Empty(t, set.Values())
		assert.False(t, set.Exists("a"))
		assert.False(t, set.Remove("a"))
	})

	t.Run("orders_by_score_then_member", func(t *testing.T) {
		set := NewScoredSet()
		set.Add("c", 3)
		set.Add("a", 1)
		set.Add("b", 1)

		assert.Equal(t, []ScoredMember{
			{Member: "a", Score: 1},
			{Member: "b", Score: 1},
			{Member: "c", Score: 3},
		}, set.Values())
	})

	t.Run("re_add_replaces_score", func(t *testing.T) {
		set := NewScoredSet()
		set.Add("a", 1)
		set.Add("a", 9)

		assert.Equal(t, 1, set.Len())
		score, ok := set.Score("a")
		assert.True(t, ok)
		assert.Equal(t, 9.0, score)
	})

	t.Run("range_by_score", func(t *testing.T) {
		set := NewScoredSet()
		set.Add("a", 1)
		set.Add("b", 2)
		set.Add("c", 3)

		got := set.RangeByScore(2, 3)
		assert.Equal(t, []ScoredMember{{Member: "b", Score: 2}, {Member: "c", Score: 3}}, got)
		assert.Empty(t, set.RangeByScore(10, 20))
	})

	t.Run("range_by_rank", func(t *testing.T) {
		set := NewScoredSet()
		set.Add("a", 1)
		set.Add("b", 2)
		set.Add("c", 3)

		assert.Equal(t, []ScoredMember{{Member: "a", Score: 1}, {Member: "b", Score: 2}}, set.RangeByRank(0, 1))
		assert.Equal(t, []ScoredMember{{Member: "c", Score: 3}}, set.RangeByRank(-1, -1))
		assert.Len(t, set.RangeByRank(0, -1), 3)
		assert.Empty(t, set.RangeByRank(5, 9))
	})
}

func TestMatchKey(t *testing.T) {
	assert.True(t, MatchKey("customer:*:domains", "customer:cust1:domains"))
	assert.True(t, MatchKey("customer:role_index:*", "customer:role_index:admin"))
	assert.True(t, MatchKey("*", "anything"))
	assert.True(t, MatchKey("exact", "exact"))
	assert.False(t, MatchKey("exact", "exactly"))
	assert.False(t, MatchKey("customer:*:domains", "customer:cust1:members"))
	assert.False(t, MatchKey("customer:*:domains", "account:cust1:domains"))
}
