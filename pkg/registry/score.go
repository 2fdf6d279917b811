package registry

import (
	"context"
	"strconv"
	"time"

	"github.com/viewkeeper/viewkeeper/pkg/persistence"
)

// ScoreStrategy computes the sorted-set score for a member being added to a
// collection. The strategy is fixed per descriptor; which variant applies is
// decided at declaration time, not re-derived per call.
//
// now is the caller's notion of the current time, threaded through so the
// current-time fallback stays deterministic under test.
type ScoreStrategy interface {
	Score(ctx context.Context, inst persistence.Instance, now time.Time) (float64, error)
}

// FieldScore reads a numeric field off the instance. A missing or
// unparseable value falls back to the current time rather than persisting an
// undefined score.
type FieldScore struct {
	Field string
}

func (s FieldScore) Score(_ context.Context, inst persistence.Instance, now time.Time) (float64, error) {
	raw, ok := inst.Field(s.Field)
	if !ok {
		return float64(now.Unix()), nil
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return float64(now.Unix()), nil
	}
	return value, nil
}

// ComputedScore invokes an application-supplied function in the instance's
// context.
type ComputedScore struct {
	Fn func(ctx context.Context, inst persistence.Instance) (float64, error)
}

func (s ComputedScore) Score(ctx context.Context, inst persistence.Instance, _ time.Time) (float64, error) {
	return s.Fn(ctx, inst)
}

// ConstantScore assigns the same score to every member.
type ConstantScore struct {
	Value float64
}

func (s ConstantScore) Score(context.Context, persistence.Instance, time.Time) (float64, error) {
	return s.Value, nil
}

// CurrentTimeScore scores members by their insertion time. This is the
// default for sorted-set collections that declare no strategy.
type CurrentTimeScore struct{}

func (CurrentTimeScore) Score(_ context.Context, _ persistence.Instance, now time.Time) (float64, error) {
	return float64(now.Unix()), nil
}
