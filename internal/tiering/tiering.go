// Package tiering turns an author's recent quality scores into a tier
// recommendation and decides whether to apply it.
//
// Both decisions are pure. The [Classifier] only adds hot-swappable
// thresholds on top of [RecommendTier] and [ShouldReassign].
package tiering

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/MrWong99/redraft/pkg/types"
)

const (
	// Window is how many of the most recent scores are averaged.
	Window = 5

	// MinEvaluations is the evaluation count below which a tier is never
	// reassigned.
	MinEvaluations = 3
)

// Thresholds holds the minimum mean score of the first four tiers, best
// first. A mean below the last threshold maps to the worst tier.
type Thresholds [4]float64

// DefaultThresholds maps means of 0.95, 0.85, 0.70 and 0.50 and above to
// tiers 1 to 4.
var DefaultThresholds = Thresholds{0.95, 0.85, 0.70, 0.50}

// Validate reports thresholds outside [0, 1] or not strictly decreasing.
func (t Thresholds) Validate() error {
	var errs []error
	for i, v := range t {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("threshold for %s is %g, want within [0, 1]", types.Tiers[i], v))
		}
		if i > 0 && v >= t[i-1] {
			errs = append(errs, fmt.Errorf("threshold for %s (%g) must be below %s (%g)", types.Tiers[i], v, types.Tiers[i-1], t[i-1]))
		}
	}
	return errors.Join(errs...)
}

// Mean averages the last [Window] entries of scores. It returns 0 and false
// for an empty history.
func Mean(scores []float64) (float64, bool) {
	if len(scores) == 0 {
		return 0, false
	}
	if len(scores) > Window {
		scores = scores[len(scores)-Window:]
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores)), true
}

// RecommendTier maps the mean of the last [Window] scores to a tier. An
// empty history recommends the worst tier.
func RecommendTier(scores []float64, th Thresholds) types.Tier {
	mean, ok := Mean(scores)
	if !ok {
		return types.TierFullTouch
	}
	for i, floor := range th {
		if mean >= floor {
			return types.Tiers[i]
		}
	}
	return types.TierFullTouch
}

// ShouldReassign reports whether recommended should replace current. It
// requires at least [MinEvaluations] evaluations so a single noisy score
// cannot flip the tier.
func ShouldReassign(current, recommended types.Tier, evaluationCount int) bool {
	return evaluationCount >= MinEvaluations && recommended != current
}

// Decision is the outcome of [Classifier.Decide].
type Decision struct {
	Current     types.Tier
	Recommended types.Tier
	Mean        float64
	Samples     int
	Count       int
	Reassign    bool
}

// Classifier applies the current thresholds. It is safe for concurrent use;
// [Classifier.SetThresholds] may run while decisions are made.
type Classifier struct {
	th atomic.Pointer[Thresholds]
}

// New returns a Classifier using th.
func New(th Thresholds) (*Classifier, error) {
	c := &Classifier{}
	if err := c.SetThresholds(th); err != nil {
		return nil, err
	}
	return c, nil
}

// SetThresholds replaces the thresholds after validating them.
func (c *Classifier) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return fmt.Errorf("tiering: %w", err)
	}
	c.th.Store(&th)
	return nil
}

// Thresholds returns the thresholds in effect.
func (c *Classifier) Thresholds() Thresholds { return *c.th.Load() }

// RecommendTier is [RecommendTier] with the current thresholds.
func (c *Classifier) RecommendTier(scores []float64) types.Tier {
	return RecommendTier(scores, c.Thresholds())
}

// ShouldReassign is [ShouldReassign].
func (c *Classifier) ShouldReassign(current, recommended types.Tier, evaluationCount int) bool {
	return ShouldReassign(current, recommended, evaluationCount)
}

// Decide combines both decisions for one author.
func (c *Classifier) Decide(current types.Tier, scores []float64, evaluationCount int) Decision {
	mean, _ := Mean(scores)
	rec := c.RecommendTier(scores)
	return Decision{
		Current:     current,
		Recommended: rec,
		Mean:        mean,
		Samples:     min(len(scores), Window),
		Count:       evaluationCount,
		Reassign:    c.ShouldReassign(current, rec, evaluationCount),
	}
}
