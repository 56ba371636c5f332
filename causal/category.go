package causal

import "math"

// Category partitions agents by the magnitude of their causal effect.
type Category int

const (
	NonCausal Category = iota
	IndirectlyCausal
	DirectlyCausal
	Ignored
)

// Categories lists every category in reporting order.
var Categories = []Category{NonCausal, DirectlyCausal, IndirectlyCausal, Ignored}

func (c Category) String() string {
	switch c {
	case NonCausal:
		return "NC"
	case IndirectlyCausal:
		return "IC"
	case DirectlyCausal:
		return "DC"
	case Ignored:
		return "Ignored"
	}
	return "unknown"
}

// Thresholds bound the NC and DC categories. Both bounds are inclusive.
type Thresholds struct {
	NonCausal      float64
	DirectlyCausal float64
}

// DefaultThresholds are 0.02 for NC and 0.1 for DC.
var DefaultThresholds = Thresholds{NonCausal: 0.02, DirectlyCausal: 0.1}

// Classify returns the category of an effect. Unlabeled samples and NaN
// effects are Ignored.
func (t Thresholds) Classify(effect float64, labeled bool) Category {
	switch {
	case !labeled || math.IsNaN(effect):
		return Ignored
	case effect <= t.NonCausal:
		return NonCausal
	case effect >= t.DirectlyCausal:
		return DirectlyCausal
	default:
		return IndirectlyCausal
	}
}
