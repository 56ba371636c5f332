package causal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Pair is one counterfactual's model sensitivity and ground-truth effect.
type Pair struct {
	Sensitivity float64
	Effect      float64
}

// Binning is a set of equal-width effect bins over [Low, High).
type Binning struct {
	Low  float64
	High float64
	Bins int
}

// DefaultBinning is 19 bins over [0.1, 2.1).
var DefaultBinning = Binning{Low: 0.1, High: 2.1, Bins: 19}

// Edges returns the Bins+1 bin edges.
func (b Binning) Edges() []float64 {
	edges := floats.Span(make([]float64, b.Bins+1), b.Low, b.High)
	edges[b.Bins] = b.High
	return edges
}

// BinMeans returns the mean sensitivity of the pairs falling in each bin.
// Empty bins are NaN.
func (b Binning) BinMeans(pairs []Pair) []float64 {
	edges := b.Edges()
	sums := make([]float64, b.Bins)
	counts := make([]int, b.Bins)
	for _, p := range pairs {
		i := floats.Within(edges, p.Effect)
		if i < 0 || math.IsNaN(p.Sensitivity) {
			continue
		}
		sums[i] += p.Sensitivity
		counts[i]++
	}
	means := make([]float64, b.Bins)
	for i := range means {
		means[i] = math.NaN()
		if counts[i] > 0 {
			means[i] = sums[i] / float64(counts[i])
		}
	}
	return means
}

// Uniform averages the non-empty bin means, so every effect magnitude weighs
// the same regardless of how many pairs fall in it. When every bin is empty
// it returns the plain mean of the pairs and binned = false.
func (b Binning) Uniform(pairs []Pair) (mean float64, binned bool) {
	var filled []float64
	for _, m := range b.BinMeans(pairs) {
		if !math.IsNaN(m) {
			filled = append(filled, m)
		}
	}
	if len(filled) > 0 {
		return stat.Mean(filled, nil), true
	}
	return plainMean(pairs), false
}

func plainMean(pairs []Pair) float64 {
	var vals []float64
	for _, p := range pairs {
		if !math.IsNaN(p.Sensitivity) {
			vals = append(vals, p.Sensitivity)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	return stat.Mean(vals, nil)
}

// ACE accumulates (sensitivity, effect) pairs per category across batches.
type ACE struct {
	Thresholds Thresholds
	Binning    Binning

	pairs map[Category][]Pair
}

// NewACE returns an empty accumulator.
func NewACE(th Thresholds, bin Binning) *ACE {
	return &ACE{Thresholds: th, Binning: bin, pairs: make(map[Category][]Pair)}
}

// Add classifies and stores every counterfactual of a batch. sens must be
// aligned with layout.Effects, as returned by Sensitivities.
func (a *ACE) Add(sens [][]float64, layout Layout) error {
	if len(sens) != layout.Groups() {
		return fmt.Errorf("%w: %d sensitivity lists for %d groups", ErrBoundary, len(sens), layout.Groups())
	}
	for g, row := range sens {
		if len(row) != len(layout.Effects[g]) {
			return fmt.Errorf("%w: group %d has %d sensitivities and %d effects", ErrBoundary, g, len(row), len(layout.Effects[g]))
		}
		for j, s := range row {
			ce := layout.Effects[g][j]
			c := a.Thresholds.Classify(ce, layout.labeled(g))
			a.pairs[c] = append(a.pairs[c], Pair{Sensitivity: s, Effect: ce})
		}
	}
	return nil
}

// Pairs returns the pairs collected for one category.
func (a *ACE) Pairs(c Category) []Pair {
	return a.pairs[c]
}

// ACEResult holds the per-category average causal effects.
type ACEResult struct {
	NC, IC, DC, Ignored float64

	// Overall is the plain mean sensitivity over every category.
	Overall float64

	// ICBinned and DCBinned report whether at least one bin was filled.
	ICBinned bool
	DCBinned bool

	Counts map[Category]int
}

// Result computes the ACE of every category. NC and Ignored use plain means;
// IC and DC use the uniform binned mean.
func (a *ACE) Result() ACEResult {
	r := ACEResult{Counts: make(map[Category]int)}
	var all []Pair
	for _, c := range Categories {
		r.Counts[c] = len(a.pairs[c])
		all = append(all, a.pairs[c]...)
	}
	r.NC = plainMean(a.pairs[NonCausal])
	r.Ignored = plainMean(a.pairs[Ignored])
	r.IC, r.ICBinned = a.Binning.Uniform(a.pairs[IndirectlyCausal])
	r.DC, r.DCBinned = a.Binning.Uniform(a.pairs[DirectlyCausal])
	r.Overall = plainMean(all)
	return r
}
