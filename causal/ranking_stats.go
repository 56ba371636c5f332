package causal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// DefaultHNCSensitivity is the sensitivity at or above which a non-causal
// agent counts as hard.
const DefaultHNCSensitivity = 0.1

// HNCARSResult holds the Hard Non-Causal count and the Attention Ranking
// Scores of a batch.
type HNCARSResult struct {
	HNC int

	// ARS holds one score per group that has a defined score.
	ARS []float64
}

// MeanARS returns the mean of the per-group scores, NaN when there are none.
func (r HNCARSResult) MeanARS() float64 {
	if len(r.ARS) == 0 {
		return math.NaN()
	}
	return stat.Mean(r.ARS, nil)
}

// HNCARS counts counterfactuals whose effect is at most nonCausal but whose
// sensitivity reaches hardSensitivity, and scores, per group, the Spearman
// correlation between sensitivities and effects. Groups with fewer than two
// comparable counterfactuals, or where either side is constant, get no score.
func HNCARS(sens [][]float64, layout Layout, nonCausal, hardSensitivity float64) (HNCARSResult, error) {
	var res HNCARSResult
	if len(sens) != layout.Groups() {
		return res, fmt.Errorf("%w: %d sensitivity lists for %d groups", ErrBoundary, len(sens), layout.Groups())
	}
	for g, row := range sens {
		effects := layout.Effects[g]
		if len(row) != len(effects) {
			return res, fmt.Errorf("%w: group %d has %d sensitivities and %d effects", ErrBoundary, g, len(row), len(effects))
		}

		var s, e []float64
		for j, v := range row {
			ce := effects[j]
			if math.IsNaN(ce) || math.IsNaN(v) {
				continue
			}
			if ce <= nonCausal && v >= hardSensitivity {
				res.HNC++
			}
			s = append(s, v)
			e = append(e, ce)
		}
		if len(s) < 2 {
			continue
		}
		if score := stat.Correlation(Ranks(s), Ranks(e), nil); !math.IsNaN(score) {
			res.ARS = append(res.ARS, score)
		}
	}
	return res, nil
}

// Ranks returns the 1-based rank of every value, giving tied values their
// average rank.
func Ranks(v []float64) []float64 {
	sorted := append([]float64(nil), v...)
	inds := make([]int, len(v))
	floats.ArgsortStable(sorted, inds)

	ranks := make([]float64, len(v))
	for i := 0; i < len(sorted); {
		j := i
		for j+1 < len(sorted) && sorted[j+1] == sorted[i] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[inds[k]] = avg
		}
		i = j + 1
	}
	return ranks
}
