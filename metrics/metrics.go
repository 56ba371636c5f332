// Package metrics computes best-of-K displacement errors for multi-modal
// trajectory predictions.
package metrics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/predictor"
)

// ErrShape is returned when error and probability matrices disagree.
var ErrShape = errors.New("metric input shape mismatch")

// MinXDEResult is the outcome of MinXDEK.
type MinXDEResult struct {
	K    int
	Mean float64 // NaN when no sample is valid

	// PerSample holds each sample's best error among its K most likely
	// modes; NaN when all of them are NaN.
	PerSample []float64

	// RankCounts[r] counts samples whose best mode was the r-th most likely.
	RankCounts []int

	Valid int
}

// MinXDEK ranks each sample's modes by descending probability, keeps the top
// k and takes the smallest non-NaN error among them. Samples whose kept errors
// are all NaN are excluded from the mean. Ties in probability keep the lower
// mode index first.
func MinXDEK(errs, probs [][]float64, k int) (*MinXDEResult, error) {
	if len(errs) != len(probs) {
		return nil, fmt.Errorf("%w: %d error rows vs %d probability rows", ErrShape, len(errs), len(probs))
	}
	res := &MinXDEResult{
		K:          k,
		PerSample:  make([]float64, len(errs)),
		RankCounts: make([]int, max(k, 0)),
	}

	valid := make([]float64, 0, len(errs))
	for i, row := range errs {
		p := probs[i]
		if len(row) != len(p) {
			return nil, fmt.Errorf("%w: sample %d has %d errors and %d probabilities", ErrShape, i, len(row), len(p))
		}
		if k < 1 || k > len(row) {
			return nil, fmt.Errorf("%w: k=%d outside [1, %d]", ErrShape, k, len(row))
		}

		order := TopModes(p, k)
		best, bestRank := math.NaN(), -1
		for r, mode := range order {
			e := row[mode]
			if math.IsNaN(e) {
				continue
			}
			if bestRank < 0 || e < best {
				best, bestRank = e, r
			}
		}
		res.PerSample[i] = best
		if bestRank >= 0 {
			res.RankCounts[bestRank]++
			valid = append(valid, best)
		}
	}

	res.Valid = len(valid)
	res.Mean = math.NaN()
	if len(valid) > 0 {
		res.Mean = stat.Mean(valid, nil)
	}
	return res, nil
}

// TopModes returns the indices of the k most likely modes, most likely first.
func TopModes(probs []float64, k int) []int {
	neg := make([]float64, len(probs))
	for i, v := range probs {
		neg[i] = -v
	}
	inds := make([]int, len(probs))
	floats.ArgsortStable(neg, inds)
	return inds[:min(k, len(inds))]
}

// EgoErrors returns per row and per mode the average and final displacement
// error of the ego future against the batch ground truth. Only present
// ground-truth steps count; ADE is NaN when no step is present and FDE is NaN
// when the last step is missing.
func EgoErrors(pred *predictor.Prediction, batch *datasets.CausalBatch) (ade, fde [][]float64, err error) {
	if pred.Batch != batch.Size {
		return nil, nil, fmt.Errorf("%w: prediction has %d rows, batch has %d", ErrShape, pred.Batch, batch.Size)
	}
	if pred.Horizon != batch.PredLength {
		return nil, nil, fmt.Errorf("%w: prediction horizon %d, batch future %d", ErrShape, pred.Horizon, batch.PredLength)
	}

	ade = make([][]float64, batch.Size)
	fde = make([][]float64, batch.Size)
	for b := range batch.Size {
		gt := batch.EgoFutureRow(b)
		ade[b] = make([]float64, pred.Modes)
		fde[b] = make([]float64, pred.Modes)
		for k := range pred.Modes {
			var sum float64
			n := 0
			final := math.NaN()
			for t := range pred.Horizon {
				g := gt[t*datasets.Channels:]
				if g[2] == 0 {
					continue
				}
				x, y := pred.At(k, t, b)
				d := math.Hypot(x-float64(g[0]), y-float64(g[1]))
				sum += d
				n++
				if t == pred.Horizon-1 {
					final = d
				}
			}
			ade[b][k] = math.NaN()
			if n > 0 {
				ade[b][k] = sum / float64(n)
			}
			fde[b][k] = final
		}
	}
	return ade, fde, nil
}

// ReportKs returns the distinct K' values reported for a model with k modes:
// k, min(k, 10), min(k, 5) and 1, largest first.
func ReportKs(k int) []int {
	var out []int
	seen := make(map[int]bool)
	for _, v := range []int{k, min(k, 10), min(k, 5), 1} {
		if v >= 1 && !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// Summary holds minADE and minFDE at several K'.
type Summary struct {
	MinADE map[int]*MinXDEResult
	MinFDE map[int]*MinXDEResult
}

// Summarize computes minADE_K and minFDE_K for every K' in ks.
func Summarize(pred *predictor.Prediction, batch *datasets.CausalBatch, ks []int) (*Summary, error) {
	ade, fde, err := EgoErrors(pred, batch)
	if err != nil {
		return nil, err
	}
	probs := pred.ProbRows()
	s := &Summary{MinADE: make(map[int]*MinXDEResult), MinFDE: make(map[int]*MinXDEResult)}
	for _, k := range ks {
		if s.MinADE[k], err = MinXDEK(ade, probs, k); err != nil {
			return nil, fmt.Errorf("minADE_%d: %w", k, err)
		}
		if s.MinFDE[k], err = MinXDEK(fde, probs, k); err != nil {
			return nil, fmt.Errorf("minFDE_%d: %w", k, err)
		}
	}
	return s, nil
}
