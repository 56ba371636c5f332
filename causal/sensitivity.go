package causal

import (
	"fmt"
	"math"

	"github.com/Noofbiz/socialcausality/predictor"
)

// Sensitivities returns, for every counterfactual row, the mean distance
// over modes and steps between its predicted ego future and the predicted
// future of its group's factual row. The result is aligned with
// layout.Effects.
func Sensitivities(pred *predictor.Prediction, layout Layout) ([][]float64, error) {
	if err := layout.Validate(pred.Batch); err != nil {
		return nil, err
	}
	out := make([][]float64, layout.Groups())
	norm := float64(pred.Modes * pred.Horizon)
	for g := range out {
		lo, hi := layout.Boundary[g], layout.Boundary[g+1]
		out[g] = make([]float64, hi-lo-1)
		for row := lo + 1; row < hi; row++ {
			var sum float64
			for k := range pred.Modes {
				for t := range pred.Horizon {
					fx, fy := pred.At(k, t, lo)
					cx, cy := pred.At(k, t, row)
					sum += math.Hypot(cx-fx, cy-fy)
				}
			}
			out[g][row-lo-1] = sum / norm
		}
	}
	return out, nil
}

// sensitivityBackward adds dL/ds * ds/dpred for one counterfactual row to
// grad, laid out like pred.Trajectories.
func sensitivityBackward(pred *predictor.Prediction, factual, row int, dLds float64, grad []float64) {
	norm := float64(pred.Modes * pred.Horizon)
	for k := range pred.Modes {
		for t := range pred.Horizon {
			fx, fy := pred.At(k, t, factual)
			cx, cy := pred.At(k, t, row)
			d := math.Hypot(cx-fx, cy-fy)
			if d == 0 {
				continue
			}
			gx := dLds * (cx - fx) / d / norm
			gy := dLds * (cy - fy) / d / norm
			co := ((k*pred.Horizon+t)*pred.Batch + row) * 2
			fo := ((k*pred.Horizon+t)*pred.Batch + factual) * 2
			grad[co] += gx
			grad[co+1] += gy
			grad[fo] -= gx
			grad[fo+1] -= gy
		}
	}
}

// ConsistencyResult is the value and gradient of the consistency loss.
type ConsistencyResult struct {
	Loss float64

	// Grad is dLoss/dTrajectories, laid out like Prediction.Trajectories.
	Grad []float64

	Terms int
}

// Consistency is weight times the mean squared difference between each
// counterfactual's sensitivity and its ground-truth effect. Counterfactuals
// with a NaN effect are skipped. The loss is 0 when there are no terms.
func Consistency(pred *predictor.Prediction, layout Layout, weight float64) (*ConsistencyResult, error) {
	sens, err := Sensitivities(pred, layout)
	if err != nil {
		return nil, err
	}
	res := &ConsistencyResult{Grad: make([]float64, len(pred.Trajectories))}
	for g, row := range sens {
		for j := range row {
			if !math.IsNaN(layout.Effects[g][j]) {
				res.Terms++
			}
		}
	}
	if res.Terms == 0 {
		return res, nil
	}

	n := float64(res.Terms)
	for g, row := range sens {
		lo := layout.Boundary[g]
		for j, s := range row {
			ce := layout.Effects[g][j]
			if math.IsNaN(ce) {
				continue
			}
			diff := s - ce
			res.Loss += weight * diff * diff / n
			sensitivityBackward(pred, lo, lo+1+j, weight*2*diff/n, res.Grad)
		}
	}
	if math.IsNaN(res.Loss) {
		return nil, fmt.Errorf("consistency loss is NaN")
	}
	return res, nil
}
