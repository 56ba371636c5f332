package metrics

import (
	"math"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/predictor"
)

// WTAResult is the value and gradient of the winner-takes-all ADE loss.
type WTAResult struct {
	Loss float64

	// Grad is dLoss/dTrajectories, laid out like Prediction.Trajectories.
	Grad []float64

	Rows int
}

// WinnerTakesAll averages, over rows with at least one present future step,
// the ADE of the mode closest to the ground truth. Only the winning mode
// receives gradient.
func WinnerTakesAll(pred *predictor.Prediction, batch *datasets.CausalBatch) (*WTAResult, error) {
	ade, _, err := EgoErrors(pred, batch)
	if err != nil {
		return nil, err
	}
	res := &WTAResult{Grad: make([]float64, len(pred.Trajectories))}
	winners := make([]int, batch.Size)
	for b, row := range ade {
		winners[b] = -1
		for k, e := range row {
			if math.IsNaN(e) {
				continue
			}
			if winners[b] < 0 || e < row[winners[b]] {
				winners[b] = k
			}
		}
		if winners[b] >= 0 {
			res.Rows++
		}
	}
	if res.Rows == 0 {
		return res, nil
	}

	rows := float64(res.Rows)
	for b, k := range winners {
		if k < 0 {
			continue
		}
		res.Loss += ade[b][k] / rows

		gt := batch.EgoFutureRow(b)
		present := 0
		for t := range pred.Horizon {
			if gt[t*datasets.Channels+2] != 0 {
				present++
			}
		}
		for t := range pred.Horizon {
			g := gt[t*datasets.Channels:]
			if g[2] == 0 {
				continue
			}
			x, y := pred.At(k, t, b)
			dx, dy := x-float64(g[0]), y-float64(g[1])
			d := math.Hypot(dx, dy)
			if d == 0 {
				continue
			}
			o := ((k*pred.Horizon+t)*pred.Batch + b) * 2
			res.Grad[o] += dx / d / float64(present) / rows
			res.Grad[o+1] += dy / d / float64(present) / rows
		}
	}
	return res, nil
}
