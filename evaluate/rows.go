package evaluate

import "github.com/Noofbiz/socialcausality/predictor"

// selectRows copies the given batch rows of a prediction.
func selectRows(p *predictor.Prediction, rows []int) *predictor.Prediction {
	out := predictor.NewPrediction(p.Modes, p.Horizon, len(rows))
	for i, row := range rows {
		for k := range p.Modes {
			for t := range p.Horizon {
				x, y := p.At(k, t, row)
				out.Set(k, t, i, x, y)
			}
		}
		copy(out.Probs[i*p.Modes:(i+1)*p.Modes], p.Probs[row*p.Modes:(row+1)*p.Modes])
	}
	return out
}

// scatterGrad adds a trajectory gradient computed on selectRows(p, rows)
// back into a gradient laid out like p.
func scatterGrad(dst []float64, p *predictor.Prediction, sub []float64, rows []int) {
	n := len(rows)
	for i, row := range rows {
		for k := range p.Modes {
			for t := range p.Horizon {
				so := ((k*p.Horizon+t)*n + i) * 2
				do := ((k*p.Horizon+t)*p.Batch + row) * 2
				dst[do] += sub[so]
				dst[do+1] += sub[so+1]
			}
		}
	}
}

// factualIndices returns the first row of every group.
func factualIndices(boundary []int) []int {
	return append([]int(nil), boundary[:len(boundary)-1]...)
}
