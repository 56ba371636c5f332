// Package monte implements a Monte Carlo multi-modal baseline predictor.
//
// Every batch row gets K candidate ego futures fanned around the ego's last
// observed velocity. Nearby agents push the candidates away from them with
// an inverse-square force, scaled by a single trainable gain. Removing an
// agent therefore changes the prediction, which is what the causal
// evaluation measures.
package monte

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/predictor"
)

// FeatureDim is the size of the interaction feature vector of a row.
const FeatureDim = 7

// Monte predicts K futures per row from the ego's past and the positions of
// the other agents at the last observed step.
type Monte struct {
	K int

	// Simulation tunables (exported so callers can set them)
	ForceEps    float64 // small epsilon to avoid divide-by-zero in force calcs
	ForceScale  float64 // how far a unit force moves the final position
	Repulsion   float64 // multiplier for agent repulsion
	MaxPerAgent float64 // clamp per-agent influence
	Spread      float64 // total heading fan in radians across the K modes
	SpeedNoise  float64 // relative speed perturbation per mode
	Temperature float64 // softmax temperature of the mode probabilities

	// Gain scales the interaction displacement. It is the only trainable
	// parameter.
	Gain float64

	// Workers bounds the number of goroutines used by Predict.
	Workers int

	seed     int64
	gainGrad float64
	mu       sync.Mutex
}

// NewMonte creates a baseline with k modes whose draws derive from seed.
func NewMonte(k int, seed int64) (*Monte, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be >= 1, got %d", k)
	}
	return &Monte{
		K:           k,
		ForceEps:    1e-3,
		ForceScale:  1.2,
		Repulsion:   1.0,
		MaxPerAgent: 10.0,
		Spread:      math.Pi / 3,
		SpeedNoise:  0.1,
		Temperature: 0.5,
		Gain:        1.0,
		Workers:     runtime.NumCPU(),
		seed:        seed,
	}, nil
}

// Modes returns K.
func (m *Monte) Modes() int { return m.K }

// SetForceScale sets how strongly the net force moves the predicted track.
func (m *Monte) SetForceScale(v float64) {
	if m == nil {
		return
	}
	m.ForceScale = v
}

// SetMaxPerAgent sets the clamp on a single agent's influence.
func (m *Monte) SetMaxPerAgent(v float64) {
	if m == nil {
		return
	}
	m.MaxPerAgent = v
}

func (m *Monte) SetSpread(v float64) {
	if m == nil {
		return
	}
	m.Spread = v
}

func (m *Monte) SetSpeedNoise(v float64) {
	if m == nil {
		return
	}
	m.SpeedNoise = v
}

// rowState is everything Predict derives from one batch row.
type rowState struct {
	x0, y0    float64 // last observed ego position
	vx, vy    float64 // last observed ego velocity
	fx, fy    float64 // net interaction force
	neighbors int
}

// state reads the ego's last observed position and velocity and sums the
// repulsion of every other agent present at the last observed step.
func (m *Monte) state(batch *datasets.CausalBatch, row int) rowState {
	var s rowState
	obs := batch.ObsLength
	ego := batch.EgoPastRow(row)
	at := func(t int) (x, y float64, ok bool) {
		o := t * datasets.Channels
		return float64(ego[o]), float64(ego[o+1]), ego[o+2] > 0
	}

	last := -1
	for t := obs - 1; t >= 0; t-- {
		if x, y, ok := at(t); ok {
			s.x0, s.y0, last = x, y, t
			break
		}
	}
	if last > 0 {
		if px, py, ok := at(last - 1); ok {
			s.vx, s.vy = s.x0-px, s.y0-py
		}
	}

	forceEps := m.ForceEps
	if forceEps == 0 {
		forceEps = 1e-3
	}
	maxPerAgent := m.MaxPerAgent
	if maxPerAgent == 0 {
		maxPerAgent = 10.0
	}
	others := batch.OthersPastRow(row)
	base := (obs - 1) * batch.Others * datasets.Channels
	for a := range batch.Others {
		o := base + a*datasets.Channels
		if others[o+2] == 0 {
			continue
		}
		dx := float64(others[o]) - s.x0
		dy := float64(others[o+1]) - s.y0
		dist := math.Hypot(dx, dy)
		if dist < forceEps {
			continue
		}
		s.neighbors++

		// Inverse-square falloff, pointing away from the agent.
		w := -m.Repulsion / (dist*dist + forceEps)
		w = clampFloat64(w, -maxPerAgent, maxPerAgent)
		s.fx += w * dx / dist
		s.fy += w * dy / dist
	}
	return s
}

// interaction returns the displacement added at step t per unit gain.
func (m *Monte) interaction(s rowState, t, horizon int) (x, y float64) {
	frac := float64(t+1) / float64(horizon)
	return m.ForceScale * s.fx * frac, m.ForceScale * s.fy * frac
}

// modeAngles returns the heading offset of each mode, evenly spread over
// [-Spread/2, Spread/2].
func (m *Monte) modeAngles() []float64 {
	angles := make([]float64, m.K)
	if m.K == 1 {
		return angles
	}
	for k := range angles {
		angles[k] = -m.Spread/2 + m.Spread*float64(k)/float64(m.K-1)
	}
	return angles
}

// modeProbs favours modes close to the observed heading.
func (m *Monte) modeProbs(angles []float64) []float64 {
	temp := m.Temperature
	if temp <= 0 {
		temp = 1
	}
	probs := make([]float64, len(angles))
	var sum float64
	for k, a := range angles {
		probs[k] = math.Exp(-math.Abs(a) / temp)
		sum += probs[k]
	}
	for k := range probs {
		probs[k] /= sum
	}
	return probs
}

// Predict returns K futures for every row of batch. Rows of the same group
// share their random draws, so variants of a scene differ only through the
// agents that are present.
func (m *Monte) Predict(ctx context.Context, batch *datasets.CausalBatch) (*predictor.Prediction, error) {
	if m == nil {
		return nil, errors.New("Monte object is nil")
	}
	if batch == nil {
		return nil, errors.New("batch is nil")
	}
	if batch.PredLength < 1 || batch.ObsLength < 1 {
		return nil, fmt.Errorf("batch window must be positive, got obs=%d pred=%d", batch.ObsLength, batch.PredLength)
	}

	horizon := batch.PredLength
	pred := predictor.NewPrediction(m.K, horizon, batch.Size)
	if batch.Size == 0 {
		return pred, nil
	}
	angles := m.modeAngles()
	probs := m.modeProbs(angles)

	workerCount := m.Workers
	if workerCount < 1 {
		workerCount = runtime.NumCPU()
	}
	if workerCount > batch.Size {
		workerCount = batch.Size
	}
	jobs := make(chan int, batch.Size)
	var wg sync.WaitGroup
	wg.Add(workerCount)

	for w := 0; w < workerCount; w++ {
		go func() {
			defer wg.Done()
			for row := range jobs {
				if ctx.Err() != nil {
					continue
				}
				s := m.state(batch, row)
				rng := rand.New(rand.NewSource(m.seed + int64(m.groupOf(batch, row))))
				for k, angle := range angles {
					scale := 1 + (rng.Float64()*2.0-1.0)*m.SpeedNoise
					c, sn := math.Cos(angle), math.Sin(angle)
					vx := (c*s.vx - sn*s.vy) * scale
					vy := (sn*s.vx + c*s.vy) * scale
					for t := range horizon {
						ix, iy := m.interaction(s, t, horizon)
						step := float64(t + 1)
						pred.Set(k, t, row, s.x0+step*vx+m.Gain*ix, s.y0+step*vy+m.Gain*iy)
					}
				}
				copy(pred.Probs[row*m.K:(row+1)*m.K], probs)
			}
		}()
	}

	for i := 0; i < batch.Size; i++ {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return pred, nil
}

func (m *Monte) groupOf(batch *datasets.CausalBatch, row int) int {
	if row < len(batch.Rows) {
		return batch.Rows[row].Group
	}
	return row
}

// Features returns the interaction features of every row: net force,
// force magnitude, neighbour count, velocity and speed.
func (m *Monte) Features(batch *datasets.CausalBatch) *predictor.Embeddings {
	emb := &predictor.Embeddings{Dim: FeatureDim, Rows: batch.Size, Data: make([]float64, batch.Size*FeatureDim)}
	for row := range batch.Size {
		s := m.state(batch, row)
		copy(emb.Row(row), []float64{
			s.fx, s.fy, math.Hypot(s.fx, s.fy), float64(s.neighbors),
			s.vx, s.vy, math.Hypot(s.vx, s.vy),
		})
	}
	return emb
}

// PredictWithEmbeddings returns the prediction together with the
// interaction features of every row.
func (m *Monte) PredictWithEmbeddings(ctx context.Context, batch *datasets.CausalBatch) (*predictor.Prediction, *predictor.Embeddings, error) {
	pred, err := m.Predict(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	return pred, m.Features(batch), nil
}

// Backward accumulates dLoss/dGain given dLoss/dTrajectories for a
// prediction of batch. It returns the gradient contributed by this call.
func (m *Monte) Backward(batch *datasets.CausalBatch, grad []float64) (float64, error) {
	horizon := batch.PredLength
	if len(grad) != m.K*horizon*batch.Size*2 {
		return 0, fmt.Errorf("gradient holds %d values, expected %d", len(grad), m.K*horizon*batch.Size*2)
	}
	var g float64
	for row := range batch.Size {
		s := m.state(batch, row)
		for t := range horizon {
			ix, iy := m.interaction(s, t, horizon)
			for k := range m.K {
				o := ((k*horizon+t)*batch.Size + row) * 2
				g += grad[o]*ix + grad[o+1]*iy
			}
		}
	}
	m.mu.Lock()
	m.gainGrad += g
	m.mu.Unlock()
	return g, nil
}

// Step applies one gradient descent update to Gain and clears the
// accumulated gradient.
func (m *Monte) Step(lr float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Gain -= lr * m.gainGrad
	m.gainGrad = 0
}

// clampFloat64 clamps v to [minVal, maxVal].
func clampFloat64(v, minVal, maxVal float64) float64 {
	if v < minVal {
		return minVal
	}
	if v > maxVal {
		return maxVal
	}
	return v
}
