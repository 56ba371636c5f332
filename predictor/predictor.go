// Package predictor defines the boundary between the evaluation code and a
// multi-modal trajectory prediction model.
package predictor

import (
	"context"
	"fmt"
	"math"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/socialcausality/datasets"
)

// Prediction holds K candidate ego futures per batch row plus a
// probability over the K modes.
//
// Trajectories is laid out (Modes, Horizon, Batch, 2) and Probs is
// (Batch, Modes) with every row summing to 1.
type Prediction struct {
	Modes   int
	Horizon int
	Batch   int

	Trajectories []float64
	Probs        []float64
}

// NewPrediction allocates a zeroed prediction.
func NewPrediction(modes, horizon, batch int) *Prediction {
	return &Prediction{
		Modes:        modes,
		Horizon:      horizon,
		Batch:        batch,
		Trajectories: make([]float64, modes*horizon*batch*2),
		Probs:        make([]float64, batch*modes),
	}
}

func (p *Prediction) offset(k, t, b int) int {
	return ((k*p.Horizon+t)*p.Batch + b) * 2
}

// At returns mode k's predicted position at step t for batch row b.
func (p *Prediction) At(k, t, b int) (x, y float64) {
	o := p.offset(k, t, b)
	return p.Trajectories[o], p.Trajectories[o+1]
}

// Set stores mode k's predicted position at step t for batch row b.
func (p *Prediction) Set(k, t, b int, x, y float64) {
	o := p.offset(k, t, b)
	p.Trajectories[o] = x
	p.Trajectories[o+1] = y
}

// Prob returns the probability of mode k for batch row b.
func (p *Prediction) Prob(b, k int) float64 {
	return p.Probs[b*p.Modes+k]
}

// ProbRows returns the probabilities as one slice per batch row. The rows
// alias Probs.
func (p *Prediction) ProbRows() [][]float64 {
	rows := make([][]float64, p.Batch)
	for b := range rows {
		rows[b] = p.Probs[b*p.Modes : (b+1)*p.Modes]
	}
	return rows
}

// Track returns mode k's predicted track for row b as (x, y) pairs.
func (p *Prediction) Track(k, b int) [][2]float64 {
	out := make([][2]float64, p.Horizon)
	for t := range p.Horizon {
		x, y := p.At(k, t, b)
		out[t] = [2]float64{x, y}
	}
	return out
}

// Validate checks buffer sizes and that every probability row is a
// distribution.
func (p *Prediction) Validate() error {
	if p.Modes < 1 || p.Horizon < 1 {
		return fmt.Errorf("prediction needs at least one mode and one step, got K=%d T=%d", p.Modes, p.Horizon)
	}
	if len(p.Trajectories) != p.Modes*p.Horizon*p.Batch*2 {
		return fmt.Errorf("prediction holds %d values, expected %d", len(p.Trajectories), p.Modes*p.Horizon*p.Batch*2)
	}
	if len(p.Probs) != p.Batch*p.Modes {
		return fmt.Errorf("probabilities hold %d values, expected %d", len(p.Probs), p.Batch*p.Modes)
	}
	for b, row := range p.ProbRows() {
		var sum float64
		for _, v := range row {
			if v < 0 || math.IsNaN(v) {
				return fmt.Errorf("row %d has invalid probability %v", b, v)
			}
			sum += v
		}
		if math.Abs(sum-1) > 1e-6 {
			return fmt.Errorf("row %d probabilities sum to %v", b, sum)
		}
	}
	return nil
}

// ToGomlxTensors returns the trajectories as a (K, T, B, 2) float32 tensor
// and the probabilities as a (B, K) float32 tensor.
func (p *Prediction) ToGomlxTensors() (trajectories, probs *tensors.Tensor) {
	return tensors.FromFlatDataAndDimensions(toFloat32(p.Trajectories), p.Modes, p.Horizon, p.Batch, 2),
		tensors.FromFlatDataAndDimensions(toFloat32(p.Probs), p.Batch, p.Modes)
}

// Embeddings holds one vector of size Dim per batch row.
type Embeddings struct {
	Dim  int
	Rows int
	Data []float64
}

// Row returns the embedding of batch row i. The slice aliases Data.
func (e *Embeddings) Row(i int) []float64 {
	return e.Data[i*e.Dim : (i+1)*e.Dim]
}

// ToGomlxTensor converts the embeddings to a (Rows, Dim) float32 tensor.
func (e *Embeddings) ToGomlxTensor() *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(toFloat32(e.Data), e.Rows, e.Dim)
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

// Model maps every row of a batch to K predicted ego futures.
type Model interface {
	Modes() int
	Predict(ctx context.Context, batch *datasets.CausalBatch) (*Prediction, error)
}

// EmbeddingModel is a Model that also exposes a per-row scene embedding.
type EmbeddingModel interface {
	Model
	PredictWithEmbeddings(ctx context.Context, batch *datasets.CausalBatch) (*Prediction, *Embeddings, error)
}
