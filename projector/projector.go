// Package projector maps per-row scene features to the embedding space the
// contrastive and ranking regularizers act on.
package projector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/predictor"
)

// Config holds configurable hyperparameters for the projector MLP.
type Config struct {
	// HiddenSizes is the list of hidden layer sizes. Example: []int{64, 32}
	// If empty, a single hidden layer of size 32 will be used.
	HiddenSizes []int

	InputDim  int
	OutputDim int // defaults to 16

	// LearningRate used by the optimizer (SGD or Adam).
	LearningRate float64

	// Seed controls weight initialization.
	Seed int64

	// Optimizer selects the optimizer to use: "adam" or "sgd". Default: "adam".
	Optimizer string

	// Adam hyperparameters (used when Optimizer == "adam"; defaults below if zero).
	Beta1   float64
	Beta2   float64
	Epsilon float64

	// ClipNorm is the global gradient norm threshold. Zero disables clipping.
	ClipNorm float64
}

// Model is a small MLP with ReLU hidden layers and a linear output.
//
// Forward caches the activations of its last call so that Backward can
// turn an upstream gradient into parameter gradients. Gradients accumulate
// until Step applies them.
type Model struct {
	Config Config

	// layerSizes includes input size, hidden sizes, then output size.
	layerSizes []int

	// weights[l] is a matrix of shape [out][in] for layer l -> l+1
	weights [][][]float64
	biases  [][]float64

	gradW [][][]float64
	gradB [][]float64

	// Adam moments and step count.
	mW, vW [][][]float64
	mB, vB [][]float64
	steps  int

	// activations of the last Forward, one per row
	preActs [][][]float64
	acts    [][][]float64
}

// NewModel creates a projector with small random weights.
func NewModel(cfg Config) (*Model, error) {
	if cfg.InputDim <= 0 {
		return nil, fmt.Errorf("input dim must be > 0, got %d", cfg.InputDim)
	}
	if len(cfg.HiddenSizes) == 0 {
		cfg.HiddenSizes = []int{32}
	}
	if cfg.OutputDim == 0 {
		cfg.OutputDim = 16
	}
	if cfg.LearningRate == 0 {
		cfg.LearningRate = 0.001
	}
	if cfg.Optimizer == "" {
		cfg.Optimizer = "adam"
	}
	if cfg.Optimizer != "adam" && cfg.Optimizer != "sgd" {
		return nil, fmt.Errorf("unknown optimizer %q", cfg.Optimizer)
	}
	if cfg.Beta1 == 0 {
		cfg.Beta1 = 0.9
	}
	if cfg.Beta2 == 0 {
		cfg.Beta2 = 0.999
	}
	if cfg.Epsilon == 0 {
		cfg.Epsilon = 1e-8
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	sizes := make([]int, 0, 2+len(cfg.HiddenSizes))
	sizes = append(sizes, cfg.InputDim)
	sizes = append(sizes, cfg.HiddenSizes...)
	sizes = append(sizes, cfg.OutputDim)

	m := &Model{Config: cfg, layerSizes: sizes}
	m.weights = newMatrices(sizes)
	m.biases = newVectors(sizes)
	for l, mat := range m.weights {
		in, out := sizes[l], sizes[l+1]
		// Xavier/Glorot uniform initialization heuristic
		limit := math.Sqrt(6.0 / float64(in+out))
		for j := range mat {
			for i := range mat[j] {
				mat[j][i] = (rng.Float64()*2.0 - 1.0) * limit * 0.5
			}
		}
	}
	m.gradW, m.gradB = newMatrices(sizes), newVectors(sizes)
	m.mW, m.vW = newMatrices(sizes), newMatrices(sizes)
	m.mB, m.vB = newVectors(sizes), newVectors(sizes)
	return m, nil
}

func newMatrices(sizes []int) [][][]float64 {
	out := make([][][]float64, len(sizes)-1)
	for l := range out {
		out[l] = make([][]float64, sizes[l+1])
		for j := range out[l] {
			out[l][j] = make([]float64, sizes[l])
		}
	}
	return out
}

func newVectors(sizes []int) [][]float64 {
	out := make([][]float64, len(sizes)-1)
	for l := range out {
		out[l] = make([]float64, sizes[l+1])
	}
	return out
}

// InputDim returns the expected feature size.
func (m *Model) InputDim() int { return m.layerSizes[0] }

// OutputDim returns the embedding size.
func (m *Model) OutputDim() int { return m.layerSizes[len(m.layerSizes)-1] }

// forwardSingle returns the pre-activations (one per layer) and the
// activations (input first) of one row.
func (m *Model) forwardSingle(input []float64) (preActs, acts [][]float64) {
	L := len(m.weights)
	acts = make([][]float64, L+1)
	acts[0] = append([]float64(nil), input...)
	preActs = make([][]float64, L)
	for l := 0; l < L; l++ {
		in := acts[l]
		pre := make([]float64, len(m.biases[l]))
		for j, row := range m.weights[l] {
			sum := m.biases[l][j]
			for i, w := range row {
				sum += w * in[i]
			}
			pre[j] = sum
		}
		preActs[l] = pre

		// Activation: ReLU for hidden, linear for last layer
		act := append([]float64(nil), pre...)
		if l < L-1 {
			for i := range act {
				if act[i] < 0 {
					act[i] = 0
				}
			}
		}
		acts[l+1] = act
	}
	return preActs, acts
}

// Forward projects every row of in and remembers the activations for the
// next Backward call.
func (m *Model) Forward(in *predictor.Embeddings) (*predictor.Embeddings, error) {
	if in == nil {
		return nil, errors.New("features are nil")
	}
	if in.Dim != m.InputDim() {
		return nil, fmt.Errorf("features have dim %d, projector expects %d", in.Dim, m.InputDim())
	}
	out := &predictor.Embeddings{Dim: m.OutputDim(), Rows: in.Rows, Data: make([]float64, in.Rows*m.OutputDim())}
	m.preActs = make([][][]float64, in.Rows)
	m.acts = make([][][]float64, in.Rows)
	for r := range in.Rows {
		pre, acts := m.forwardSingle(in.Row(r))
		m.preActs[r], m.acts[r] = pre, acts
		copy(out.Row(r), acts[len(acts)-1])
	}
	return out, nil
}

// Backward accumulates parameter gradients for dLoss/dOutput, laid out like
// the Embeddings returned by the last Forward.
func (m *Model) Backward(grad []float64) error {
	if m.acts == nil {
		return errors.New("backward called before forward")
	}
	outDim := m.OutputDim()
	if len(grad) != len(m.acts)*outDim {
		return fmt.Errorf("gradient holds %d values, expected %d", len(grad), len(m.acts)*outDim)
	}
	for r := range m.acts {
		delta := append([]float64(nil), grad[r*outDim:(r+1)*outDim]...)
		for l := len(m.weights) - 1; l >= 0; l-- {
			in := m.acts[r][l]
			for j := range delta {
				m.gradB[l][j] += delta[j]
				for i := range in {
					m.gradW[l][j][i] += delta[j] * in[i]
				}
			}
			if l == 0 {
				break
			}
			// propagate delta through the weights and the ReLU of layer l-1
			prev := make([]float64, len(in))
			for i := range prev {
				if m.preActs[r][l-1][i] <= 0 {
					continue
				}
				for j := range delta {
					prev[i] += m.weights[l][j][i] * delta[j]
				}
			}
			delta = prev
		}
	}
	return nil
}

// GradNorm returns the global L2 norm of the accumulated gradients.
func (m *Model) GradNorm() float64 {
	var sum float64
	for l := range m.weights {
		for j := range m.gradW[l] {
			sum += m.gradB[l][j] * m.gradB[l][j]
			for _, g := range m.gradW[l][j] {
				sum += g * g
			}
		}
	}
	return math.Sqrt(sum)
}

// Step applies the accumulated gradients with the configured optimizer and
// clears them.
func (m *Model) Step() {
	scale := 1.0
	if clip := m.Config.ClipNorm; clip > 0 {
		if n := m.GradNorm(); n > clip {
			scale = clip / n
		}
	}
	m.steps++
	lr := m.Config.LearningRate
	for l := range m.weights {
		for j := range m.weights[l] {
			for i := range m.weights[l][j] {
				m.weights[l][j][i] -= lr * m.update(&m.mW[l][j][i], &m.vW[l][j][i], scale*m.gradW[l][j][i])
				m.gradW[l][j][i] = 0
			}
			m.biases[l][j] -= lr * m.update(&m.mB[l][j], &m.vB[l][j], scale*m.gradB[l][j])
			m.gradB[l][j] = 0
		}
	}
}

// update returns the step direction for one parameter.
func (m *Model) update(mom, vel *float64, g float64) float64 {
	if m.Config.Optimizer == "sgd" {
		return g
	}
	c := m.Config
	*mom = c.Beta1**mom + (1-c.Beta1)*g
	*vel = c.Beta2**vel + (1-c.Beta2)*g*g
	mHat := *mom / (1 - math.Pow(c.Beta1, float64(m.steps)))
	vHat := *vel / (1 - math.Pow(c.Beta2, float64(m.steps)))
	return mHat / (math.Sqrt(vHat) + c.Epsilon)
}

// Projected attaches a projector to a model that exposes raw per-row
// features. Only the projector is trained through it.
type Projected struct {
	Base      predictor.EmbeddingModel
	Projector *Model
}

// Modes returns the base model's K.
func (p *Projected) Modes() int { return p.Base.Modes() }

// Predict delegates to the base model.
func (p *Projected) Predict(ctx context.Context, batch *datasets.CausalBatch) (*predictor.Prediction, error) {
	return p.Base.Predict(ctx, batch)
}

// PredictWithEmbeddings returns the base prediction and the projected
// features.
func (p *Projected) PredictWithEmbeddings(ctx context.Context, batch *datasets.CausalBatch) (*predictor.Prediction, *predictor.Embeddings, error) {
	pred, feats, err := p.Base.PredictWithEmbeddings(ctx, batch)
	if err != nil {
		return nil, nil, err
	}
	emb, err := p.Projector.Forward(feats)
	if err != nil {
		return nil, nil, fmt.Errorf("project features: %w", err)
	}
	return pred, emb, nil
}
