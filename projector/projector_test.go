package projector

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/predictor"
)

func randomFeatures(rows, dim int, seed int64) *predictor.Embeddings {
	rng := rand.New(rand.NewSource(seed))
	e := &predictor.Embeddings{Dim: dim, Rows: rows, Data: make([]float64, rows*dim)}
	for i := range e.Data {
		e.Data[i] = rng.Float64()*2 - 1
	}
	return e
}

func TestNewModelDefaultsAndErrors(t *testing.T) {
	if _, err := NewModel(Config{}); err == nil {
		t.Fatalf("expected error for zero input dim")
	}
	if _, err := NewModel(Config{InputDim: 3, Optimizer: "rmsprop"}); err == nil {
		t.Fatalf("expected error for unknown optimizer")
	}
	m, err := NewModel(Config{InputDim: 3})
	if err != nil {
		t.Fatalf("NewModel error: %v", err)
	}
	if m.OutputDim() != 16 || m.Config.Optimizer != "adam" {
		t.Fatalf("unexpected defaults: out=%d optimizer=%q", m.OutputDim(), m.Config.Optimizer)
	}
}

func TestForwardRejectsWrongDim(t *testing.T) {
	m, _ := NewModel(Config{InputDim: 4, Seed: 1})
	if _, err := m.Forward(randomFeatures(2, 3, 1)); err == nil {
		t.Fatalf("expected error for wrong feature dim")
	}
	if err := m.Backward(make([]float64, 4)); err == nil {
		t.Fatalf("expected error for backward before forward")
	}
}

// TestBackwardMatchesFiniteDifference checks the first-layer weight
// gradients of L = sum(c * out) against central differences.
func TestBackwardMatchesFiniteDifference(t *testing.T) {
	m, err := NewModel(Config{InputDim: 4, HiddenSizes: []int{6}, OutputDim: 3, Seed: 3})
	if err != nil {
		t.Fatalf("NewModel error: %v", err)
	}
	in := randomFeatures(5, 4, 9)
	coef := randomFeatures(5, 3, 10).Data

	loss := func() float64 {
		out, err := m.Forward(in)
		if err != nil {
			t.Fatalf("Forward error: %v", err)
		}
		var l float64
		for i, v := range out.Data {
			l += coef[i] * v
		}
		return l
	}

	loss()
	if err := m.Backward(coef); err != nil {
		t.Fatalf("Backward error: %v", err)
	}
	const h = 1e-6
	for j := range m.weights[0] {
		for i := range m.weights[0][j] {
			w := m.weights[0][j][i]
			m.weights[0][j][i] = w + h
			up := loss()
			m.weights[0][j][i] = w - h
			down := loss()
			m.weights[0][j][i] = w
			numeric := (up - down) / (2 * h)
			if math.Abs(numeric-m.gradW[0][j][i]) > 1e-5 {
				t.Fatalf("w[0][%d][%d]: analytic %v numeric %v", j, i, m.gradW[0][j][i], numeric)
			}
		}
	}
}

func TestStepReducesSquaredError(t *testing.T) {
	for _, opt := range []string{"sgd", "adam"} {
		m, err := NewModel(Config{InputDim: 3, HiddenSizes: []int{16}, OutputDim: 2, LearningRate: 0.01, Seed: 42, Optimizer: opt, ClipNorm: 5})
		if err != nil {
			t.Fatalf("NewModel error: %v", err)
		}
		in := randomFeatures(32, 3, 1)
		target := func(r int) []float64 {
			x := in.Row(r)
			return []float64{2*x[0] + 0.5*x[1], x[0] - x[2]}
		}
		mse := func(out *predictor.Embeddings) (float64, []float64) {
			grad := make([]float64, len(out.Data))
			var l float64
			for r := range out.Rows {
				for k, want := range target(r) {
					d := out.Row(r)[k] - want
					l += d * d / float64(out.Rows)
					grad[r*out.Dim+k] = 2 * d / float64(out.Rows)
				}
			}
			return l, grad
		}

		out, _ := m.Forward(in)
		before, _ := mse(out)
		for range 300 {
			out, _ := m.Forward(in)
			_, grad := mse(out)
			if err := m.Backward(grad); err != nil {
				t.Fatalf("Backward error: %v", err)
			}
			m.Step()
		}
		out, _ = m.Forward(in)
		after, _ := mse(out)
		if !(after < before*0.5) {
			t.Errorf("%s: expected loss to halve, before=%v after=%v", opt, before, after)
		}
		if m.GradNorm() != 0 {
			t.Errorf("%s: Step should clear gradients", opt)
		}
	}
}

type featureModel struct{ dim int }

func (f featureModel) Modes() int { return 1 }

func (f featureModel) Predict(ctx context.Context, b *datasets.CausalBatch) (*predictor.Prediction, error) {
	p := predictor.NewPrediction(1, b.PredLength, b.Size)
	for i := range p.Probs {
		p.Probs[i] = 1
	}
	return p, nil
}

func (f featureModel) PredictWithEmbeddings(ctx context.Context, b *datasets.CausalBatch) (*predictor.Prediction, *predictor.Embeddings, error) {
	p, _ := f.Predict(ctx, b)
	return p, randomFeatures(b.Size, f.dim, 2), nil
}

func TestProjectedProjectsBaseFeatures(t *testing.T) {
	proj, _ := NewModel(Config{InputDim: 5, OutputDim: 4, Seed: 1})
	pm := &Projected{Base: featureModel{dim: 5}, Projector: proj}
	b := &datasets.CausalBatch{ObsLength: 8, PredLength: 12, Size: 3, Boundary: []int{0, 3}}

	pred, emb, err := pm.PredictWithEmbeddings(context.Background(), b)
	if err != nil {
		t.Fatalf("PredictWithEmbeddings error: %v", err)
	}
	if pm.Modes() != 1 || pred.Batch != 3 {
		t.Fatalf("unexpected prediction: modes=%d batch=%d", pm.Modes(), pred.Batch)
	}
	if emb.Dim != 4 || emb.Rows != 3 {
		t.Fatalf("unexpected embedding shape %dx%d", emb.Rows, emb.Dim)
	}

	bad := &Projected{Base: featureModel{dim: 2}, Projector: proj}
	if _, _, err := bad.PredictWithEmbeddings(context.Background(), b); err == nil {
		t.Fatalf("expected error for mismatched feature dim")
	}
}
