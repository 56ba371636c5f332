package monte

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/scene"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// laneScene returns an ego walking along +x at 0.5 m per step with `others`
// agents in parallel lanes, plus one counterfactual per other agent.
func laneScene(others int) datasets.RawScene {
	w := scene.DefaultWindow
	f := scene.NewTrajectories(w.Total(), others+1)
	for ti := range w.Total() {
		x := 0.5 * float64(ti)
		f.Set(ti, 0, x, 0)
		for a := 1; a <= others; a++ {
			f.Set(ti, a, x, float64(a))
		}
	}
	raw := datasets.RawScene{ID: "lanes", Factual: f, DirectlyCausal: make([]bool, f.Agents)}
	for a := 1; a <= others; a++ {
		idx := make([]int, 0, others)
		for i := range f.Agents {
			if i != a {
				idx = append(idx, i)
			}
		}
		raw.Counterfactuals = append(raw.Counterfactuals, f.SelectAgents(idx))
		raw.Removed = append(raw.Removed, a)
	}
	return raw
}

func laneBatch(t *testing.T, others int) *datasets.CausalBatch {
	t.Helper()
	ds := &datasets.MemoryDataset{
		Scenes:  []datasets.RawScene{laneScene(others)},
		Builder: datasets.NewBuilder(scene.DefaultWindow, 6),
	}
	b, err := datasets.Load(ds, []int{0})
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	return b
}

func TestNewMonteRejectsZeroModes(t *testing.T) {
	if _, err := NewMonte(0, 1); err == nil {
		t.Fatalf("expected error for k=0")
	}
}

func TestPredictShapesAndProbabilities(t *testing.T) {
	b := laneBatch(t, 2)
	m, err := NewMonte(3, 7)
	if err != nil {
		t.Fatalf("NewMonte: %v", err)
	}
	pred, err := m.Predict(context.Background(), b)
	if err != nil {
		t.Fatalf("Predict returned error: %v", err)
	}
	if pred.Modes != 3 || pred.Horizon != scene.DefaultWindow.PredLength || pred.Batch != 3 {
		t.Fatalf("unexpected prediction shape K=%d T=%d B=%d", pred.Modes, pred.Horizon, pred.Batch)
	}
	if err := pred.Validate(); err != nil {
		t.Fatalf("prediction invalid: %v", err)
	}
	// The middle mode follows the observed heading and is the most likely.
	if !(pred.Prob(0, 1) > pred.Prob(0, 0) && pred.Prob(0, 1) > pred.Prob(0, 2)) {
		t.Errorf("expected middle mode to dominate, got %v", pred.ProbRows()[0])
	}
}

func TestSingleModeFollowsVelocityWithoutInteraction(t *testing.T) {
	b := laneBatch(t, 1)
	m, _ := NewMonte(1, 1)
	m.Gain = 0
	m.SetSpeedNoise(0)

	pred, err := m.Predict(context.Background(), b)
	if err != nil {
		t.Fatalf("Predict returned error: %v", err)
	}
	// The normalized ego sits at the origin heading +y.
	for step := range pred.Horizon {
		x, y := pred.At(0, step, 0)
		want := 0.5 * float64(step+1)
		if !approxEqual(x, 0, 1e-4) || !approxEqual(y, want, 1e-4) {
			t.Fatalf("step %d: got (%v,%v), want (0,%v)", step, x, y, want)
		}
	}
}

func TestRemovingAgentChangesPredictionOnlyThroughInteraction(t *testing.T) {
	b := laneBatch(t, 2)
	m, _ := NewMonte(2, 3)

	pred, err := m.Predict(context.Background(), b)
	if err != nil {
		t.Fatalf("Predict returned error: %v", err)
	}
	fx, fy := pred.At(0, pred.Horizon-1, 0)
	cx, cy := pred.At(0, pred.Horizon-1, 1)
	if math.Hypot(cx-fx, cy-fy) < 1e-6 {
		t.Errorf("removing the nearest agent should move the prediction")
	}

	m.Gain = 0
	pred, err = m.Predict(context.Background(), b)
	if err != nil {
		t.Fatalf("Predict returned error: %v", err)
	}
	for k := range pred.Modes {
		for step := range pred.Horizon {
			fx, fy := pred.At(k, step, 0)
			for row := 1; row < pred.Batch; row++ {
				cx, cy := pred.At(k, step, row)
				if fx != cx || fy != cy {
					t.Fatalf("mode %d step %d row %d differs from factual without interaction", k, step, row)
				}
			}
		}
	}
}

func TestBackwardMatchesFiniteDifference(t *testing.T) {
	b := laneBatch(t, 2)
	m, _ := NewMonte(2, 11)
	m.Gain = 0.7

	rng := rand.New(rand.NewSource(5))
	coef := make([]float64, m.K*b.PredLength*b.Size*2)
	for i := range coef {
		coef[i] = rng.Float64()*2 - 1
	}
	loss := func(gain float64) float64 {
		m.Gain = gain
		pred, err := m.Predict(context.Background(), b)
		if err != nil {
			t.Fatalf("Predict returned error: %v", err)
		}
		var l float64
		for i, v := range pred.Trajectories {
			l += coef[i] * v
		}
		return l
	}

	const h = 1e-4
	numeric := (loss(0.7+h) - loss(0.7-h)) / (2 * h)
	m.Gain = 0.7
	analytic, err := m.Backward(b, coef)
	if err != nil {
		t.Fatalf("Backward returned error: %v", err)
	}
	if !approxEqual(analytic, numeric, 1e-5*math.Max(1, math.Abs(numeric))) {
		t.Fatalf("gain gradient mismatch: analytic %v numeric %v", analytic, numeric)
	}

	m.Step(0.1)
	if !approxEqual(m.Gain, 0.7-0.1*analytic, 1e-12) {
		t.Fatalf("Step applied wrong update: gain %v", m.Gain)
	}
	m.Step(0.1)
	if !approxEqual(m.Gain, 0.7-0.1*analytic, 1e-12) {
		t.Fatalf("Step should clear the accumulated gradient")
	}
}

func TestBackwardRejectsWrongGradientSize(t *testing.T) {
	b := laneBatch(t, 1)
	m, _ := NewMonte(2, 1)
	if _, err := m.Backward(b, make([]float64, 3)); err == nil {
		t.Fatalf("expected error for short gradient")
	}
}

func TestFeaturesCountNeighbours(t *testing.T) {
	b := laneBatch(t, 2)
	m, _ := NewMonte(1, 1)
	_, emb, err := m.PredictWithEmbeddings(context.Background(), b)
	if err != nil {
		t.Fatalf("PredictWithEmbeddings returned error: %v", err)
	}
	if emb.Dim != FeatureDim || emb.Rows != b.Size {
		t.Fatalf("unexpected embedding shape %dx%d", emb.Rows, emb.Dim)
	}
	want := []float64{2, 1, 1}
	for row, n := range want {
		if got := emb.Row(row)[3]; got != n {
			t.Errorf("row %d: expected %v neighbours, got %v", row, n, got)
		}
	}
	if !approxEqual(emb.Row(0)[6], 0.5, 1e-4) {
		t.Errorf("expected speed 0.5, got %v", emb.Row(0)[6])
	}
}

func TestPredictHonoursCancellation(t *testing.T) {
	b := laneBatch(t, 1)
	m, _ := NewMonte(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Predict(ctx, b); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestSettersShapeModes(t *testing.T) {
	b := laneBatch(t, 2)
	m, _ := NewMonte(3, 5)
	m.SetSpread(0)
	m.SetSpeedNoise(0)
	m.SetForceScale(0)
	m.SetMaxPerAgent(1)

	pred, err := m.Predict(context.Background(), b)
	if err != nil {
		t.Fatalf("Predict returned error: %v", err)
	}
	// Without spread, noise or force every mode is the straight walk.
	for k := range pred.Modes {
		for step := range pred.Horizon {
			x, y := pred.At(k, step, 0)
			want := 0.5 * float64(step+1)
			if !approxEqual(x, 0, 1e-4) || !approxEqual(y, want, 1e-4) {
				t.Fatalf("mode %d step %d: got (%v,%v), want (0,%v)", k, step, x, y, want)
			}
		}
	}
	if m.MaxPerAgent != 1 {
		t.Fatalf("expected MaxPerAgent 1, got %v", m.MaxPerAgent)
	}

	var nilMonte *Monte
	nilMonte.SetSpread(1)
	nilMonte.SetSpeedNoise(1)
	nilMonte.SetForceScale(1)
	nilMonte.SetMaxPerAgent(1)
}
