package evaluate

import (
	"context"
	"testing"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/predictor"
	"github.com/Noofbiz/socialcausality/scene"
)

var (
	heading = [2]float64{0.6, 0.8}
	normal  = [2]float64{-0.8, 0.6}
	origin  = [2]float64{10, 5}
)

// walkScene has an ego walking along heading at 0.5 m per step from origin
// with two companions in parallel lanes. Removing agent 1 leaves the ego
// future unchanged; removing agent 2 shifts it sideways by 1 m.
func walkScene(id string) datasets.RawScene {
	w := scene.DefaultWindow
	f := scene.NewTrajectories(w.Total(), 3)
	for ti := range w.Total() {
		s := 0.5 * float64(ti)
		for a := range 3 {
			off := 2 * float64(a)
			f.Set(ti, a, origin[0]+s*heading[0]+off*normal[0], origin[1]+s*heading[1]+off*normal[1])
		}
	}
	raw := datasets.RawScene{ID: id, Factual: f, DirectlyCausal: []bool{false, false, true}}

	keep1 := f.SelectAgents([]int{0, 2})
	keep2 := f.SelectAgents([]int{0, 1})
	for ti := w.ObsLength; ti < w.Total(); ti++ {
		x, y := keep2.At(ti, 0)
		keep2.Set(ti, 0, x+normal[0], y+normal[1])
	}
	raw.Counterfactuals = []*scene.Trajectories{keep1, keep2}
	raw.Removed = []int{1, 2}
	return raw
}

func walkDataset(scenes int) *datasets.MemoryDataset {
	ds := &datasets.MemoryDataset{Builder: datasets.NewBuilder(scene.DefaultWindow, 4)}
	for i := range scenes {
		ds.Scenes = append(ds.Scenes, walkScene(string(rune('a'+i))))
	}
	return ds
}

func walkBatch(t *testing.T) *datasets.CausalBatch {
	t.Helper()
	b, err := datasets.Load(walkDataset(1), []int{0})
	if err != nil {
		t.Fatalf("load batch: %v", err)
	}
	return b
}

// truthModel predicts the ground-truth ego future shifted by Offset along x
// as its likely mode and a second mode 1 m further.
type truthModel struct {
	Offset float64
	sizes  []int
}

func (m *truthModel) Modes() int { return 2 }

func (m *truthModel) Predict(_ context.Context, b *datasets.CausalBatch) (*predictor.Prediction, error) {
	m.sizes = append(m.sizes, b.Size)
	p := predictor.NewPrediction(2, b.PredLength, b.Size)
	for row := range b.Size {
		gt := b.EgoFutureRow(row)
		for ti := range b.PredLength {
			x, y := float64(gt[ti*datasets.Channels]), float64(gt[ti*datasets.Channels+1])
			p.Set(0, ti, row, x+m.Offset, y)
			p.Set(1, ti, row, x+m.Offset+1, y)
		}
		p.Probs[row*2] = 0.75
		p.Probs[row*2+1] = 0.25
	}
	return p, nil
}

// PredictWithEmbeddings uses the final predicted position and a constant as
// a three-dimensional feature.
func (m *truthModel) PredictWithEmbeddings(ctx context.Context, b *datasets.CausalBatch) (*predictor.Prediction, *predictor.Embeddings, error) {
	p, err := m.Predict(ctx, b)
	if err != nil {
		return nil, nil, err
	}
	e := &predictor.Embeddings{Dim: 3, Rows: b.Size, Data: make([]float64, b.Size*3)}
	for row := range b.Size {
		x, y := p.At(0, p.Horizon-1, row)
		copy(e.Row(row), []float64{x, y, 1})
	}
	return p, e, nil
}

// plainModel hides the embedding method of truthModel.
type plainModel struct{ m *truthModel }

func (p plainModel) Modes() int { return p.m.Modes() }

func (p plainModel) Predict(ctx context.Context, b *datasets.CausalBatch) (*predictor.Prediction, error) {
	return p.m.Predict(ctx, b)
}

type fakeParams struct {
	rows  []int
	grads [][]float64
	steps []float64
}

func (f *fakeParams) Backward(b *datasets.CausalBatch, grad []float64) (float64, error) {
	f.rows = append(f.rows, b.Size)
	f.grads = append(f.grads, append([]float64(nil), grad...))
	return 0, nil
}

func (f *fakeParams) Step(lr float64) { f.steps = append(f.steps, lr) }
