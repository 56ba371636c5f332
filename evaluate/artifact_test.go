package evaluate

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/scene"
)

func TestRecorderRestoresRawFrame(t *testing.T) {
	rec := NewRecorder()
	ev := NewEvaluator(&truthModel{}, true)
	ev.OnBatch = rec.Record
	loader := &datasets.Loader{Dataset: walkDataset(2), BatchSize: 2, Workers: 1}
	if _, err := ev.Evaluate(context.Background(), loader); err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}

	art := rec.Artifact()
	if len(art.Scenes) != 2 {
		t.Fatalf("expected 2 scenes, got %d", len(art.Scenes))
	}
	s := art.Scenes[1]
	if s.SceneID != "b" || len(s.Counterfactuals) != 2 || len(s.CausalEffects) != 2 {
		t.Fatalf("unexpected scene record %+v", s)
	}
	if s.Counterfactuals[0].Removed != 1 || s.Counterfactuals[1].Removed != 2 {
		t.Fatalf("unexpected removed agents %d %d", s.Counterfactuals[0].Removed, s.Counterfactuals[1].Removed)
	}

	w := scene.DefaultWindow
	f := s.Factual
	if f.Removed != datasets.FactualVariant || len(f.GTPast) != w.ObsLength || len(f.GTFuture) != w.PredLength {
		t.Fatalf("unexpected factual record shape: removed=%d past=%d future=%d", f.Removed, len(f.GTPast), len(f.GTFuture))
	}
	if !approxEqual(f.GTPast[0][0], origin[0], 1e-9) || !approxEqual(f.GTPast[0][1], origin[1], 1e-9) {
		t.Fatalf("expected raw start %v, got %v", origin, f.GTPast[0])
	}
	// Mode 0 reproduces the ground truth, so mapping it back must land on
	// the raw future up to float32 rounding of the batch buffers.
	for ti, gt := range f.GTFuture {
		p := f.PredFuture[0][ti]
		if !approxEqual(p[0], gt[0], 1e-4) || !approxEqual(p[1], gt[1], 1e-4) {
			t.Fatalf("step %d: prediction %v not restored to raw %v", ti, p, gt)
		}
	}
	if len(f.PredFuture) != 2 || len(f.ModeProbs) != 2 || f.ModeProbs[0] != 0.75 {
		t.Fatalf("unexpected modes: %d tracks, probs %v", len(f.PredFuture), f.ModeProbs)
	}

	dir := t.TempDir()
	path, err := WriteArtifact(dir, art, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("WriteArtifact error: %v", err)
	}
	if filepath.Base(path) != ArtifactPrefix+"20240301_123000.gob" {
		t.Fatalf("unexpected artifact name %s", path)
	}
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
	back, err := ReadArtifact(path)
	if err != nil {
		t.Fatalf("ReadArtifact error: %v", err)
	}
	if len(back.Scenes) != 2 || back.Scenes[1].CausalEffects[1] != s.CausalEffects[1] {
		t.Fatalf("artifact did not survive the round trip: %+v", back.Scenes[1])
	}
}

func TestRecorderRejectsBrokenInverse(t *testing.T) {
	b := walkBatch(t)
	pred, err := (&truthModel{}).Predict(context.Background(), b)
	if err != nil {
		t.Fatalf("Predict error: %v", err)
	}
	bad := b.Rows[0].Normalized.Clone()
	bad.Data[0] += 1e-3
	b.Rows[0].Normalized = bad

	if err := NewRecorder().Record(b, pred); !errors.Is(err, ErrInverseMismatch) {
		t.Fatalf("expected ErrInverseMismatch, got %v", err)
	}
}

func TestReadArtifactMissingFile(t *testing.T) {
	if _, err := ReadArtifact(filepath.Join(t.TempDir(), "nope.gob")); err == nil {
		t.Fatalf("expected error for missing artifact")
	}
}
