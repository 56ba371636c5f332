package evaluate

import (
	"encoding/gob"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/predictor"
)

const (
	artifactVersion = 1

	// ArtifactPrefix starts the file name of every written artifact.
	ArtifactPrefix = "all_future_trajectories__"

	// InverseTolerance bounds the distance between a raw ego position and
	// its normalized counterpart mapped back to the raw frame.
	InverseTolerance = 1e-5
)

// ErrInverseMismatch is returned when undoing normalization does not
// reproduce the raw scene.
var ErrInverseMismatch = errors.New("inverse transform does not reproduce raw trajectory")

// TrajectoryRecord is the ego ground truth and prediction of one variant in
// the raw scene frame.
type TrajectoryRecord struct {
	Removed    int
	GTPast     [][2]float64
	GTFuture   [][2]float64
	PredFuture [][][2]float64 // one track per mode
	ModeProbs  []float64
}

// SceneRecord groups the factual record of a scene with its
// counterfactuals and their ground-truth causal effects.
type SceneRecord struct {
	SceneID         string
	Factual         TrajectoryRecord
	Counterfactuals []TrajectoryRecord
	CausalEffects   []float64
}

// Artifact maps dataset scene index to its records.
type Artifact struct {
	Version   int
	CreatedAt int64
	Scenes    map[int]SceneRecord
}

// Recorder collects scene records from evaluated batches. Its Record method
// fits Evaluator.OnBatch.
type Recorder struct {
	Tolerance float64

	mu     sync.Mutex
	scenes map[int]SceneRecord
}

func NewRecorder() *Recorder {
	return &Recorder{Tolerance: InverseTolerance, scenes: make(map[int]SceneRecord)}
}

// Record stores every group of batch. pred must cover every row.
func (r *Recorder) Record(batch *datasets.CausalBatch, pred *predictor.Prediction) error {
	if pred.Batch != batch.Size {
		return fmt.Errorf("record: prediction has %d rows for %d batch rows", pred.Batch, batch.Size)
	}
	if len(batch.Rows) != batch.Size {
		return fmt.Errorf("record: batch carries %d row descriptions for %d rows", len(batch.Rows), batch.Size)
	}
	records := make(map[int]SceneRecord, batch.NumGroups())
	for g := range batch.NumGroups() {
		lo, hi := batch.Span(g)
		var rec SceneRecord
		for row := lo; row < hi; row++ {
			tr, err := r.trajectory(batch, pred, row)
			if err != nil {
				return err
			}
			if row == lo {
				rec.Factual = tr
				continue
			}
			rec.Counterfactuals = append(rec.Counterfactuals, tr)
		}
		rec.SceneID = batch.Rows[lo].SceneID
		rec.CausalEffects = append([]float64(nil), batch.CausalEffects[g]...)
		records[batch.Rows[lo].Group] = rec
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for idx, rec := range records {
		r.scenes[idx] = rec
	}
	return nil
}

func (r *Recorder) trajectory(batch *datasets.CausalBatch, pred *predictor.Prediction, row int) (TrajectoryRecord, error) {
	info := batch.Rows[row]
	if info.Raw == nil || info.Normalized == nil {
		return TrajectoryRecord{}, fmt.Errorf("record: row %d of scene %s has no raw scene", row, info.SceneID)
	}
	raw := info.Raw.Agent(0)
	restored := info.Transform.InvertPoints(info.Normalized.Agent(0))
	for t, p := range raw {
		if math.IsNaN(p[0]) {
			continue
		}
		q := restored[t]
		if d := math.Hypot(p[0]-q[0], p[1]-q[1]); !(d <= r.Tolerance) {
			return TrajectoryRecord{}, fmt.Errorf("%w: scene %s variant %d step %d off by %g", ErrInverseMismatch, info.SceneID, info.Removed, t, d)
		}
	}

	obs := batch.ObsLength
	rec := TrajectoryRecord{
		Removed:    info.Removed,
		GTPast:     raw[:obs],
		GTFuture:   raw[obs:],
		PredFuture: make([][][2]float64, pred.Modes),
		ModeProbs:  append([]float64(nil), pred.ProbRows()[row]...),
	}
	for k := range pred.Modes {
		rec.PredFuture[k] = info.Transform.InvertPoints(pred.Track(k, row))
	}
	return rec, nil
}

// Artifact returns a snapshot of the collected records.
func (r *Recorder) Artifact() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	scenes := make(map[int]SceneRecord, len(r.scenes))
	for idx, rec := range r.scenes {
		scenes[idx] = rec
	}
	return &Artifact{Version: artifactVersion, CreatedAt: time.Now().Unix(), Scenes: scenes}
}

// WriteArtifact gob-encodes a into dir under a timestamped name and returns
// the path. The file appears atomically.
func WriteArtifact(dir string, a *Artifact, now time.Time) (string, error) {
	if a == nil {
		return "", errors.New("write artifact: nil artifact")
	}
	if err := ensureDir(dir); err != nil {
		return "", fmt.Errorf("mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, ArtifactPrefix+now.Format("20060102_150405")+".gob")

	tmpFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return "", fmt.Errorf("create temp artifact file: %w", err)
	}
	tmpName := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		_ = os.Remove(tmpName)
	}()

	if err := gob.NewEncoder(tmpFile).Encode(a); err != nil {
		return "", fmt.Errorf("encode artifact: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		log.Printf("warning: sync temp artifact file: %v", err)
	}
	if err := tmpFile.Close(); err != nil {
		return "", fmt.Errorf("close temp artifact file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("rename temp artifact to target: %w", err)
	}
	return path, nil
}

// ReadArtifact decodes an artifact written by WriteArtifact.
func ReadArtifact(path string) (*Artifact, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open artifact %s: %w", path, err)
	}
	defer fh.Close()
	var a Artifact
	if err := gob.NewDecoder(fh).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode artifact %s: %w", path, err)
	}
	if a.Version != artifactVersion {
		return nil, fmt.Errorf("artifact version mismatch: file=%d expected=%d", a.Version, artifactVersion)
	}
	return &a, nil
}
