// Package storage persists evaluation runs and their metrics.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrAlreadyExists is returned when a run ID is saved twice.
var ErrAlreadyExists = errors.New("run already exists")

// Run describes one evaluation or training run.
type Run struct {
	ID        string
	Regime    string
	Seed      int64
	CreatedAt time.Time

	// Config is the JSON snapshot of the configuration used.
	Config []byte
}

// Metric is one named scalar recorded at an epoch. Epoch is -1 for final
// evaluation results. Value may be NaN.
type Metric struct {
	Name  string
	Epoch int
	Value float64
}

// PairRecord is one (sensitivity, causal effect) pair of an ACE category.
type PairRecord struct {
	Category    string
	Sensitivity float64
	Effect      float64
}

// Store defines the persistence operations for evaluation runs.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (Run, bool, error)
	ListRuns(ctx context.Context) ([]Run, error)
	SaveMetrics(ctx context.Context, runID string, metrics []Metric) error
	GetMetrics(ctx context.Context, runID string) ([]Metric, error)
	SavePairs(ctx context.Context, runID string, pairs []PairRecord) error
	GetPairs(ctx context.Context, runID string) ([]PairRecord, error)
}

// NewRunID returns a fresh random run identifier.
func NewRunID() string {
	return uuid.NewString()
}
