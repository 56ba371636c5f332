package evaluate

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/Noofbiz/socialcausality/storage"
)

// FinalEpoch marks metrics of the final evaluation.
const FinalEpoch = -1

// Reporter receives named scalar metrics.
type Reporter interface {
	Report(ctx context.Context, epoch int, metrics []storage.Metric) error
}

// LogReporter writes metrics to the standard logger on one line.
type LogReporter struct {
	Component string
}

func (r LogReporter) Report(_ context.Context, epoch int, metrics []storage.Metric) error {
	var sb strings.Builder
	for i, m := range metrics {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%s=%.4f", m.Name, m.Value)
	}
	component := r.Component
	if component == "" {
		component = "Evaluate"
	}
	if epoch == FinalEpoch {
		log.Printf("[%s] final: %s", component, sb.String())
	} else {
		log.Printf("[%s] epoch %d: %s", component, epoch, sb.String())
	}
	return nil
}

// StoreReporter persists metrics under a run.
type StoreReporter struct {
	Store storage.Store
	RunID string
}

func (r StoreReporter) Report(ctx context.Context, epoch int, metrics []storage.Metric) error {
	stamped := make([]storage.Metric, len(metrics))
	for i, m := range metrics {
		m.Epoch = epoch
		stamped[i] = m
	}
	if err := r.Store.SaveMetrics(ctx, r.RunID, stamped); err != nil {
		return fmt.Errorf("save metrics for run %s: %w", r.RunID, err)
	}
	return nil
}

// MultiReporter fans metrics out to several reporters, stopping at the
// first error.
type MultiReporter []Reporter

func (m MultiReporter) Report(ctx context.Context, epoch int, metrics []storage.Metric) error {
	for _, r := range m {
		if err := r.Report(ctx, epoch, metrics); err != nil {
			return err
		}
	}
	return nil
}

// StartRun registers a new run in store and returns its ID.
func StartRun(ctx context.Context, store storage.Store, regime Regime, seed int64, config []byte) (string, error) {
	run := storage.Run{
		ID:        storage.NewRunID(),
		Regime:    regime.String(),
		Seed:      seed,
		CreatedAt: time.Now().UTC(),
		Config:    config,
	}
	if err := store.SaveRun(ctx, run); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	return run.ID, nil
}
