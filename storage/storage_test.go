package storage

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"
)

func openStores(t *testing.T) map[string]Store {
	t.Helper()
	ctx := context.Background()
	stores := map[string]Store{}
	for _, kind := range []string{"memory", "sqlite"} {
		store, err := NewStore(kind, filepath.Join(t.TempDir(), "runs.db"))
		if err != nil {
			t.Fatalf("new %s store: %v", kind, err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("init %s store: %v", kind, err)
		}
		t.Cleanup(func() {
			_ = CloseIfSupported(store)
		})
		stores[kind] = store
	}
	return stores
}

func TestStoreRunRoundTrip(t *testing.T) {
	ctx := context.Background()
	for kind, store := range openStores(t) {
		created := time.UnixMilli(1_700_000_000_000).UTC()
		run := Run{ID: NewRunID(), Regime: "causal/consistency", Seed: 7, CreatedAt: created, Config: []byte(`{"seed":7}`)}
		if err := store.SaveRun(ctx, run); err != nil {
			t.Fatalf("%s: save run: %v", kind, err)
		}
		if err := store.SaveRun(ctx, run); !errors.Is(err, ErrAlreadyExists) {
			t.Fatalf("%s: expected ErrAlreadyExists, got %v", kind, err)
		}

		got, ok, err := store.GetRun(ctx, run.ID)
		if err != nil || !ok {
			t.Fatalf("%s: get run: ok=%v err=%v", kind, ok, err)
		}
		if got.Regime != run.Regime || got.Seed != 7 || !got.CreatedAt.Equal(created) || string(got.Config) != `{"seed":7}` {
			t.Fatalf("%s: unexpected run %+v", kind, got)
		}

		if _, ok, err := store.GetRun(ctx, "missing"); ok || err != nil {
			t.Fatalf("%s: expected missing run, ok=%v err=%v", kind, ok, err)
		}

		later := Run{ID: NewRunID(), Regime: "factual/none", CreatedAt: created.Add(time.Second)}
		if err := store.SaveRun(ctx, later); err != nil {
			t.Fatalf("%s: save second run: %v", kind, err)
		}
		runs, err := store.ListRuns(ctx)
		if err != nil {
			t.Fatalf("%s: list runs: %v", kind, err)
		}
		if len(runs) != 2 || runs[0].ID != run.ID || runs[1].ID != later.ID {
			t.Fatalf("%s: unexpected run order %+v", kind, runs)
		}
	}
}

func TestStoreMetricsAndPairsKeepNaN(t *testing.T) {
	ctx := context.Background()
	for kind, store := range openStores(t) {
		id := NewRunID()
		if err := store.SaveRun(ctx, Run{ID: id, Regime: "causal/none", CreatedAt: time.Now()}); err != nil {
			t.Fatalf("%s: save run: %v", kind, err)
		}
		metrics := []Metric{
			{Name: "minADE_6", Epoch: -1, Value: 0.42},
			{Name: "ACE_IC", Epoch: -1, Value: math.NaN()},
		}
		if err := store.SaveMetrics(ctx, id, metrics); err != nil {
			t.Fatalf("%s: save metrics: %v", kind, err)
		}
		got, err := store.GetMetrics(ctx, id)
		if err != nil {
			t.Fatalf("%s: get metrics: %v", kind, err)
		}
		if len(got) != 2 || got[0].Name != "minADE_6" || got[0].Value != 0.42 || !math.IsNaN(got[1].Value) {
			t.Fatalf("%s: unexpected metrics %+v", kind, got)
		}

		pairs := []PairRecord{{Category: "DC", Sensitivity: 0.3, Effect: 0.5}, {Category: "NC", Sensitivity: 0.01, Effect: 0}}
		if err := store.SavePairs(ctx, id, pairs); err != nil {
			t.Fatalf("%s: save pairs: %v", kind, err)
		}
		gotPairs, err := store.GetPairs(ctx, id)
		if err != nil {
			t.Fatalf("%s: get pairs: %v", kind, err)
		}
		if len(gotPairs) != 2 || gotPairs[0] != pairs[0] || gotPairs[1] != pairs[1] {
			t.Fatalf("%s: unexpected pairs %+v", kind, gotPairs)
		}

		none, err := store.GetMetrics(ctx, "other")
		if err != nil || len(none) != 0 {
			t.Fatalf("%s: expected no metrics for unknown run, got %v err=%v", kind, none, err)
		}
	}
}

func TestStoresRequireInit(t *testing.T) {
	ctx := context.Background()
	if err := NewMemoryStore().SaveRun(ctx, Run{ID: "x"}); err == nil {
		t.Fatalf("expected error from uninitialized memory store")
	}
	if err := NewSQLiteStore(filepath.Join(t.TempDir(), "x.db")).SaveRun(ctx, Run{ID: "x"}); err == nil {
		t.Fatalf("expected error from uninitialized sqlite store")
	}
	if err := NewSQLiteStore("").Init(ctx); err == nil {
		t.Fatalf("expected error for empty sqlite path")
	}
}

func TestNewStoreRejectsUnknownKind(t *testing.T) {
	if _, err := NewStore("postgres", ""); err == nil {
		t.Fatalf("expected error for unsupported backend")
	}
}
