package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]Run
	metrics     map[string][]Metric
	pairs       map[string][]PairRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initialized = true
	s.runs = make(map[string]Run)
	s.metrics = make(map[string][]Metric)
	s.pairs = make(map[string][]PairRecord)
	return nil
}

func (s *MemoryStore) check() error {
	if !s.initialized {
		return errors.New("store is not initialized")
	}
	return nil
}

func (s *MemoryStore) SaveRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.runs[run.ID]; ok {
		return ErrAlreadyExists
	}
	run.Config = append([]byte(nil), run.Config...)
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return Run{}, false, err
	}
	run, ok := s.runs[id]
	return run, ok, nil
}

// ListRuns returns every run, oldest first.
func (s *MemoryStore) ListRuns(_ context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	out := make([]Run, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) SaveMetrics(_ context.Context, runID string, metrics []Metric) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	s.metrics[runID] = append(s.metrics[runID], metrics...)
	return nil
}

func (s *MemoryStore) GetMetrics(_ context.Context, runID string) ([]Metric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]Metric(nil), s.metrics[runID]...), nil
}

func (s *MemoryStore) SavePairs(_ context.Context, runID string, pairs []PairRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(); err != nil {
		return err
	}
	s.pairs[runID] = append(s.pairs[runID], pairs...)
	return nil
}

func (s *MemoryStore) GetPairs(_ context.Context, runID string) ([]PairRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(); err != nil {
		return nil, err
	}
	return append([]PairRecord(nil), s.pairs[runID]...), nil
}
