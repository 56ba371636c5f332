package datasets

import (
	"context"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Loader builds batches on a worker pool and hands them to one consumer.
//
// Each worker loads, normalizes, masks and collates a whole batch of groups.
// Batches reach the consumer in completion order; rows inside a batch keep
// the order of their indices.
type Loader struct {
	Dataset   Dataset
	BatchSize int
	Workers   int

	// ProgressInterval controls how often progress is logged. Zero
	// disables progress logging.
	ProgressInterval time.Duration

	// Indices restricts loading to these dataset indices, in this order.
	// Nil loads every index.
	Indices []int
}

// Batches splits the index set into consecutive chunks of BatchSize.
func (l *Loader) Batches() [][]int {
	indices := l.Indices
	if indices == nil {
		indices = make([]int, l.Dataset.Len())
		for i := range indices {
			indices[i] = i
		}
	}
	size := l.BatchSize
	if size <= 0 {
		size = 1
	}
	var out [][]int
	for lo := 0; lo < len(indices); lo += size {
		out = append(out, indices[lo:min(lo+size, len(indices))])
	}
	return out
}

// Load collates the groups at the given indices into one batch.
func Load(ds Dataset, indices []int) (*CausalBatch, error) {
	groups := make([]*Group, len(indices))
	for i, idx := range indices {
		g, err := ds.Group(idx)
		if err != nil {
			return nil, fmt.Errorf("group %d: %w", idx, err)
		}
		groups[i] = g
	}
	return Collate(groups)
}

// Run builds every batch and calls fn for each one from the calling
// goroutine. The first error from a worker or from fn stops the run.
func (l *Loader) Run(ctx context.Context, fn func(*CausalBatch) error) error {
	chunks := l.Batches()
	n := len(chunks)
	if n == 0 {
		return nil
	}

	workers := l.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	if workers > n {
		workers = n
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan int, n)
	results := make(chan *CausalBatch, workers)
	errCh := make(chan error, workers)

	var wg sync.WaitGroup
	wg.Add(workers)

	// atomic counter for progress
	var done int64

	stopProgress := make(chan struct{})
	var progressWG sync.WaitGroup
	if l.ProgressInterval > 0 {
		progressWG.Add(1)
		ticker := time.NewTicker(l.ProgressInterval)
		go func() {
			defer progressWG.Done()
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					d := atomic.LoadInt64(&done)
					percent := (float64(d) / float64(n)) * 100.0
					log.Printf("[Loader] progress: %d/%d batches (%.1f%%)", d, n, percent)
				case <-stopProgress:
					log.Printf("[Loader] completed: %d/%d batches", atomic.LoadInt64(&done), n)
					return
				}
			}
		}()
	}

	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			for pos := range jobs {
				if ctx.Err() != nil {
					return
				}
				batch, err := Load(l.Dataset, chunks[pos])
				if err != nil {
					errCh <- fmt.Errorf("batch %d: %w", pos, err)
					cancel()
					return
				}
				select {
				case results <- batch:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		jobs <- i
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var consumeErr error
	for batch := range results {
		if consumeErr != nil {
			continue
		}
		if err := fn(batch); err != nil {
			consumeErr = err
			cancel()
			continue
		}
		atomic.AddInt64(&done, 1)
	}

	close(stopProgress)
	progressWG.Wait()
	close(errCh)

	if consumeErr != nil {
		return consumeErr
	}
	select {
	case e := <-errCh:
		if e != nil {
			return e
		}
	default:
	}
	return ctx.Err()
}
