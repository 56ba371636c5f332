// Package datasets turns raw factual and counterfactual scenes into masked
// datapoints and packs them into flat batches.
//
// A dataset yields Scene Groups: one factual scene plus zero or more
// counterfactual variants, each with one agent removed. Groups have
// variable size, so Collate flattens every variant of a batch into one
// contiguous collection and records a Boundary Index so per-group structure
// can be recovered later:
//
//	group g occupies rows [Boundary[g], Boundary[g+1])
//	row Boundary[g] always holds the factual variant
//
// Loading is lazy. CausalDataset keeps an index from scene id to CSV rows and
// only reads a scene when its group is requested. Loader builds batches on a
// worker pool and hands them to a single consumer.
//
// Batches keep contiguous float32 buffers plus shape metadata. ToGomlxTensors
// turns them into gomlx tensors for models that run on gomlx.
package datasets

import "errors"

var (
	// ErrShape is returned when datapoints in one batch disagree on their
	// dimensions or a scene does not match the configured window.
	ErrShape = errors.New("datapoint shape mismatch")

	// ErrBoundary is returned when a Boundary Index is inconsistent with the
	// flattened collection it describes.
	ErrBoundary = errors.New("boundary index inconsistent")
)

// Dataset produces Scene Groups on random access by integer index.
// Implementations must be safe for concurrent calls to Group.
type Dataset interface {
	Len() int
	Group(i int) (*Group, error)
}
