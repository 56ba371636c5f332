package datasets

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/Noofbiz/socialcausality/scene"
)

// RowInfo describes where a flattened row came from.
type RowInfo struct {
	Group     int // dataset index of the owning group
	SceneID   string
	Removed   int // FactualVariant for the factual row
	Transform scene.Transform
	Raw       *scene.Trajectories

	// Normalized is the full-precision scene the row was masked from.
	Normalized *scene.Trajectories
}

// CausalBatch stores every variant of a batch of groups in flat buffers.
//
// Each buffer holds Size rows laid out like the matching Datapoint field.
// CausalEffects[g] and DirectlyCausal[g] list one value per counterfactual
// of group g, aligned with rows Boundary[g]+1 .. Boundary[g+1]-1.
type CausalBatch struct {
	ObsLength  int
	PredLength int
	Others     int
	Size       int

	EgoPast      []float32
	EgoFuture    []float32
	OthersPast   []float32
	OthersFuture []float32

	Boundary       []int
	CausalEffects  [][]float64
	DirectlyCausal [][]bool
	Labeled        []bool
	Rows           []RowInfo
}

// Collate flattens a batch of groups, preserving within-group order, and
// builds the Boundary Index with Boundary[0] = 0.
func Collate(groups []*Group) (*CausalBatch, error) {
	b := &CausalBatch{Boundary: []int{0}}
	if len(groups) == 0 {
		return b, nil
	}

	var first *Datapoint
	for gi, g := range groups {
		if g == nil || len(g.Variants) == 0 {
			return nil, fmt.Errorf("%w: group %d has no factual variant", ErrBoundary, gi)
		}
		if g.Variants[0].Removed != FactualVariant {
			return nil, fmt.Errorf("%w: group %d does not start with its factual variant", ErrBoundary, gi)
		}
		if len(g.CausalEffects) != g.Counterfactuals() || len(g.DirectlyCausal) != g.Counterfactuals() {
			return nil, fmt.Errorf("%w: group %d has %d counterfactuals, %d effects and %d labels",
				ErrBoundary, gi, g.Counterfactuals(), len(g.CausalEffects), len(g.DirectlyCausal))
		}
		for vi, v := range g.Variants {
			if first == nil {
				first = v.Point
				b.ObsLength, b.PredLength, b.Others = first.ObsLength, first.PredLength, first.Others
			}
			if !v.Point.sameShape(first) {
				return nil, fmt.Errorf("%w: group %d variant %d is (%d,%d,%d), batch is (%d,%d,%d)",
					ErrShape, gi, vi, v.Point.ObsLength, v.Point.PredLength, v.Point.Others,
					first.ObsLength, first.PredLength, first.Others)
			}
			b.EgoPast = append(b.EgoPast, v.Point.EgoPast...)
			b.EgoFuture = append(b.EgoFuture, v.Point.EgoFuture...)
			b.OthersPast = append(b.OthersPast, v.Point.OthersPast...)
			b.OthersFuture = append(b.OthersFuture, v.Point.OthersFuture...)
			b.Rows = append(b.Rows, RowInfo{
				Group:      g.Index,
				SceneID:    g.SceneID,
				Removed:    v.Removed,
				Transform:  v.Transform,
				Raw:        v.Raw,
				Normalized: v.Normalized,
			})
		}
		b.Size += g.Size()
		b.Boundary = append(b.Boundary, b.Size)
		b.CausalEffects = append(b.CausalEffects, append([]float64(nil), g.CausalEffects...))
		b.DirectlyCausal = append(b.DirectlyCausal, append([]bool(nil), g.DirectlyCausal...))
		b.Labeled = append(b.Labeled, g.Labeled)
	}
	return b, nil
}

// NumGroups returns the number of groups in the batch.
func (b *CausalBatch) NumGroups() int { return len(b.Boundary) - 1 }

// Span returns the half-open row range of group g.
func (b *CausalBatch) Span(g int) (lo, hi int) {
	return b.Boundary[g], b.Boundary[g+1]
}

// FactualRows returns Boundary[:-1], the row of every factual variant.
func (b *CausalBatch) FactualRows() []int {
	return append([]int(nil), b.Boundary[:len(b.Boundary)-1]...)
}

// Validate checks the Boundary Index against the flat buffers and the
// per-group label lists.
func (b *CausalBatch) Validate() error {
	if len(b.Boundary) == 0 || b.Boundary[0] != 0 {
		return fmt.Errorf("%w: boundary must start at 0, got %v", ErrBoundary, b.Boundary)
	}
	if last := b.Boundary[len(b.Boundary)-1]; last != b.Size {
		return fmt.Errorf("%w: sentinel %d != size %d", ErrBoundary, last, b.Size)
	}
	g := b.NumGroups()
	if len(b.CausalEffects) != g || len(b.DirectlyCausal) != g || len(b.Labeled) != g {
		return fmt.Errorf("%w: %d groups but %d effect lists, %d label lists, %d labeled flags",
			ErrBoundary, g, len(b.CausalEffects), len(b.DirectlyCausal), len(b.Labeled))
	}
	for i := range g {
		lo, hi := b.Span(i)
		if hi <= lo {
			return fmt.Errorf("%w: group %d span [%d,%d) is empty or decreasing", ErrBoundary, i, lo, hi)
		}
		if hi-lo != 1+len(b.CausalEffects[i]) || hi-lo != 1+len(b.DirectlyCausal[i]) {
			return fmt.Errorf("%w: group %d spans %d rows with %d effects", ErrBoundary, i, hi-lo, len(b.CausalEffects[i]))
		}
	}
	if len(b.Rows) != b.Size {
		return fmt.Errorf("%w: %d row infos for %d rows", ErrBoundary, len(b.Rows), b.Size)
	}
	checks := []struct {
		name string
		got  int
		per  int
	}{
		{"ego past", len(b.EgoPast), b.ObsLength * Channels},
		{"ego future", len(b.EgoFuture), b.PredLength * Channels},
		{"others past", len(b.OthersPast), b.ObsLength * b.Others * Channels},
		{"others future", len(b.OthersFuture), b.PredLength * b.Others * Channels},
	}
	for _, c := range checks {
		if c.got != b.Size*c.per {
			return fmt.Errorf("%w: %s holds %d values, expected %d", ErrShape, c.name, c.got, b.Size*c.per)
		}
	}
	return nil
}

// Filter returns a new batch keeping every factual row plus the
// counterfactuals for which keep(g, j) is true, where j indexes the
// counterfactuals of group g. The Boundary Index is rebuilt for the result.
func (b *CausalBatch) Filter(keep func(g, j int) bool) *CausalBatch {
	out := &CausalBatch{
		ObsLength:  b.ObsLength,
		PredLength: b.PredLength,
		Others:     b.Others,
		Boundary:   []int{0},
	}
	for g := range b.NumGroups() {
		lo, hi := b.Span(g)
		out.appendRow(b, lo)
		var effects []float64
		var labels []bool
		for row := lo + 1; row < hi; row++ {
			j := row - lo - 1
			if !keep(g, j) {
				continue
			}
			out.appendRow(b, row)
			effects = append(effects, b.CausalEffects[g][j])
			labels = append(labels, b.DirectlyCausal[g][j])
		}
		if effects == nil {
			effects = []float64{}
			labels = []bool{}
		}
		out.Boundary = append(out.Boundary, out.Size)
		out.CausalEffects = append(out.CausalEffects, effects)
		out.DirectlyCausal = append(out.DirectlyCausal, labels)
		out.Labeled = append(out.Labeled, b.Labeled[g])
	}
	return out
}

// FactualOnly selects exactly the rows at Boundary[:-1]. The result has one
// row per group and can be used anywhere a factual-only batch is expected.
func (b *CausalBatch) FactualOnly() *CausalBatch {
	return b.Filter(func(int, int) bool { return false })
}

func (b *CausalBatch) appendRow(src *CausalBatch, row int) {
	b.EgoPast = append(b.EgoPast, rowSlice(src.EgoPast, row, src.ObsLength*Channels)...)
	b.EgoFuture = append(b.EgoFuture, rowSlice(src.EgoFuture, row, src.PredLength*Channels)...)
	b.OthersPast = append(b.OthersPast, rowSlice(src.OthersPast, row, src.ObsLength*src.Others*Channels)...)
	b.OthersFuture = append(b.OthersFuture, rowSlice(src.OthersFuture, row, src.PredLength*src.Others*Channels)...)
	b.Rows = append(b.Rows, src.Rows[row])
	b.Size++
}

func rowSlice(buf []float32, row, stride int) []float32 {
	return buf[row*stride : (row+1)*stride]
}

// EgoPastRow returns the (ObsLength, 3) ego history of one row.
func (b *CausalBatch) EgoPastRow(row int) []float32 {
	return rowSlice(b.EgoPast, row, b.ObsLength*Channels)
}

// EgoFutureRow returns the (PredLength, 3) ego ground truth of one row.
func (b *CausalBatch) EgoFutureRow(row int) []float32 {
	return rowSlice(b.EgoFuture, row, b.PredLength*Channels)
}

// OthersPastRow returns the (ObsLength, Others, 3) history of one row.
func (b *CausalBatch) OthersPastRow(row int) []float32 {
	return rowSlice(b.OthersPast, row, b.ObsLength*b.Others*Channels)
}

// ToGomlxTensors converts the four flat buffers to gomlx tensors, in the
// order ego past, ego future, others past, others future.
func (b *CausalBatch) ToGomlxTensors() ([]*tensors.Tensor, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	if b.Size == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrShape)
	}
	return []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(b.EgoPast, b.Size, b.ObsLength, Channels),
		tensors.FromFlatDataAndDimensions(b.EgoFuture, b.Size, b.PredLength, Channels),
		tensors.FromFlatDataAndDimensions(b.OthersPast, b.Size, b.ObsLength, b.Others, Channels),
		tensors.FromFlatDataAndDimensions(b.OthersFuture, b.Size, b.PredLength, b.Others, Channels),
	}, nil
}

// BoundaryTensor returns the Boundary Index as an int32 gomlx tensor.
func (b *CausalBatch) BoundaryTensor() *tensors.Tensor {
	idx := make([]int32, len(b.Boundary))
	for i, v := range b.Boundary {
		idx[i] = int32(v)
	}
	return tensors.FromAnyValue(idx)
}
