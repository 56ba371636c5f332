// Package causal measures how a prediction model responds to the removal of
// individual agents and compares that response with the ground-truth causal
// effect of each removal.
//
// Every statistic and loss here reads a flat batch through a Layout: the
// Boundary Index plus per-group effect and label lists. Agents are only ever
// compared with agents of the same group.
package causal

import (
	"errors"
	"fmt"

	"github.com/Noofbiz/socialcausality/datasets"
)

// ErrBoundary is returned when a Layout does not match the rows it is
// applied to.
var ErrBoundary = errors.New("causal layout inconsistent with batch")

// Layout is the group structure of a flat batch.
type Layout struct {
	Boundary       []int
	Effects        [][]float64
	DirectlyCausal [][]bool
	Labeled        []bool
}

// LayoutOf returns the Layout of a collated batch. The slices are shared.
func LayoutOf(b *datasets.CausalBatch) Layout {
	return Layout{
		Boundary:       b.Boundary,
		Effects:        b.CausalEffects,
		DirectlyCausal: b.DirectlyCausal,
		Labeled:        b.Labeled,
	}
}

// Groups returns the number of groups.
func (l Layout) Groups() int { return len(l.Boundary) - 1 }

// Validate checks the layout against a flat collection of rows.
func (l Layout) Validate(rows int) error {
	if len(l.Boundary) == 0 || l.Boundary[0] != 0 {
		return fmt.Errorf("%w: boundary must start at 0", ErrBoundary)
	}
	if last := l.Boundary[len(l.Boundary)-1]; last != rows {
		return fmt.Errorf("%w: sentinel %d but %d rows", ErrBoundary, last, rows)
	}
	g := l.Groups()
	if len(l.Effects) != g {
		return fmt.Errorf("%w: %d groups but %d effect lists", ErrBoundary, g, len(l.Effects))
	}
	if l.DirectlyCausal != nil && len(l.DirectlyCausal) != g {
		return fmt.Errorf("%w: %d groups but %d label lists", ErrBoundary, g, len(l.DirectlyCausal))
	}
	if l.Labeled != nil && len(l.Labeled) != g {
		return fmt.Errorf("%w: %d groups but %d labeled flags", ErrBoundary, g, len(l.Labeled))
	}
	for i := range g {
		lo, hi := l.Boundary[i], l.Boundary[i+1]
		if hi-lo < 1 {
			return fmt.Errorf("%w: group %d spans [%d,%d)", ErrBoundary, i, lo, hi)
		}
		if hi-lo-1 != len(l.Effects[i]) {
			return fmt.Errorf("%w: group %d has %d counterfactual rows and %d effects", ErrBoundary, i, hi-lo-1, len(l.Effects[i]))
		}
		if l.DirectlyCausal != nil && len(l.DirectlyCausal[i]) != len(l.Effects[i]) {
			return fmt.Errorf("%w: group %d has %d effects and %d labels", ErrBoundary, i, len(l.Effects[i]), len(l.DirectlyCausal[i]))
		}
	}
	return nil
}

func (l Layout) labeled(g int) bool {
	return l.Labeled != nil && l.Labeled[g]
}

func (l Layout) label(g, j int) bool {
	return l.DirectlyCausal != nil && l.DirectlyCausal[g][j]
}
