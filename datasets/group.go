package datasets

import (
	"fmt"
	"math"

	"github.com/Noofbiz/socialcausality/scene"
)

// FactualVariant marks the factual scene in Variant.Removed and in the
// variant column of scene CSV files.
const FactualVariant = -1

// RawScene is one factual scene and its counterfactual family as read from
// disk, before any normalization.
type RawScene struct {
	ID      string
	Factual *scene.Trajectories

	// Counterfactuals[j] is the factual scene with agent Removed[j] taken out.
	Counterfactuals []*scene.Trajectories
	Removed         []int

	// DirectlyCausal holds the annotated flag per factual agent. It is nil
	// when the scene carries no annotations.
	DirectlyCausal []bool
}

// Variant is one row of a Scene Group.
type Variant struct {
	Removed    int
	Raw        *scene.Trajectories
	Normalized *scene.Trajectories
	Transform  scene.Transform
	Point      *Datapoint
}

// Group is a factual scene followed by its counterfactual variants.
// CausalEffects and DirectlyCausal are aligned with Variants[1:].
type Group struct {
	Index   int
	SceneID string

	Variants       []Variant
	CausalEffects  []float64
	DirectlyCausal []bool
	Labeled        bool
}

// Size is the number of rows the group occupies in a batch.
func (g *Group) Size() int { return len(g.Variants) }

// Counterfactuals is the number of counterfactual variants.
func (g *Group) Counterfactuals() int { return len(g.Variants) - 1 }

// Builder normalizes and masks raw scenes into Scene Groups.
type Builder struct {
	Normalizer scene.Normalizer
	Masker     Masker
}

// NewBuilder returns a Builder for the given window and agent count.
func NewBuilder(w scene.Window, maxAgents int) Builder {
	return Builder{
		Normalizer: scene.Normalizer{Window: w, MaxAgents: maxAgents},
		Masker:     Masker{Window: w},
	}
}

// Build normalizes every variant of raw and computes the ground-truth causal
// effect of each removal.
func (b Builder) Build(index int, raw RawScene) (*Group, error) {
	if len(raw.Counterfactuals) != len(raw.Removed) {
		return nil, fmt.Errorf("scene %s: %d counterfactuals but %d removed agents", raw.ID, len(raw.Counterfactuals), len(raw.Removed))
	}

	g := &Group{
		Index:          index,
		SceneID:        raw.ID,
		Variants:       make([]Variant, 0, 1+len(raw.Counterfactuals)),
		CausalEffects:  make([]float64, len(raw.Counterfactuals)),
		DirectlyCausal: make([]bool, len(raw.Counterfactuals)),
		Labeled:        raw.DirectlyCausal != nil,
	}

	v, err := b.variant(raw.Factual, FactualVariant)
	if err != nil {
		return nil, fmt.Errorf("scene %s factual: %w", raw.ID, err)
	}
	g.Variants = append(g.Variants, v)

	for j, cf := range raw.Counterfactuals {
		removed := raw.Removed[j]
		v, err := b.variant(cf, removed)
		if err != nil {
			return nil, fmt.Errorf("scene %s without agent %d: %w", raw.ID, removed, err)
		}
		g.Variants = append(g.Variants, v)
		g.CausalEffects[j] = CausalEffect(raw.Factual, cf, b.Normalizer.Window)
		if removed >= 0 && removed < len(raw.DirectlyCausal) {
			g.DirectlyCausal[j] = raw.DirectlyCausal[removed]
		}
	}
	return g, nil
}

func (b Builder) variant(raw *scene.Trajectories, removed int) (Variant, error) {
	norm, tr, err := b.Normalizer.Normalize(raw)
	if err != nil {
		return Variant{}, err
	}
	dp, err := b.Masker.Unpack(norm)
	if err != nil {
		return Variant{}, err
	}
	return Variant{Removed: removed, Raw: raw, Normalized: norm, Transform: tr, Point: dp}, nil
}

// CausalEffect is the mean Euclidean distance between the ego's future in
// the factual scene and in a counterfactual. Steps where either position is
// missing are skipped; NaN is returned when no step can be compared.
func CausalEffect(factual, counterfactual *scene.Trajectories, w scene.Window) float64 {
	var sum float64
	n := 0
	for ti := w.ObsLength; ti < w.Total() && ti < factual.Time && ti < counterfactual.Time; ti++ {
		fx, fy := factual.At(ti, 0)
		cx, cy := counterfactual.At(ti, 0)
		d := math.Hypot(cx-fx, cy-fy)
		if math.IsNaN(d) {
			continue
		}
		sum += d
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
