// Package evaluate runs prediction models over causal datasets: it reports
// displacement and causal metrics, trains under a chosen regularization
// regime and writes the counterfactual trajectory artifact.
package evaluate

import (
	"errors"
	"fmt"

	"github.com/Noofbiz/socialcausality/causal"
	"github.com/Noofbiz/socialcausality/datasets"
)

// ErrInvalidRegime is returned for dataset and regularizer combinations
// that cannot run.
var ErrInvalidRegime = errors.New("invalid regime")

// DatasetKind says whether batches carry counterfactual variants.
type DatasetKind int

const (
	CausalDataset DatasetKind = iota
	FactualDataset
)

func (k DatasetKind) String() string {
	switch k {
	case CausalDataset:
		return "causal"
	case FactualDataset:
		return "factual"
	}
	return fmt.Sprintf("DatasetKind(%d)", int(k))
}

// RegularizerKind selects the auxiliary training signal.
type RegularizerKind int

const (
	NoRegularizer RegularizerKind = iota
	Augment
	Consistency
	Contrastive
	Ranking
)

// RegularizerKinds lists every regularizer.
var RegularizerKinds = []RegularizerKind{NoRegularizer, Augment, Consistency, Contrastive, Ranking}

func (k RegularizerKind) String() string {
	switch k {
	case NoRegularizer:
		return "none"
	case Augment:
		return "augment"
	case Consistency:
		return "consistency"
	case Contrastive:
		return "contrastive"
	case Ranking:
		return "ranking"
	}
	return fmt.Sprintf("RegularizerKind(%d)", int(k))
}

// Regime is one dataset kind paired with one regularizer.
type Regime struct {
	Dataset     DatasetKind
	Regularizer RegularizerKind
}

func (r Regime) String() string {
	return r.Dataset.String() + "/" + r.Regularizer.String()
}

// ParseRegime resolves configuration names into a validated Regime.
func ParseRegime(dataset, regularizer string) (Regime, error) {
	var r Regime
	switch dataset {
	case "causal":
		r.Dataset = CausalDataset
	case "factual":
		r.Dataset = FactualDataset
	default:
		return Regime{}, fmt.Errorf("%w: unknown dataset kind %q", ErrInvalidRegime, dataset)
	}
	found := false
	for _, k := range RegularizerKinds {
		if k.String() == regularizer {
			r.Regularizer, found = k, true
			break
		}
	}
	if !found {
		return Regime{}, fmt.Errorf("%w: unknown regularizer %q", ErrInvalidRegime, regularizer)
	}
	return r, r.Validate()
}

// Validate rejects regularizers that need counterfactuals on a factual
// dataset.
func (r Regime) Validate() error {
	s, ok := strategies[r.Regularizer]
	if !ok {
		return fmt.Errorf("%w: %s", ErrInvalidRegime, r)
	}
	if r.Dataset != CausalDataset && r.Dataset != FactualDataset {
		return fmt.Errorf("%w: %s", ErrInvalidRegime, r)
	}
	if r.Dataset == FactualDataset && s.needsCounterfactuals {
		return fmt.Errorf("%w: %s needs counterfactual variants", ErrInvalidRegime, r)
	}
	return nil
}

// strategy is the per-regularizer behaviour of a training step.
type strategy struct {
	// rows selects the batch rows that go through the forward pass.
	rows func(b *datasets.CausalBatch, th causal.Thresholds) *datasets.CausalBatch

	needsCounterfactuals bool
	needsEmbeddings      bool

	// factualTrajectoryLoss restricts the trajectory loss to factual rows.
	factualTrajectoryLoss bool

	// trainsModel is false when only the projector is updated.
	trainsModel bool
}

func factualRows(b *datasets.CausalBatch, _ causal.Thresholds) *datasets.CausalBatch {
	return b.FactualOnly()
}

func allRows(b *datasets.CausalBatch, _ causal.Thresholds) *datasets.CausalBatch {
	return b
}

// augmentRows keeps the counterfactuals whose effect is non-causal: removing
// those agents leaves the ego future unchanged, so they are valid extra
// training scenes.
func augmentRows(b *datasets.CausalBatch, th causal.Thresholds) *datasets.CausalBatch {
	return b.Filter(func(g, j int) bool {
		return b.CausalEffects[g][j] <= th.NonCausal
	})
}

var strategies = map[RegularizerKind]strategy{
	NoRegularizer: {rows: factualRows, trainsModel: true},
	Augment:       {rows: augmentRows, needsCounterfactuals: true, trainsModel: true},
	Consistency:   {rows: allRows, needsCounterfactuals: true, factualTrajectoryLoss: true, trainsModel: true},
	Contrastive:   {rows: allRows, needsCounterfactuals: true, needsEmbeddings: true, factualTrajectoryLoss: true},
	Ranking:       {rows: allRows, needsCounterfactuals: true, needsEmbeddings: true, factualTrajectoryLoss: true},
}
