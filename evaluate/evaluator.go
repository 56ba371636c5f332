package evaluate

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/Noofbiz/socialcausality/causal"
	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/metrics"
	"github.com/Noofbiz/socialcausality/predictor"
	"github.com/Noofbiz/socialcausality/storage"
)

// Evaluator measures a model on every batch of a loader.
type Evaluator struct {
	Model predictor.Model

	// Causal runs the counterfactual rows through the model and reports
	// the causal metrics. Without it only factual rows are predicted.
	Causal bool

	Thresholds        causal.Thresholds
	Binning           causal.Binning
	HNCSensitivity    float64
	ConsistencyWeight float64

	// OnBatch, when set, sees every batch with its full prediction.
	OnBatch func(batch *datasets.CausalBatch, pred *predictor.Prediction) error
}

// NewEvaluator returns an evaluator with the default thresholds and bins.
func NewEvaluator(model predictor.Model, causalMetrics bool) *Evaluator {
	return &Evaluator{
		Model:             model,
		Causal:            causalMetrics,
		Thresholds:        causal.DefaultThresholds,
		Binning:           causal.DefaultBinning,
		HNCSensitivity:    causal.DefaultHNCSensitivity,
		ConsistencyWeight: 1,
	}
}

// Report aggregates one evaluation pass.
type Report struct {
	Ks     []int
	MinADE map[int]float64
	MinFDE map[int]float64

	// Samples counts factual rows with a valid displacement error.
	Samples int

	ACE         causal.ACEResult
	HNC         int
	ARS         float64
	Consistency float64

	Pairs map[causal.Category][]causal.Pair

	causal bool
}

// Metrics flattens the report into named scalars.
func (r *Report) Metrics() []storage.Metric {
	var out []storage.Metric
	add := func(name string, v float64) {
		out = append(out, storage.Metric{Name: name, Epoch: FinalEpoch, Value: v})
	}
	for _, k := range r.Ks {
		add(fmt.Sprintf("minADE_%d", k), r.MinADE[k])
		add(fmt.Sprintf("minFDE_%d", k), r.MinFDE[k])
	}
	if !r.causal {
		return out
	}
	add("ACE_NC", r.ACE.NC)
	add("ACE_IC", r.ACE.IC)
	add("ACE_DC", r.ACE.DC)
	add("ACE_Ignored", r.ACE.Ignored)
	add("ACE", r.ACE.Overall)
	add("HNC", float64(r.HNC))
	add("ARS", r.ARS)
	add("consistency", r.Consistency)
	return out
}

// PairRecords returns the collected pairs for persistence.
func (r *Report) PairRecords() []storage.PairRecord {
	var out []storage.PairRecord
	for _, c := range causal.Categories {
		for _, p := range r.Pairs[c] {
			out = append(out, storage.PairRecord{Category: c.String(), Sensitivity: p.Sensitivity, Effect: p.Effect})
		}
	}
	return out
}

type evalState struct {
	mu sync.Mutex

	ks         []int
	ade, fde   map[int]float64
	adeN, fdeN map[int]int

	ace       *causal.ACE
	hnc       int
	ars       []float64
	consSum   float64
	consTerms int
}

// Evaluate runs the model over every batch of loader and aggregates the
// displacement errors of factual rows and, when Causal is set, the causal
// metrics.
func (e *Evaluator) Evaluate(ctx context.Context, loader *datasets.Loader) (*Report, error) {
	if e.Model == nil {
		return nil, fmt.Errorf("evaluate: model is required")
	}
	st := &evalState{
		ks:   metrics.ReportKs(e.Model.Modes()),
		ade:  make(map[int]float64),
		fde:  make(map[int]float64),
		adeN: make(map[int]int),
		fdeN: make(map[int]int),
		ace:  causal.NewACE(e.Thresholds, e.Binning),
	}

	err := loader.Run(ctx, func(batch *datasets.CausalBatch) error {
		return e.evaluateBatch(ctx, batch, st)
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	r := &Report{
		Ks:     st.ks,
		MinADE: make(map[int]float64),
		MinFDE: make(map[int]float64),
		ARS:    math.NaN(),
		causal: e.Causal,
	}
	for _, k := range st.ks {
		r.MinADE[k] = ratio(st.ade[k], st.adeN[k])
		r.MinFDE[k] = ratio(st.fde[k], st.fdeN[k])
	}
	if len(st.ks) > 0 {
		r.Samples = st.adeN[st.ks[0]]
	}
	if e.Causal {
		r.ACE = st.ace.Result()
		r.HNC = st.hnc
		r.ARS = causal.HNCARSResult{ARS: st.ars}.MeanARS()
		r.Consistency = ratio(st.consSum, st.consTerms)
		r.Pairs = make(map[causal.Category][]causal.Pair)
		for _, c := range causal.Categories {
			r.Pairs[c] = st.ace.Pairs(c)
		}
	}
	return r, nil
}

func (e *Evaluator) evaluateBatch(ctx context.Context, batch *datasets.CausalBatch, st *evalState) error {
	input := batch
	if !e.Causal {
		input = batch.FactualOnly()
	}
	pred, err := e.Model.Predict(ctx, input)
	if err != nil {
		return fmt.Errorf("predict: %w", err)
	}
	if err := pred.Validate(); err != nil {
		return fmt.Errorf("prediction: %w", err)
	}
	if pred.Batch != input.Size {
		return fmt.Errorf("prediction has %d rows for %d batch rows", pred.Batch, input.Size)
	}

	factualPred, factualBatch := pred, input
	if e.Causal {
		factualPred = selectRows(pred, factualIndices(batch.Boundary))
		factualBatch = batch.FactualOnly()
	}
	summary, err := metrics.Summarize(factualPred, factualBatch, st.ks)
	if err != nil {
		return err
	}

	var (
		sens [][]float64
		hnc  causal.HNCARSResult
		cons *causal.ConsistencyResult
	)
	if e.Causal {
		layout := causal.LayoutOf(batch)
		if sens, err = causal.Sensitivities(pred, layout); err != nil {
			return err
		}
		if hnc, err = causal.HNCARS(sens, layout, e.Thresholds.NonCausal, e.HNCSensitivity); err != nil {
			return err
		}
		if cons, err = causal.Consistency(pred, layout, e.ConsistencyWeight); err != nil {
			return err
		}
		st.mu.Lock()
		err = st.ace.Add(sens, layout)
		st.mu.Unlock()
		if err != nil {
			return err
		}
	}

	if e.OnBatch != nil {
		if err := e.OnBatch(batch, pred); err != nil {
			return err
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, k := range st.ks {
		if a := summary.MinADE[k]; a.Valid > 0 {
			st.ade[k] += a.Mean * float64(a.Valid)
			st.adeN[k] += a.Valid
		}
		if f := summary.MinFDE[k]; f.Valid > 0 {
			st.fde[k] += f.Mean * float64(f.Valid)
			st.fdeN[k] += f.Valid
		}
	}
	if e.Causal {
		st.hnc += hnc.HNC
		st.ars = append(st.ars, hnc.ARS...)
		st.consSum += cons.Loss * float64(cons.Terms)
		st.consTerms += cons.Terms
	}
	return nil
}

func ratio(sum float64, n int) float64 {
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
