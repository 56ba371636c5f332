package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"

	"github.com/Noofbiz/socialcausality/causal"
	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/metrics"
	"github.com/Noofbiz/socialcausality/predictor"
	"github.com/Noofbiz/socialcausality/storage"
)

// Loss names reported by Trainer.
const (
	LossWTA               = "Loss/wta"
	LossConsistency       = "Loss/consistency"
	LossContrastive       = "Loss/contrastive"
	LossRanking           = "Loss/ranking"
	MetricPoisoned        = "poisoned_prop"
	MetricRankingAccuracy = "ranking_accuracy"
)

// Trainable is a model whose parameters learn from a trajectory gradient.
type Trainable interface {
	Backward(batch *datasets.CausalBatch, grad []float64) (float64, error)
	Step(lr float64)
}

// EmbeddingTrainer learns from a gradient on the embeddings of its last
// forward pass.
type EmbeddingTrainer interface {
	Backward(grad []float64) error
	Step()
}

// Trainer runs optimization steps under one regime.
type Trainer struct {
	Regime Regime
	Model  predictor.Model

	// Params receives the trajectory gradient. Nil leaves the model fixed.
	Params Trainable

	// Projector receives the embedding gradient of the contrastive and
	// ranking regularizers.
	Projector EmbeddingTrainer

	Thresholds        causal.Thresholds
	ConsistencyWeight float64
	Contrastive       causal.ContrastiveConfig
	Ranking           causal.RankingConfig
	LearningRate      float64

	Rand *rand.Rand

	// Order, when set, draws a fresh visiting order of the dataset for every
	// epoch and overrides the loader's Indices.
	Order *rand.Rand

	Reporter Reporter
}

// StepResult holds the losses of one training step.
type StepResult struct {
	// Rows is the number of batch rows that went through the model.
	Rows   int
	Losses map[string]float64
}

// Step runs one forward and backward pass on batch. Every loss is computed
// before any parameter is updated.
func (tr *Trainer) Step(ctx context.Context, batch *datasets.CausalBatch) (*StepResult, error) {
	if err := tr.Regime.Validate(); err != nil {
		return nil, err
	}
	if tr.Model == nil {
		return nil, errors.New("train: model is required")
	}
	s := strategies[tr.Regime.Regularizer]
	in := s.rows(batch, tr.Thresholds)
	res := &StepResult{Rows: in.Size, Losses: make(map[string]float64)}
	if in.Size == 0 {
		return res, nil
	}

	var (
		pred *predictor.Prediction
		emb  *predictor.Embeddings
		err  error
	)
	if s.needsEmbeddings {
		em, ok := tr.Model.(predictor.EmbeddingModel)
		if !ok {
			return nil, fmt.Errorf("%w: %s needs a model with embeddings", ErrInvalidRegime, tr.Regime)
		}
		pred, emb, err = em.PredictWithEmbeddings(ctx, in)
	} else {
		pred, err = tr.Model.Predict(ctx, in)
	}
	if err != nil {
		return nil, fmt.Errorf("predict: %w", err)
	}

	grad := make([]float64, len(pred.Trajectories))
	if s.factualTrajectoryLoss {
		rows := factualIndices(in.Boundary)
		wta, err := metrics.WinnerTakesAll(selectRows(pred, rows), in.FactualOnly())
		if err != nil {
			return nil, err
		}
		scatterGrad(grad, pred, wta.Grad, rows)
		res.Losses[LossWTA] = wta.Loss
	} else {
		wta, err := metrics.WinnerTakesAll(pred, in)
		if err != nil {
			return nil, err
		}
		for i, g := range wta.Grad {
			grad[i] += g
		}
		res.Losses[LossWTA] = wta.Loss
	}

	layout := causal.LayoutOf(in)
	var embLoss *causal.EmbeddingLoss
	switch tr.Regime.Regularizer {
	case Consistency:
		cons, err := causal.Consistency(pred, layout, tr.ConsistencyWeight)
		if err != nil {
			return nil, err
		}
		for i, g := range cons.Grad {
			grad[i] += g
		}
		res.Losses[LossConsistency] = cons.Loss
	case Contrastive:
		if embLoss, err = causal.Contrastive(emb, layout, tr.Contrastive, tr.rng()); err != nil {
			return nil, err
		}
		res.Losses[LossContrastive] = embLoss.Loss
		res.Losses[MetricPoisoned] = embLoss.PoisonedFraction
	case Ranking:
		if embLoss, err = causal.Ranking(emb, layout, tr.Ranking, tr.rng()); err != nil {
			return nil, err
		}
		res.Losses[LossRanking] = embLoss.Loss
		res.Losses[MetricRankingAccuracy] = embLoss.Accuracy
		res.Losses[MetricPoisoned] = embLoss.PoisonedFraction
	}

	if s.trainsModel && tr.Params != nil {
		if _, err := tr.Params.Backward(in, grad); err != nil {
			return nil, fmt.Errorf("model backward: %w", err)
		}
		tr.Params.Step(tr.LearningRate)
	}
	if embLoss != nil && tr.Projector != nil {
		if err := tr.Projector.Backward(embLoss.Grad); err != nil {
			return nil, fmt.Errorf("projector backward: %w", err)
		}
		tr.Projector.Step()
	}
	return res, nil
}

func (tr *Trainer) rng() *rand.Rand {
	if tr.Rand == nil {
		tr.Rand = rand.New(rand.NewSource(1))
	}
	return tr.Rand
}

// Train runs epochs passes over loader and reports the row-weighted mean
// of every loss after each epoch. It returns the per-epoch means.
func (tr *Trainer) Train(ctx context.Context, loader *datasets.Loader, epochs int) ([]map[string]float64, error) {
	var history []map[string]float64
	for epoch := range epochs {
		l := *loader
		if tr.Order != nil {
			l.Indices = tr.Order.Perm(loader.Dataset.Len())
		}
		sums := make(map[string]float64)
		rows := 0
		err := l.Run(ctx, func(batch *datasets.CausalBatch) error {
			res, err := tr.Step(ctx, batch)
			if err != nil {
				return err
			}
			for name, v := range res.Losses {
				sums[name] += v * float64(res.Rows)
			}
			rows += res.Rows
			return nil
		})
		if err != nil {
			return history, fmt.Errorf("epoch %d: %w", epoch, err)
		}

		means := make(map[string]float64, len(sums))
		for name, v := range sums {
			means[name] = ratio(v, rows)
		}
		history = append(history, means)
		if tr.Reporter != nil {
			if err := tr.Reporter.Report(ctx, epoch, sortedMetrics(means)); err != nil {
				return history, err
			}
		} else {
			log.Printf("[Train] epoch %d: %d rows", epoch, rows)
		}
	}
	return history, nil
}

func sortedMetrics(m map[string]float64) []storage.Metric {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]storage.Metric, len(names))
	for i, name := range names {
		out[i] = storage.Metric{Name: name, Value: m[name]}
	}
	return out
}
