// Command causaleval trains and evaluates the Monte Carlo baseline on
// causally annotated scenes and reports displacement and causal metrics.
//
// Usage:
//
//	causaleval -config run.json -data ../../datasets/assets/causal
//
// Every setting of config.Config can also come from the JSON file or from a
// SOCIALCAUSALITY_ environment variable.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"time"

	"github.com/Noofbiz/socialcausality/causal"
	"github.com/Noofbiz/socialcausality/config"
	"github.com/Noofbiz/socialcausality/datasets"
	"github.com/Noofbiz/socialcausality/evaluate"
	"github.com/Noofbiz/socialcausality/monte"
	"github.com/Noofbiz/socialcausality/projector"
	"github.com/Noofbiz/socialcausality/scene"
	"github.com/Noofbiz/socialcausality/storage"
)

// Rand streams of a run.
const (
	streamTrainOrder = iota + 1
	streamPoison
)

func main() {
	configPath := flag.String("config", "", "path to a JSON configuration file (optional)")
	dataDir := flag.String("data", "", "directory holding the scene CSV files (overrides data_pattern)")
	printEffectiveConfig := flag.Bool("print-effective-config", false, "print the effective configuration and exit")
	writeArtifact := flag.Bool("artifact", true, "write the counterfactual trajectory artifact (causal datasets only)")
	writePlot := flag.Bool("plot", true, "write the ACE bin plot (causal datasets only)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dataDir != "" {
		pattern, err := datasets.FindCSVInAssets(*dataDir)
		if err != nil {
			log.Fatalf("find scene CSVs: %v", err)
		}
		cfg.DataPattern = pattern
	}
	cfgJSON, err := cfg.JSON()
	if err != nil {
		log.Fatalf("encode config: %v", err)
	}
	if *printEffectiveConfig {
		fmt.Println(string(cfgJSON))
		return
	}
	if cfg.DataPattern == "" {
		log.Fatalf("no scene data: set -data or data_pattern")
	}

	regime, err := evaluate.ParseRegime(cfg.DatasetKind, cfg.Regularizer)
	if err != nil {
		log.Fatalf("regime: %v", err)
	}
	rt := cfg.Runtime()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	window := scene.Window{ObsLength: cfg.ObsLength, PredLength: cfg.PredLength}
	ds, err := datasets.NewCausalDataset(cfg.DataPattern, datasets.NewBuilder(window, cfg.MaxAgents))
	if err != nil {
		log.Fatalf("open dataset: %v", err)
	}
	log.Printf("Using CSV pattern: %s (found %d scenes)", cfg.DataPattern, ds.Len())

	base, err := monte.NewMonte(cfg.Modes, rt.Seed)
	if err != nil {
		log.Fatalf("create baseline: %v", err)
	}
	base.Workers = rt.Workers
	base.SetForceScale(cfg.MonteForceScale)
	base.SetMaxPerAgent(cfg.MonteMaxPerAgent)
	base.SetSpread(cfg.MonteSpread)
	base.SetSpeedNoise(cfg.MonteSpeedNoise)
	proj, err := projector.NewModel(projector.Config{
		InputDim:     monte.FeatureDim,
		OutputDim:    cfg.EmbeddingDim,
		LearningRate: cfg.ProjectorLearningRate,
		Seed:         rt.Seed,
		ClipNorm:     5,
	})
	if err != nil {
		log.Fatalf("create projector: %v", err)
	}
	model := &projector.Projected{Base: base, Projector: proj}

	if cfg.StoreKind == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.StorePath), 0755); err != nil {
			log.Fatalf("mkdir for store: %v", err)
		}
	}
	store, err := storage.NewStore(cfg.StoreKind, cfg.StorePath)
	if err != nil {
		log.Fatalf("create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		log.Fatalf("init store: %v", err)
	}
	defer func() {
		if err := storage.CloseIfSupported(store); err != nil {
			log.Printf("warning: close store: %v", err)
		}
	}()
	runID, err := evaluate.StartRun(ctx, store, regime, rt.Seed, cfgJSON)
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Run %s: regime %s, K=%d, seed %d, workers %d", runID, regime, cfg.Modes, rt.Seed, rt.Workers)

	th := causal.Thresholds{NonCausal: cfg.NonCausalThreshold, DirectlyCausal: cfg.DirectlyCausalThreshold}
	bins := causal.Binning{Low: cfg.BinLow, High: cfg.BinHigh, Bins: cfg.Bins}
	progress := time.Duration(cfg.ProgressSeconds) * time.Second

	if cfg.Epochs > 0 {
		trainer := &evaluate.Trainer{
			Regime:            regime,
			Model:             model,
			Params:            base,
			Projector:         proj,
			Thresholds:        th,
			ConsistencyWeight: cfg.ConsistencyWeight,
			Contrastive: causal.ContrastiveConfig{
				Thresholds: th,
				Weight:     cfg.ContrastiveWeight,
				Margin:     cfg.ContrastiveMargin,
				PoisonProb: cfg.PoisonProb,
			},
			Ranking: causal.RankingConfig{
				Weight:      cfg.RankingWeight,
				Margin:      cfg.RankingMargin,
				Consecutive: cfg.RankingConsecutive,
				PoisonProb:  cfg.PoisonProb,
			},
			LearningRate: cfg.LearningRate,
			Rand:         rt.Rand(streamPoison),
			Order:        rt.Rand(streamTrainOrder),
			Reporter: evaluate.MultiReporter{
				evaluate.LogReporter{Component: "Train"},
				evaluate.StoreReporter{Store: store, RunID: runID},
			},
		}
		loader := &datasets.Loader{Dataset: ds, BatchSize: cfg.BatchSize, Workers: rt.Workers, ProgressInterval: progress}
		log.Printf("[Train] %d epochs over %d scenes", cfg.Epochs, ds.Len())
		if _, err := trainer.Train(ctx, loader, cfg.Epochs); err != nil {
			log.Fatalf("train: %v", err)
		}
		log.Printf("[Train] interaction gain after training: %.4f", base.Gain)
	}

	causalEval := regime.Dataset == evaluate.CausalDataset
	ev := &evaluate.Evaluator{
		Model:             model,
		Causal:            causalEval,
		Thresholds:        th,
		Binning:           bins,
		HNCSensitivity:    cfg.HNCSensitivity,
		ConsistencyWeight: cfg.ConsistencyWeight,
	}
	var recorder *evaluate.Recorder
	if causalEval && *writeArtifact {
		recorder = evaluate.NewRecorder()
		ev.OnBatch = recorder.Record
	}
	loader := &datasets.Loader{Dataset: ds, BatchSize: cfg.BatchSize, Workers: rt.Workers, ProgressInterval: progress}
	report, err := ev.Evaluate(ctx, loader)
	if err != nil {
		log.Fatalf("evaluate: %v", err)
	}

	final := evaluate.MultiReporter{
		evaluate.LogReporter{Component: "Evaluate"},
		evaluate.StoreReporter{Store: store, RunID: runID},
	}
	if err := final.Report(ctx, evaluate.FinalEpoch, report.Metrics()); err != nil {
		log.Fatalf("report metrics: %v", err)
	}
	if causalEval {
		if err := store.SavePairs(ctx, runID, report.PairRecords()); err != nil {
			log.Fatalf("save pairs: %v", err)
		}
	}

	if recorder != nil {
		path, err := evaluate.WriteArtifact(cfg.OutputDir, recorder.Artifact(), time.Now())
		if err != nil {
			log.Fatalf("write artifact: %v", err)
		}
		log.Printf("Saved counterfactual trajectories to %s", path)
	}
	if causalEval && *writePlot {
		path, err := evaluate.PlotACEBins(cfg.OutputDir, report.Pairs, bins)
		if err != nil {
			log.Printf("warning: plot failed: %v", err)
		} else {
			log.Printf("Saved ACE plot to %s", path)
		}
	}

	printSummary(runID, regime, report)
}

func printSummary(runID string, regime evaluate.Regime, r *evaluate.Report) {
	fmt.Printf("Run %s (%s), %d factual samples\n", runID, regime, r.Samples)
	for _, k := range r.Ks {
		fmt.Printf("  minADE_%-2d %8.4f   minFDE_%-2d %8.4f\n", k, r.MinADE[k], k, r.MinFDE[k])
	}
	if regime.Dataset != evaluate.CausalDataset {
		return
	}
	fmt.Printf("  ACE: NC %s  IC %s  DC %s  Ignored %s  overall %s\n",
		fmtMetric(r.ACE.NC), fmtMetric(r.ACE.IC), fmtMetric(r.ACE.DC), fmtMetric(r.ACE.Ignored), fmtMetric(r.ACE.Overall))
	cats := make([]string, 0, len(r.ACE.Counts))
	for c, n := range r.ACE.Counts {
		cats = append(cats, fmt.Sprintf("%s=%d", c, n))
	}
	sort.Strings(cats)
	fmt.Printf("  pairs: %v\n", cats)
	fmt.Printf("  HNC %d  ARS %s  consistency %s\n", r.HNC, fmtMetric(r.ARS), fmtMetric(r.Consistency))
}

func fmtMetric(v float64) string {
	if math.IsNaN(v) {
		return "n/a"
	}
	return fmt.Sprintf("%.4f", v)
}
