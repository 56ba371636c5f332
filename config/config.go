// Package config holds every tunable of an evaluation or training run.
//
// Values are resolved in three layers: Default, then an optional JSON file,
// then environment variables prefixed with SOCIALCAUSALITY_.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"runtime"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "SOCIALCAUSALITY_"

// Config is the full run configuration.
type Config struct {
	// Scene window and padding.
	ObsLength  int `json:"obs_length" env:"OBS_LENGTH"`
	PredLength int `json:"pred_length" env:"PRED_LENGTH"`
	MaxAgents  int `json:"max_agents" env:"MAX_AGENTS"`

	// Causal categories and ACE binning.
	NonCausalThreshold      float64 `json:"non_causal_threshold" env:"NON_CAUSAL_THRESHOLD"`
	DirectlyCausalThreshold float64 `json:"directly_causal_threshold" env:"DIRECTLY_CAUSAL_THRESHOLD"`
	HNCSensitivity          float64 `json:"hnc_sensitivity" env:"HNC_SENSITIVITY"`
	BinLow                  float64 `json:"bin_low" env:"BIN_LOW"`
	BinHigh                 float64 `json:"bin_high" env:"BIN_HIGH"`
	Bins                    int     `json:"bins" env:"BINS"`

	// Regime and regularizers.
	DatasetKind        string  `json:"dataset_kind" env:"DATASET_KIND"`
	Regularizer        string  `json:"regularizer" env:"REGULARIZER"`
	ConsistencyWeight  float64 `json:"consistency_weight" env:"CONSISTENCY_WEIGHT"`
	ContrastiveWeight  float64 `json:"contrastive_weight" env:"CONTRASTIVE_WEIGHT"`
	ContrastiveMargin  float64 `json:"contrastive_margin" env:"CONTRASTIVE_MARGIN"`
	RankingWeight      float64 `json:"ranking_weight" env:"RANKING_WEIGHT"`
	RankingMargin      float64 `json:"ranking_margin" env:"RANKING_MARGIN"`
	RankingConsecutive bool    `json:"ranking_consecutive" env:"RANKING_CONSECUTIVE"`
	PoisonProb         float64 `json:"poison_prob" env:"POISON_PROB"`

	// Model and training.
	Modes                 int     `json:"modes" env:"MODES"`
	Epochs                int     `json:"epochs" env:"EPOCHS"`
	LearningRate          float64 `json:"learning_rate" env:"LEARNING_RATE"`
	ProjectorLearningRate float64 `json:"projector_learning_rate" env:"PROJECTOR_LEARNING_RATE"`
	EmbeddingDim          int     `json:"embedding_dim" env:"EMBEDDING_DIM"`

	// Monte Carlo baseline.
	MonteForceScale  float64 `json:"monte_force_scale" env:"MONTE_FORCE_SCALE"`
	MonteMaxPerAgent float64 `json:"monte_max_per_agent" env:"MONTE_MAX_PER_AGENT"`
	MonteSpread      float64 `json:"monte_spread" env:"MONTE_SPREAD"`
	MonteSpeedNoise  float64 `json:"monte_speed_noise" env:"MONTE_SPEED_NOISE"`

	// Execution.
	BatchSize       int   `json:"batch_size" env:"BATCH_SIZE"`
	Workers         int   `json:"workers" env:"WORKERS"`
	Seed            int64 `json:"seed" env:"SEED"`
	ProgressSeconds int   `json:"progress_seconds" env:"PROGRESS_SECONDS"`

	// Inputs and outputs.
	DataPattern string `json:"data_pattern" env:"DATA_PATTERN"`
	OutputDir   string `json:"output_dir" env:"OUTPUT_DIR"`
	StoreKind   string `json:"store_kind" env:"STORE_KIND"`
	StorePath   string `json:"store_path" env:"STORE_PATH"`
}

// Default returns the reference settings.
func Default() Config {
	return Config{
		ObsLength:  8,
		PredLength: 12,
		MaxAgents:  12,

		NonCausalThreshold:      0.02,
		DirectlyCausalThreshold: 0.1,
		HNCSensitivity:          0.1,
		BinLow:                  0.1,
		BinHigh:                 2.1,
		Bins:                    19,

		DatasetKind:       "causal",
		Regularizer:       "none",
		ConsistencyWeight: 1.0,
		ContrastiveWeight: 1.0,
		ContrastiveMargin: 1.0,
		RankingWeight:     1.0,
		RankingMargin:     0.1,

		Modes:                 6,
		Epochs:                0,
		LearningRate:          0.01,
		ProjectorLearningRate: 0.001,
		EmbeddingDim:          16,

		MonteForceScale:  1.2,
		MonteMaxPerAgent: 10,
		MonteSpread:      math.Pi / 3,
		MonteSpeedNoise:  0.1,

		BatchSize:       8,
		Workers:         0,
		Seed:            1,
		ProgressSeconds: 5,

		OutputDir: "output",
		StoreKind: "memory",
		StorePath: "output/runs.db",
	}
}

// Load resolves the configuration from defaults, the JSON file at path
// (skipped when empty) and the environment, then validates it.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// overlayFile decodes a JSON file over c. Keys absent from the file keep
// their current value; unknown keys are rejected.
func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("unmarshal config %s: %w", path, err)
	}
	return nil
}

// ParseEnv overlays SOCIALCAUSALITY_* environment variables onto target.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects settings no run can use.
func (c Config) Validate() error {
	switch {
	case c.ObsLength < 2:
		return fmt.Errorf("obs_length must be >= 2, got %d", c.ObsLength)
	case c.PredLength < 1:
		return fmt.Errorf("pred_length must be >= 1, got %d", c.PredLength)
	case c.MaxAgents < 1:
		return fmt.Errorf("max_agents must be >= 1, got %d", c.MaxAgents)
	case c.NonCausalThreshold < 0 || c.NonCausalThreshold >= c.DirectlyCausalThreshold:
		return fmt.Errorf("thresholds must satisfy 0 <= non_causal < directly_causal, got %v and %v",
			c.NonCausalThreshold, c.DirectlyCausalThreshold)
	case c.Bins < 1 || c.BinLow >= c.BinHigh:
		return fmt.Errorf("binning needs bins >= 1 and bin_low < bin_high, got %d over [%v, %v)", c.Bins, c.BinLow, c.BinHigh)
	case c.PoisonProb < 0 || c.PoisonProb > 1:
		return fmt.Errorf("poison_prob must be in [0, 1], got %v", c.PoisonProb)
	case c.ConsistencyWeight < 0 || c.ContrastiveWeight < 0 || c.RankingWeight < 0:
		return fmt.Errorf("regularizer weights must be >= 0")
	case c.Modes < 1:
		return fmt.Errorf("modes must be >= 1, got %d", c.Modes)
	case c.Epochs < 0:
		return fmt.Errorf("epochs must be >= 0, got %d", c.Epochs)
	case c.MonteForceScale < 0 || c.MonteSpread < 0 || c.MonteSpeedNoise < 0:
		return fmt.Errorf("monte force scale, spread and speed noise must be >= 0")
	case c.MonteMaxPerAgent <= 0:
		return fmt.Errorf("monte_max_per_agent must be > 0, got %v", c.MonteMaxPerAgent)
	case c.EmbeddingDim < 1:
		return fmt.Errorf("embedding_dim must be >= 1, got %d", c.EmbeddingDim)
	case c.BatchSize < 1:
		return fmt.Errorf("batch_size must be >= 1, got %d", c.BatchSize)
	case c.Workers < 0:
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	switch c.DatasetKind {
	case "causal", "factual":
	default:
		return fmt.Errorf("unknown dataset_kind %q", c.DatasetKind)
	}
	switch c.Regularizer {
	case "none", "augment", "consistency", "contrastive", "ranking":
	default:
		return fmt.Errorf("unknown regularizer %q", c.Regularizer)
	}
	switch c.StoreKind {
	case "memory":
	case "sqlite":
		if c.StorePath == "" {
			return fmt.Errorf("store_path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unknown store_kind %q", c.StoreKind)
	}
	return nil
}

// JSON returns the configuration as indented JSON.
func (c Config) JSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}

// Runtime is the process-level setup shared by every component of a run.
type Runtime struct {
	Seed    int64
	Workers int
}

// Runtime resolves the worker count (0 means one per CPU).
func (c Config) Runtime() Runtime {
	workers := c.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return Runtime{Seed: c.Seed, Workers: workers}
}

// Rand returns a new generator for the given stream. Different streams of
// one run never share state.
func (r Runtime) Rand(stream int64) *rand.Rand {
	return rand.New(rand.NewSource(r.Seed*1_000_003 + stream))
}
