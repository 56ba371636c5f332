package config

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	body := `{"regularizer": "contrastive", "poison_prob": 0.25, "batch_size": 4}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("SOCIALCAUSALITY_BATCH_SIZE", "16")
	t.Setenv("SOCIALCAUSALITY_SEED", "42")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Regularizer != "contrastive" || cfg.PoisonProb != 0.25 {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.BatchSize != 16 || cfg.Seed != 42 {
		t.Fatalf("env values not applied: batch=%d seed=%d", cfg.BatchSize, cfg.Seed)
	}
	if cfg.ObsLength != 8 || cfg.Bins != 19 {
		t.Fatalf("absent keys should keep defaults: obs=%d bins=%d", cfg.ObsLength, cfg.Bins)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.json")
	if err := os.WriteFile(path, []byte(`{"bacth_size": 4}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestParseEnvError(t *testing.T) {
	t.Setenv("SOCIALCAUSALITY_MODES", "many")
	cfg := Default()
	err := ParseEnv(&cfg)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "parse env:") {
		t.Fatalf("expected parse env prefix, got %v", err)
	}
}

func TestValidateRejectsBadSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"thresholds":  func(c *Config) { c.NonCausalThreshold = 0.2 },
		"poison":      func(c *Config) { c.PoisonProb = 1.5 },
		"regularizer": func(c *Config) { c.Regularizer = "dropout" },
		"dataset":     func(c *Config) { c.DatasetKind = "synthetic" },
		"bins":        func(c *Config) { c.BinHigh = c.BinLow },
		"sqlite path": func(c *Config) { c.StoreKind, c.StorePath = "sqlite", "" },
		"modes":       func(c *Config) { c.Modes = 0 },
		"monte clamp": func(c *Config) { c.MonteMaxPerAgent = 0 },
		"monte noise": func(c *Config) { c.MonteSpeedNoise = -0.1 },
	}
	for name, mutate := range cases {
		cfg := Default()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestRuntimeStreamsAreIndependent(t *testing.T) {
	rt := Config{Seed: 3, Workers: 0}.Runtime()
	if rt.Workers < 1 {
		t.Fatalf("expected at least one worker, got %d", rt.Workers)
	}
	a, b := rt.Rand(0).Int63(), rt.Rand(1).Int63()
	if a == b {
		t.Fatalf("different streams produced the same first draw")
	}
	if rt.Rand(0).Int63() != a {
		t.Fatalf("same stream must be reproducible")
	}
}

func TestMonteSettingsDefaultAndEnv(t *testing.T) {
	cfg := Default()
	if cfg.MonteForceScale != 1.2 || cfg.MonteMaxPerAgent != 10 || cfg.MonteSpread != math.Pi/3 || cfg.MonteSpeedNoise != 0.1 {
		t.Fatalf("unexpected monte defaults: %+v", cfg)
	}
	t.Setenv("SOCIALCAUSALITY_MONTE_SPREAD", "0")
	t.Setenv("SOCIALCAUSALITY_MONTE_FORCE_SCALE", "2.5")
	loaded, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.MonteSpread != 0 || loaded.MonteForceScale != 2.5 {
		t.Fatalf("env values not applied: spread=%v force=%v", loaded.MonteSpread, loaded.MonteForceScale)
	}
}
