// Package config loads the scanner configuration from YAML and fills
// unset fields with working defaults so a minimal file (or none at
// all, via flags) still yields a runnable setup.
package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	LogLevel string   `yaml:"log_level"`
	RPC      RPC      `yaml:"rpc"`
	Pipeline Pipeline `yaml:"pipeline"`
	Probe    Probe    `yaml:"probe"`
	Watcher  Watcher  `yaml:"watcher"`
	Report   Report   `yaml:"report"`
}

type RPC struct {
	Endpoints []string `yaml:"endpoints"`
}

type Pipeline struct {
	Workers   int `yaml:"workers"`
	BatchSize int `yaml:"batch_size"`
	// AnalysisTTLSeconds is how long a completed analysis blocks
	// re-analysis of the same address. 0 means forever.
	AnalysisTTLSeconds int `yaml:"analysis_ttl_seconds"`
	// MinSeverity is the floor below which findings are dropped
	// instead of reported.
	MinSeverity int `yaml:"min_severity"`
	// BountyMinSeverity feeds the bounty-worthiness gate.
	BountyMinSeverity int `yaml:"bounty_min_severity"`
	// BenignFingerprints are hex bytecode fragments skipped on sight.
	BenignFingerprints []string `yaml:"benign_fingerprints"`
}

type Probe struct {
	Workers          int    `yaml:"workers"`
	SlotScanBound    uint64 `yaml:"slot_scan_bound"`
	ProbeAmountEth   int64  `yaml:"probe_amount_eth"`
	ScreenAmountEth  int64  `yaml:"screen_amount_eth"`
	CacheTTLSeconds  int    `yaml:"cache_ttl_seconds"`
	DedupTTLSeconds  int    `yaml:"dedup_ttl_seconds"`
}

type Watcher struct {
	Enabled bool `yaml:"enabled"`
	// PollIntervalSeconds between head checks.
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
	// Lag keeps the watcher this many blocks behind head to dodge
	// shallow reorgs.
	Lag uint64 `yaml:"lag"`
	// MaxBatch bounds how many blocks one poll processes.
	MaxBatch uint64 `yaml:"max_batch"`
	// BackfillBlocks scans this many historical blocks on startup.
	BackfillBlocks uint64 `yaml:"backfill_blocks"`
	// WhaleThresholdEth marks native transfers worth priority analysis.
	WhaleThresholdEth int64 `yaml:"whale_threshold_eth"`
}

type Report struct {
	FindingsPath           string `yaml:"findings_path"`
	WebhookURL             string `yaml:"webhook_url"`
	WebhookMinSeverity     int    `yaml:"webhook_min_severity"`
	WebhookThrottleSeconds int    `yaml:"webhook_throttle_seconds"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel: "INFO",
		Pipeline: Pipeline{
			Workers:            8,
			BatchSize:          20,
			AnalysisTTLSeconds: 3600,
			MinSeverity:        3,
			BountyMinSeverity:  6,
		},
		Probe: Probe{
			Workers:         4,
			SlotScanBound:   20,
			ProbeAmountEth:  100,
			ScreenAmountEth: 1000,
			CacheTTLSeconds: 3600,
			DedupTTLSeconds: 900,
		},
		Watcher: Watcher{
			Enabled:             true,
			PollIntervalSeconds: 3,
			Lag:                 2,
			MaxBatch:            10,
			WhaleThresholdEth:   1000,
		},
		Report: Report{
			FindingsPath:           "findings.jsonl",
			WebhookMinSeverity:     6,
			WebhookThrottleSeconds: 300,
		},
	}
}

// Load reads a YAML file over the defaults. Only fields present in
// the file override them.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if len(c.RPC.Endpoints) == 0 {
		return fmt.Errorf("config: at least one rpc endpoint required")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("config: pipeline workers must be positive")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("config: batch size must be positive")
	}
	return nil
}

// AnalysisTTL converts the configured seconds to a duration.
func (c *Config) AnalysisTTL() time.Duration {
	return time.Duration(c.Pipeline.AnalysisTTLSeconds) * time.Second
}

// WhaleThresholdWei converts the watcher threshold to wei.
func (c *Config) WhaleThresholdWei() *big.Int {
	return ethToWei(c.Watcher.WhaleThresholdEth)
}

// ProbeAmountWei converts the probe amount to wei.
func (c *Config) ProbeAmountWei() *big.Int {
	return ethToWei(c.Probe.ProbeAmountEth)
}

// ScreenAmountWei converts the screen amount to wei.
func (c *Config) ScreenAmountWei() *big.Int {
	return ethToWei(c.Probe.ScreenAmountEth)
}

func ethToWei(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}
