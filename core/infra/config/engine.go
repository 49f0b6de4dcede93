package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// RetryConfig bounds step retries at the executor.
type RetryConfig struct {
	MaxAttempts int   `yaml:"max_attempts"`
	BaseDelayMs int64 `yaml:"base_delay_ms"`
	MaxDelayMs  int64 `yaml:"max_delay_ms"`
}

type WebhookConfig struct {
	DefaultTTLSeconds int64 `yaml:"default_ttl_seconds"`
}

type ReconcilerConfig struct {
	ScanIntervalSeconds int64 `yaml:"scan_interval_seconds"`
	ScanLimit           int   `yaml:"scan_limit"`
	StaleAfterSeconds   int64 `yaml:"stale_after_seconds"`
	LeaseSeconds        int64 `yaml:"lease_seconds"`
}

type EngineConfig struct {
	Retry      RetryConfig      `yaml:"retry"`
	Webhooks   WebhookConfig    `yaml:"webhooks"`
	Reconciler ReconcilerConfig `yaml:"reconciler"`
}

func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

func (w WebhookConfig) DefaultTTL() time.Duration {
	return time.Duration(w.DefaultTTLSeconds) * time.Second
}

func (r ReconcilerConfig) ScanInterval() time.Duration {
	return time.Duration(r.ScanIntervalSeconds) * time.Second
}

func (r ReconcilerConfig) StaleAfter() time.Duration {
	return time.Duration(r.StaleAfterSeconds) * time.Second
}

func (r ReconcilerConfig) Lease() time.Duration {
	return time.Duration(r.LeaseSeconds) * time.Second
}

// LoadEngine loads a YAML engine file; returns defaults if missing.
func LoadEngine(path string) (*EngineConfig, error) {
	if path == "" {
		return defaultEngine(), nil
	}
	// #nosec G304 -- engine config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultEngine(), fmt.Errorf("read engine config: %w", err)
	}
	return ParseEngine(data)
}

// ParseEngine parses engine config data from YAML/JSON bytes.
func ParseEngine(data []byte) (*EngineConfig, error) {
	if len(data) == 0 {
		return defaultEngine(), nil
	}
	var cfg EngineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultEngine(), fmt.Errorf("parse engine config: %w", err)
	}
	def := defaultEngine()
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = def.Retry.MaxAttempts
	}
	if cfg.Retry.BaseDelayMs <= 0 {
		cfg.Retry.BaseDelayMs = def.Retry.BaseDelayMs
	}
	if cfg.Retry.MaxDelayMs <= 0 {
		cfg.Retry.MaxDelayMs = def.Retry.MaxDelayMs
	}
	if cfg.Webhooks.DefaultTTLSeconds < 0 {
		cfg.Webhooks.DefaultTTLSeconds = 0
	}
	if cfg.Reconciler == (ReconcilerConfig{}) {
		cfg.Reconciler = def.Reconciler
	}
	if cfg.Reconciler.ScanIntervalSeconds <= 0 {
		cfg.Reconciler.ScanIntervalSeconds = def.Reconciler.ScanIntervalSeconds
	}
	if cfg.Reconciler.ScanLimit <= 0 {
		cfg.Reconciler.ScanLimit = def.Reconciler.ScanLimit
	}
	if cfg.Reconciler.StaleAfterSeconds <= 0 {
		cfg.Reconciler.StaleAfterSeconds = def.Reconciler.StaleAfterSeconds
	}
	return &cfg, nil
}

func defaultEngine() *EngineConfig {
	return &EngineConfig{
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelayMs: 500,
			MaxDelayMs:  30_000,
		},
		Webhooks: WebhookConfig{},
		Reconciler: ReconcilerConfig{
			ScanIntervalSeconds: 5,
			ScanLimit:           200,
			StaleAfterSeconds:   600,
		},
	}
}
