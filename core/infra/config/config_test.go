package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.NatsURL != defaultNATSURL {
		t.Fatalf("expected default nats url")
	}
	if cfg.RedisURL != defaultRedisURL {
		t.Fatalf("expected default redis url")
	}
	if cfg.HTTPAddr != defaultHTTPAddr {
		t.Fatalf("expected default http addr")
	}
	if cfg.ProvidersConfigPath != defaultProvidersConfig || cfg.EngineConfigPath != defaultEngineConfig {
		t.Fatalf("expected default config paths")
	}
	if cfg.ScanInterval != 0 || cfg.ScanLimit != 0 || cfg.EventsDisabled {
		t.Fatalf("expected zero overrides")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv(envNATSURL, "nats://example:4222")
	t.Setenv(envRedisURL, "redis://example:6379")
	t.Setenv(envHTTPAddr, ":9999")
	t.Setenv(envProvidersConfigPath, "custom/providers.yaml")
	t.Setenv(envScanInterval, "2s")
	t.Setenv(envScanLimit, "50")
	t.Setenv(envStaleAfter, "bogus")
	t.Setenv(envDisableEvents, "true")

	cfg := Load()
	if cfg.NatsURL != "nats://example:4222" || cfg.RedisURL != "redis://example:6379" {
		t.Fatalf("unexpected urls: %+v", cfg)
	}
	if cfg.HTTPAddr != ":9999" {
		t.Fatalf("unexpected http addr")
	}
	if cfg.ProvidersConfigPath != "custom/providers.yaml" {
		t.Fatalf("unexpected providers path")
	}
	if cfg.ScanInterval != 2*time.Second || cfg.ScanLimit != 50 {
		t.Fatalf("unexpected scan overrides: %+v", cfg)
	}
	if cfg.StaleAfter != 0 {
		t.Fatalf("expected invalid duration to be ignored")
	}
	if !cfg.EventsDisabled {
		t.Fatalf("expected events disabled")
	}
}

func TestLoadEngineMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	cfg, err := LoadEngine(path)
	if err == nil {
		t.Fatalf("expected error for missing file")
	}
	if cfg == nil || cfg.Retry.MaxAttempts == 0 || cfg.Reconciler.ScanLimit == 0 {
		t.Fatalf("expected default config")
	}
}

func TestLoadEnginePartial(t *testing.T) {
	data := []byte("retry:\n  max_attempts: 3\nwebhooks:\n  default_ttl_seconds: 86400\n")
	path := filepath.Join(t.TempDir(), "engine.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadEngine(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Retry.MaxAttempts != 3 {
		t.Fatalf("expected max attempts override")
	}
	if cfg.Retry.BaseDelay() != 500*time.Millisecond || cfg.Retry.MaxDelay() != 30*time.Second {
		t.Fatalf("expected default delays, got %v/%v", cfg.Retry.BaseDelay(), cfg.Retry.MaxDelay())
	}
	if cfg.Webhooks.DefaultTTL() != 24*time.Hour {
		t.Fatalf("unexpected webhook ttl")
	}
	if cfg.Reconciler.ScanInterval() != 5*time.Second {
		t.Fatalf("expected default reconciler interval")
	}
}

func TestParseEngineInvalid(t *testing.T) {
	cfg, err := ParseEngine([]byte("retry: ["))
	if err == nil {
		t.Fatalf("expected parse error")
	}
	if cfg == nil || cfg.Retry.MaxAttempts == 0 {
		t.Fatalf("expected defaults on parse error")
	}
}

func TestParseProviders(t *testing.T) {
	data := []byte(`
breaker:
  failure_threshold: 3
adapters:
  openai:
    type: openai
    model: gpt-4o-mini
    api_key_env: TEST_OPENAI_KEY
  gemini:
    type: google
    model: gemini-2.0-flash
routes:
  text.complete:
    primary: openai
    fallbacks: [gemini]
tenants:
  acme:
    text.complete: gemini
`)
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	cfg, err := ParseProviders(data)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Breaker.FailureThreshold != 3 || cfg.Breaker.Cooldown() != 30*time.Second {
		t.Fatalf("unexpected breaker: %+v", cfg.Breaker)
	}
	route := cfg.Routes["text.complete"]
	if route.Primary != "openai" || len(route.Fallbacks) != 1 || route.Fallbacks[0] != "gemini" {
		t.Fatalf("unexpected route: %+v", route)
	}
	if cfg.Tenants["acme"]["text.complete"] != "gemini" {
		t.Fatalf("unexpected tenant override")
	}
	if cfg.Adapters["openai"].APIKey() != "sk-test" {
		t.Fatalf("expected api key from env")
	}
}

func TestParseProvidersUnknownAdapter(t *testing.T) {
	data := []byte(`
adapters:
  openai:
    type: openai
routes:
  text.complete:
    primary: openai
    fallbacks: [missing]
`)
	cfg, err := ParseProviders(data)
	if err == nil || !strings.Contains(err.Error(), "missing") {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
	if cfg == nil || len(cfg.Routes) == 0 {
		t.Fatalf("expected defaults on validation error")
	}
}
