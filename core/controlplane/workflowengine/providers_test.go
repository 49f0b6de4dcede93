package workflowengine

import (
	"context"
	"sort"
	"strings"
	"testing"

	"github.com/chatflow/chatflow/core/infra/config"
	"github.com/chatflow/chatflow/core/infra/metrics"
	"github.com/chatflow/chatflow/core/providers"
)

const providersYAML = `
breaker:
  failure_threshold: 3
  cooldown_seconds: 10
adapters:
  local:
    type: ollama
    base_url: http://127.0.0.1:11434
    model: llama3
    capabilities: [text.complete]
  cloud:
    type: openai
    api_key_env: TEST_OPENAI_KEY
    model: gpt-4o-mini
  gemini:
    type: google
    api_key_env: TEST_GEMINI_KEY
    capabilities: [text.extract, vision.analyze]
routes:
  text.complete:
    primary: local
    fallbacks: [cloud]
  vision.analyze:
    primary: cloud
    fallbacks: [gemini]
  text.extract:
    primary: gemini
tenants:
  acme:
    text.complete: cloud
`

func TestBuildRegistryFromConfig(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	t.Setenv("TEST_GEMINI_KEY", "gm-test")
	cfg, err := config.ParseProviders([]byte(providersYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	registry, err := buildRegistry(context.Background(), cfg, nil, metrics.Noop{})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	names := registry.Providers()
	sort.Strings(names)
	if strings.Join(names, ",") != "cloud,gemini,local" {
		t.Fatalf("unexpected providers %v", names)
	}

	caps := map[string][]providers.Capability{}
	for _, st := range registry.Health() {
		caps[st.Provider] = append(caps[st.Provider], st.Capability)
	}
	if len(caps["local"]) != 1 || caps["local"][0] != providers.CapabilityTextComplete {
		t.Fatalf("local should be limited to text.complete, got %v", caps["local"])
	}
	if len(caps["cloud"]) != 2 {
		t.Fatalf("cloud should keep text and vision, got %v", caps["cloud"])
	}
	if len(caps["gemini"]) != 2 {
		t.Fatalf("gemini should expose extract and vision, got %v", caps["gemini"])
	}
}

func TestNewAdapterRejectsUnknownType(t *testing.T) {
	if _, err := newAdapter(context.Background(), "x", config.AdapterConfig{Type: "anthropic"}); err == nil {
		t.Fatalf("expected error for unknown adapter type")
	}
}

func TestRestrictCapabilitiesRejectsUnsupported(t *testing.T) {
	_, err := newAdapter(context.Background(), "local", config.AdapterConfig{
		Type:         "ollama",
		Capabilities: []string{"text.extract"},
	})
	if err == nil || !strings.Contains(err.Error(), "not supported") {
		t.Fatalf("expected unsupported capability error, got %v", err)
	}
	_, err = newAdapter(context.Background(), "local", config.AdapterConfig{
		Type:         "ollama",
		Capabilities: []string{"audio.transcribe"},
	})
	if err == nil || !strings.Contains(err.Error(), "unknown capability") {
		t.Fatalf("expected unknown capability error, got %v", err)
	}
}

func TestBuildRegistryRejectsUnknownRouteCapability(t *testing.T) {
	cfg := &config.ProvidersConfig{
		Adapters: map[string]config.AdapterConfig{"local": {Type: "ollama"}},
		Routes:   map[string]config.RouteConfig{"audio.transcribe": {Primary: "local"}},
	}
	if _, err := buildRegistry(context.Background(), cfg, nil, metrics.Noop{}); err == nil {
		t.Fatalf("expected error for unknown route capability")
	}
}

func TestEngineOptions(t *testing.T) {
	if opts := engineOptions(nil); opts != nil {
		t.Fatalf("nil config yields no options")
	}
	cfg, err := config.ParseEngine([]byte("reconciler:\n  lease_seconds: 30\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := len(engineOptions(cfg)); got != 3 {
		t.Fatalf("expected retry, webhook ttl and lease options, got %d", got)
	}
	if firstDuration(0, 0) != 0 || firstInt(0, 7, 9) != 7 {
		t.Fatalf("unexpected first helpers")
	}
}
