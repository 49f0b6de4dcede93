package workflowengine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/chatflow/chatflow/core/infra/config"
	"github.com/chatflow/chatflow/core/infra/logging"
	"github.com/chatflow/chatflow/core/infra/metrics"
	"github.com/chatflow/chatflow/core/providers"
	"github.com/chatflow/chatflow/packages/providers/google"
	"github.com/chatflow/chatflow/packages/providers/ollama"
	"github.com/chatflow/chatflow/packages/providers/openai"
)

// vendor is the capability surface every vendor package offers. Methods a
// vendor lacks are detected with type assertions.
type vendor interface {
	Complete(ctx context.Context, req *providers.Request) (*providers.Response, error)
}

// buildRegistry registers one adapter per configured entry, then routes and
// tenant overrides. Breaker state persists in Redis when client is set.
func buildRegistry(ctx context.Context, cfg *config.ProvidersConfig, client redis.UniversalClient, m metrics.ProviderMetrics) (*providers.Registry, error) {
	if cfg == nil {
		return nil, fmt.Errorf("providers config required")
	}
	opts := []providers.Option{providers.WithMetrics(m)}
	if client != nil {
		opts = append(opts, providers.WithHealthStore(providers.NewRedisHealthStore(client)))
	}
	registry := providers.NewRegistry(providers.BreakerConfig{
		Threshold: cfg.Breaker.FailureThreshold,
		Cooldown:  cfg.Breaker.Cooldown(),
	}, opts...)

	names := make([]string, 0, len(cfg.Adapters))
	for name := range cfg.Adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		adapter, err := newAdapter(ctx, name, cfg.Adapters[name])
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, err
		}
	}

	for capability, route := range cfg.Routes {
		c := providers.Capability(capability)
		if !c.Valid() {
			return nil, fmt.Errorf("route for unknown capability %q", capability)
		}
		registry.SetRoute(c, route.Primary, route.Fallbacks...)
	}
	for tenant, overrides := range cfg.Tenants {
		for capability, provider := range overrides {
			registry.SetTenantOverride(tenant, providers.Capability(capability), provider)
		}
	}
	if err := registry.Restore(ctx); err != nil {
		logging.Warn(component, "restore provider health", "error", err)
	}
	return registry, nil
}

// newAdapter builds the vendor client for one adapter entry and limits it to
// the configured capabilities.
func newAdapter(ctx context.Context, name string, ac config.AdapterConfig) (providers.Adapter, error) {
	var v vendor
	switch strings.ToLower(strings.TrimSpace(ac.Type)) {
	case "ollama":
		v = ollama.New(name, ollama.Config{
			BaseURL:     ac.BaseURL,
			Model:       ac.Model,
			VisionModel: ac.VisionModel,
			Timeout:     ac.Timeout(),
		})
	case "openai":
		v = openai.New(name, openai.Config{
			APIKey:      ac.APIKey(),
			BaseURL:     ac.BaseURL,
			Model:       ac.Model,
			VisionModel: ac.VisionModel,
			Timeout:     ac.Timeout(),
		})
	case "google", "gemini":
		p, err := google.New(ctx, name, google.Config{
			APIKey:      ac.APIKey(),
			BaseURL:     ac.BaseURL,
			Model:       ac.Model,
			VisionModel: ac.VisionModel,
			Timeout:     ac.Timeout(),
		})
		if err != nil {
			return nil, err
		}
		v = p
	default:
		return nil, fmt.Errorf("unknown adapter type %q", ac.Type)
	}
	return restrictCapabilities(name, v, ac.Capabilities)
}

// restrictCapabilities exposes only the listed capabilities of v; an empty
// list keeps everything the vendor supports.
func restrictCapabilities(name string, v vendor, allowed []string) (providers.Adapter, error) {
	want := map[providers.Capability]bool{}
	for _, raw := range allowed {
		c := providers.Capability(strings.TrimSpace(raw))
		if !c.Valid() {
			return nil, fmt.Errorf("unknown capability %q", raw)
		}
		want[c] = true
	}
	keep := func(c providers.Capability) bool { return len(want) == 0 || want[c] }

	var (
		text    providers.TextCompleter
		vision  providers.VisionAnalyzer
		extract providers.TextExtractor
	)
	if keep(providers.CapabilityTextComplete) {
		text = v
	}
	if va, ok := v.(providers.VisionAnalyzer); ok && keep(providers.CapabilityVisionAnalyze) {
		vision = va
	}
	if te, ok := v.(providers.TextExtractor); ok && keep(providers.CapabilityTextExtract) {
		extract = te
	}
	for c := range want {
		supported := (c == providers.CapabilityTextComplete && text != nil) ||
			(c == providers.CapabilityVisionAnalyze && vision != nil) ||
			(c == providers.CapabilityTextExtract && extract != nil)
		if !supported {
			return nil, fmt.Errorf("capability %s not supported by %s", c, name)
		}
	}
	return providers.NewCapabilityAdapter(name, text, vision, extract), nil
}
