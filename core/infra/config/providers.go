package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BreakerConfig controls per-provider circuit breakers.
type BreakerConfig struct {
	FailureThreshold int   `yaml:"failure_threshold"`
	CooldownSeconds  int64 `yaml:"cooldown_seconds"`
}

func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSeconds) * time.Second
}

// RouteConfig lists the providers serving one capability, in preference order.
type RouteConfig struct {
	Primary   string   `yaml:"primary"`
	Fallbacks []string `yaml:"fallbacks"`
}

// AdapterConfig describes one vendor adapter instance.
type AdapterConfig struct {
	Type           string   `yaml:"type"`
	BaseURL        string   `yaml:"base_url"`
	Model          string   `yaml:"model"`
	VisionModel    string   `yaml:"vision_model"`
	APIKeyEnv      string   `yaml:"api_key_env"`
	TimeoutSeconds int64    `yaml:"timeout_seconds"`
	Capabilities   []string `yaml:"capabilities"`
}

func (a AdapterConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// APIKey resolves the adapter's key from the configured environment variable.
func (a AdapterConfig) APIKey() string {
	if strings.TrimSpace(a.APIKeyEnv) == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(a.APIKeyEnv))
}

type ProvidersConfig struct {
	Breaker  BreakerConfig            `yaml:"breaker"`
	Adapters map[string]AdapterConfig `yaml:"adapters"`
	Routes   map[string]RouteConfig   `yaml:"routes"`
	// Tenants maps tenant -> capability -> provider name.
	Tenants map[string]map[string]string `yaml:"tenants"`
}

// LoadProviders loads a YAML providers file; returns defaults if missing.
func LoadProviders(path string) (*ProvidersConfig, error) {
	if path == "" {
		return defaultProviders(), nil
	}
	// #nosec G304 -- providers config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return defaultProviders(), fmt.Errorf("read providers config: %w", err)
	}
	return ParseProviders(data)
}

// ParseProviders parses and validates provider routing from YAML/JSON bytes.
func ParseProviders(data []byte) (*ProvidersConfig, error) {
	if len(data) == 0 {
		return defaultProviders(), nil
	}
	var cfg ProvidersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return defaultProviders(), fmt.Errorf("parse providers config: %w", err)
	}
	def := defaultProviders()
	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = def.Breaker.FailureThreshold
	}
	if cfg.Breaker.CooldownSeconds <= 0 {
		cfg.Breaker.CooldownSeconds = def.Breaker.CooldownSeconds
	}
	if cfg.Adapters == nil {
		cfg.Adapters = def.Adapters
	}
	if cfg.Routes == nil {
		cfg.Routes = def.Routes
	}
	if cfg.Tenants == nil {
		cfg.Tenants = map[string]map[string]string{}
	}
	if err := cfg.Validate(); err != nil {
		return defaultProviders(), err
	}
	return &cfg, nil
}

// Validate checks that every route and tenant override names a declared adapter.
func (c *ProvidersConfig) Validate() error {
	var problems []string
	for capability, route := range c.Routes {
		if strings.TrimSpace(route.Primary) == "" {
			problems = append(problems, fmt.Sprintf("route %s: primary required", capability))
		}
		for _, name := range append([]string{route.Primary}, route.Fallbacks...) {
			if name == "" {
				continue
			}
			if _, ok := c.Adapters[name]; !ok {
				problems = append(problems, fmt.Sprintf("route %s: unknown provider %q", capability, name))
			}
		}
	}
	for tenant, overrides := range c.Tenants {
		for capability, name := range overrides {
			if _, ok := c.Adapters[name]; !ok {
				problems = append(problems, fmt.Sprintf("tenant %s/%s: unknown provider %q", tenant, capability, name))
			}
		}
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("invalid providers config: %s", strings.Join(problems, "; "))
}

func defaultProviders() *ProvidersConfig {
	return &ProvidersConfig{
		Breaker: BreakerConfig{FailureThreshold: 5, CooldownSeconds: 30},
		Adapters: map[string]AdapterConfig{
			"ollama": {
				Type:         "ollama",
				BaseURL:      "http://localhost:11434",
				Model:        "llama3",
				VisionModel:  "llava",
				Capabilities: []string{"text.complete", "vision.analyze"},
			},
		},
		Routes: map[string]RouteConfig{
			"text.complete":  {Primary: "ollama"},
			"vision.analyze": {Primary: "ollama"},
		},
		Tenants: map[string]map[string]string{},
	}
}
