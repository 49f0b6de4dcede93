package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultNATSURL         = "nats://localhost:4222"
	defaultRedisURL        = "redis://localhost:6379"
	defaultHTTPAddr        = ":8090"
	defaultProvidersConfig = "config/providers.yaml"
	defaultEngineConfig    = "config/engine.yaml"
	defaultEventSubject    = "chatflow.workflow"
	envNATSURL             = "NATS_URL"
	envRedisURL            = "REDIS_URL"
	envHTTPAddr            = "WORKFLOW_ENGINE_HTTP_ADDR"
	envScanInterval        = "WORKFLOW_ENGINE_SCAN_INTERVAL"
	envScanLimit           = "WORKFLOW_ENGINE_SCAN_LIMIT"
	envStaleAfter          = "WORKFLOW_ENGINE_STALE_AFTER"
	envProvidersConfigPath = "PROVIDERS_CONFIG_PATH"
	envEngineConfigPath    = "ENGINE_CONFIG_PATH"
	envEventSubject        = "WORKFLOW_EVENT_SUBJECT"
	envDisableEvents       = "WORKFLOW_EVENTS_DISABLED"
)

// Config holds runtime configuration for the workflow engine process.
type Config struct {
	NatsURL             string
	RedisURL            string
	HTTPAddr            string
	ProvidersConfigPath string
	EngineConfigPath    string
	EventSubject        string
	EventsDisabled      bool

	// Zero values mean "use engine.yaml".
	ScanInterval time.Duration
	ScanLimit    int
	StaleAfter   time.Duration
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	return &Config{
		NatsURL:             envOr(envNATSURL, defaultNATSURL),
		RedisURL:            envOr(envRedisURL, defaultRedisURL),
		HTTPAddr:            envOr(envHTTPAddr, defaultHTTPAddr),
		ProvidersConfigPath: envOr(envProvidersConfigPath, defaultProvidersConfig),
		EngineConfigPath:    envOr(envEngineConfigPath, defaultEngineConfig),
		EventSubject:        envOr(envEventSubject, defaultEventSubject),
		EventsDisabled:      parseBool(os.Getenv(envDisableEvents)),
		ScanInterval:        parseDuration(os.Getenv(envScanInterval)),
		ScanLimit:           parseInt(os.Getenv(envScanLimit)),
		StaleAfter:          parseDuration(os.Getenv(envStaleAfter)),
	}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}

func parseInt(raw string) int {
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func parseDuration(raw string) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0
	}
	return d
}
