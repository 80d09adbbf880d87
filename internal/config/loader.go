package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie-sub005/internal/logging"
)

// Loader handles configuration loading and parsing.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return l.Parse(data)
}

// Parse parses configuration from YAML bytes.
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // keep original if env var not set
	})
}

// validate checks configuration for errors.
func (l *Loader) validate(cfg *Config) error {
	if err := validateSampling(&cfg.Sampling); err != nil {
		return err
	}

	if cfg.RateLimit.DefaultRequestsPerWindow <= 0 {
		return fmt.Errorf("rateLimiting.defaultRequestsPerWindow must be positive")
	}
	if cfg.RateLimit.WindowSeconds <= 0 {
		return fmt.Errorf("rateLimiting.windowSeconds must be positive")
	}
	if cfg.RateLimit.PlatformMaxRequestsPerWindow < cfg.RateLimit.DefaultRequestsPerWindow {
		return fmt.Errorf("rateLimiting.platformMaxRequestsPerWindow must be >= defaultRequestsPerWindow")
	}

	if cfg.Registry.Backend != "memory" && cfg.Registry.Backend != "etcd" {
		return fmt.Errorf("invalid registry backend: %s", cfg.Registry.Backend)
	}
	if cfg.Registry.Backend == "etcd" && len(cfg.Registry.Etcd.Endpoints) == 0 {
		return fmt.Errorf("registry.etcd.endpoints is required for the etcd backend")
	}

	if cfg.Auth.Encryption.Key != "" {
		raw, err := base64.StdEncoding.DecodeString(cfg.Auth.Encryption.Key)
		if err != nil {
			return fmt.Errorf("auth.encryption.key is not valid base64: %w", err)
		}
		if len(raw) != 32 {
			return fmt.Errorf("auth.encryption.key must decode to exactly 32 bytes, got %d", len(raw))
		}
	}

	if cfg.Bootstrap.Enabled {
		if cfg.Bootstrap.Key == "" {
			return fmt.Errorf("bootstrap.key is required when bootstrap is enabled")
		}
		if cfg.Bootstrap.TTL > 24*time.Hour {
			return fmt.Errorf("bootstrap.ttl must not exceed 24h")
		}
	}

	if cfg.Limits.MaxBodySize <= 0 || cfg.Limits.MaxHeaderSize <= 0 || cfg.Limits.MaxTotalHeadersSize <= 0 {
		return fmt.Errorf("limits values must be positive")
	}

	for i := range cfg.Services {
		if err := validateService(&cfg.Services[i]); err != nil {
			return err
		}
	}

	return nil
}

// validateSampling rejects out-of-range rates. A default rate outside
// [min, max] is only warned about at startup, not rejected; the resolver
// clamps it.
func validateSampling(sc *SamplingConfig) error {
	if sc.DefaultRate < 0 || sc.DefaultRate > 1 {
		return fmt.Errorf("sampling.defaultRate must be in [0, 1], got %v", sc.DefaultRate)
	}
	if sc.MinimumRate < 0 || sc.MinimumRate > 1 {
		return fmt.Errorf("sampling.minimumRate must be in [0, 1], got %v", sc.MinimumRate)
	}
	if sc.MaximumRate < 0 || sc.MaximumRate > 1 {
		return fmt.Errorf("sampling.maximumRate must be in [0, 1], got %v", sc.MaximumRate)
	}
	if sc.MinimumRate > sc.MaximumRate {
		return fmt.Errorf("sampling.minimumRate %v exceeds maximumRate %v", sc.MinimumRate, sc.MaximumRate)
	}
	if sc.DefaultRate < sc.MinimumRate || sc.DefaultRate > sc.MaximumRate {
		logging.Warn("sampling.defaultRate outside [minimumRate, maximumRate], will be clamped",
			zap.Float64("defaultRate", sc.DefaultRate),
			zap.Float64("minimumRate", sc.MinimumRate),
			zap.Float64("maximumRate", sc.MaximumRate))
	}
	return nil
}

func validateService(sc *ServiceConfig) error {
	if sc.ServiceID == "" {
		return fmt.Errorf("service is missing serviceId")
	}
	u, err := url.Parse(sc.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("service %s: baseUrl must be an absolute http/https URL", sc.ServiceID)
	}
	seen := make(map[string]bool, len(sc.Endpoints))
	for _, ep := range sc.Endpoints {
		if ep.Path == "" {
			return fmt.Errorf("service %s: endpoint with empty path", sc.ServiceID)
		}
		if seen[ep.Path] {
			return fmt.Errorf("service %s: duplicate endpoint path %s", sc.ServiceID, ep.Path)
		}
		seen[ep.Path] = true
	}
	return nil
}
