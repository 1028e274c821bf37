package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and parses the configuration file. Files ending in .yaml or
// .yml are read as YAML, everything else as JSON.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data, filepath.Ext(path))
}

// Parse decodes data in the format implied by ext, then applies defaults and validates
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = DefaultLogFormat
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.UpstreamMessageTimeout == 0 {
		cfg.UpstreamMessageTimeout = DefaultUpstreamMessageTimeout
	}
	if cfg.MaxIdleSessions == 0 {
		cfg.MaxIdleSessions = DefaultMaxIdleSessions
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if cfg.HealthCheckMethod == "" {
		cfg.HealthCheckMethod = DefaultHealthCheckMethod
	}
	if cfg.StatusLogInterval == 0 {
		cfg.StatusLogInterval = DefaultStatusLogInterval
	}
	if cfg.Balancer == "" {
		cfg.Balancer = DefaultBalancer
	}

	// Explicit negatives are left for the dispatcher to coerce
	if cfg.Dispatch.Concurrency == 0 {
		cfg.Dispatch.Concurrency = DefaultConcurrency
	}
	if cfg.Dispatch.Reference == "" {
		cfg.Dispatch.Reference = DefaultReference
	}

	if cfg.Server.Host == "" {
		cfg.Server.Host = DefaultHost
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = DefaultPort
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = DefaultMaxBodySize
	}
	if cfg.Server.MaxRequests == 0 {
		cfg.Server.MaxRequests = DefaultMaxRequests
	}

	if cb := cfg.CircuitBreaker; cb != nil {
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = DefaultFailureThreshold
		}
		if cb.RecoveryTimeout == 0 {
			cb.RecoveryTimeout = DefaultRecoveryTimeout
		}
		if cb.HalfOpenMaxRequests == 0 {
			cb.HalfOpenMaxRequests = DefaultHalfOpenMaxRequests
		}
	}

	if c := cfg.Cache; c != nil {
		if c.TTL == 0 {
			c.TTL = DefaultCacheTTL
		}
		if c.Size == 0 {
			c.Size = DefaultCacheSize
		}
	}

	if m := cfg.Metrics; m != nil && m.Namespace == "" {
		m.Namespace = DefaultMetricsNamespace
	}

	if r := cfg.Redis; r != nil && r.KeyPrefix == "" {
		r.KeyPrefix = DefaultRedisKeyPrefix
	}

	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].Weight == 0 {
			cfg.Upstreams[i].Weight = DefaultUpstreamWeight
		}
		if cfg.Upstreams[i].Role == "" {
			cfg.Upstreams[i].Role = DefaultUpstreamRole
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if len(cfg.Upstreams) == 0 {
		return errors.New("at least one upstream is required")
	}

	switch cfg.Balancer {
	case BalancerWeighted, BalancerRoundRobin:
	default:
		return fmt.Errorf("balancer must be %s or %s, got '%s'", BalancerWeighted, BalancerRoundRobin, cfg.Balancer)
	}

	names := make(map[string]bool)
	for i, upstream := range cfg.Upstreams {
		if upstream.Name == "" {
			return fmt.Errorf("upstream[%d]: name is required", i)
		}

		if names[upstream.Name] {
			return fmt.Errorf("duplicate upstream name '%s'", upstream.Name)
		}
		names[upstream.Name] = true

		if upstream.RPCURL == "" && upstream.WSURL == "" {
			return fmt.Errorf("upstream '%s': at least one of rpcUrl or wsUrl is required", upstream.Name)
		}

		if upstream.Weight <= 0 {
			return fmt.Errorf("upstream '%s': weight must be positive", upstream.Name)
		}

		if upstream.Role != RoleMain && upstream.Role != RoleFallback {
			return fmt.Errorf("upstream '%s': role must be 'main' or 'fallback'", upstream.Name)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		return fmt.Errorf("logFormat must be 'console' or 'json'")
	}

	if cfg.RequestTimeout < 0 {
		return fmt.Errorf("requestTimeout must be non-negative")
	}

	if cfg.MaxIdleSessions < 0 {
		return fmt.Errorf("maxIdleSessions must be non-negative")
	}

	if cfg.HealthCheckInterval < 0 || cfg.StatusLogInterval < 0 {
		return fmt.Errorf("healthCheckInterval and statusLogInterval must be non-negative")
	}

	if cfg.Dispatch.BatchSize < 0 {
		return fmt.Errorf("dispatch.batchSize must be non-negative")
	}

	if err := ValidateReference(cfg.Dispatch.Reference); err != nil {
		return fmt.Errorf("dispatch.reference: %w", err)
	}

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if cfg.Server.MaxRequests < 0 {
		return fmt.Errorf("server.maxRequests must be non-negative")
	}

	if cfg.IsCacheEnabled() {
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
	}

	if cfg.IsCircuitBreakerEnabled() {
		if cfg.CircuitBreaker.FailureThreshold < 0 || cfg.CircuitBreaker.RecoveryTimeout < 0 {
			return fmt.Errorf("circuitBreaker thresholds must be non-negative")
		}
	}

	if cfg.Redis != nil && cfg.Redis.TTL < 0 {
		return fmt.Errorf("redis.ttl must be non-negative")
	}

	return nil
}

// ValidateReference checks a reference selector expression
func ValidateReference(ref string) error {
	switch ref {
	case "none", "id", "method":
		return nil
	}
	if n, ok := strings.CutPrefix(ref, "param:"); ok {
		idx, err := strconv.Atoi(n)
		if err != nil || idx < 0 {
			return fmt.Errorf("invalid param index in %q", ref)
		}
		return nil
	}
	return fmt.Errorf("unknown selector %q (want none, id, method or param:<n>)", ref)
}
