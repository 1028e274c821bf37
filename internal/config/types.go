package config

import "time"

// Balancer strategies for picking the upstream of each session
const (
	BalancerWeighted   = "weighted"
	BalancerRoundRobin = "roundRobin"
)

// Role defines the upstream role type
type Role string

const (
	RoleMain     Role = "main"
	RoleFallback Role = "fallback"
)

// Config represents the main configuration structure
type Config struct {
	LogLevel               string                `json:"logLevel" yaml:"logLevel"`
	LogFormat              string                `json:"logFormat" yaml:"logFormat"`
	RequestTimeout         int                   `json:"requestTimeout" yaml:"requestTimeout"`                 // ms
	UpstreamMessageTimeout int                   `json:"upstreamMessageTimeout" yaml:"upstreamMessageTimeout"` // ms - read timeout on upstream WebSocket sessions
	MaxIdleSessions        int                   `json:"maxIdleSessions" yaml:"maxIdleSessions"`               // idle WebSocket sessions kept per upstream
	HealthCheckInterval    int                   `json:"healthCheckInterval" yaml:"healthCheckInterval"`       // ms, serve mode only
	HealthCheckMethod      string                `json:"healthCheckMethod" yaml:"healthCheckMethod"`
	StatusLogInterval      int                   `json:"statusLogInterval" yaml:"statusLogInterval"` // ms
	Balancer               string                `json:"balancer" yaml:"balancer"`                   // weighted or roundRobin
	Dispatch               DispatchConfig        `json:"dispatch" yaml:"dispatch"`
	Server                 ServerConfig          `json:"server" yaml:"server"`
	CircuitBreaker         *CircuitBreakerConfig `json:"circuitBreaker,omitempty" yaml:"circuitBreaker,omitempty"`
	Cache                  *CacheConfig          `json:"cache,omitempty" yaml:"cache,omitempty"`
	Metrics                *MetricsConfig        `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Redis                  *RedisConfig          `json:"redis,omitempty" yaml:"redis,omitempty"`
	Upstreams              []UpstreamConfig      `json:"upstreams" yaml:"upstreams"`
}

// DispatchConfig holds the knobs of one dispatch run
type DispatchConfig struct {
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	// BatchSize > 0 switches to composite mode
	BatchSize       int   `json:"batchSize" yaml:"batchSize"`
	ContinueOnError *bool `json:"continueOnError,omitempty" yaml:"continueOnError,omitempty"`
	CaptureTiming   bool  `json:"captureTiming" yaml:"captureTiming"`
	// Reference is one of none, id, method or param:<n>
	Reference string `json:"reference" yaml:"reference"`
	// OrderByIndex renders outcomes by submission index instead of completion order
	OrderByIndex bool `json:"orderByIndex" yaml:"orderByIndex"`
}

// ServerConfig configures the HTTP service mode
type ServerConfig struct {
	Host        string `json:"host" yaml:"host"`
	Port        int    `json:"port" yaml:"port"`
	MaxBodySize int64  `json:"maxBodySize" yaml:"maxBodySize"`
	// MaxRequests caps the number of requests accepted in one POST
	MaxRequests int `json:"maxRequests" yaml:"maxRequests"`
}

// CircuitBreakerConfig represents circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool `json:"enabled" yaml:"enabled"`
	FailureThreshold    int  `json:"failureThreshold" yaml:"failureThreshold"`
	RecoveryTimeout     int  `json:"recoveryTimeout" yaml:"recoveryTimeout"` // ms
	HalfOpenMaxRequests int  `json:"halfOpenMaxRequests" yaml:"halfOpenMaxRequests"`
}

// CacheConfig represents cache configuration
type CacheConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	TTL             int      `json:"ttl" yaml:"ttl"`                         // seconds
	Size            int      `json:"size" yaml:"size"`                       // number of entries
	Methods         []string `json:"methods" yaml:"methods"`                 // extra methods cached unconditionally
	DisabledMethods []string `json:"disabledMethods" yaml:"disabledMethods"` // methods to exclude from caching
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// RedisConfig configures the report store
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"keyPrefix" yaml:"keyPrefix"`
	TTL       int    `json:"ttl" yaml:"ttl"` // seconds, 0 keeps reports forever
}

// UpstreamConfig represents a single upstream configuration
type UpstreamConfig struct {
	Name     string `json:"name" yaml:"name"`
	RPCURL   string `json:"rpcUrl" yaml:"rpcUrl"`
	WSURL    string `json:"wsUrl" yaml:"wsUrl"`
	Weight   int    `json:"weight" yaml:"weight"`
	Role     Role   `json:"role" yaml:"role"`
	PreferWS bool   `json:"preferWs" yaml:"preferWs"`
}

// Default values
const (
	DefaultLogLevel               = "info"
	DefaultLogFormat              = "console"
	DefaultRequestTimeout         = 5000  // ms
	DefaultUpstreamMessageTimeout = 60000 // ms
	DefaultMaxIdleSessions        = 16
	DefaultHealthCheckInterval    = 10000 // ms
	DefaultHealthCheckMethod      = "net_version"
	DefaultStatusLogInterval      = 60000 // ms
	DefaultBalancer               = BalancerWeighted
	DefaultConcurrency            = 10
	DefaultContinueOnError        = true
	DefaultReference              = "id"
	DefaultHost                   = "localhost"
	DefaultPort                   = 8080
	DefaultMaxBodySize            = int64(10 << 20)
	DefaultMaxRequests            = 10000
	DefaultFailureThreshold       = 5
	DefaultRecoveryTimeout        = 30000 // ms
	DefaultHalfOpenMaxRequests    = 2
	DefaultCacheTTL               = 60 // seconds
	DefaultCacheSize              = 10000
	DefaultMetricsNamespace       = "rpcfanout"
	DefaultRedisKeyPrefix         = "rpcfanout:report:"
	DefaultUpstreamWeight         = 1
	DefaultUpstreamRole           = RoleMain
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *Config) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetUpstreamMessageTimeoutDuration returns upstream message timeout as time.Duration
func (c *Config) GetUpstreamMessageTimeoutDuration() time.Duration {
	return time.Duration(c.UpstreamMessageTimeout) * time.Millisecond
}

// GetHealthCheckIntervalDuration returns health check interval as time.Duration
func (c *Config) GetHealthCheckIntervalDuration() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Millisecond
}

// GetStatusLogIntervalDuration returns status log interval as time.Duration
func (c *Config) GetStatusLogIntervalDuration() time.Duration {
	return time.Duration(c.StatusLogInterval) * time.Millisecond
}

// ShouldContinueOnError resolves the composite continue-on-error flag
func (d *DispatchConfig) ShouldContinueOnError() bool {
	if d.ContinueOnError == nil {
		return DefaultContinueOnError
	}
	return *d.ContinueOnError
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// IsMetricsEnabled returns true if metrics are configured and enabled
func (c *Config) IsMetricsEnabled() bool {
	return c.Metrics != nil && c.Metrics.Enabled
}

// IsRedisEnabled returns true if a report store is configured
func (c *Config) IsRedisEnabled() bool {
	return c.Redis != nil && c.Redis.Addr != ""
}

// IsCircuitBreakerEnabled returns true if the circuit breaker is configured and enabled
func (c *Config) IsCircuitBreakerEnabled() bool {
	return c.CircuitBreaker != nil && c.CircuitBreaker.Enabled
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// GetRecoveryTimeoutDuration returns the breaker recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}

// GetTTLDuration returns the report TTL as time.Duration
func (c *RedisConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}
