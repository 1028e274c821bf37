package upstream

import (
	"errors"
	"sync/atomic"

	"rpcfanout/internal/config"
)

var (
	// ErrNoUpstream is returned when every upstream is unhealthy, open or excluded
	ErrNoUpstream = errors.New("no available upstream")

	// ErrMissingResponse marks a batch item the upstream did not answer
	ErrMissingResponse = errors.New("upstream returned no response for request")

	// ErrConnectionClosed is returned when a WebSocket session lost its connection
	ErrConnectionClosed = errors.New("websocket connection closed")

	// ErrResponseTimeout is returned when a WebSocket reply did not arrive in time
	ErrResponseTimeout = errors.New("timed out waiting for upstream response")
)

// Role represents the upstream role
type Role string

const (
	RoleMain     Role = "main"
	RoleFallback Role = "fallback"
)

// RoleFromConfig converts config.Role to upstream.Role
func RoleFromConfig(r config.Role) Role {
	switch r {
	case config.RoleFallback:
		return RoleFallback
	default:
		return RoleMain
	}
}

// Status holds the health flag and traffic counters of an upstream
type Status struct {
	healthy      atomic.Bool
	requestCount atomic.Uint64
	totalCount   atomic.Uint64
	failureCount atomic.Uint64
}

// NewStatus creates a new Status
func NewStatus() *Status {
	s := &Status{}
	s.healthy.Store(true)
	return s
}

// IsHealthy returns the health status
func (s *Status) IsHealthy() bool {
	return s.healthy.Load()
}

// SetHealthy sets the health status and reports whether it changed
func (s *Status) SetHealthy(healthy bool) bool {
	return s.healthy.Swap(healthy) != healthy
}

// IncrementRequestCountBy counts calls sent to the upstream
func (s *Status) IncrementRequestCountBy(n uint64) {
	s.requestCount.Add(n)
	s.totalCount.Add(n)
}

// SwapRequestCount returns the count since the last swap and resets it
func (s *Status) SwapRequestCount() uint64 {
	return s.requestCount.Swap(0)
}

// IncrementFailureCount counts transport failures
func (s *Status) IncrementFailureCount() {
	s.failureCount.Add(1)
}

// Snapshot is a point-in-time view of an upstream for health endpoints
type Snapshot struct {
	Name         string `json:"name"`
	Role         Role   `json:"role"`
	Transport    string `json:"transport"`
	Healthy      bool   `json:"healthy"`
	Breaker      string `json:"breaker"`
	Requests     uint64 `json:"requests"`
	Failures     uint64 `json:"failures"`
	IdleSessions int    `json:"idleSessions"`
}
