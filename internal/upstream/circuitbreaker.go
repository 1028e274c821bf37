package upstream

import (
	"sync"
	"time"

	"rpcfanout/internal/config"
)

type cbState int

const (
	cbClosed cbState = iota
	cbOpen
	cbHalfOpen
)

func (s cbState) String() string {
	switch s {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled             bool
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxRequests int
}

// CircuitBreakerConfigFrom converts the file configuration; nil disables the breaker
func CircuitBreakerConfigFrom(cfg *config.CircuitBreakerConfig) CircuitBreakerConfig {
	if cfg == nil {
		return CircuitBreakerConfig{}
	}
	return CircuitBreakerConfig{
		Enabled:             cfg.Enabled,
		FailureThreshold:    cfg.FailureThreshold,
		RecoveryTimeout:     cfg.GetRecoveryTimeoutDuration(),
		HalfOpenMaxRequests: cfg.HalfOpenMaxRequests,
	}
}

// CircuitBreaker excludes an upstream from session selection after
// consecutive transport failures. It never re-sends a request.
// While half-open, at most HalfOpenMaxRequests trial sessions are admitted
// at once.
type CircuitBreaker struct {
	cfg              CircuitBreakerConfig
	state            cbState
	failures         int
	halfOpenSuccess  int
	halfOpenInFlight int
	epoch            int
	lastFailureAt    time.Time
	now              func() time.Time
	mu               sync.Mutex
}

// NewCircuitBreaker creates a new CircuitBreaker
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 2
	}
	return &CircuitBreaker{
		cfg:   cfg,
		state: cbClosed,
		now:   time.Now,
	}
}

// AllowRequest returns true if the upstream may be selected. It does not
// take a trial slot; Admit does.
func (cb *CircuitBreaker) AllowRequest() bool {
	if !cb.cfg.Enabled {
		return true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbHalfOpen:
		return cb.hasTrialSlot()
	case cbOpen:
		if cb.recovered() {
			cb.enterHalfOpen()
			return true
		}
		return false
	default:
		return true
	}
}

// Admit binds a session to the upstream. In half-open state it takes a trial
// slot and returns a non-zero token that must be handed back to Release.
func (cb *CircuitBreaker) Admit() (token int, ok bool) {
	if !cb.cfg.Enabled {
		return 0, true
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == cbOpen {
		if !cb.recovered() {
			return 0, false
		}
		cb.enterHalfOpen()
	}
	if cb.state != cbHalfOpen {
		return 0, true
	}
	if !cb.hasTrialSlot() {
		return 0, false
	}
	cb.halfOpenInFlight++
	return cb.epoch, true
}

// Release frees the trial slot taken by Admit. Tokens from an earlier
// half-open period are ignored.
func (cb *CircuitBreaker) Release(token int) {
	if token == 0 {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == cbHalfOpen && token == cb.epoch && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
}

func (cb *CircuitBreaker) recovered() bool {
	return cb.now().Sub(cb.lastFailureAt) >= cb.cfg.RecoveryTimeout
}

func (cb *CircuitBreaker) enterHalfOpen() {
	cb.state = cbHalfOpen
	cb.halfOpenSuccess = 0
	cb.halfOpenInFlight = 0
	cb.epoch++
}

func (cb *CircuitBreaker) hasTrialSlot() bool {
	return cb.halfOpenInFlight+cb.halfOpenSuccess < cb.cfg.HalfOpenMaxRequests
}

// RecordSuccess records a call that reached the upstream
func (cb *CircuitBreaker) RecordSuccess() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case cbHalfOpen:
		cb.halfOpenSuccess++
		if cb.halfOpenSuccess >= cb.cfg.HalfOpenMaxRequests {
			cb.state = cbClosed
			cb.failures = 0
			cb.halfOpenInFlight = 0
		}
	case cbClosed:
		cb.failures = 0
	}
}

// RecordFailure records a transport failure
func (cb *CircuitBreaker) RecordFailure() {
	if !cb.cfg.Enabled {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.lastFailureAt = cb.now()

	switch cb.state {
	case cbClosed:
		cb.failures++
		if cb.failures >= cb.cfg.FailureThreshold {
			cb.state = cbOpen
		}
	case cbHalfOpen:
		cb.state = cbOpen
		cb.halfOpenSuccess = 0
		cb.halfOpenInFlight = 0
	}
}

// State returns the breaker state name
func (cb *CircuitBreaker) State() string {
	if !cb.cfg.Enabled {
		return "disabled"
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}
