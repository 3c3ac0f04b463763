package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	// CircuitBreakerClosed - normal operation, requests are allowed
	CircuitBreakerClosed CircuitBreakerState = iota
	// CircuitBreakerOpen - circuit is open, requests are rejected immediately
	CircuitBreakerOpen
	// CircuitBreakerHalfOpen - testing state, limited requests are allowed
	CircuitBreakerHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "CLOSED"
	case CircuitBreakerOpen:
		return "OPEN"
	case CircuitBreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	ErrTooManyRequests    = errors.New("too many requests in half-open state")
)

// CircuitBreakerConfig configuration for circuit breaker
type CircuitBreakerConfig struct {
	Name             string                             `json:"name"`
	MaxRequests      int64                              `json:"max_requests"`      // Concurrent trial requests in half-open state
	Timeout          time.Duration                      `json:"timeout"`           // Time spent open before trying again
	FailureThreshold int64                              `json:"failure_threshold"` // Consecutive failures that open the circuit
	SuccessThreshold int64                              `json:"success_threshold"` // Half-open successes that close it again
	ErrorClassifier  func(error) bool                   `json:"-"`
	OnStateChange    func(from, to CircuitBreakerState) `json:"-"`
}

// DefaultCircuitBreakerConfig returns default configuration
func DefaultCircuitBreakerConfig() *CircuitBreakerConfig {
	return &CircuitBreakerConfig{
		Name:             "default",
		MaxRequests:      1,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 1,
	}
}

// CircuitBreakerMetrics tracks circuit breaker statistics
type CircuitBreakerMetrics struct {
	Name                string    `json:"name"`
	State               string    `json:"state"`
	TotalRequests       int64     `json:"total_requests"`
	SuccessCount        int64     `json:"success_count"`
	FailureCount        int64     `json:"failure_count"`
	RejectedCount       int64     `json:"rejected_count"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	LastStateChange     time.Time `json:"last_state_change"`
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	config *CircuitBreakerConfig
	now    func() time.Time

	mu                   sync.Mutex
	state                CircuitBreakerState
	consecutiveFailures  int64
	consecutiveSuccesses int64
	halfOpenInFlight     int64
	totalRequests        int64
	successCount         int64
	failureCount         int64
	rejectedCount        int64
	lastStateChange      time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config *CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxRequests <= 0 {
		cfg.MaxRequests = defaults.MaxRequests
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaults.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaults.SuccessThreshold
	}
	if cfg.ErrorClassifier == nil {
		cfg.ErrorClassifier = func(err error) bool {
			return err != nil && !errors.Is(err, context.Canceled)
		}
	}
	return &CircuitBreaker{
		config:          &cfg,
		now:             time.Now,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open. Rejected calls return ErrCircuitBreakerOpen
// or ErrTooManyRequests without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err)
	return err
}

// State returns the current state, moving an expired open circuit to half-open.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

// Metrics returns circuit breaker counters.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return CircuitBreakerMetrics{
		Name:                cb.config.Name,
		State:               cb.state.String(),
		TotalRequests:       cb.totalRequests,
		SuccessCount:        cb.successCount,
		FailureCount:        cb.failureCount,
		RejectedCount:       cb.rejectedCount,
		ConsecutiveFailures: cb.consecutiveFailures,
		LastStateChange:     cb.lastStateChange,
	}
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.refreshLocked()
	cb.totalRequests++
	switch cb.state {
	case CircuitBreakerOpen:
		cb.rejectedCount++
		return ErrCircuitBreakerOpen
	case CircuitBreakerHalfOpen:
		if cb.halfOpenInFlight >= cb.config.MaxRequests {
			cb.rejectedCount++
			return ErrTooManyRequests
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) after(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	wasHalfOpen := cb.state == CircuitBreakerHalfOpen
	if wasHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}

	if cb.config.ErrorClassifier(err) {
		cb.failureCount++
		cb.consecutiveFailures++
		cb.consecutiveSuccesses = 0
		if wasHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.setStateLocked(CircuitBreakerOpen)
		}
		return
	}

	cb.successCount++
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses++
	if wasHalfOpen && cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
		cb.setStateLocked(CircuitBreakerClosed)
	}
}

func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == CircuitBreakerOpen && cb.now().Sub(cb.lastStateChange) >= cb.config.Timeout {
		cb.setStateLocked(CircuitBreakerHalfOpen)
	}
}

func (cb *CircuitBreaker) setStateLocked(to CircuitBreakerState) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.lastStateChange = cb.now()
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
	if to == CircuitBreakerClosed {
		cb.consecutiveFailures = 0
	}

	log.Info().
		Str("name", cb.config.Name).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Circuit breaker state changed")

	if cb.config.OnStateChange != nil {
		go cb.config.OnStateChange(from, to)
	}
}
