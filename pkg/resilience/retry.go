package resilience

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// RetryConfig configuration for retry mechanisms
type RetryConfig struct {
	Name        string        `json:"name"`
	MaxAttempts int           `json:"max_attempts"` // Total attempts including the first one
	BaseDelay   time.Duration `json:"base_delay"`   // Delay before the first retry
	MaxDelay    time.Duration `json:"max_delay"`    // Upper bound for a single delay
	Multiplier  float64       `json:"multiplier"`   // Growth factor between delays
	JitterRange float64       `json:"jitter_range"` // Randomization factor (0.0 to 1.0)

	IsRetryable func(error) bool             `json:"-"`
	OnRetry     func(attempt int, err error) `json:"-"`
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		Name:        "default",
		MaxAttempts: 3,
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2.0,
		JitterRange: 0.1,
	}
}

// RetryMetrics tracks retry statistics
type RetryMetrics struct {
	Name          string `json:"name"`
	TotalCalls    int64  `json:"total_calls"`
	TotalAttempts int64  `json:"total_attempts"`
	TotalRetries  int64  `json:"total_retries"`
	TotalFailures int64  `json:"total_failures"`
}

// Retrier runs an operation with exponential backoff until it succeeds, returns a
// permanent error, runs out of attempts or its context ends.
type Retrier struct {
	config *RetryConfig

	calls    atomic.Int64
	attempts atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
}

// NewRetrier creates a retrier, filling unset fields from DefaultRetryConfig.
func NewRetrier(config *RetryConfig) *Retrier {
	defaults := DefaultRetryConfig()
	if config == nil {
		config = defaults
	}
	cfg := *config
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaults.BaseDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = defaults.Multiplier
	}
	if cfg.JitterRange < 0 || cfg.JitterRange > 1 {
		cfg.JitterRange = defaults.JitterRange
	}
	if cfg.IsRetryable == nil {
		cfg.IsRetryable = func(err error) bool {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
	}
	return &Retrier{config: &cfg}
}

// Permanent wraps err so that Do returns it without further attempts.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds or retrying stops. The error of the last attempt is returned.
func (r *Retrier) Do(ctx context.Context, op func(ctx context.Context) error) error {
	r.calls.Add(1)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.config.BaseDelay
	eb.MaxInterval = r.config.MaxDelay
	eb.Multiplier = r.config.Multiplier
	eb.RandomizationFactor = r.config.JitterRange
	eb.MaxElapsedTime = 0

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.config.MaxAttempts-1)), ctx)

	attempt := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		attempt++
		r.attempts.Add(1)
		lastErr = op(ctx)
		if lastErr != nil && !r.config.IsRetryable(lastErr) {
			return backoff.Permanent(lastErr)
		}
		return lastErr
	}, b, func(err error, delay time.Duration) {
		r.retries.Add(1)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err)
		}
		log.Debug().
			Str("name", r.config.Name).
			Int("attempt", attempt).
			Dur("delay", delay).
			Err(err).
			Msg("Retrying operation")
	})
	if err == nil {
		return nil
	}
	r.failures.Add(1)
	// A context that ends between attempts masks the operation error; keep the operation's.
	if lastErr != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return lastErr
	}
	return err
}

// Metrics returns a copy of the retry counters.
func (r *Retrier) Metrics() RetryMetrics {
	return RetryMetrics{
		Name:          r.config.Name,
		TotalCalls:    r.calls.Load(),
		TotalAttempts: r.attempts.Load(),
		TotalRetries:  r.retries.Load(),
		TotalFailures: r.failures.Load(),
	}
}
