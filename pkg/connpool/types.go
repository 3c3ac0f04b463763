package connpool

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPoolClosed is returned by Acquire once Close has been called.
	ErrPoolClosed = errors.New("connpool: pool is closed")

	// ErrPoolExhausted is returned when no connection became available before the acquire deadline.
	ErrPoolExhausted = errors.New("connpool: pool exhausted, acquire timed out")

	// ErrConnNotInUse is returned when releasing or invalidating a connection the pool
	// does not consider checked out.
	ErrConnNotInUse = errors.New("connpool: connection is not checked out")

	// ErrBadConn may be returned from a WithConnection callback to report that the
	// underlying link is broken and must not be reused.
	ErrBadConn = errors.New("connpool: bad connection")
)

// ConnectionError reports that the factory could not produce a usable connection.
type ConnectionError struct {
	Op       string
	Attempts int
	Cause    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connpool: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Cause)
}

func (e *ConnectionError) Unwrap() error {
	return e.Cause
}

// Factory creates, probes and tears down backend links of type T.
//
// Destroy is best effort: the pool logs its error and carries on.
type Factory[T any] interface {
	Create(ctx context.Context) (T, error)
	Validate(ctx context.Context, link T) bool
	Destroy(link T) error
}

// FactoryFuncs adapts plain functions to the Factory interface.
// A nil ValidateFunc treats every link as healthy and a nil DestroyFunc is a no-op.
type FactoryFuncs[T any] struct {
	CreateFunc   func(ctx context.Context) (T, error)
	ValidateFunc func(ctx context.Context, link T) bool
	DestroyFunc  func(link T) error
}

func (f FactoryFuncs[T]) Create(ctx context.Context) (T, error) {
	return f.CreateFunc(ctx)
}

func (f FactoryFuncs[T]) Validate(ctx context.Context, link T) bool {
	if f.ValidateFunc == nil {
		return true
	}
	return f.ValidateFunc(ctx, link)
}

func (f FactoryFuncs[T]) Destroy(link T) error {
	if f.DestroyFunc == nil {
		return nil
	}
	return f.DestroyFunc(link)
}

// Config contains configuration for the connection pool
type Config struct {
	MinSize                  int           `json:"min_size"`                   // Connections kept open even when idle
	MaxSize                  int           `json:"max_size"`                   // Hard cap on idle + in-use connections
	AcquireTimeout           time.Duration `json:"acquire_timeout"`            // Zero waits until the caller's context ends
	MaxIdleTime              time.Duration `json:"max_idle_time"`              // Zero disables idle eviction
	ValidationIntervalReuses int           `json:"validation_interval_reuses"` // Probe after this many borrows, zero disables
	ValidateOnBorrow         bool          `json:"validate_on_borrow"`         // Probe every idle connection before handing it out
	ValidationTimeout        time.Duration `json:"validation_timeout"`
	EvictionInterval         time.Duration `json:"eviction_interval"`
	HealthCheckInterval      time.Duration `json:"health_check_interval"` // Zero disables the periodic health pass
	ShutdownTimeout          time.Duration `json:"shutdown_timeout"`
	CreateAttempts           int           `json:"create_attempts"`
	CreateBackoff            time.Duration `json:"create_backoff"`
	BreakerEnabled           bool          `json:"breaker_enabled"`
	BreakerFailureThreshold  int64         `json:"breaker_failure_threshold"`
	BreakerTimeout           time.Duration `json:"breaker_timeout"`
}

// DefaultConfig returns a default pool configuration
func DefaultConfig() Config {
	return Config{
		MinSize:                  2,
		MaxSize:                  10,
		AcquireTimeout:           30 * time.Second,
		MaxIdleTime:              10 * time.Minute,
		ValidationIntervalReuses: 100,
		ValidationTimeout:        2 * time.Second,
		EvictionInterval:         30 * time.Second,
		HealthCheckInterval:      5 * time.Minute,
		ShutdownTimeout:          10 * time.Second,
		CreateAttempts:           3,
		CreateBackoff:            50 * time.Millisecond,
		BreakerFailureThreshold:  5,
		BreakerTimeout:           30 * time.Second,
	}
}

// Validate reports whether the configuration can back a pool.
func (c Config) Validate() error {
	if c.MaxSize <= 0 {
		return fmt.Errorf("invalid configuration: max size must be positive, got %d", c.MaxSize)
	}
	if c.MinSize < 0 || c.MinSize > c.MaxSize {
		return fmt.Errorf("invalid configuration: min size %d must be between 0 and max size %d", c.MinSize, c.MaxSize)
	}
	if c.ValidationIntervalReuses < 0 {
		return fmt.Errorf("invalid configuration: validation interval cannot be negative")
	}
	if c.CreateAttempts < 0 {
		return fmt.Errorf("invalid configuration: create attempts cannot be negative")
	}
	durations := map[string]time.Duration{
		"acquire_timeout":       c.AcquireTimeout,
		"max_idle_time":         c.MaxIdleTime,
		"validation_timeout":    c.ValidationTimeout,
		"eviction_interval":     c.EvictionInterval,
		"health_check_interval": c.HealthCheckInterval,
		"shutdown_timeout":      c.ShutdownTimeout,
		"create_backoff":        c.CreateBackoff,
		"breaker_timeout":       c.BreakerTimeout,
	}
	for name, d := range durations {
		if d < 0 {
			return fmt.Errorf("invalid configuration: %s cannot be negative", name)
		}
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.CreateAttempts == 0 {
		c.CreateAttempts = 1
	}
	if c.CreateBackoff == 0 {
		c.CreateBackoff = 50 * time.Millisecond
	}
	if c.ValidationTimeout == 0 {
		c.ValidationTimeout = 2 * time.Second
	}
	if c.EvictionInterval == 0 && c.MaxIdleTime > 0 {
		c.EvictionInterval = c.MaxIdleTime / 2
		if c.EvictionInterval < time.Millisecond {
			c.EvictionInterval = time.Millisecond
		}
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.BreakerFailureThreshold == 0 {
		c.BreakerFailureThreshold = 5
	}
	if c.BreakerTimeout == 0 {
		c.BreakerTimeout = 30 * time.Second
	}
	return c
}
