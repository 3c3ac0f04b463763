package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestCircuitBreaker_NewCircuitBreaker(t *testing.T) {
	config := DefaultCircuitBreakerConfig()
	config.Name = "test_circuit_breaker"

	cb := NewCircuitBreaker(config)

	if cb == nil {
		t.Fatal("Circuit breaker should not be nil")
	}

	if cb.config.Name != "test_circuit_breaker" {
		t.Errorf("Expected name 'test_circuit_breaker', got '%s'", cb.config.Name)
	}

	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Circuit breaker should start in CLOSED state, got %s", cb.State())
	}
}

func TestCircuitBreaker_NilConfigUsesDefaults(t *testing.T) {
	cb := NewCircuitBreaker(nil)

	if cb.config.FailureThreshold != 5 {
		t.Errorf("Expected default failure threshold 5, got %d", cb.config.FailureThreshold)
	}
	if cb.config.ErrorClassifier == nil {
		t.Error("Expected default error classifier")
	}
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	config := &CircuitBreakerConfig{
		Name:             "test_cb",
		MaxRequests:      1,
		FailureThreshold: 2,
		SuccessThreshold: 2,
		Timeout:          100 * time.Millisecond,
	}

	cb := NewCircuitBreaker(config)
	ctx := context.Background()
	fail := func(ctx context.Context) error { return errors.New("test error") }
	succeed := func(ctx context.Context) error { return nil }

	// First failure
	if err := cb.Execute(ctx, fail); err == nil {
		t.Error("Expected error, got nil")
	}
	if cb.State() != CircuitBreakerClosed {
		t.Error("Circuit breaker should still be CLOSED after first failure")
	}

	// Second failure should open circuit
	if err := cb.Execute(ctx, fail); err == nil {
		t.Error("Expected error, got nil")
	}
	if cb.State() != CircuitBreakerOpen {
		t.Error("Circuit breaker should be OPEN after reaching failure threshold")
	}

	// Subsequent calls should fail fast
	err := cb.Execute(ctx, func(ctx context.Context) error {
		t.Error("Operation should not be executed when circuit is OPEN")
		return nil
	})
	if !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Errorf("Expected ErrCircuitBreakerOpen, got %v", err)
	}

	// Wait for timeout to transition to HALF_OPEN
	time.Sleep(150 * time.Millisecond)
	if cb.State() != CircuitBreakerHalfOpen {
		t.Errorf("Circuit breaker should be HALF_OPEN after timeout, got %s", cb.State())
	}

	// Two successes close it again
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("Expected success in HALF_OPEN, got %v", err)
	}
	if cb.State() != CircuitBreakerHalfOpen {
		t.Error("Circuit breaker should stay HALF_OPEN until success threshold")
	}
	if err := cb.Execute(ctx, succeed); err != nil {
		t.Errorf("Expected success in HALF_OPEN, got %v", err)
	}
	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Circuit breaker should be CLOSED after success threshold, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "reopen",
		FailureThreshold: 1,
		Timeout:          50 * time.Millisecond,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("down") })
	if cb.State() != CircuitBreakerOpen {
		t.Fatal("Circuit breaker should be OPEN")
	}

	time.Sleep(75 * time.Millisecond)
	_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("still down") })

	if cb.State() != CircuitBreakerOpen {
		t.Errorf("Failure in HALF_OPEN should reopen the circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenLimitsTrialRequests(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "limit",
		MaxRequests:      1,
		FailureThreshold: 1,
		Timeout:          20 * time.Millisecond,
	})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("down") })
	time.Sleep(40 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = cb.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	err := cb.Execute(ctx, func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrTooManyRequests) {
		t.Errorf("Expected ErrTooManyRequests, got %v", err)
	}

	close(release)
	wg.Wait()

	if cb.State() != CircuitBreakerClosed {
		t.Errorf("Circuit breaker should close after the trial request succeeds, got %s", cb.State())
	}
}

func TestCircuitBreaker_CanceledContextNotCounted(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "cancel", FailureThreshold: 1})

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return context.Canceled })

	if cb.State() != CircuitBreakerClosed {
		t.Error("Cancellation should not count as a failure")
	}
}

func TestCircuitBreaker_Metrics(t *testing.T) {
	cb := NewCircuitBreaker(&CircuitBreakerConfig{Name: "metrics", FailureThreshold: 2, Timeout: time.Minute})
	ctx := context.Background()

	_ = cb.Execute(ctx, func(ctx context.Context) error { return nil })
	_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("a") })
	_ = cb.Execute(ctx, func(ctx context.Context) error { return errors.New("b") })
	_ = cb.Execute(ctx, func(ctx context.Context) error { return nil })

	m := cb.Metrics()
	if m.Name != "metrics" {
		t.Errorf("Expected name 'metrics', got '%s'", m.Name)
	}
	if m.TotalRequests != 4 {
		t.Errorf("Expected 4 total requests, got %d", m.TotalRequests)
	}
	if m.SuccessCount != 1 {
		t.Errorf("Expected 1 success, got %d", m.SuccessCount)
	}
	if m.FailureCount != 2 {
		t.Errorf("Expected 2 failures, got %d", m.FailureCount)
	}
	if m.RejectedCount != 1 {
		t.Errorf("Expected 1 rejected, got %d", m.RejectedCount)
	}
	if m.State != "OPEN" {
		t.Errorf("Expected OPEN state, got %s", m.State)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	changes := make(chan CircuitBreakerState, 4)
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		Name:             "callback",
		FailureThreshold: 1,
		OnStateChange: func(from, to CircuitBreakerState) {
			changes <- to
		},
	})

	_ = cb.Execute(context.Background(), func(ctx context.Context) error { return errors.New("down") })

	select {
	case to := <-changes:
		if to != CircuitBreakerOpen {
			t.Errorf("Expected transition to OPEN, got %s", to)
		}
	case <-time.After(time.Second):
		t.Fatal("OnStateChange was not called")
	}
}
