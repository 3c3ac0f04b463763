package connpool

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/sandboxrunner/connpool/pkg/resilience"
)

const tracerName = "github.com/sandboxrunner/connpool/pkg/connpool"

var poolSeq atomic.Int64

// Option customizes a Pool.
type Option func(*options)

type options struct {
	name           string
	tracerProvider trace.TracerProvider
}

// WithName sets the pool name used in logs, spans and snapshots.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithTracerProvider sets the provider for acquire and release spans.
// The global provider is used by default.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) {
		o.tracerProvider = tp
	}
}

// Pool is a bounded set of reusable backend links shared by concurrent borrowers.
//
// Every live connection is in exactly one of: the idle list, the in-use map, or
// counted in pending (being created, validated or destroyed). All three plus the
// waiter queue are guarded by mu, and no factory call is made while holding it.
type Pool[T any] struct {
	name    string
	cfg     Config
	factory Factory[T]
	retrier *resilience.Retrier
	breaker *resilience.CircuitBreaker
	tracer  trace.Tracer

	mu      sync.Mutex
	idle    []*Conn[T] // ordered by LastUsedAt, oldest first
	inUse   map[string]*Conn[T]
	pending int
	waiters *waitQueue[T]
	closed  bool

	drained   chan struct{}
	drainOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup

	stats stats
}

// New creates a pool, opens cfg.MinSize connections and starts the eviction and
// health-check workers. If any initial connection cannot be created, everything
// opened so far is destroyed and the *ConnectionError is returned.
func New[T any](cfg Config, factory Factory[T], opts ...Option) (*Pool[T], error) {
	if factory == nil {
		return nil, errors.New("connection factory is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.name == "" {
		o.name = fmt.Sprintf("conn-pool-%d", poolSeq.Add(1))
	}
	if o.tracerProvider == nil {
		o.tracerProvider = otel.GetTracerProvider()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool[T]{
		name:    o.name,
		cfg:     cfg,
		factory: factory,
		tracer:  o.tracerProvider.Tracer(tracerName),
		idle:    make([]*Conn[T], 0, cfg.MaxSize),
		inUse:   make(map[string]*Conn[T], cfg.MaxSize),
		waiters: newWaitQueue[T](),
		drained: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		stopCh:  make(chan struct{}),
	}
	p.retrier = resilience.NewRetrier(&resilience.RetryConfig{
		Name:        o.name,
		MaxAttempts: cfg.CreateAttempts,
		BaseDelay:   cfg.CreateBackoff,
		MaxDelay:    cfg.CreateBackoff * 16,
		Multiplier:  2.0,
		JitterRange: 0.1,
	})
	if cfg.BreakerEnabled {
		p.breaker = resilience.NewCircuitBreaker(&resilience.CircuitBreakerConfig{
			Name:             o.name,
			MaxRequests:      1,
			Timeout:          cfg.BreakerTimeout,
			FailureThreshold: cfg.BreakerFailureThreshold,
			SuccessThreshold: 1,
		})
	}

	warmCtx := ctx
	if cfg.AcquireTimeout > 0 {
		var warmCancel context.CancelFunc
		warmCtx, warmCancel = context.WithTimeout(ctx, cfg.AcquireTimeout)
		defer warmCancel()
	}
	if err := p.warmUp(warmCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to initialize connections: %w", err)
	}

	p.startBackgroundProcesses()

	log.Info().
		Str("pool", p.name).
		Int("min_size", cfg.MinSize).
		Int("max_size", cfg.MaxSize).
		Dur("acquire_timeout", cfg.AcquireTimeout).
		Dur("max_idle_time", cfg.MaxIdleTime).
		Msg("Connection pool initialized")

	return p, nil
}

// Name returns the pool name.
func (p *Pool[T]) Name() string {
	return p.name
}

// Config returns the effective configuration, defaults applied.
func (p *Pool[T]) Config() Config {
	return p.cfg
}

// Acquire borrows a connection. It returns an idle one if available, creates one while
// the pool is below MaxSize, and otherwise waits in arrival order until a connection
// is released or the deadline passes. The deadline is Config.AcquireTimeout or the
// context deadline, whichever comes first.
//
// Errors: ErrPoolExhausted when the deadline passes, ErrPoolClosed after Close,
// *ConnectionError when the factory fails, or the context error on cancellation.
func (p *Pool[T]) Acquire(ctx context.Context) (*Conn[T], error) {
	ctx, span := p.tracer.Start(ctx, "connpool.Acquire",
		trace.WithAttributes(attribute.String("pool.name", p.name)))
	defer span.End()

	p.stats.requests.Add(1)
	start := time.Now()

	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	c, err := p.acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolExhausted) {
			p.stats.timeouts.Add(1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	p.stats.successes.Add(1)
	p.stats.observeWait(time.Since(start))
	span.SetAttributes(
		attribute.String("conn.id", c.id),
		attribute.Int64("conn.use_count", c.UseCount()),
	)
	return c, nil
}

func (p *Pool[T]) acquire(ctx context.Context) (*Conn[T], error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, timeoutErr(err)
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}
		now := time.Now()

		if c := p.popIdleLocked(); c != nil {
			// Idle connections at or below MinSize are kept past MaxIdleTime and
			// probed instead.
			stale := c.expired(p.cfg.MaxIdleTime, now)
			aboveFloor := len(p.idle)+1 > p.cfg.MinSize
			if c.Unusable() || (stale && aboveFloor) {
				p.pending++
				p.mu.Unlock()
				p.discard(c, "stale")
				continue
			}
			p.checkoutLocked(c, now)
			p.mu.Unlock()
			if !p.revalidate(ctx, c, stale) {
				continue
			}
			return c, nil
		}

		if p.totalLocked() < p.cfg.MaxSize {
			p.pending++
			p.mu.Unlock()
			return p.createForCaller(ctx)
		}

		deadline, _ := ctx.Deadline()
		w := p.waiters.push(deadline, now)
		p.mu.Unlock()

		c, slot, err := p.wait(ctx, w)
		if err != nil {
			return nil, err
		}
		if slot {
			return p.createForCaller(ctx)
		}
		if !p.revalidate(ctx, c, false) {
			continue
		}
		return c, nil
	}
}

// wait suspends until w is served or ctx ends. A grant delivered before the
// timeout is observed under the lock always wins.
func (p *Pool[T]) wait(ctx context.Context, w *waiter[T]) (*Conn[T], bool, error) {
	select {
	case g := <-w.ready:
		return g.conn, g.slot, g.err
	case <-ctx.Done():
	}

	p.mu.Lock()
	if !w.served {
		p.waiters.remove(w)
		p.mu.Unlock()
		return nil, false, timeoutErr(ctx.Err())
	}
	p.mu.Unlock()

	g := <-w.ready
	switch {
	case g.err != nil:
		return nil, false, g.err
	case g.slot:
		// Too late to create; pass the slot on.
		p.mu.Lock()
		p.releaseSlotLocked()
		p.mu.Unlock()
		return nil, false, timeoutErr(ctx.Err())
	default:
		return g.conn, false, nil
	}
}

func timeoutErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrPoolExhausted
	}
	return err
}

// createForCaller fills a slot already counted in pending.
func (p *Pool[T]) createForCaller(ctx context.Context) (*Conn[T], error) {
	c, err := p.create(ctx)
	if err != nil {
		p.mu.Lock()
		p.releaseSlotLocked()
		p.mu.Unlock()
		return nil, err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(c, "pool closed")
		return nil, ErrPoolClosed
	}
	p.pending--
	p.inUse[c.id] = c
	p.mu.Unlock()
	return c, nil
}

// revalidate probes a freshly checked-out connection when force is set or the
// validation policy asks for it. A connection that fails the probe, or that a
// forced shutdown took away meanwhile, is not handed out and false is returned.
func (p *Pool[T]) revalidate(ctx context.Context, c *Conn[T], force bool) bool {
	p.mu.Lock()
	due := force || p.validationDueLocked(c)
	p.mu.Unlock()
	if !due {
		return true
	}

	// A handoff that won the race against the caller's deadline is still probed
	// under ValidationTimeout alone.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	c.setState(StateValidating)
	healthy := p.probe(ctx, c)

	p.mu.Lock()
	if p.inUse[c.id] != c {
		// Force-closed by a shutdown deadline while probing.
		p.mu.Unlock()
		return false
	}
	if healthy {
		c.reuses = 0
		p.mu.Unlock()
		c.setState(StateInUse)
		return true
	}
	delete(p.inUse, c.id)
	p.pending++
	p.mu.Unlock()
	p.discard(c, "validation failed")
	return false
}

func (p *Pool[T]) validationDueLocked(c *Conn[T]) bool {
	if p.cfg.ValidateOnBorrow {
		return true
	}
	return p.cfg.ValidationIntervalReuses > 0 && c.reuses >= p.cfg.ValidationIntervalReuses
}

// Release returns a checked-out connection. The longest-waiting caller receives it
// directly; with no live waiter it becomes idle. A connection marked unusable, or
// released after Close, is destroyed instead.
func (p *Pool[T]) Release(c *Conn[T]) error {
	if c == nil {
		return errors.New("connection is nil")
	}
	_, span := p.tracer.Start(context.Background(), "connpool.Release",
		trace.WithAttributes(
			attribute.String("pool.name", p.name),
			attribute.String("conn.id", c.id),
		))
	defer span.End()

	p.mu.Lock()
	if p.inUse[c.id] != c {
		p.mu.Unlock()
		span.SetStatus(codes.Error, ErrConnNotInUse.Error())
		return ErrConnNotInUse
	}
	delete(p.inUse, c.id)

	if c.Unusable() || p.closed {
		p.pending++
		p.mu.Unlock()
		reason := "pool closed"
		if c.Unusable() {
			p.stats.invalidated.Add(1)
			reason = "marked unusable"
		}
		p.discard(c, reason)
		return nil
	}

	now := time.Now()
	c.touch(now)
	p.putLocked(c, now)
	p.mu.Unlock()
	return nil
}

// Invalidate destroys a checked-out connection instead of reusing it. Its slot is
// offered to the longest-waiting caller.
func (p *Pool[T]) Invalidate(c *Conn[T]) error {
	if c == nil {
		return errors.New("connection is nil")
	}

	p.mu.Lock()
	if p.inUse[c.id] != c {
		p.mu.Unlock()
		return ErrConnNotInUse
	}
	delete(p.inUse, c.id)
	p.pending++
	p.mu.Unlock()

	p.stats.invalidated.Add(1)
	p.discard(c, "invalidated")
	return nil
}

// putLocked hands c to the first live waiter or files it in the idle list.
// c must not be in any set and the pool must be open.
func (p *Pool[T]) putLocked(c *Conn[T], now time.Time) {
	if w, _ := p.waiters.popLive(now); w != nil {
		p.checkoutLocked(c, now)
		p.stats.handoffs.Add(1)
		w.deliver(grant[T]{conn: c})
		return
	}
	p.insertIdleLocked(c)
}

func (p *Pool[T]) insertIdleLocked(c *Conn[T]) {
	c.setState(StateIdle)
	i := len(p.idle)
	for i > 0 && p.idle[i-1].LastUsedAt().After(c.LastUsedAt()) {
		i--
	}
	p.idle = slices.Insert(p.idle, i, c)
}

func (p *Pool[T]) checkoutLocked(c *Conn[T], now time.Time) {
	c.reuses++
	c.useCount.Add(1)
	c.setState(StateInUse)
	c.touch(now)
	p.inUse[c.id] = c
}

// popIdleLocked takes the most recently used idle connection.
func (p *Pool[T]) popIdleLocked() *Conn[T] {
	n := len(p.idle)
	if n == 0 {
		return nil
	}
	c := p.idle[n-1]
	p.idle[n-1] = nil
	p.idle = p.idle[:n-1]
	return c
}

func (p *Pool[T]) totalLocked() int {
	return len(p.idle) + len(p.inUse) + p.pending
}

// releaseSlotLocked gives back a pending slot and offers it to the head waiter.
func (p *Pool[T]) releaseSlotLocked() {
	p.pending--
	p.slotFreedLocked()
	p.checkDrainedLocked()
}

// slotFreedLocked lets the first live waiter create its own connection when the
// pool has room again.
func (p *Pool[T]) slotFreedLocked() {
	if p.closed || p.totalLocked() >= p.cfg.MaxSize {
		return
	}
	w, _ := p.waiters.popLive(time.Now())
	if w == nil {
		return
	}
	p.pending++
	w.deliver(grant[T]{slot: true})
}

func (p *Pool[T]) checkDrainedLocked() {
	if p.closed && len(p.inUse) == 0 && p.pending == 0 {
		p.drainOnce.Do(func() { close(p.drained) })
	}
}

// restore puts a connection held as pending back into service, or destroys it if
// the pool closed in the meantime.
func (p *Pool[T]) restore(c *Conn[T]) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.discard(c, "pool closed")
		return
	}
	p.pending--
	p.putLocked(c, time.Now())
	p.mu.Unlock()
}

// discard destroys a connection held as pending and frees its slot.
func (p *Pool[T]) discard(c *Conn[T], reason string) {
	p.destroy(c, reason)
	p.mu.Lock()
	p.releaseSlotLocked()
	p.mu.Unlock()
}

// Close stops admitting acquires, fails queued waiters with ErrPoolClosed, destroys
// idle connections and waits for borrowed ones to come back. The wait is bounded by
// ctx, or by Config.ShutdownTimeout when ctx has no deadline; connections still
// borrowed at that point are destroyed and the context error is returned.
// Calling Close again returns nil.
func (p *Pool[T]) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	log.Info().
		Str("pool", p.name).
		Int("in_use", len(p.inUse)).
		Int("idle", len(p.idle)).
		Int("waiters", p.waiters.Len()).
		Msg("Shutting down connection pool")

	for _, w := range p.waiters.drain() {
		w.deliver(grant[T]{err: ErrPoolClosed})
	}
	idle := p.idle
	p.idle = nil
	p.pending += len(idle)
	p.mu.Unlock()

	close(p.stopCh)
	p.cancel()
	p.wg.Wait()

	for _, c := range idle {
		p.discard(c, "pool closed")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
		defer cancel()
	}

	p.mu.Lock()
	p.checkDrainedLocked()
	p.mu.Unlock()

	select {
	case <-p.drained:
		log.Info().Str("pool", p.name).Msg("Connection pool shutdown complete")
		return nil
	case <-ctx.Done():
	}

	p.mu.Lock()
	remaining := make([]*Conn[T], 0, len(p.inUse))
	for id, c := range p.inUse {
		remaining = append(remaining, c)
		delete(p.inUse, id)
	}
	p.mu.Unlock()

	for _, c := range remaining {
		p.destroy(c, "shutdown deadline")
	}

	log.Warn().
		Str("pool", p.name).
		Int("force_closed", len(remaining)).
		Msg("Connection pool shutdown timeout")

	return fmt.Errorf("connection pool shutdown: %d connection(s) force-closed: %w", len(remaining), ctx.Err())
}

// create opens a link through the factory within the retry budget, failing fast
// while the circuit breaker is open.
func (p *Pool[T]) create(ctx context.Context) (*Conn[T], error) {
	var link T
	attempts := 0

	open := func(ctx context.Context) error {
		l, err := p.factory.Create(ctx)
		if err != nil {
			return err
		}
		link = l
		return nil
	}

	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		if p.breaker == nil {
			return open(ctx)
		}
		err := p.breaker.Execute(ctx, open)
		if errors.Is(err, resilience.ErrCircuitBreakerOpen) || errors.Is(err, resilience.ErrTooManyRequests) {
			return resilience.Permanent(err)
		}
		return err
	})
	if err != nil {
		p.stats.createFailures.Add(1)
		log.Warn().
			Err(err).
			Str("pool", p.name).
			Int("attempts", attempts).
			Msg("Failed to create connection")
		return nil, &ConnectionError{Op: "create", Attempts: attempts, Cause: err}
	}

	c := newConn(p, link)
	p.stats.created.Add(1)

	log.Debug().
		Str("pool", p.name).
		Str("conn_id", c.id).
		Int("attempts", attempts).
		Msg("Created new connection")

	return c, nil
}

// destroy closes the link. Factory errors and panics are logged and swallowed.
func (p *Pool[T]) destroy(c *Conn[T], reason string) {
	c.setState(StateClosed)
	p.stats.destroyed.Add(1)

	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("pool", p.name).
				Str("conn_id", c.id).
				Interface("panic", r).
				Msg("Connection destroy panicked")
		}
	}()

	if err := p.factory.Destroy(c.link); err != nil {
		log.Warn().
			Err(err).
			Str("pool", p.name).
			Str("conn_id", c.id).
			Str("reason", reason).
			Msg("Failed to destroy connection")
		return
	}

	log.Debug().
		Str("pool", p.name).
		Str("conn_id", c.id).
		Str("reason", reason).
		Int64("usage_count", c.UseCount()).
		Msg("Destroyed connection")
}

// probe runs the factory liveness check bounded by Config.ValidationTimeout.
func (p *Pool[T]) probe(ctx context.Context, c *Conn[T]) bool {
	p.stats.validations.Add(1)

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ValidationTimeout)
	defer cancel()

	if p.factory.Validate(ctx, c.link) {
		return true
	}

	p.stats.validationFailures.Add(1)
	log.Debug().
		Str("pool", p.name).
		Str("conn_id", c.id).
		Msg("Connection failed validation")
	return false
}
