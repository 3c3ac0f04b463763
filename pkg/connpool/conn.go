package connpool

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a pooled connection.
type State int32

const (
	StateIdle State = iota
	StateInUse
	StateValidating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInUse:
		return "in_use"
	case StateValidating:
		return "validating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is a pooled backend link. While checked out it belongs to exactly one borrower.
type Conn[T any] struct {
	id        string
	link      T
	createdAt time.Time
	pool      *Pool[T]

	state      atomic.Int32
	lastUsedAt atomic.Int64 // unix nanoseconds
	useCount   atomic.Int64
	errorCount atomic.Int64
	unusable   atomic.Bool

	// guarded by pool.mu
	reuses int // borrows since the last successful probe
}

func newConn[T any](p *Pool[T], link T) *Conn[T] {
	now := time.Now()
	c := &Conn[T]{
		id:        uuid.New().String(),
		link:      link,
		createdAt: now,
		pool:      p,
	}
	c.lastUsedAt.Store(now.UnixNano())
	c.setState(StateInUse)
	return c
}

// ID returns the connection identity.
func (c *Conn[T]) ID() string {
	return c.id
}

// Link returns the underlying backend link.
func (c *Conn[T]) Link() T {
	return c.link
}

func (c *Conn[T]) State() State {
	return State(c.state.Load())
}

func (c *Conn[T]) CreatedAt() time.Time {
	return c.createdAt
}

func (c *Conn[T]) LastUsedAt() time.Time {
	return time.Unix(0, c.lastUsedAt.Load())
}

// UseCount returns how many times the connection has been checked out.
func (c *Conn[T]) UseCount() int64 {
	return c.useCount.Load()
}

// ErrorCount returns how many borrows of this connection ended in an error.
func (c *Conn[T]) ErrorCount() int64 {
	return c.errorCount.Load()
}

// RecordError counts a failed unit of work on this connection.
func (c *Conn[T]) RecordError() {
	c.errorCount.Add(1)
}

// MarkUnusable flags the connection so that releasing it destroys it instead of pooling it.
// Call it before Release when the link failed during use.
func (c *Conn[T]) MarkUnusable() {
	c.unusable.Store(true)
}

func (c *Conn[T]) Unusable() bool {
	return c.unusable.Load()
}

// Release returns the connection to its pool.
func (c *Conn[T]) Release() error {
	return c.pool.Release(c)
}

// Invalidate destroys the connection instead of returning it to its pool.
func (c *Conn[T]) Invalidate() error {
	return c.pool.Invalidate(c)
}

func (c *Conn[T]) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Conn[T]) touch(now time.Time) {
	c.lastUsedAt.Store(now.UnixNano())
}

func (c *Conn[T]) idleFor(now time.Time) time.Duration {
	return now.Sub(c.LastUsedAt())
}

func (c *Conn[T]) expired(maxIdle time.Duration, now time.Time) bool {
	return maxIdle > 0 && c.idleFor(now) > maxIdle
}
