package connpool

import (
	"sync/atomic"
	"time"
)

type stats struct {
	created            atomic.Int64
	destroyed          atomic.Int64
	createFailures     atomic.Int64
	requests           atomic.Int64
	successes          atomic.Int64
	timeouts           atomic.Int64
	handoffs           atomic.Int64
	invalidated        atomic.Int64
	evicted            atomic.Int64
	validations        atomic.Int64
	validationFailures atomic.Int64
	waitNanos          atomic.Int64
	waits              atomic.Int64
}

func (s *stats) observeWait(d time.Duration) {
	s.waitNanos.Add(int64(d))
	s.waits.Add(1)
}

// Snapshot is a point-in-time view of the pool for monitoring.
type Snapshot struct {
	Name         string `json:"name"`
	MinSize      int    `json:"min_size"`
	MaxSize      int    `json:"max_size"`
	IdleCount    int    `json:"idle_count"`
	InUseCount   int    `json:"in_use_count"`
	PendingCount int    `json:"pending_count"`
	WaiterCount  int    `json:"waiter_count"`
	Closed       bool   `json:"closed"`

	TotalCreated       int64 `json:"total_created"`
	TotalDestroyed     int64 `json:"total_destroyed"`
	CreateFailures     int64 `json:"create_failures"`
	Requests           int64 `json:"requests"`
	Successes          int64 `json:"successes"`
	Timeouts           int64 `json:"timeouts"`
	Handoffs           int64 `json:"handoffs"`
	Invalidated        int64 `json:"invalidated"`
	Evicted            int64 `json:"evicted"`
	Validations        int64 `json:"validations"`
	ValidationFailures int64 `json:"validation_failures"`

	AvgAcquireTime time.Duration `json:"avg_acquire_time"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Total returns the number of live connections, idle or checked out.
func (s Snapshot) Total() int {
	return s.IdleCount + s.InUseCount
}

// Utilization returns the share of MaxSize currently checked out.
func (s Snapshot) Utilization() float64 {
	if s.MaxSize == 0 {
		return 0
	}
	return float64(s.InUseCount) / float64(s.MaxSize)
}

// Stats returns a consistent snapshot of pool occupancy and lifetime counters.
func (p *Pool[T]) Stats() Snapshot {
	p.mu.Lock()
	snap := Snapshot{
		Name:         p.name,
		MinSize:      p.cfg.MinSize,
		MaxSize:      p.cfg.MaxSize,
		IdleCount:    len(p.idle),
		InUseCount:   len(p.inUse),
		PendingCount: p.pending,
		WaiterCount:  p.waiters.Len(),
		Closed:       p.closed,
	}
	p.mu.Unlock()

	snap.TotalCreated = p.stats.created.Load()
	snap.TotalDestroyed = p.stats.destroyed.Load()
	snap.CreateFailures = p.stats.createFailures.Load()
	snap.Requests = p.stats.requests.Load()
	snap.Successes = p.stats.successes.Load()
	snap.Timeouts = p.stats.timeouts.Load()
	snap.Handoffs = p.stats.handoffs.Load()
	snap.Invalidated = p.stats.invalidated.Load()
	snap.Evicted = p.stats.evicted.Load()
	snap.Validations = p.stats.validations.Load()
	snap.ValidationFailures = p.stats.validationFailures.Load()
	if n := p.stats.waits.Load(); n > 0 {
		snap.AvgAcquireTime = time.Duration(p.stats.waitNanos.Load() / n)
	}
	snap.Timestamp = time.Now()
	return snap
}
