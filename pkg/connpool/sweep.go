package connpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	conc "github.com/sourcegraph/conc/pool"
)

// HealthStatus represents overall pool health
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ConnectionHealth is the probe result for one idle connection.
type ConnectionHealth struct {
	ConnectionID string        `json:"connection_id"`
	Healthy      bool          `json:"healthy"`
	ResponseTime time.Duration `json:"response_time"`
	IdleFor      time.Duration `json:"idle_for"`
	UseCount     int64         `json:"use_count"`
	ErrorCount   int64         `json:"error_count"`
}

// HealthReport contains the results of one health pass over the idle connections.
type HealthReport struct {
	Timestamp       time.Time                    `json:"timestamp"`
	OverallHealth   HealthStatus                 `json:"overall_health"`
	Checked         int                          `json:"checked"`
	HealthyCount    int                          `json:"healthy_count"`
	UnhealthyCount  int                          `json:"unhealthy_count"`
	InUseCount      int                          `json:"in_use_count"`
	Replenished     int                          `json:"replenished"`
	AvgResponseTime time.Duration                `json:"avg_response_time"`
	Connections     map[string]*ConnectionHealth `json:"connections"`
	Recommendations []string                     `json:"recommendations"`
}

func (p *Pool[T]) startBackgroundProcesses() {
	if p.cfg.MaxIdleTime > 0 && p.cfg.EvictionInterval > 0 {
		p.wg.Add(1)
		go p.evictionWorker()
	}
	if p.cfg.HealthCheckInterval > 0 {
		p.wg.Add(1)
		go p.healthCheckWorker()
	}
}

func (p *Pool[T]) evictionWorker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.EvictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.evictIdle(time.Now())
			p.ensureMinimum(p.ctx)
		}
	}
}

func (p *Pool[T]) healthCheckWorker() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			report, err := p.HealthCheck(p.ctx)
			if err != nil {
				if !errors.Is(err, ErrPoolClosed) && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Str("pool", p.name).Msg("Health check failed")
				}
				continue
			}
			if report.UnhealthyCount > 0 {
				log.Info().
					Str("pool", p.name).
					Int("unhealthy", report.UnhealthyCount).
					Int("replenished", report.Replenished).
					Msg("Health check discarded connections")
			}
		}
	}
}

// evictIdle destroys idle connections unused for longer than MaxIdleTime, oldest
// first, while the idle count stays above MinSize. Borrowed connections are never
// touched.
func (p *Pool[T]) evictIdle(now time.Time) int {
	if p.cfg.MaxIdleTime <= 0 {
		return 0
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	excess := len(p.idle) - p.cfg.MinSize
	if excess <= 0 {
		p.mu.Unlock()
		return 0
	}
	kept := make([]*Conn[T], 0, len(p.idle))
	var victims []*Conn[T]
	for _, c := range p.idle {
		if excess > 0 && c.expired(p.cfg.MaxIdleTime, now) {
			victims = append(victims, c)
			excess--
			continue
		}
		kept = append(kept, c)
	}
	p.idle = kept
	p.pending += len(victims)
	p.mu.Unlock()

	for _, c := range victims {
		p.stats.evicted.Add(1)
		p.discard(c, "idle timeout")
	}

	if len(victims) > 0 {
		log.Info().
			Str("pool", p.name).
			Int("evicted", len(victims)).
			Msg("Evicted idle connections")
	}
	return len(victims)
}

// ensureMinimum opens connections until the pool holds MinSize again.
// Factory failures are logged; the next sweep tries again.
func (p *Pool[T]) ensureMinimum(ctx context.Context) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	need := p.cfg.MinSize - p.totalLocked()
	if need <= 0 {
		p.mu.Unlock()
		return 0
	}
	p.pending += need
	p.mu.Unlock()

	conns, err := p.createBatch(ctx, need)
	for _, c := range conns {
		p.restore(c)
	}
	if failed := need - len(conns); failed > 0 {
		p.mu.Lock()
		for i := 0; i < failed; i++ {
			p.releaseSlotLocked()
		}
		p.mu.Unlock()
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("pool", p.name).
			Int("created", len(conns)).
			Int("wanted", need).
			Msg("Failed to replenish connection pool")
	}
	return len(conns)
}

// warmUp opens MinSize connections in parallel. On failure everything opened is
// destroyed and the first error is returned.
func (p *Pool[T]) warmUp(ctx context.Context) error {
	n := p.cfg.MinSize
	if n == 0 {
		return nil
	}

	p.mu.Lock()
	p.pending += n
	p.mu.Unlock()

	conns, err := p.createBatch(ctx, n)
	if err != nil {
		for _, c := range conns {
			p.destroy(c, "warm-up failed")
		}
		p.mu.Lock()
		p.pending -= n
		p.mu.Unlock()
		return err
	}

	for _, c := range conns {
		p.restore(c)
	}
	return nil
}

// createBatch creates n connections concurrently. The slots must already be
// counted in pending; the caller accounts for them afterwards.
func (p *Pool[T]) createBatch(ctx context.Context, n int) ([]*Conn[T], error) {
	var mu sync.Mutex
	conns := make([]*Conn[T], 0, n)

	workers := conc.New().WithMaxGoroutines(n).WithContext(ctx).WithFirstError()
	for i := 0; i < n; i++ {
		workers.Go(func(ctx context.Context) error {
			c, err := p.create(ctx)
			if err != nil {
				return err
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			return nil
		})
	}
	err := workers.Wait()
	return conns, err
}

// HealthCheck probes every idle connection, destroys the ones that fail and tops
// the pool back up to MinSize. Borrowed connections are not probed.
//
// Probes run under ValidationTimeout alone, so a caller going away never fails a
// healthy connection. When ctx ends mid-pass the unprobed connections go back to
// the idle list untouched and the context error is returned with the partial report.
func (p *Pool[T]) HealthCheck(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{
		Timestamp:       time.Now(),
		Connections:     make(map[string]*ConnectionHealth),
		Recommendations: make([]string, 0),
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	batch := p.idle
	p.idle = make([]*Conn[T], 0, p.cfg.MaxSize)
	p.pending += len(batch)
	report.InUseCount = len(p.inUse)
	p.mu.Unlock()

	probeCtx := context.WithoutCancel(ctx)
	var totalResponseTime time.Duration
	for i, c := range batch {
		if err := ctx.Err(); err != nil {
			for _, rest := range batch[i:] {
				p.restore(rest)
			}
			return report, err
		}

		report.Checked++
		c.setState(StateValidating)
		start := time.Now()
		healthy := p.probe(probeCtx, c)
		elapsed := time.Since(start)
		totalResponseTime += elapsed

		report.Connections[c.id] = &ConnectionHealth{
			ConnectionID: c.id,
			Healthy:      healthy,
			ResponseTime: elapsed,
			IdleFor:      c.idleFor(start),
			UseCount:     c.UseCount(),
			ErrorCount:   c.ErrorCount(),
		}

		if healthy {
			report.HealthyCount++
			p.mu.Lock()
			c.reuses = 0
			p.mu.Unlock()
			p.restore(c)
			continue
		}
		report.UnhealthyCount++
		p.discard(c, "health check failed")
	}

	if report.UnhealthyCount > 0 && ctx.Err() == nil {
		report.Replenished = p.ensureMinimum(ctx)
	}

	if report.Checked > 0 {
		report.AvgResponseTime = totalResponseTime / time.Duration(report.Checked)
	}

	healthRatio := 1.0
	if report.Checked > 0 {
		healthRatio = float64(report.HealthyCount) / float64(report.Checked)
	}
	switch {
	case healthRatio >= 0.9:
		report.OverallHealth = HealthStatusHealthy
	case healthRatio >= 0.7:
		report.OverallHealth = HealthStatusDegraded
		report.Recommendations = append(report.Recommendations,
			"Pool health is degraded - check backend reachability")
	default:
		report.OverallHealth = HealthStatusUnhealthy
		report.Recommendations = append(report.Recommendations,
			"Pool health is critical - most idle connections failed validation")
	}

	return report, nil
}
