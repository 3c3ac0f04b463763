package connpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newBenchPool(b *testing.B, minSize, maxSize int) *Pool[*fakeLink] {
	cfg := DefaultConfig()
	cfg.MinSize = minSize
	cfg.MaxSize = maxSize
	cfg.AcquireTimeout = 5 * time.Second
	cfg.HealthCheckInterval = time.Hour
	cfg.EvictionInterval = time.Hour

	p, err := New[*fakeLink](cfg, newFakeFactory(), WithName(b.Name()))
	require.NoError(b, err)
	b.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Close(ctx)
	})
	return p
}

func BenchmarkPool_AcquireRelease(b *testing.B) {
	p := newBenchPool(b, 10, 100)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c, err := p.Acquire(ctx)
			if err != nil {
				b.Errorf("Acquire failed: %v", err)
				continue
			}
			if err := c.Release(); err != nil {
				b.Errorf("Release failed: %v", err)
			}
		}
	})
}

func BenchmarkPool_Contended(b *testing.B) {
	// Far more goroutines than connections, so most acquisitions go through
	// the waiter queue.
	p := newBenchPool(b, 2, 4)
	ctx := context.Background()

	b.ResetTimer()
	b.SetParallelism(16)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			err := p.WithConnection(ctx, func(ctx context.Context, c *Conn[*fakeLink]) error {
				time.Sleep(10 * time.Microsecond)
				return nil
			})
			if err != nil {
				b.Errorf("WithConnection failed: %v", err)
			}
		}
	})
}

func BenchmarkPool_Stats(b *testing.B) {
	p := newBenchPool(b, 4, 8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = p.Stats()
	}
}
