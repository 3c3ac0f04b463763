package connpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshot_Derived(t *testing.T) {
	tests := []struct {
		name            string
		snap            Snapshot
		wantTotal       int
		wantUtilization float64
	}{
		{
			name:            "Empty",
			snap:            Snapshot{},
			wantTotal:       0,
			wantUtilization: 0,
		},
		{
			name:            "Half in use",
			snap:            Snapshot{MaxSize: 4, IdleCount: 1, InUseCount: 2},
			wantTotal:       3,
			wantUtilization: 0.5,
		},
		{
			name:            "Saturated",
			snap:            Snapshot{MaxSize: 2, InUseCount: 2},
			wantTotal:       2,
			wantUtilization: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantTotal, tt.snap.Total())
			assert.InDelta(t, tt.wantUtilization, tt.snap.Utilization(), 0.0001)
		})
	}
}

func TestStats_Counters(t *testing.T) {
	f := newFakeFactory()
	cfg := testConfig(1, 2)
	cfg.AcquireTimeout = 20 * time.Millisecond
	p := newTestPool(t, cfg, f)

	c1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background())
	require.NoError(t, err)

	_, err = p.Acquire(context.Background())
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.NoError(t, c1.Release())
	require.NoError(t, c2.Invalidate())

	stats := p.Stats()
	assert.Equal(t, t.Name(), stats.Name)
	assert.Equal(t, 1, stats.MinSize)
	assert.Equal(t, 2, stats.MaxSize)
	assert.Equal(t, 1, stats.IdleCount)
	assert.Equal(t, 0, stats.InUseCount)
	assert.Equal(t, 0, stats.WaiterCount)
	assert.False(t, stats.Closed)
	assert.Equal(t, int64(2), stats.TotalCreated)
	assert.Equal(t, int64(1), stats.TotalDestroyed)
	assert.Equal(t, int64(3), stats.Requests)
	assert.Equal(t, int64(2), stats.Successes)
	assert.Equal(t, int64(1), stats.Timeouts)
	assert.Equal(t, int64(1), stats.Invalidated)
	assert.False(t, stats.Timestamp.IsZero())
}
