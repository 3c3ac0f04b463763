package connpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errBackendDown = errors.New("backend down")

type fakeLink struct {
	id     int64
	bad    atomic.Bool
	closed atomic.Bool
}

// fakeFactory hands out numbered links and counts every lifecycle call.
type fakeFactory struct {
	seq        atomic.Int64
	attempts   atomic.Int64
	created    atomic.Int64
	destroyed  atomic.Int64
	validated  atomic.Int64
	failNext   atomic.Int64
	failAlways atomic.Bool
	unhealthy  atomic.Bool

	createDelay time.Duration
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{}
}

func (f *fakeFactory) Create(ctx context.Context) (*fakeLink, error) {
	f.attempts.Add(1)
	if f.createDelay > 0 {
		select {
		case <-time.After(f.createDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failAlways.Load() || f.failNext.Add(-1) >= 0 {
		return nil, errBackendDown
	}
	f.created.Add(1)
	return &fakeLink{id: f.seq.Add(1)}, nil
}

func (f *fakeFactory) Validate(ctx context.Context, link *fakeLink) bool {
	f.validated.Add(1)
	return !f.unhealthy.Load() && !link.bad.Load()
}

func (f *fakeFactory) Destroy(link *fakeLink) error {
	link.closed.Store(true)
	f.destroyed.Add(1)
	return nil
}

// mockFactory is a testify mock for interaction tests.
type mockFactory struct {
	mock.Mock
}

func (m *mockFactory) Create(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockFactory) Validate(ctx context.Context, link string) bool {
	args := m.Called(ctx, link)
	return args.Bool(0)
}

func (m *mockFactory) Destroy(link string) error {
	args := m.Called(link)
	return args.Error(0)
}

func testConfig(minSize, maxSize int) Config {
	return Config{
		MinSize:         minSize,
		MaxSize:         maxSize,
		AcquireTimeout:  2 * time.Second,
		CreateAttempts:  1,
		CreateBackoff:   time.Millisecond,
		ShutdownTimeout: 2 * time.Second,
	}
}

func newTestPool(t *testing.T, cfg Config, f Factory[*fakeLink]) *Pool[*fakeLink] {
	t.Helper()
	p, err := New[*fakeLink](cfg, f, WithName(t.Name()))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
	return p
}

func waitForWaiters(t *testing.T, p *Pool[*fakeLink], n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Stats().WaiterCount == n
	}, 2*time.Second, time.Millisecond)
}
