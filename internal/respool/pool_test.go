package respool

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	perrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
)

type fakeConn struct {
	id     int32
	ok     bool
	closed bool
}

func newFakeFactory() (func() (*fakeConn, error), *int32) {
	var counter int32
	return func() (*fakeConn, error) {
		return &fakeConn{id: atomic.AddInt32(&counter, 1), ok: true}, nil
	}, &counter
}

func newTestPool(t *testing.T, cfg Config) (*Pool[*fakeConn], *int32) {
	t.Helper()
	factory, counter := newFakeFactory()
	validator := func(c *fakeConn) bool { return c.ok }
	cleanup := func(c *fakeConn) error {
		c.closed = true
		return nil
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = time.Hour // keep the sweep out of timing-sensitive tests
	}
	p, err := NewPool(cfg, factory, validator, cleanup, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, counter
}

func TestPoolReusesReleasedResource(t *testing.T) {
	p, counter := newTestPool(t, Config{Name: "conns", MaxResourceAge: time.Hour})

	a, err := p.Acquire()
	require.NoError(t, err)
	p.Release(a)

	b, err := p.Acquire()
	require.NoError(t, err)

	assert.Same(t, a.Resource, b.Resource, "released resource comes back on next acquire")
	assert.Equal(t, int32(1), atomic.LoadInt32(counter), "factory ran once")
	assert.Equal(t, int64(2), b.UseCount())

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Created)
	assert.Equal(t, int64(1), stats.Reused)
	assert.InDelta(t, 0.5, stats.ReuseRatio(), 0.001)
}

func TestPoolNeverReturnsExpiredResource(t *testing.T) {
	p, counter := newTestPool(t, Config{Name: "conns", MaxResourceAge: 10 * time.Millisecond})

	a, err := p.Acquire()
	require.NoError(t, err)
	first := a.Resource
	p.Release(a)

	time.Sleep(25 * time.Millisecond)

	b, err := p.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, first, b.Resource, "expired resource must not be handed out")
	assert.True(t, first.closed, "expired resource was destroyed")
	assert.Equal(t, int32(2), atomic.LoadInt32(counter))
}

func TestPoolValidatorRejectsOnRelease(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "conns", MaxResourceAge: time.Hour})

	a, err := p.Acquire()
	require.NoError(t, err)
	a.Resource.ok = false
	p.Release(a)

	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle, "invalid resource is not reinserted")
	assert.Equal(t, int64(1), stats.Destroyed)
	assert.True(t, a.Resource.closed)
}

func TestPoolExhausted(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "conns", MaxPoolSize: 2, MaxResourceAge: time.Hour})

	a, err := p.Acquire()
	require.NoError(t, err)
	_, err = p.Acquire()
	require.NoError(t, err)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, perrors.ErrPoolExhausted)

	// A release frees a slot
	p.Release(a)
	_, err = p.Acquire()
	assert.NoError(t, err)
}

func TestPoolLazyInvalidationOfOutstanding(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "conns", MaxResourceAge: 10 * time.Millisecond})

	a, err := p.Acquire()
	require.NoError(t, err)

	time.Sleep(25 * time.Millisecond)
	p.CleanupExpired()

	// The holder still owns the resource; destruction happens at release.
	assert.False(t, a.Resource.closed)

	p.Release(a)
	assert.True(t, a.Resource.closed)
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestPoolCleanupEvictsExpiredIdle(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "conns", MaxResourceAge: 10 * time.Millisecond})

	a, err := p.Acquire()
	require.NoError(t, err)
	p.Release(a)

	time.Sleep(25 * time.Millisecond)
	evicted := p.CleanupExpired()

	assert.Equal(t, 1, evicted)
	assert.Equal(t, 0, p.Stats().Idle)
	assert.True(t, a.Resource.closed)
}

func TestPoolDoubleReleaseIgnored(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "conns", MaxResourceAge: time.Hour})

	a, err := p.Acquire()
	require.NoError(t, err)
	p.Release(a)
	p.Release(a)

	stats := p.Stats()
	assert.Equal(t, 1, stats.Idle)
	assert.Equal(t, int64(0), stats.Destroyed)
}

func TestPoolCloseDestroysIdleAndRejectsAcquires(t *testing.T) {
	p, _ := newTestPool(t, Config{Name: "conns", MaxResourceAge: time.Hour})

	a, err := p.Acquire()
	require.NoError(t, err)
	p.Release(a)

	require.NoError(t, p.Close())
	assert.True(t, a.Resource.closed)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, perrors.ErrPoolClosed)
}

func TestPoolFactoryError(t *testing.T) {
	boom := errors.New("no descriptors left")
	p, err := NewPool(Config{Name: "bad", CleanupInterval: time.Hour},
		func() (*fakeConn, error) { return nil, boom },
		nil, nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Acquire()
	assert.ErrorIs(t, err, boom)
}

func TestManagerRegisterAndStats(t *testing.T) {
	m := NewManager(nil, zap.NewNop())

	p, err := RegisterPool(m, Config{Name: "files", MaxResourceAge: time.Hour, CleanupInterval: time.Hour},
		func() (*fakeConn, error) { return &fakeConn{ok: true}, nil }, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)
	defer p.Close()

	_, err = RegisterPool(m, Config{Name: "files", CleanupInterval: time.Hour},
		func() (*fakeConn, error) { return &fakeConn{ok: true}, nil }, nil, nil, nil, zap.NewNop())
	assert.Error(t, err, "duplicate name rejected")

	a, err := p.Acquire()
	require.NoError(t, err)
	p.Release(a)

	stats := m.Stats()
	require.Contains(t, stats, "files")
	assert.Equal(t, 1, stats["files"].Idle)
}

func TestManagerCloseAll(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	p, err := RegisterPool(m, Config{Name: "conns", MaxResourceAge: time.Hour, CleanupInterval: time.Hour},
		func() (*fakeConn, error) { return &fakeConn{ok: true}, nil }, nil, nil, nil, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, m.CloseAll())

	_, err = p.Acquire()
	assert.ErrorIs(t, err, perrors.ErrPoolClosed)
	assert.Empty(t, m.Stats())
}
