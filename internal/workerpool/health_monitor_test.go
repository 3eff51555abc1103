package workerpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/model"
)

func newMonitoredPool(t *testing.T, poolCfg Config, monCfg MonitorConfig) (*Pool, *HealthMonitor, *events.Bus) {
	t.Helper()
	bus := events.NewBus(256, zap.NewNop())
	p := New(poolCfg, bus, nil, nil, zap.NewNop())
	m := NewHealthMonitor(monCfg, p, bus, zap.NewNop())
	t.Cleanup(func() {
		m.Stop()
		_ = p.Stop()
		bus.Close()
	})
	return p, m, bus
}

func TestMonitorTracksTaskEventsPassively(t *testing.T) {
	// A huge interval keeps probe rounds out of the picture; only bus
	// events drive the records.
	p, m, _ := newMonitoredPool(t, Config{Workers: 2}, MonitorConfig{HeartbeatInterval: time.Hour})
	m.Start()

	for i := 0; i < 2; i++ {
		res := p.SubmitWait(context.Background(), funcTask(func(context.Context) (interface{}, error) {
			return nil, nil
		}))
		require.NoError(t, res.Err)
	}
	res := p.SubmitWait(context.Background(), funcTask(func(context.Context) (interface{}, error) {
		return nil, errors.New("bad row")
	}))
	require.Error(t, res.Err)

	require.Eventually(t, func() bool {
		sys := m.SystemHealth()
		return sys.TotalTasks == 3 && sys.TotalErrors == 1
	}, 2*time.Second, 10*time.Millisecond)

	var tasks, errs int64
	for _, h := range m.AllWorkerHealth() {
		tasks += h.TaskCount
		errs += h.ErrorCount
		assert.True(t, h.IsHealthy)
	}
	assert.Equal(t, int64(3), tasks)
	assert.Equal(t, int64(1), errs)
}

func TestMonitorProbeRoundsPopulateRecords(t *testing.T) {
	_, m, _ := newMonitoredPool(t, Config{Workers: 2}, MonitorConfig{
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  200 * time.Millisecond,
	})
	m.Start()

	require.Eventually(t, func() bool {
		sys := m.SystemHealth()
		return sys.TotalWorkers == 2 && sys.HealthyWorkers == 2
	}, 2*time.Second, 10*time.Millisecond)

	for id, h := range m.AllWorkerHealth() {
		assert.Equal(t, id, h.WorkerID)
		assert.True(t, h.IsHealthy)
		assert.Equal(t, model.WorkerStatusIdle, h.Status)
		assert.False(t, h.LastHeartbeat.IsZero())
		assert.Zero(t, h.MissedBeats)
	}
	sys := m.SystemHealth()
	assert.Greater(t, sys.AverageResponseTime, time.Duration(0))
	assert.Zero(t, sys.UnhealthyWorkers)
}

func TestMonitorAutoReplacesUnresponsiveWorker(t *testing.T) {
	p, m, _ := newMonitoredPool(t, Config{Workers: 2}, MonitorConfig{
		HeartbeatInterval:   20 * time.Millisecond,
		HeartbeatTimeout:    100 * time.Millisecond,
		MaxMissedHeartbeats: 2,
		AutoRecovery:        true,
	})

	victim := p.WorkerIDs()[0]
	m.probe = func(w *worker, timeout time.Duration, cancel <-chan struct{}) (HeartbeatReply, bool) {
		if w.id == victim {
			return HeartbeatReply{}, false
		}
		return pingWorker(w, timeout, cancel)
	}
	m.Start()

	require.Eventually(t, func() bool {
		for _, id := range p.WorkerIDs() {
			if id == victim {
				return false
			}
		}
		return p.Stats().ReplacedWorkers == 1
	}, 3*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		sys := m.SystemHealth()
		return sys.Replacements == 1 && sys.HealthyWorkers == 2 && sys.UnhealthyWorkers == 0
	}, 3*time.Second, 10*time.Millisecond)

	_, tracked := m.WorkerHealth(victim)
	assert.False(t, tracked)
}

func TestMonitorGracePeriodDefersReplacement(t *testing.T) {
	p, m, _ := newMonitoredPool(t, Config{Workers: 2}, MonitorConfig{
		HeartbeatInterval:   20 * time.Millisecond,
		HeartbeatTimeout:    100 * time.Millisecond,
		MaxMissedHeartbeats: 2,
		AutoRecovery:        true,
		GracePeriod:         time.Hour,
	})

	victim := p.WorkerIDs()[0]
	m.probe = func(w *worker, timeout time.Duration, cancel <-chan struct{}) (HeartbeatReply, bool) {
		if w.id == victim {
			return HeartbeatReply{}, false
		}
		return pingWorker(w, timeout, cancel)
	}
	m.Start()

	require.Eventually(t, func() bool {
		h, ok := m.WorkerHealth(victim)
		return ok && !h.IsHealthy && h.Status == model.WorkerStatusUnresponsive
	}, 3*time.Second, 10*time.Millisecond)

	// Unresponsive but still within grace, so the worker stays.
	assert.Contains(t, p.WorkerIDs(), victim)
	assert.Equal(t, uint64(0), p.Stats().ReplacedWorkers)

	sys := m.SystemHealth()
	assert.Equal(t, 1, sys.UnhealthyWorkers)
	assert.Equal(t, int64(0), sys.Replacements)
}

func TestMonitorMemoryCeilingAccounting(t *testing.T) {
	_, m, bus := newMonitoredPool(t, Config{Workers: 1}, MonitorConfig{
		HeartbeatInterval: time.Hour,
		MemoryCeiling:     1024,
	})
	m.Start()

	bus.Publish(events.Event{Type: events.TypeWorkerMemory, WorkerID: "w-mem", Bytes: 4096})

	require.Eventually(t, func() bool {
		h, ok := m.WorkerHealth("w-mem")
		return ok && h.MemoryUsage == 4096
	}, 2*time.Second, 10*time.Millisecond)

	sys := m.SystemHealth()
	assert.Equal(t, 1, sys.OverCeilingWorkers)

	bus.Publish(events.Event{Type: events.TypeWorkerMemory, WorkerID: "w-mem", Bytes: 512})
	require.Eventually(t, func() bool {
		return m.SystemHealth().OverCeilingWorkers == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMonitorAccessorsAfterStop(t *testing.T) {
	_, m, _ := newMonitoredPool(t, Config{Workers: 1}, MonitorConfig{
		HeartbeatInterval: 20 * time.Millisecond,
	})
	m.Start()

	require.Eventually(t, func() bool {
		return m.SystemHealth().TotalWorkers == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop()

	_, ok := m.WorkerHealth("worker-1")
	assert.False(t, ok)
	assert.False(t, m.IsHealthy("worker-1"))
	assert.Empty(t, m.AllWorkerHealth())
	assert.Equal(t, model.SystemHealthMetrics{}, m.SystemHealth())
}
