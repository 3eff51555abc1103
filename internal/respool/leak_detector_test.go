package respool

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/events"
)

func TestSeverityForAge(t *testing.T) {
	maxAge := time.Minute
	tests := []struct {
		age  time.Duration
		want Severity
	}{
		{90 * time.Second, SeverityLow},
		{2 * time.Minute, SeverityMedium},
		{4 * time.Minute, SeverityMedium},
		{5 * time.Minute, SeverityHigh},
		{9 * time.Minute, SeverityHigh},
		{10 * time.Minute, SeverityCritical},
		{time.Hour, SeverityCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, severityForAge(tt.age, maxAge), "age %s", tt.age)
	}
}

func newTestDetector(cfg LeakDetectorConfig, bus *events.Bus) *LeakDetector {
	return NewLeakDetector(cfg, bus, nil, zap.NewNop())
}

// backdate rewrites a tracked handle's creation time so scans see it as old.
func backdate(d *LeakDetector, resourceType, id string, age time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resources[resourceKey(resourceType, id)].createdAt = time.Now().Add(-age)
}

func TestLeakDetectorTrackUntrack(t *testing.T) {
	d := newTestDetector(LeakDetectorConfig{MaxAge: time.Minute}, nil)

	d.Track("file", "a.csv", nil)
	d.Track("file", "b.csv", nil)
	d.Track("session", "a.csv", nil) // same id, different type

	stats := d.ResourceStats()
	assert.Equal(t, 3, stats.Tracked)
	assert.Equal(t, 2, stats.TrackedByType["file"])
	assert.Equal(t, 1, stats.TrackedByType["session"])

	assert.True(t, d.Untrack("file", "a.csv"))
	assert.False(t, d.Untrack("file", "a.csv"), "second untrack reports unknown")
	assert.Equal(t, 2, d.ResourceStats().Tracked)
}

func TestLeakDetectorScanSeverities(t *testing.T) {
	d := newTestDetector(LeakDetectorConfig{MaxAge: time.Minute}, nil)

	d.Track("file", "fresh", nil)
	d.Track("file", "low", nil)
	d.Track("file", "medium", nil)
	d.Track("file", "high", nil)
	d.Track("file", "critical", nil)

	backdate(d, "file", "low", 90*time.Second)
	backdate(d, "file", "medium", 3*time.Minute)
	backdate(d, "file", "high", 6*time.Minute)
	backdate(d, "file", "critical", 15*time.Minute)

	leaks := d.Scan()
	require.Len(t, leaks, 4, "fresh handle is not a leak")

	got := make(map[string]Severity, len(leaks))
	for _, l := range leaks {
		got[l.ID] = l.Severity
	}
	assert.Equal(t, SeverityLow, got["low"])
	assert.Equal(t, SeverityMedium, got["medium"])
	assert.Equal(t, SeverityHigh, got["high"])
	assert.Equal(t, SeverityCritical, got["critical"])

	stats := d.ResourceStats()
	assert.Equal(t, 4, stats.PotentialLeaks)
	assert.Equal(t, int64(1), stats.LeaksBySeverity[SeverityLow])
}

func TestLeakDetectorReportsOnlyOnEscalation(t *testing.T) {
	bus := events.NewBus(16, zap.NewNop())
	defer bus.Close()
	sub := bus.Subscribe(events.TypeLeakDetected)
	defer sub.Cancel()

	d := newTestDetector(LeakDetectorConfig{MaxAge: time.Minute}, bus)
	d.Track("file", "slow", nil)
	backdate(d, "file", "slow", 90*time.Second)

	require.Len(t, d.Scan(), 1)
	require.Len(t, d.Scan(), 1, "still overdue on rescan")

	// Only the first scan published; the second saw an unchanged severity.
	select {
	case ev := <-sub.C:
		assert.Equal(t, "file", ev.Name)
		assert.Equal(t, "slow", ev.Detail)
	default:
		t.Fatal("expected a leak event from the first scan")
	}
	select {
	case <-sub.C:
		t.Fatal("unchanged severity must not re-publish")
	default:
	}

	// Escalating to medium re-reports.
	backdate(d, "file", "slow", 3*time.Minute)
	d.Scan()
	select {
	case ev := <-sub.C:
		assert.Equal(t, "slow", ev.Detail)
	default:
		t.Fatal("severity escalation should publish again")
	}
}

func TestLeakDetectorCountAlarmEscalates(t *testing.T) {
	d := newTestDetector(LeakDetectorConfig{MaxAge: time.Minute, CountWarning: 2}, nil)

	for _, id := range []string{"a", "b", "c"} {
		d.Track("conn", id, nil)
		backdate(d, "conn", id, 90*time.Second)
	}

	leaks := d.Scan()
	require.Len(t, leaks, 3)
	for _, l := range leaks {
		assert.Equal(t, SeverityMedium, l.Severity, "count alarm bumps low to medium")
	}
}

func TestForceCleanupAllRunsEachCleanupOnce(t *testing.T) {
	d := newTestDetector(LeakDetectorConfig{MaxAge: time.Minute}, nil)

	calls := make(map[string]int)
	for _, id := range []string{"a", "b"} {
		id := id
		d.Track("file", id, func() error {
			calls[id]++
			return nil
		})
	}
	d.Track("file", "broken", func() error { return errors.New("close failed") })

	n, err := d.ForceCleanupAll()
	assert.Equal(t, 3, n)
	assert.Error(t, err)
	assert.Equal(t, 1, calls["a"])
	assert.Equal(t, 1, calls["b"])
	assert.Equal(t, 0, d.ResourceStats().Tracked)
	assert.Equal(t, int64(3), d.ResourceStats().ForcedCleanups)

	n, err = d.ForceCleanupAll()
	assert.Equal(t, 0, n)
	assert.NoError(t, err, "registry already drained")
}

func TestLeakDetectorStartStop(t *testing.T) {
	d := newTestDetector(LeakDetectorConfig{ScanInterval: 5 * time.Millisecond, MaxAge: time.Minute}, nil)
	d.Start()
	time.Sleep(20 * time.Millisecond)
	d.Stop()
	d.Stop() // idempotent
}
