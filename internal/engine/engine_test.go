package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/breaker"
	"github.com/Mrassimo/datapilot-sub015/internal/config"
	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/model"
	"github.com/Mrassimo/datapilot-sub015/internal/stream"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Dir = t.TempDir()
	cfg.WorkerPool.Workers = 2
	cfg.WorkerPool.QueueSize = 16
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config) *Engine {
	t.Helper()
	if cfg == nil {
		cfg = testConfig(t)
	}
	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(5 * time.Second) })
	return eng
}

// lineCounter tallies newlines across chunks. It ignores replays of a
// chunk index it already applied, which is how a consumer is expected
// to stay correct under chunk retries.
type lineCounter struct {
	mu        sync.Mutex
	lastIndex int
	lines     int
	calls     int
}

func newLineCounter() *lineCounter { return &lineCounter{lastIndex: -1} }

func (l *lineCounter) Consume(_ context.Context, chunk stream.Chunk) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if chunk.Index <= l.lastIndex {
		return nil
	}
	l.lastIndex = chunk.Index
	l.lines += bytes.Count(chunk.Data, []byte{'\n'})
	return nil
}

func (l *lineCounter) Section() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.Marshal(map[string]int{"lines": l.lines})
}

func TestNewBuildsAndStops(t *testing.T) {
	cfg := testConfig(t)
	eng, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))

	snap := eng.SystemSnapshot()
	assert.NotEmpty(t, snap.EngineID)
	assert.Equal(t, eng.ID(), snap.EngineID)
	assert.Equal(t, 2, snap.Pool.MaxWorkers)
	assert.False(t, snap.Time.IsZero())

	require.NoError(t, eng.Stop(5*time.Second))
	require.NoError(t, eng.Stop(5*time.Second))
}

func TestExecuteRunsTaskAndCreatesBreaker(t *testing.T) {
	eng := newTestEngine(t, nil)

	value, err := eng.Execute(context.Background(), "answer", model.Task{
		Payload: model.FuncPayload{
			Fn: func(context.Context) (interface{}, error) { return 42, nil },
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 42, value)

	_, ok := eng.Breakers().Get("answer")
	assert.True(t, ok)
	assert.Equal(t, uint64(1), eng.Pool().Stats().CompletedTasks)
}

func TestExecuteRoutesToRegisteredHandler(t *testing.T) {
	eng := newTestEngine(t, nil)
	eng.RegisterHandler(model.TaskKindSection, func(_ context.Context, task model.Task) (interface{}, error) {
		p := task.Payload.(model.SectionPayload)
		return p.Section + " of " + p.Path, nil
	})

	value, err := eng.Execute(context.Background(), "run-section", model.Task{
		Payload: model.SectionPayload{Path: "rows.csv", Section: "quality"},
	})
	require.NoError(t, err)
	assert.Equal(t, "quality of rows.csv", value)
}

func TestProcessFileCountsLinesAndCaches(t *testing.T) {
	cfg := testConfig(t)
	cfg.Stream.MinChunkSize = 1024
	cfg.Stream.MaxChunkSize = 1024
	cfg.Stream.InitialChunkSize = 1024
	eng := newTestEngine(t, cfg)

	// 140 lines of 22 bytes each: chunk boundaries at a fixed 1024
	// size land mid-line, so the count only comes out right when
	// every chunk is seen exactly once and in order.
	var b strings.Builder
	for i := 0; i < 140; i++ {
		fmt.Fprintf(&b, "%021d\n", i)
	}
	path := filepath.Join(t.TempDir(), "rows.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))

	counter := newLineCounter()
	report, err := eng.ProcessFile(context.Background(), path, "rowcount", counter)
	require.NoError(t, err)
	assert.False(t, report.FromCache)
	assert.Equal(t, int64(1024), report.Decision.ChunkSize)
	require.NotNil(t, report.Stream)
	assert.Equal(t, int64(3080), report.Stream.Bytes)
	assert.Equal(t, int64(4), report.Stream.Chunks)
	assert.JSONEq(t, `{"lines":140}`, string(report.SectionData))
	assert.Equal(t, 4, counter.calls)
	assert.Equal(t, uint64(1), eng.Chunker().LearningStats().Recorded)

	fresh := newLineCounter()
	cached, err := eng.ProcessFile(context.Background(), path, "rowcount", fresh)
	require.NoError(t, err)
	assert.True(t, cached.FromCache)
	assert.Equal(t, report.SectionData, cached.SectionData)
	assert.Zero(t, fresh.calls)
	assert.Equal(t, int64(1), eng.Cache().Stats().Memory.Hits)
}

func TestProcessFileRetriesThenPropagatesError(t *testing.T) {
	cfg := testConfig(t)
	cfg.ErrorHandler.BaseDelay = time.Millisecond
	cfg.ErrorHandler.MaxDelay = 2 * time.Millisecond
	eng := newTestEngine(t, cfg)

	path := filepath.Join(t.TempDir(), "rows.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b,c\n1,2,3\n"), 0o644))

	var calls atomic.Int64
	consumer := ChunkConsumerFunc(func(context.Context, stream.Chunk) error {
		calls.Add(1)
		return errors.New("boom")
	})

	_, err := eng.ProcessFile(context.Background(), path, "", consumer)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chunk 0")
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, int64(2), calls.Load())
	assert.Equal(t, uint64(2), eng.ErrorHandler().HealthStatus().TotalErrors)
}

func TestProcessFileRejectsNilConsumer(t *testing.T) {
	eng := newTestEngine(t, nil)
	_, err := eng.ProcessFile(context.Background(), "rows.csv", "", nil)
	require.Error(t, err)
	assert.Equal(t, xerrors.ErrCodeInvalidArgument, xerrors.CodeOf(err))
}

func TestProcessFilesFansOut(t *testing.T) {
	eng := newTestEngine(t, nil)
	dir := t.TempDir()

	sizes := map[string]int{}
	var paths []string
	for i := 0; i < 3; i++ {
		path := filepath.Join(dir, fmt.Sprintf("part-%d.csv", i))
		payload := strings.Repeat("x", 100*(i+1))
		require.NoError(t, os.WriteFile(path, []byte(payload), 0o644))
		paths = append(paths, path)
		sizes[path] = len(payload)
	}

	var mu sync.Mutex
	consumed := map[string]int{}
	newConsumer := func(path string) ChunkConsumer {
		return ChunkConsumerFunc(func(_ context.Context, chunk stream.Chunk) error {
			mu.Lock()
			consumed[path] += len(chunk.Data)
			mu.Unlock()
			return nil
		})
	}

	reports, err := eng.ProcessFiles(context.Background(), paths, "", newConsumer)
	require.NoError(t, err)
	require.Len(t, reports, 3)
	for _, path := range paths {
		assert.Equal(t, sizes[path], consumed[path], path)
		assert.Equal(t, int64(sizes[path]), reports[path].Stream.Bytes, path)
	}

	missing := filepath.Join(dir, "missing.csv")
	_, err = eng.ProcessFiles(context.Background(), append(paths, missing), "", func(string) ChunkConsumer {
		return ChunkConsumerFunc(func(context.Context, stream.Chunk) error { return nil })
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.csv")
}

func TestEmergencyRecoveryRestoresService(t *testing.T) {
	eng := newTestEngine(t, nil)

	br := eng.Breakers().GetOrCreate("flaky")
	br.ForceOpen()

	_, err := eng.Execute(context.Background(), "flaky", model.Task{
		Payload: model.FuncPayload{
			Fn: func(context.Context) (interface{}, error) { return nil, nil },
		},
	})
	require.ErrorIs(t, err, xerrors.ErrCircuitOpen)
	require.GreaterOrEqual(t, eng.ErrorHandler().HealthStatus().TotalErrors, uint64(1))

	report := eng.EmergencyRecovery(context.Background())
	assert.Equal(t, 1, report.BreakersReset)
	assert.NoError(t, report.CleanupErr)
	assert.Positive(t, report.Duration)

	assert.Equal(t, breaker.StateClosed, br.State())
	assert.Zero(t, eng.ErrorHandler().HealthStatus().TotalErrors)

	value, err := eng.Execute(context.Background(), "flaky", model.Task{
		Payload: model.FuncPayload{
			Fn: func(context.Context) (interface{}, error) { return "ok", nil },
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", value)
}

func TestSystemSnapshotAggregatesComponents(t *testing.T) {
	eng := newTestEngine(t, nil)

	_, err := eng.Execute(context.Background(), "snap-op", model.Task{
		Payload: model.FuncPayload{
			Fn: func(context.Context) (interface{}, error) { return nil, nil },
		},
	})
	require.NoError(t, err)

	snap := eng.SystemSnapshot()
	assert.Equal(t, uint64(1), snap.Pool.CompletedTasks)
	assert.Equal(t, 1, snap.BreakerHealth.Total)
	assert.Contains(t, snap.Breakers, "snap-op")
	assert.Equal(t, int64(1024)<<20, snap.Memory.MaxMemoryBytes)
	assert.NotNil(t, snap.Pools)
	assert.Zero(t, snap.Cache.Memory.Entries)
	assert.Zero(t, snap.EventsDropped)
}
