// Package stream reads files in adaptively sized chunks. Each file gets
// a session whose chunk size starts from a configured baseline and is
// re-tuned as the read progresses: the memory optimizer's
// recommendation first, then a throughput comparison against the
// configured target, with hysteresis so the size does not oscillate.
// Memory pressure events shrink every active session immediately.
package stream

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/events"
	"github.com/Mrassimo/datapilot-sub015/internal/memory"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
)

// ChunkFunc handles one chunk of a streamed file. Data is owned by the
// streamer's buffer pool and is only valid until the callback returns;
// implementations must copy anything they keep.
type ChunkFunc func(ctx context.Context, chunk Chunk) error

// Chunk is one fixed-position read of a session's file.
type Chunk struct {
	Index  int
	Offset int64
	Data   []byte
	Last   bool
}

// Config controls session sizing and concurrency.
type Config struct {
	MinChunkSize          int64
	MaxChunkSize          int64
	InitialChunkSize      int64
	TargetThroughputMBps  float64
	AdaptationInterval    int
	HysteresisRatio       float64
	MaxConcurrentSessions int64
	ReadTimeout           time.Duration
}

func (c *Config) setDefaults() {
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = 64 * 1024
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 16 * 1024 * 1024
	}
	if c.MaxChunkSize < c.MinChunkSize {
		c.MaxChunkSize = c.MinChunkSize
	}
	if c.InitialChunkSize <= 0 {
		c.InitialChunkSize = 1024 * 1024
	}
	c.InitialChunkSize = clampSize(c.InitialChunkSize, c.MinChunkSize, c.MaxChunkSize)
	if c.TargetThroughputMBps <= 0 {
		c.TargetThroughputMBps = 50
	}
	if c.AdaptationInterval <= 0 {
		c.AdaptationInterval = 4
	}
	if c.HysteresisRatio <= 0 {
		c.HysteresisRatio = 0.1
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 8
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
}

// Session tracks one file being streamed.
type Session struct {
	ID   string
	Path string
	Size int64

	chunkSize   atomic.Int64
	bytesRead   atomic.Int64
	chunks      atomic.Int64
	adaptations atomic.Int64
	startedAt   time.Time
}

func (s *Session) throughputMBps() float64 {
	elapsed := time.Since(s.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.bytesRead.Load()) / (1 << 20) / elapsed
}

// SessionInfo is a point-in-time view of an active session.
type SessionInfo struct {
	ID             string
	Path           string
	Size           int64
	BytesRead      int64
	Chunks         int64
	Adaptations    int64
	ChunkSize      int64
	ThroughputMBps float64
	Duration       time.Duration
}

// SessionReport summarizes a finished session.
type SessionReport struct {
	SessionID      string
	Path           string
	Bytes          int64
	Chunks         int64
	Adaptations    int64
	Duration       time.Duration
	ThroughputMBps float64
	FinalChunkSize int64
}

// Stats is a snapshot of streamer totals.
type Stats struct {
	ActiveSessions    int
	CompletedSessions int64
	FailedSessions    int64
	BytesStreamed     int64
	ChunksStreamed    int64
	Adaptations       int64
}

// Streamer runs adaptive streaming sessions over files.
type Streamer struct {
	config  Config
	memory  *memory.Optimizer
	gc      *memory.GCOptimizer
	metrics *metrics.Metrics
	logger  *zap.Logger

	sem *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*Session

	completed atomic.Int64
	failed    atomic.Int64
	bytes     atomic.Int64
	chunkN    atomic.Int64
	adaptN    atomic.Int64

	sub      *events.Subscription
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a streamer. gc, bus, and m may be nil; mem must not be.
// When bus is set the streamer reacts to memory pressure events until
// Stop is called.
func New(cfg Config, mem *memory.Optimizer, gc *memory.GCOptimizer, bus *events.Bus, m *metrics.Metrics, logger *zap.Logger) *Streamer {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Streamer{
		config:   cfg,
		memory:   mem,
		gc:       gc,
		metrics:  m,
		logger:   logger.Named("stream"),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrentSessions),
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
	}
	if bus != nil {
		s.sub = bus.Subscribe(events.TypeMemoryPressure, events.TypeMemoryCritical)
		s.wg.Add(1)
		go s.reactLoop()
	}
	return s
}

// Stop detaches the streamer from memory events. Sessions already in
// flight run to completion under their own contexts.
func (s *Streamer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.sub != nil {
			s.sub.Cancel()
		}
	})
	s.wg.Wait()
}

// Process streams path chunk by chunk through fn. It blocks while the
// concurrent-session limit is reached, honoring ctx. On any error the
// file is closed, the in-flight buffer is discarded, and no report is
// returned.
func (s *Streamer) Process(ctx context.Context, path string, fn ChunkFunc) (*SessionReport, error) {
	return s.ProcessAt(ctx, path, s.config.InitialChunkSize, fn)
}

// ProcessAt is Process with an explicit starting chunk size, clamped to
// the configured bounds. Adaptation takes over from there.
func (s *Streamer) ProcessAt(ctx context.Context, path string, initialChunkSize int64, fn ChunkFunc) (*SessionReport, error) {
	if fn == nil {
		return nil, xerrors.New(xerrors.ErrCodeInvalidArgument, "nil chunk callback", nil)
	}
	if initialChunkSize <= 0 {
		initialChunkSize = s.config.InitialChunkSize
	}
	initialChunkSize = clampSize(initialChunkSize, s.config.MinChunkSize, s.config.MaxChunkSize)

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	sess := &Session{
		ID:        uuid.NewString(),
		Path:      path,
		Size:      info.Size(),
		startedAt: time.Now(),
	}
	sess.chunkSize.Store(initialChunkSize)
	s.addSession(sess)
	defer s.removeSession(sess.ID)

	s.logger.Info("stream session started",
		zap.String("session_id", sess.ID),
		zap.String("path", path),
		zap.String("size", humanize.IBytes(uint64(info.Size()))),
		zap.String("chunk_size", humanize.IBytes(uint64(initialChunkSize))))

	buffers := s.memory.Buffers()
	var offset int64
	index := 0
	for offset < sess.Size {
		if err := ctx.Err(); err != nil {
			s.failed.Add(1)
			return nil, err
		}

		n := sess.chunkSize.Load()
		remaining := sess.Size - offset
		if remaining <= 2*n && remaining > n {
			// Split the tail across two reads instead of leaving a sliver.
			n = (remaining + 1) / 2
		}
		if n > remaining {
			n = remaining
		}

		buf := buffers.Acquire(n)
		read, err := s.readAt(ctx, f, buf, offset)
		if err != nil {
			s.failed.Add(1)
			return nil, fmt.Errorf("read %s at %d: %w", path, offset, err)
		}

		chunk := Chunk{
			Index:  index,
			Offset: offset,
			Data:   buf[:read],
			Last:   offset+int64(read) >= sess.Size,
		}
		if err := fn(ctx, chunk); err != nil {
			s.failed.Add(1)
			return nil, fmt.Errorf("chunk %d of %s: %w", index, path, err)
		}
		buffers.Release(buf)

		offset += int64(read)
		index++
		sess.bytesRead.Store(offset)
		sess.chunks.Add(1)
		s.bytes.Add(int64(read))
		s.chunkN.Add(1)
		if s.metrics != nil {
			s.metrics.RecordChunk(int64(read))
		}

		if index%s.config.AdaptationInterval == 0 {
			s.adaptSession(sess)
		}
	}

	duration := time.Since(sess.startedAt)
	report := &SessionReport{
		SessionID:      sess.ID,
		Path:           path,
		Bytes:          offset,
		Chunks:         int64(index),
		Adaptations:    sess.adaptations.Load(),
		Duration:       duration,
		FinalChunkSize: sess.chunkSize.Load(),
	}
	if secs := duration.Seconds(); secs > 0 {
		report.ThroughputMBps = float64(offset) / (1 << 20) / secs
	}
	s.completed.Add(1)

	s.logger.Info("stream session finished",
		zap.String("session_id", sess.ID),
		zap.String("path", path),
		zap.String("bytes", humanize.IBytes(uint64(offset))),
		zap.Int64("chunks", report.Chunks),
		zap.Int64("adaptations", report.Adaptations),
		zap.Float64("throughput_mbps", report.ThroughputMBps))
	return report, nil
}

// readAt fills buf from a fixed offset, bounded by ReadTimeout and ctx.
// A timed-out read's buffer must be abandoned since the read goroutine
// may still be writing into it.
func (s *Streamer) readAt(ctx context.Context, f *os.File, buf []byte, offset int64) (int, error) {
	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := f.ReadAt(buf, offset)
		if err == io.EOF {
			if n == len(buf) {
				err = nil
			} else {
				// The file shrank after Stat.
				err = io.ErrUnexpectedEOF
			}
		}
		done <- result{n, err}
	}()

	timer := time.NewTimer(s.config.ReadTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		return r.n, r.err
	case <-timer.C:
		return 0, xerrors.ErrCallTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// adaptSession recomputes the session's chunk size: memory optimizer
// recommendation first, then throughput against the target. A change
// is applied only when it beats the hysteresis ratio.
func (s *Streamer) adaptSession(sess *Session) {
	current := sess.chunkSize.Load()
	rec := s.memory.GetAdaptiveChunkSize(current, 1)
	proposed := float64(rec.RecommendedSize)

	if tput := sess.throughputMBps(); tput > 0 {
		ratio := tput / s.config.TargetThroughputMBps
		switch {
		case ratio > 1.5 && rec.Pressure < 0.6:
			proposed *= 1.3
		case ratio < 0.5:
			proposed *= 0.7
		case ratio >= 0.8:
			proposed *= 1.1
		}
	}

	next := clampSize(int64(proposed), s.config.MinChunkSize, s.config.MaxChunkSize)
	if math.Abs(float64(next-current))/float64(current) <= s.config.HysteresisRatio {
		return
	}

	sess.chunkSize.Store(next)
	sess.adaptations.Add(1)
	s.adaptN.Add(1)
	direction := "grow"
	if next < current {
		direction = "shrink"
	}
	if s.metrics != nil {
		s.metrics.RecordAdaptation(direction)
	}
	s.logger.Debug("session chunk size adapted",
		zap.String("session_id", sess.ID),
		zap.String("from", humanize.IBytes(uint64(current))),
		zap.String("to", humanize.IBytes(uint64(next))),
		zap.String("memory_reason", rec.Reason))
}

func (s *Streamer) reactLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.sub.C:
			if !ok {
				return
			}
			switch ev.Type {
			case events.TypeMemoryCritical:
				s.floorSessions(ev.Pressure)
				if s.gc != nil {
					s.gc.MaybeForceGC("memory critical")
				}
			case events.TypeMemoryPressure:
				s.shrinkSessions(ev.Pressure)
			}
		}
	}
}

// shrinkSessions scales every active session's chunk size down in
// proportion to the reported pressure, never below the floor.
func (s *Streamer) shrinkSessions(pressure float64) {
	factor := 1 - pressure/2
	changed := 0
	s.mu.RLock()
	for _, sess := range s.sessions {
		current := sess.chunkSize.Load()
		next := clampSize(int64(float64(current)*factor), s.config.MinChunkSize, s.config.MaxChunkSize)
		if next >= current {
			continue
		}
		sess.chunkSize.Store(next)
		sess.adaptations.Add(1)
		s.adaptN.Add(1)
		if s.metrics != nil {
			s.metrics.RecordAdaptation("shrink")
		}
		changed++
	}
	s.mu.RUnlock()
	if changed > 0 {
		s.logger.Warn("memory pressure shrank streaming sessions",
			zap.Float64("pressure", pressure),
			zap.Int("sessions", changed))
	}
}

// floorSessions drops every active session to the minimum chunk size.
func (s *Streamer) floorSessions(pressure float64) {
	changed := 0
	s.mu.RLock()
	for _, sess := range s.sessions {
		if sess.chunkSize.Load() == s.config.MinChunkSize {
			continue
		}
		sess.chunkSize.Store(s.config.MinChunkSize)
		sess.adaptations.Add(1)
		s.adaptN.Add(1)
		if s.metrics != nil {
			s.metrics.RecordAdaptation("shrink")
		}
		changed++
	}
	s.mu.RUnlock()
	if changed > 0 {
		s.logger.Warn("critical memory pressure floored streaming sessions",
			zap.Float64("pressure", pressure),
			zap.Int("sessions", changed),
			zap.String("chunk_size", humanize.IBytes(uint64(s.config.MinChunkSize))))
	}
}

// ActiveSessions lists in-flight sessions, oldest first.
func (s *Streamer) ActiveSessions() []SessionInfo {
	s.mu.RLock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, SessionInfo{
			ID:             sess.ID,
			Path:           sess.Path,
			Size:           sess.Size,
			BytesRead:      sess.bytesRead.Load(),
			Chunks:         sess.chunks.Load(),
			Adaptations:    sess.adaptations.Load(),
			ChunkSize:      sess.chunkSize.Load(),
			ThroughputMBps: sess.throughputMBps(),
			Duration:       time.Since(sess.startedAt),
		})
	}
	s.mu.RUnlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Duration > infos[j].Duration })
	return infos
}

// Stats returns streamer totals.
func (s *Streamer) Stats() Stats {
	s.mu.RLock()
	active := len(s.sessions)
	s.mu.RUnlock()
	return Stats{
		ActiveSessions:    active,
		CompletedSessions: s.completed.Load(),
		FailedSessions:    s.failed.Load(),
		BytesStreamed:     s.bytes.Load(),
		ChunksStreamed:    s.chunkN.Load(),
		Adaptations:       s.adaptN.Load(),
	}
}

func (s *Streamer) addSession(sess *Session) {
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
}

func (s *Streamer) removeSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func clampSize(size, min, max int64) int64 {
	if size < min {
		return min
	}
	if size > max {
		return max
	}
	return size
}
