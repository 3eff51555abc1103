package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Mrassimo/datapilot-sub015/internal/errorhandler"
	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/model"
	"github.com/Mrassimo/datapilot-sub015/internal/stream"
)

// ChunkConsumer receives the chunks of a processed file in order.
// Chunk data is owned by the streamer's buffer pool and is only valid
// until Consume returns; implementations must copy anything they keep.
// A failed chunk is retried per the error handler's policy, so Consume
// may see the same chunk more than once. Consumers that accumulate
// state should track the last chunk index they applied.
type ChunkConsumer interface {
	Consume(ctx context.Context, chunk stream.Chunk) error
}

// ChunkConsumerFunc adapts a function to the ChunkConsumer interface.
type ChunkConsumerFunc func(ctx context.Context, chunk stream.Chunk) error

// Consume calls f.
func (f ChunkConsumerFunc) Consume(ctx context.Context, chunk stream.Chunk) error {
	return f(ctx, chunk)
}

// SectionProducer is a ChunkConsumer whose final result can be cached.
// After the last chunk, Section returns the serialized result; the
// engine stores it in the section cache and replays it on the next
// ProcessFile call for the same unchanged file and section, skipping
// the consumer entirely.
type SectionProducer interface {
	ChunkConsumer
	Section() ([]byte, error)
}

// FileReport describes one ProcessFile run.
type FileReport struct {
	Path        string
	Section     string
	FromCache   bool
	SectionData []byte
	Decision    model.ChunkDecision
	Stream      *stream.SessionReport
	Duration    time.Duration
}

// ProcessFile streams path through consumer with the full pipeline
// engaged: the chunker picks the starting chunk size from the file's
// shape and current system load, the streamer adapts from there, and
// every chunk runs on the worker pool behind the error handler and a
// per-operation circuit breaker.
//
// When section is non-empty and a valid cached result exists, the
// cached bytes are returned without touching the file or the consumer.
// When section is non-empty and the consumer implements
// SectionProducer, the produced result is cached after the run.
func (e *Engine) ProcessFile(ctx context.Context, path, section string, consumer ChunkConsumer) (*FileReport, error) {
	if consumer == nil {
		return nil, xerrors.New(xerrors.ErrCodeInvalidArgument, "nil chunk consumer", nil)
	}
	start := time.Now()
	opName := "process-file"
	if section != "" {
		opName = "section-" + section
	}

	if section != "" {
		if data, ok := e.sections.Get(path, section); ok {
			e.logger.Debug("section served from cache",
				zap.String("path", path),
				zap.String("section", section),
				zap.Int("bytes", len(data)))
			return &FileReport{
				Path:        path,
				Section:     section,
				FromCache:   true,
				SectionData: data,
				Duration:    time.Since(start),
			}, nil
		}
	}

	chars, err := e.chunker.AnalyzeFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", path, err)
	}
	decision := e.chunker.CalculateOptimalChunkSize(ctx, chars, e.systemMetrics())

	report, err := e.streamer.ProcessAt(ctx, path, decision.ChunkSize, func(c context.Context, chunk stream.Chunk) error {
		return e.processChunk(c, opName, chunk, consumer)
	})
	if err != nil {
		return nil, err
	}
	e.chunker.RecordPerformance(decision, model.ActualPerformance{
		ProcessingTime: report.Duration,
		ThroughputMBps: report.ThroughputMBps,
	})

	fileReport := &FileReport{
		Path:     path,
		Section:  section,
		Decision: decision,
		Stream:   report,
	}
	if section != "" {
		if producer, ok := consumer.(SectionProducer); ok {
			data, err := producer.Section()
			if err != nil {
				return nil, fmt.Errorf("section %s of %s: %w", section, path, err)
			}
			fileReport.SectionData = data
			if err := e.sections.Set(path, section, data); err != nil {
				e.logger.Warn("section cache store failed",
					zap.String("path", path),
					zap.String("section", section),
					zap.Error(err))
			}
		}
	}
	fileReport.Duration = time.Since(start)

	e.logger.Debug("file processed",
		zap.String("path", path),
		zap.String("section", section),
		zap.Int64("decided_chunk_size", decision.ChunkSize),
		zap.Int64("final_chunk_size", report.FinalChunkSize),
		zap.Int64("chunks", report.Chunks),
		zap.Duration("took", fileReport.Duration))
	return fileReport, nil
}

// processChunk runs one chunk through the resilience chain. The chunk's
// buffer belongs to the stream session, so the task is waited on here
// rather than fired asynchronously; retries replay the consumer with
// the same chunk while the buffer is still live.
func (e *Engine) processChunk(ctx context.Context, opName string, chunk stream.Chunk, consumer ChunkConsumer) error {
	task := model.Task{
		Payload: model.FuncPayload{
			Fn: func(c context.Context) (interface{}, error) {
				return nil, consumer.Consume(c, chunk)
			},
		},
	}
	_, err := e.handler.Execute(ctx, opName, func(c context.Context) (interface{}, error) {
		res := e.pool.SubmitWait(c, task)
		return res.Value, res.Err
	}, errorhandler.WithBreaker(opName))
	return err
}

// systemMetrics samples the load signals the chunker weighs.
func (e *Engine) systemMetrics() model.SystemMetrics {
	return model.SystemMetrics{
		MemoryPressure:  e.optimizer.Pressure(),
		MemoryTrendMBps: e.optimizer.TrendMBps(),
		ActiveWorkers:   e.pool.Stats().ActiveWorkers,
	}
}

// ProcessFiles runs ProcessFile over paths concurrently, building a
// fresh consumer per file. The first failure cancels the remaining
// files; reports holds every file that completed before that.
func (e *Engine) ProcessFiles(ctx context.Context, paths []string, section string, newConsumer func(path string) ChunkConsumer) (map[string]*FileReport, error) {
	reports := make(map[string]*FileReport, len(paths))
	if len(paths) == 0 {
		return reports, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, path := range paths {
		path := path
		g.Go(func() error {
			report, err := e.ProcessFile(gctx, path, section, newConsumer(path))
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			mu.Lock()
			reports[path] = report
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return reports, err
}
