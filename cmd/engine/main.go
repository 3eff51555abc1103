package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Mrassimo/datapilot-sub015/internal/config"
	"github.com/Mrassimo/datapilot-sub015/internal/engine"
	"github.com/Mrassimo/datapilot-sub015/internal/server"
	"github.com/Mrassimo/datapilot-sub015/internal/stream"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("config_path", configPath),
		zap.Int("workers", cfg.WorkerPool.Workers),
		zap.Int64("max_memory_mb", cfg.Memory.MaxMemoryMB),
		zap.String("cache_dir", cfg.Cache.Dir))

	// Build and start the engine
	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Fatal("Failed to build engine", zap.Error(err))
	}
	if err := eng.Start(context.Background()); err != nil {
		logger.Fatal("Failed to start engine", zap.Error(err))
	}

	// Start the ops server if enabled
	var ops *server.OpsServer
	if cfg.Metrics.Enabled {
		ops = server.New(cfg.Metrics, eng, logger)
		if err := ops.Start(); err != nil {
			logger.Fatal("Failed to start ops server", zap.Error(err))
		}
	}

	// File arguments run the pipeline once and exit; otherwise serve
	// until signalled.
	if files := os.Args[1:]; len(files) > 0 {
		code := runFiles(eng, files, logger)
		shutdown(eng, ops, logger)
		os.Exit(code)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.Info("Shutting down gracefully...", zap.String("signal", sig.String()))
	shutdown(eng, ops, logger)
}

// runFiles counts lines in each file through the full pipeline. Results
// are cached as the "rowcount" section, so rerunning over unchanged
// files answers from the cache.
func runFiles(eng *engine.Engine, files []string, logger *zap.Logger) int {
	reports, err := eng.ProcessFiles(context.Background(), files, "rowcount", func(string) engine.ChunkConsumer {
		return newLineCount()
	})
	if err != nil {
		logger.Error("Processing failed", zap.Error(err))
	}

	for path, report := range reports {
		var counted struct {
			Lines int `json:"lines"`
		}
		if err := json.Unmarshal(report.SectionData, &counted); err != nil {
			logger.Error("Unreadable section result", zap.String("path", path), zap.Error(err))
			continue
		}

		fields := []zap.Field{
			zap.String("path", path),
			zap.Int("lines", counted.Lines),
			zap.Bool("from_cache", report.FromCache),
			zap.Duration("took", report.Duration),
		}
		if report.Stream != nil {
			fields = append(fields,
				zap.Int64("chunks", report.Stream.Chunks),
				zap.Int64("final_chunk_size", report.Stream.FinalChunkSize),
				zap.Float64("throughput_mbps", report.Stream.ThroughputMBps))
		}
		logger.Info("File processed", fields...)
	}

	if err != nil {
		return 1
	}
	return 0
}

func shutdown(eng *engine.Engine, ops *server.OpsServer, logger *zap.Logger) {
	if ops != nil {
		if err := ops.Stop(); err != nil {
			logger.Error("Ops server stop failed", zap.Error(err))
		}
	}
	if err := eng.Stop(30 * time.Second); err != nil {
		logger.Error("Engine stop failed", zap.Error(err))
	}
}

// initLogger initializes the zap logger per the logging config
func initLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	if cfg.Format == "console" {
		zcfg.Encoding = "console"
		zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	return zcfg.Build()
}

// lineCount tallies newlines across a file's chunks. Replayed chunk
// indexes are ignored so retries cannot double-count.
type lineCount struct {
	mu        sync.Mutex
	lastIndex int
	lines     int
}

func newLineCount() *lineCount { return &lineCount{lastIndex: -1} }

func (l *lineCount) Consume(_ context.Context, chunk stream.Chunk) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if chunk.Index <= l.lastIndex {
		return nil
	}
	l.lastIndex = chunk.Index
	l.lines += bytes.Count(chunk.Data, []byte{'\n'})
	return nil
}

func (l *lineCount) Section() ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return json.Marshal(map[string]int{"lines": l.lines})
}
