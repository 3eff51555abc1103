// Package chunker sizes file reads for the processing pipeline. It
// inspects a sample of each file, scores how hard the data will be to
// parse, folds in current system conditions, and learns from recorded
// outcomes of similar past runs. Every decision carries a reasoning
// trail and a confidence score so callers can tell a well-grounded
// recommendation from a guess.
package chunker

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/model"
)

// Config controls sampling, sizing bounds, and learning depth.
type Config struct {
	// SampleSize is how many leading bytes of a file are analyzed.
	SampleSize int64
	// TargetRowsPerChunk sets the heuristic baseline: one chunk should
	// hold roughly this many rows before other factors weigh in.
	TargetRowsPerChunk int64
	// MinChunkSize and MaxChunkSize bound every recommendation.
	MinChunkSize int64
	MaxChunkSize int64
	// LearningEnabled folds recorded outcomes into new decisions.
	LearningEnabled bool
	// MaxLearningHistory caps the outcome ring.
	MaxLearningHistory int
}

func (c *Config) setDefaults() {
	if c.SampleSize <= 0 {
		c.SampleSize = 256 * 1024
	}
	if c.TargetRowsPerChunk <= 0 {
		c.TargetRowsPerChunk = 10000
	}
	if c.MinChunkSize <= 0 {
		c.MinChunkSize = 64 * 1024
	}
	if c.MaxChunkSize <= 0 {
		c.MaxChunkSize = 16 * 1024 * 1024
	}
	if c.MaxChunkSize < c.MinChunkSize {
		c.MaxChunkSize = c.MinChunkSize
	}
	if c.MaxLearningHistory <= 0 {
		c.MaxLearningHistory = 200
	}
}

// Chunker recommends chunk sizes and learns from their outcomes.
type Chunker struct {
	config Config
	logger *zap.Logger

	mu        sync.RWMutex
	history   *learningRing
	decisions uint64
	recorded  uint64
}

// LearningStats summarizes the outcome history.
type LearningStats struct {
	Enabled         bool
	Samples         int
	Capacity        int
	Recorded        uint64
	Decisions       uint64
	AvgSatisfaction float64
}

func New(cfg Config, logger *zap.Logger) *Chunker {
	cfg.setDefaults()
	return &Chunker{
		config:  cfg,
		logger:  logger.Named("chunker"),
		history: newLearningRing(cfg.MaxLearningHistory),
	}
}

// AnalyzeFile samples the leading bytes of path and derives the data
// characteristics that drive sizing decisions.
func (c *Chunker) AnalyzeFile(ctx context.Context, path string) (model.DataCharacteristics, error) {
	if err := ctx.Err(); err != nil {
		return model.DataCharacteristics{}, err
	}
	f, err := os.Open(path)
	if err != nil {
		return model.DataCharacteristics{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return model.DataCharacteristics{}, fmt.Errorf("stat %s: %w", path, err)
	}
	size := c.config.SampleSize
	if info.Size() < size {
		size = info.Size()
	}
	sample := make([]byte, size)
	n, err := io.ReadFull(f, sample)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return model.DataCharacteristics{}, fmt.Errorf("sample %s: %w", path, err)
	}

	chars := analyzeSample(sample[:n], info.Size())
	c.logger.Debug("file analyzed",
		zap.String("path", path),
		zap.String("encoding", chars.Encoding),
		zap.String("delimiter", chars.Delimiter),
		zap.Int("columns", chars.ColumnCount),
		zap.Int64("estimated_rows", chars.EstimatedRows),
		zap.Float64("null_density", chars.NullDensity),
		zap.Float64("compressibility", chars.Compressibility))
	return chars, nil
}

// Complexity scores how hard the data is to process, from 1.0 (plain
// ASCII integers) up to 3.0 (dense mixed-type content with quoting).
// Chunk sizes divide by this score.
func (c *Chunker) Complexity(chars model.DataCharacteristics) float64 {
	score := 0.30*typeComplexity(chars.ColumnTypes) +
		0.20*encodingComplexity(chars.Encoding) +
		0.25*structuralComplexity(chars) +
		0.25*contentComplexity(chars)
	return 1 + 2*score
}

// CalculateOptimalChunkSize recommends a chunk size for the given data
// under the given system conditions. The result is always within the
// configured bounds, aligned to 4 KiB, and explains itself.
func (c *Chunker) CalculateOptimalChunkSize(ctx context.Context, chars model.DataCharacteristics, sys model.SystemMetrics) model.ChunkDecision {
	_ = ctx

	factors := make(map[string]float64, 4)
	var reasoning []string

	base := float64(c.config.TargetRowsPerChunk) * chars.AvgLineLength
	if chars.AvgLineLength <= 0 {
		base = float64(c.config.MinChunkSize+c.config.MaxChunkSize) / 2
		reasoning = append(reasoning, fmt.Sprintf("no line structure detected, starting from %s", humanize.IBytes(uint64(base))))
	} else {
		reasoning = append(reasoning, fmt.Sprintf("base %s holds ~%s rows of %.0f bytes",
			humanize.IBytes(uint64(base)), humanize.Comma(c.config.TargetRowsPerChunk), chars.AvgLineLength))
	}

	complexity := c.Complexity(chars)
	size := base / complexity
	factors["complexity"] = 1 / complexity
	reasoning = append(reasoning, fmt.Sprintf("data complexity %.2f shrinks it to %s",
		complexity, humanize.IBytes(uint64(size))))

	if pf := pressureFactor(sys); pf != 1 {
		size *= pf
		factors["memory_pressure"] = pf
		reasoning = append(reasoning, fmt.Sprintf("memory pressure %.2f scales by %.2f", sys.MemoryPressure, pf))
	}

	if iof := ioFactor(sys); iof != 1 {
		size *= iof
		factors["io"] = iof
		reasoning = append(reasoning, fmt.Sprintf("I/O profile (%.0f ms latency, %.0f MB/s) scales by %.2f",
			sys.IOLatencyMs, sys.IOThroughputMBps, iof))
	}

	used := 0
	bestSim := 0.0
	if c.config.LearningEnabled {
		c.mu.RLock()
		lf, n, best := c.history.adjustment(chars, sys, int64(size))
		c.mu.RUnlock()
		used, bestSim = n, best
		if used > 0 && lf != 1 {
			size *= lf
			factors["learning"] = lf
			reasoning = append(reasoning, fmt.Sprintf("%d similar past runs adjust by %+.1f%%", used, (lf-1)*100))
		}
	}

	chunk := alignChunk(int64(size))
	if clamped := clampChunk(chunk, c.config.MinChunkSize, c.config.MaxChunkSize); clamped != chunk {
		chunk = clamped
		reasoning = append(reasoning, fmt.Sprintf("clamped to %s", humanize.IBytes(uint64(chunk))))
	}

	decision := model.ChunkDecision{
		ChunkSize:         chunk,
		Reasoning:         reasoning,
		Confidence:        c.confidence(used, bestSim, chars, sys),
		AdaptationFactors: factors,
		Expected:          predictPerformance(chunk, complexity, sys),
		Characteristics:   chars,
		Metrics:           sys,
		DecidedAt:         time.Now(),
	}

	c.mu.Lock()
	c.decisions++
	c.mu.Unlock()
	c.logger.Debug("chunk size decided",
		zap.Int64("chunk_size", chunk),
		zap.Float64("confidence", decision.Confidence),
		zap.Strings("reasoning", reasoning))
	return decision
}

// RecordPerformance scores how a past decision actually went and folds
// the outcome into the learning history.
func (c *Chunker) RecordPerformance(decision model.ChunkDecision, actual model.ActualPerformance) {
	score := satisfactionScore(decision.Expected, actual)
	sample := model.LearningSample{
		Characteristics: decision.Characteristics,
		Metrics:         decision.Metrics,
		ChunkSize:       decision.ChunkSize,
		Actual:          actual,
		Satisfaction:    score,
		RecordedAt:      time.Now(),
	}
	c.mu.Lock()
	c.history.add(sample)
	c.recorded++
	c.mu.Unlock()

	c.logger.Debug("chunk outcome recorded",
		zap.Int64("chunk_size", decision.ChunkSize),
		zap.Duration("processing_time", actual.ProcessingTime),
		zap.Int("errors", actual.ErrorCount),
		zap.Float64("satisfaction", score))
}

func (c *Chunker) LearningStats() LearningStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stats := LearningStats{
		Enabled:   c.config.LearningEnabled,
		Samples:   c.history.len(),
		Capacity:  len(c.history.samples),
		Recorded:  c.recorded,
		Decisions: c.decisions,
	}
	var sum float64
	c.history.forEach(func(s *model.LearningSample) { sum += s.Satisfaction })
	if stats.Samples > 0 {
		stats.AvgSatisfaction = sum / float64(stats.Samples)
	}
	return stats
}

// confidence grades a decision. History of similar runs raises it,
// calm system conditions raise it a little, and data the analyzer
// could not pin down lowers it.
func (c *Chunker) confidence(used int, bestSim float64, chars model.DataCharacteristics, sys model.SystemMetrics) float64 {
	conf := 0.5
	if used > 0 {
		depth := float64(used) / 20
		if depth > 1 {
			depth = 1
		}
		conf += 0.3 * depth
		if bestSim < 0.5 {
			conf -= 0.1
		}
	}
	if sys.MemoryPressure < 0.75 && math.Abs(sys.MemoryTrendMBps) < 5 {
		conf += 0.1
	}
	switch chars.Encoding {
	case "binary", "utf-16le", "utf-16be":
		conf -= 0.2
	}
	if mixedShare(chars.ColumnTypes) > 0.5 {
		conf -= 0.1
	}
	if conf < 0.1 {
		conf = 0.1
	}
	if conf > 0.95 {
		conf = 0.95
	}
	return conf
}

func pressureFactor(sys model.SystemMetrics) float64 {
	switch {
	case sys.MemoryPressure > 0.9:
		return 0.25
	case sys.MemoryPressure > 0.75:
		return 0.5
	case sys.MemoryPressure > 0.6:
		return 0.75
	case sys.MemoryPressure < 0.3 && sys.MemoryTrendMBps < 1:
		return 1.25
	default:
		return 1
	}
}

// ioFactor nudges the size for the storage profile: high latency
// favors fewer larger reads, a starved disk favors smaller ones so
// workers keep receiving data.
func ioFactor(sys model.SystemMetrics) float64 {
	f := 1.0
	if sys.IOLatencyMs > 50 {
		f *= 1.2
	}
	if sys.IOThroughputMBps > 0 && sys.IOThroughputMBps < 10 {
		f *= 0.8
	}
	return f
}

func predictPerformance(chunk int64, complexity float64, sys model.SystemMetrics) model.ExpectedPerformance {
	processMBps := 40.0 / complexity
	if sys.IOThroughputMBps > 0 && sys.IOThroughputMBps < processMBps {
		processMBps = sys.IOThroughputMBps
	}
	seconds := float64(chunk)/(1<<20)/processMBps + sys.IOLatencyMs/1000
	return model.ExpectedPerformance{
		ProcessingTime: time.Duration(seconds * float64(time.Second)),
		MemoryBytes:    int64(float64(chunk) * (1.5 + complexity/2)),
		ThroughputMBps: processMBps,
	}
}

func typeComplexity(types []string) float64 {
	if len(types) == 0 {
		return 0.5
	}
	var sum float64
	for _, t := range types {
		switch t {
		case "int", "bool":
			sum += 0.2
		case "float":
			sum += 0.5
		case "date":
			sum += 0.8
		default:
			sum += 1.0
		}
	}
	return sum / float64(len(types))
}

func encodingComplexity(enc string) float64 {
	switch enc {
	case "ascii":
		return 0.1
	case "utf-8":
		return 0.4
	case "utf-8-bom":
		return 0.5
	case "utf-16le", "utf-16be":
		return 0.8
	default:
		return 1.0
	}
}

func structuralComplexity(chars model.DataCharacteristics) float64 {
	score := math.Min(float64(chars.ColumnCount)/100, 0.3)
	if chars.HasQuotedFields {
		score += 0.4
	}
	if chars.HasEscapes {
		score += 0.3
	}
	if score > 1 {
		score = 1
	}
	return score
}

func contentComplexity(chars model.DataCharacteristics) float64 {
	return 0.7*clamp01(chars.Compressibility) + 0.3*clamp01(chars.NullDensity)
}

func mixedShare(types []string) float64 {
	if len(types) == 0 {
		return 0
	}
	n := 0
	for _, t := range types {
		if t == "mixed" {
			n++
		}
	}
	return float64(n) / float64(len(types))
}

func alignChunk(size int64) int64 {
	if size > 4096 {
		size -= size % 4096
	}
	return size
}

func clampChunk(size, min, max int64) int64 {
	if size < min {
		return min
	}
	if size > max {
		return max
	}
	return size
}
