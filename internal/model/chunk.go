package model

import "time"

// DataCharacteristics describes a sampled slice of an input file. Produced
// by the chunker's analyzer, consumed by sizing and learning.
type DataCharacteristics struct {
	EstimatedRows   int64
	AvgLineLength   float64
	Encoding        string
	Delimiter       string
	ColumnCount     int
	ColumnTypes     []string
	HasQuotedFields bool
	HasEscapes      bool
	NullDensity     float64
	Compressibility float64 // compressed/raw ratio of the sample, lower is more compressible
	SampleBytes     int64
	FileSize        int64
}

// SystemMetrics is the runtime context a chunk decision is made under
type SystemMetrics struct {
	MemoryPressure   float64
	MemoryTrendMBps  float64
	IOLatencyMs      float64
	IOThroughputMBps float64
	ActiveWorkers    int
}

// ExpectedPerformance is the chunker's prediction for one chunk size
type ExpectedPerformance struct {
	ProcessingTime time.Duration
	MemoryBytes    int64
	ThroughputMBps float64
}

// ActualPerformance is what a processed chunk really cost
type ActualPerformance struct {
	ProcessingTime time.Duration
	MemoryBytes    int64
	ThroughputMBps float64
	ErrorCount     int
}

// ChunkDecision is the chunker's recommendation for the next read. It
// carries the inputs it was made under so the outcome can be scored
// later without the caller holding extra state.
type ChunkDecision struct {
	ChunkSize         int64
	Reasoning         []string
	Confidence        float64
	AdaptationFactors map[string]float64
	Expected          ExpectedPerformance
	Characteristics   DataCharacteristics
	Metrics           SystemMetrics
	DecidedAt         time.Time
}

// LearningSample pairs a past decision with its measured outcome. Stored in
// the chunker's fixed-capacity history ring.
type LearningSample struct {
	Characteristics DataCharacteristics
	Metrics         SystemMetrics
	ChunkSize       int64
	Actual          ActualPerformance
	Satisfaction    float64
	RecordedAt      time.Time
}
