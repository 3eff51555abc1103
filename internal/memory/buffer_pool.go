package memory

import (
	"sync"

	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
)

// standardSizes are the bucket sizes buffers are rounded up to. Keeping a
// fixed ladder maximizes reuse across callers that ask for odd sizes.
var standardSizes = []int64{
	1 * 1024,
	4 * 1024,
	16 * 1024,
	64 * 1024,
	256 * 1024,
	1024 * 1024,
	4 * 1024 * 1024,
	16 * 1024 * 1024,
	64 * 1024 * 1024,
}

// roundUpSize returns the smallest standard size >= n. ok is false when n
// exceeds the largest bucket; such buffers are never pooled.
func roundUpSize(n int64) (int64, bool) {
	for _, s := range standardSizes {
		if n <= s {
			return s, true
		}
	}
	return n, false
}

// BufferPoolStats is a point-in-time snapshot of pool activity
type BufferPoolStats struct {
	Hits      int64
	Misses    int64
	Discards  int64
	Clears    int64
	Held      int
	HeldBytes int64
}

// BufferPool recycles byte slices in standard-size buckets. All methods are
// safe for concurrent use.
type BufferPool struct {
	mu        sync.Mutex
	buckets   map[int64][][]byte
	bucketCap int
	heldBytes int64

	hits     int64
	misses   int64
	discards int64
	clears   int64

	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewBufferPool creates a buffer pool retaining up to bucketCap buffers per
// standard size. metrics may be nil.
func NewBufferPool(bucketCap int, m *metrics.Metrics, logger *zap.Logger) *BufferPool {
	if bucketCap <= 0 {
		bucketCap = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BufferPool{
		buckets:   make(map[int64][][]byte, len(standardSizes)),
		bucketCap: bucketCap,
		metrics:   m,
		logger:    logger,
	}
}

// Acquire returns a buffer with len(buf) == size. The buffer's capacity is
// the standard size the request was rounded up to.
func (p *BufferPool) Acquire(size int64) []byte {
	if size <= 0 {
		return nil
	}

	bucket, poolable := roundUpSize(size)
	if !poolable {
		p.mu.Lock()
		p.misses++
		p.mu.Unlock()
		p.recordLookup(false)
		return make([]byte, size)
	}

	p.mu.Lock()
	free := p.buckets[bucket]
	if n := len(free); n > 0 {
		buf := free[n-1]
		p.buckets[bucket] = free[:n-1]
		p.heldBytes -= bucket
		p.hits++
		p.updateGauge()
		p.mu.Unlock()
		p.recordLookup(true)
		return buf[:size]
	}
	p.misses++
	p.mu.Unlock()
	p.recordLookup(false)

	return make([]byte, size, bucket)
}

// Release returns a buffer to its bucket. Buffers whose capacity is not a
// standard size, or whose bucket is full, are dropped for the GC to collect.
func (p *BufferPool) Release(buf []byte) {
	c := int64(cap(buf))
	if c == 0 {
		return
	}

	bucket, poolable := roundUpSize(c)
	if !poolable || bucket != c {
		p.mu.Lock()
		p.discards++
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buckets[bucket]) >= p.bucketCap {
		p.discards++
		return
	}
	p.buckets[bucket] = append(p.buckets[bucket], buf[:bucket])
	p.heldBytes += bucket
	p.updateGauge()
}

// Clear empties every bucket and reports how many buffers and bytes were
// dropped. Called under extreme memory pressure.
func (p *BufferPool) Clear() (buffers int, bytes int64) {
	p.mu.Lock()
	for size, free := range p.buckets {
		buffers += len(free)
		bytes += int64(len(free)) * size
	}
	p.buckets = make(map[int64][][]byte, len(standardSizes))
	p.heldBytes = 0
	p.clears++
	p.updateGauge()
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.BufferPoolClearsTotal.Inc()
	}
	if buffers > 0 {
		p.logger.Info("buffer pool cleared",
			zap.Int("buffers", buffers),
			zap.Int64("bytes", bytes))
	}
	return buffers, bytes
}

// Stats returns a snapshot of pool activity
func (p *BufferPool) Stats() BufferPoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	held := 0
	for _, free := range p.buckets {
		held += len(free)
	}
	return BufferPoolStats{
		Hits:      p.hits,
		Misses:    p.misses,
		Discards:  p.discards,
		Clears:    p.clears,
		Held:      held,
		HeldBytes: p.heldBytes,
	}
}

func (p *BufferPool) recordLookup(hit bool) {
	if p.metrics != nil {
		p.metrics.RecordBufferPool(hit)
	}
}

// updateGauge must be called with mu held
func (p *BufferPool) updateGauge() {
	if p.metrics != nil {
		p.metrics.BufferPoolBytes.Set(float64(p.heldBytes))
	}
}
