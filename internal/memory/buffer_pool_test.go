package memory

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestRoundUpSize(t *testing.T) {
	tests := []struct {
		name     string
		input    int64
		expected int64
		poolable bool
	}{
		{"one byte", 1, 1024, true},
		{"exact 1KB", 1024, 1024, true},
		{"just over 1KB", 1025, 4096, true},
		{"mid range", 100_000, 256 * 1024, true},
		{"exact 64MB", 64 * 1024 * 1024, 64 * 1024 * 1024, true},
		{"over 64MB", 64*1024*1024 + 1, 64*1024*1024 + 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := roundUpSize(tt.input)
			if got != tt.expected {
				t.Errorf("roundUpSize(%d) = %d, want %d", tt.input, got, tt.expected)
			}
			if ok != tt.poolable {
				t.Errorf("roundUpSize(%d) poolable = %v, want %v", tt.input, ok, tt.poolable)
			}
		})
	}
}

func TestBufferPoolAcquireRelease(t *testing.T) {
	pool := NewBufferPool(4, nil, zap.NewNop())

	buf := pool.Acquire(1000)
	assert.Equal(t, 1000, len(buf))
	assert.Equal(t, 1024, cap(buf))

	pool.Release(buf)
	stats := pool.Stats()
	assert.Equal(t, 1, stats.Held)
	assert.Equal(t, int64(1024), stats.HeldBytes)

	// Same bucket comes back on the next acquire
	buf2 := pool.Acquire(512)
	assert.Equal(t, 512, len(buf2))
	assert.Equal(t, 1024, cap(buf2))

	stats = pool.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 0, stats.Held)
}

func TestBufferPoolBucketCap(t *testing.T) {
	pool := NewBufferPool(2, nil, zap.NewNop())

	bufs := make([][]byte, 3)
	for i := range bufs {
		bufs[i] = pool.Acquire(1024)
	}
	for _, b := range bufs {
		pool.Release(b)
	}

	stats := pool.Stats()
	assert.Equal(t, 2, stats.Held, "bucket keeps at most its cap")
	assert.Equal(t, int64(1), stats.Discards)
}

func TestBufferPoolOversizedNotPooled(t *testing.T) {
	pool := NewBufferPool(4, nil, zap.NewNop())

	big := pool.Acquire(65 * 1024 * 1024)
	assert.Equal(t, 65*1024*1024, len(big))

	pool.Release(big)
	assert.Equal(t, 0, pool.Stats().Held)
}

func TestBufferPoolClear(t *testing.T) {
	pool := NewBufferPool(8, nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		pool.Release(pool.Acquire(4096))
	}
	// Releases of the same recycled buffer collapse into one held entry,
	// so fill distinct buckets instead.
	pool.Release(make([]byte, 1024))
	pool.Release(make([]byte, 16*1024))

	before := pool.Stats()
	assert.Greater(t, before.Held, 0)

	buffers, bytes := pool.Clear()
	assert.Equal(t, before.Held, buffers)
	assert.Equal(t, before.HeldBytes, bytes)

	after := pool.Stats()
	assert.Equal(t, 0, after.Held)
	assert.Equal(t, int64(0), after.HeldBytes)
	assert.Equal(t, int64(1), after.Clears)
}
