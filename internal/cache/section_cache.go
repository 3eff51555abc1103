// Package cache provides a two-tier result cache for per-file analysis
// sections. Entries are keyed by a digest of the file's content hash,
// the section name, file size, modification time, and the schema
// version, so any change to the source file or the result format makes
// old entries unreachable. Small payloads are served from memory, and
// everything is backed by JSON files on disk that survive restarts.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
	"github.com/Mrassimo/datapilot-sub015/internal/metrics"
)

// Config controls the section cache.
type Config struct {
	// Dir is the on-disk cache directory.
	Dir string

	// TTL is how long an entry stays valid after it was stored.
	TTL time.Duration

	// MaxSizeBytes caps the total size of entry files on disk.
	MaxSizeBytes int64

	// MaxMemoryEntries caps the in-memory tier. When exceeded, the
	// oldest entries are evicted until the tier is back at 80% of the
	// cap so every overflow does not trigger another sweep.
	MaxMemoryEntries int

	// MemoryEntryLimit is the largest payload kept in memory. Bigger
	// payloads live only on disk.
	MemoryEntryLimit int64

	// HashSampleLimit is the largest file that gets a full content
	// hash. Bigger files fall back to a size and mtime stamp.
	HashSampleLimit int64

	// CleanupInterval is how often the background sweep runs.
	CleanupInterval time.Duration

	// SchemaVersion invalidates all prior entries when bumped.
	SchemaVersion string

	// WatchFiles enables filesystem watches on cached source files so
	// external modifications invalidate their entries immediately.
	WatchFiles bool
}

func (c *Config) setDefaults() {
	if c.Dir == "" {
		c.Dir = ".datapilot-cache"
	}
	if c.TTL <= 0 {
		c.TTL = 24 * time.Hour
	}
	if c.MaxSizeBytes <= 0 {
		c.MaxSizeBytes = 512 * 1024 * 1024
	}
	if c.MaxMemoryEntries <= 0 {
		c.MaxMemoryEntries = 128
	}
	if c.MemoryEntryLimit <= 0 {
		c.MemoryEntryLimit = 10 * 1024 * 1024
	}
	if c.HashSampleLimit <= 0 {
		c.HashSampleLimit = 4 * 1024 * 1024
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 5 * time.Minute
	}
	if c.SchemaVersion == "" {
		c.SchemaVersion = "1"
	}
}

// Entry is one cached section result. The identity fields are stored
// alongside the payload so an entry can be validated against the
// current state of its source file.
type Entry struct {
	Key           string    `json:"key"`
	Path          string    `json:"path"`
	Section       string    `json:"section"`
	ContentHash   string    `json:"content_hash"`
	FileSize      int64     `json:"file_size"`
	FileMtimeNano int64     `json:"file_mtime_nano"`
	SchemaVersion string    `json:"schema_version"`
	StoredAt      time.Time `json:"stored_at"`
	Data          []byte    `json:"data"`
}

// fileStamp captures the identity of a source file at lookup time.
type fileStamp struct {
	size        int64
	mtimeNano   int64
	contentHash string
}

// TierStats reports one cache tier.
type TierStats struct {
	Hits    int64
	Misses  int64
	Entries int
	Bytes   int64
}

// Stats is a point-in-time snapshot of the cache.
type Stats struct {
	Memory    TierStats
	Disk      TierStats
	Expired   int64
	Evictions int64
	Corrupted int64
}

// Manager is the two-tier section cache. Lookups check the in-memory
// map first and fall back to disk, promoting small hits back into
// memory. A background sweep expires old entries and keeps both tiers
// under their budgets.
type Manager struct {
	config  Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	disk    *diskStore
	watcher *fileWatcher

	mu       sync.RWMutex
	memory   map[string]*Entry
	memBytes int64

	statsMu   sync.Mutex
	memHits   int64
	memMisses int64
	diskHits  int64
	diskMiss  int64
	expired   int64
	evictions int64
	corrupted int64

	now func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New opens (or creates) the cache directory, loads the disk tier's
// bookkeeping, and starts the background sweep. The metrics handle may
// be nil.
func New(cfg Config, m *metrics.Metrics, logger *zap.Logger) (*Manager, error) {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("cache")

	disk, err := newDiskStore(cfg.Dir, logger)
	if err != nil {
		return nil, err
	}

	mgr := &Manager{
		config:  cfg,
		metrics: m,
		logger:  logger,
		disk:    disk,
		memory:  make(map[string]*Entry),
		now:     time.Now,
		stopCh:  make(chan struct{}),
	}

	if cfg.WatchFiles {
		watcher, err := newFileWatcher(mgr, logger)
		if err != nil {
			return nil, fmt.Errorf("start cache file watcher: %w", err)
		}
		mgr.watcher = watcher
	}

	mgr.wg.Add(1)
	go mgr.cleanupLoop()

	logger.Info("section cache ready",
		zap.String("dir", cfg.Dir),
		zap.Int("disk_entries", disk.Count()),
		zap.String("disk_bytes", humanize.IBytes(uint64(disk.TotalBytes()))),
		zap.Bool("watch_files", cfg.WatchFiles))
	return mgr, nil
}

// Stop halts the background sweep and the file watcher. Cached entries
// stay on disk for the next run.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.watcher != nil {
			m.watcher.close()
		}
	})
	m.wg.Wait()
}

// Get returns the cached payload for a file section, or false when no
// valid entry exists. The returned slice must not be modified.
func (m *Manager) Get(path, section string) ([]byte, bool) {
	key, stamp, err := m.keyFor(path, section)
	if err != nil {
		m.recordMiss(true)
		return nil, false
	}

	m.mu.RLock()
	entry := m.memory[key]
	m.mu.RUnlock()
	if entry != nil {
		if m.valid(entry, stamp) {
			m.statsMu.Lock()
			m.memHits++
			m.statsMu.Unlock()
			if m.metrics != nil {
				m.metrics.RecordCacheHit("memory")
			}
			return entry.Data, true
		}
		m.dropEntry(key, int64(len(entry.Data)))
	}
	m.statsMu.Lock()
	m.memMisses++
	m.statsMu.Unlock()

	entry, err = m.disk.Read(key)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			m.logger.Warn("dropping unreadable cache entry",
				zap.String("path", path),
				zap.String("section", section),
				zap.Error(err))
			m.disk.Delete(key)
			if xerrors.CodeOf(err) == xerrors.ErrCodeCacheCorrupted {
				m.statsMu.Lock()
				m.corrupted++
				m.statsMu.Unlock()
			}
		}
		m.recordMiss(false)
		return nil, false
	}
	if !m.valid(entry, stamp) {
		m.disk.Delete(key)
		m.recordMiss(false)
		return nil, false
	}

	m.promote(entry)
	m.statsMu.Lock()
	m.diskHits++
	m.statsMu.Unlock()
	if m.metrics != nil {
		m.metrics.RecordCacheHit("disk")
	}
	return entry.Data, true
}

// Set stores a section payload in both tiers. Payloads at or above the
// memory entry limit go to disk only. Writing may trigger a cleanup if
// a tier runs over budget.
func (m *Manager) Set(path, section string, data []byte) error {
	key, stamp, err := m.keyFor(path, section)
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	entry := &Entry{
		Key:           key,
		Path:          abs,
		Section:       section,
		ContentHash:   stamp.contentHash,
		FileSize:      stamp.size,
		FileMtimeNano: stamp.mtimeNano,
		SchemaVersion: m.config.SchemaVersion,
		StoredAt:      m.now(),
		Data:          data,
	}

	if err := m.disk.Write(entry); err != nil {
		return err
	}

	if int64(len(data)) < m.config.MemoryEntryLimit {
		m.mu.Lock()
		if prev, ok := m.memory[key]; ok {
			m.memBytes -= int64(len(prev.Data))
		}
		m.memory[key] = entry
		m.memBytes += int64(len(data))
		m.mu.Unlock()
	}

	if m.watcher != nil {
		if err := m.watcher.watchFile(abs); err != nil {
			m.logger.Warn("failed to watch cached file", zap.String("path", abs), zap.Error(err))
		}
	}

	m.logger.Debug("cached section",
		zap.String("path", abs),
		zap.String("section", section),
		zap.String("size", humanize.IBytes(uint64(len(data)))))

	m.cleanupIfOverBudget()
	return nil
}

// ClearFile removes every entry cached for a source file, in both
// tiers. The file itself is left alone.
func (m *Manager) ClearFile(path string) {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	removed := 0
	m.mu.Lock()
	for key, entry := range m.memory {
		if entry.Path == abs {
			m.memBytes -= int64(len(entry.Data))
			delete(m.memory, key)
			removed++
		}
	}
	m.mu.Unlock()

	files, err := m.disk.List()
	if err != nil {
		m.logger.Warn("failed to list cache for invalidation", zap.Error(err))
	} else {
		for _, f := range files {
			entry, err := m.disk.Read(f.key)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					m.disk.Delete(f.key)
				}
				continue
			}
			if entry.Path == abs {
				m.disk.Delete(f.key)
				removed++
			}
		}
	}

	if m.watcher != nil {
		m.watcher.forgetFile(abs)
	}
	if removed > 0 {
		m.logger.Info("invalidated cached sections",
			zap.String("path", abs),
			zap.Int("entries", removed))
	}
}

// ClearAll wipes both tiers.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	m.memory = make(map[string]*Entry)
	m.memBytes = 0
	m.mu.Unlock()
	m.disk.RemoveAll()
	if m.watcher != nil {
		m.watcher.forgetAll()
	}
	m.logger.Info("cache cleared")
}

// Cleanup expires old entries and enforces both tier budgets. It runs
// periodically in the background and after writes that overflow a
// budget, and may be called directly.
func (m *Manager) Cleanup() {
	now := m.now()
	expired := m.cleanupMemory(now)
	expired += m.cleanupDisk(now)
	if expired > 0 {
		m.logger.Debug("cache sweep complete", zap.Int("expired", expired))
	}
	m.publishStats()
}

// Stats returns a snapshot of both tiers.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	memEntries := len(m.memory)
	memBytes := m.memBytes
	m.mu.RUnlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return Stats{
		Memory: TierStats{
			Hits:    m.memHits,
			Misses:  m.memMisses,
			Entries: memEntries,
			Bytes:   memBytes,
		},
		Disk: TierStats{
			Hits:    m.diskHits,
			Misses:  m.diskMiss,
			Entries: m.disk.Count(),
			Bytes:   m.disk.TotalBytes(),
		},
		Expired:   m.expired,
		Evictions: m.evictions,
		Corrupted: m.corrupted,
	}
}

// keyFor derives the cache key for a file section from the file's
// current state. Files up to HashSampleLimit are fully hashed so a
// copied file keeps its cache identity. Bigger files use a size and
// mtime stamp instead of reading the whole content on every lookup.
func (m *Manager) keyFor(path, section string) (string, fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fileStamp{}, fmt.Errorf("stat %s: %w", path, err)
	}

	stamp := fileStamp{
		size:      info.Size(),
		mtimeNano: info.ModTime().UnixNano(),
	}
	if info.Size() <= m.config.HashSampleLimit {
		hash, err := hashFile(path)
		if err != nil {
			return "", fileStamp{}, err
		}
		stamp.contentHash = hash
	} else {
		stamp.contentHash = fmt.Sprintf("%d:%d", stamp.size, stamp.mtimeNano)
	}

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%s",
		stamp.contentHash, section, stamp.size, stamp.mtimeNano, m.config.SchemaVersion)))
	return hex.EncodeToString(sum[:]), stamp, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// valid reports whether an entry still matches the current file state
// and has not outlived its TTL.
func (m *Manager) valid(entry *Entry, stamp fileStamp) bool {
	if entry.SchemaVersion != m.config.SchemaVersion {
		return false
	}
	if m.now().Sub(entry.StoredAt) > m.config.TTL {
		m.statsMu.Lock()
		m.expired++
		m.statsMu.Unlock()
		return false
	}
	return entry.FileSize == stamp.size && entry.FileMtimeNano == stamp.mtimeNano
}

// promote copies a disk hit into the memory tier when it fits.
func (m *Manager) promote(entry *Entry) {
	if int64(len(entry.Data)) >= m.config.MemoryEntryLimit {
		return
	}
	m.mu.Lock()
	if _, ok := m.memory[entry.Key]; !ok {
		m.memory[entry.Key] = entry
		m.memBytes += int64(len(entry.Data))
	}
	m.mu.Unlock()
}

func (m *Manager) dropEntry(key string, size int64) {
	m.mu.Lock()
	if _, ok := m.memory[key]; ok {
		delete(m.memory, key)
		m.memBytes -= size
	}
	m.mu.Unlock()
	m.disk.Delete(key)
}

func (m *Manager) recordMiss(memoryToo bool) {
	m.statsMu.Lock()
	if memoryToo {
		m.memMisses++
	}
	m.diskMiss++
	m.statsMu.Unlock()
	if m.metrics != nil {
		m.metrics.RecordCacheMiss()
	}
}

func (m *Manager) cleanupIfOverBudget() {
	m.mu.RLock()
	memOver := len(m.memory) > m.config.MaxMemoryEntries
	m.mu.RUnlock()
	if memOver || m.disk.TotalBytes() > m.config.MaxSizeBytes {
		m.Cleanup()
	}
}

// cleanupMemory drops expired entries, then evicts the oldest entries
// until the tier is at 80% of its cap.
func (m *Manager) cleanupMemory(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for key, entry := range m.memory {
		if now.Sub(entry.StoredAt) > m.config.TTL {
			m.memBytes -= int64(len(entry.Data))
			delete(m.memory, key)
			expired++
			if m.metrics != nil {
				m.metrics.RecordCacheEviction("ttl")
			}
		}
	}

	if len(m.memory) > m.config.MaxMemoryEntries {
		type aged struct {
			key      string
			storedAt time.Time
			size     int64
		}
		entries := make([]aged, 0, len(m.memory))
		for key, entry := range m.memory {
			entries = append(entries, aged{key, entry.StoredAt, int64(len(entry.Data))})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].storedAt.Equal(entries[j].storedAt) {
				return entries[i].key < entries[j].key
			}
			return entries[i].storedAt.Before(entries[j].storedAt)
		})

		target := m.config.MaxMemoryEntries * 80 / 100
		evicted := 0
		for _, e := range entries {
			if len(m.memory) <= target {
				break
			}
			delete(m.memory, e.key)
			m.memBytes -= e.size
			evicted++
			if m.metrics != nil {
				m.metrics.RecordCacheEviction("memory-cap")
			}
		}
		if evicted > 0 {
			m.statsMu.Lock()
			m.evictions += int64(evicted)
			m.statsMu.Unlock()
			m.logger.Debug("evicted memory cache entries",
				zap.Int("evicted", evicted),
				zap.Int("remaining", len(m.memory)))
		}
	}

	if expired > 0 {
		m.statsMu.Lock()
		m.expired += int64(expired)
		m.statsMu.Unlock()
	}
	return expired
}

// cleanupDisk drops entry files older than the TTL, then deletes the
// oldest files until the tier is under its byte budget. File mtimes
// stand in for StoredAt so the sweep never has to decode payloads.
func (m *Manager) cleanupDisk(now time.Time) int {
	files, err := m.disk.List()
	if err != nil {
		m.logger.Warn("cache sweep failed to list disk tier", zap.Error(err))
		return 0
	}

	expired := 0
	kept := files[:0]
	for _, f := range files {
		if now.Sub(f.modTime) > m.config.TTL {
			m.disk.Delete(f.key)
			expired++
			if m.metrics != nil {
				m.metrics.RecordCacheEviction("ttl")
			}
			continue
		}
		kept = append(kept, f)
	}

	evicted := 0
	total := m.disk.TotalBytes()
	for _, f := range kept {
		if total <= m.config.MaxSizeBytes {
			break
		}
		m.disk.Delete(f.key)
		m.mu.Lock()
		if entry, ok := m.memory[f.key]; ok {
			m.memBytes -= int64(len(entry.Data))
			delete(m.memory, f.key)
		}
		m.mu.Unlock()
		total -= f.size
		evicted++
		if m.metrics != nil {
			m.metrics.RecordCacheEviction("disk-cap")
		}
	}

	m.statsMu.Lock()
	m.expired += int64(expired)
	m.evictions += int64(evicted)
	m.statsMu.Unlock()

	if evicted > 0 {
		m.logger.Info("evicted disk cache entries",
			zap.Int("evicted", evicted),
			zap.String("disk_bytes", humanize.IBytes(uint64(m.disk.TotalBytes()))),
			zap.String("budget", humanize.IBytes(uint64(m.config.MaxSizeBytes))))
	}
	return expired
}

func (m *Manager) publishStats() {
	if m.metrics == nil {
		return
	}
	stats := m.Stats()
	m.metrics.UpdateCacheStats("memory", stats.Memory.Entries, stats.Memory.Bytes)
	m.metrics.UpdateCacheStats("disk", stats.Disk.Entries, stats.Disk.Bytes)
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}
