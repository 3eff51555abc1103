package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	xerrors "github.com/Mrassimo/datapilot-sub015/internal/errors"
)

const diskSuffix = ".cache.json"

// diskFile describes one stored entry file for cleanup decisions.
type diskFile struct {
	key     string
	size    int64
	modTime time.Time
}

// diskStore persists one self-describing JSON file per entry under a
// flat directory. Writes go through a temp file and rename so a crash
// never leaves a half-written entry, and any file is safe to delete at
// any time.
type diskStore struct {
	dir    string
	logger *zap.Logger

	mu    sync.Mutex
	files int
	bytes int64
}

func newDiskStore(dir string, logger *zap.Logger) (*diskStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
	}
	d := &diskStore{dir: dir, logger: logger}
	if err := d.rescan(); err != nil {
		return nil, err
	}
	return d, nil
}

// rescan rebuilds the file and byte counters from the directory.
func (d *diskStore) rescan() error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("scan cache dir %s: %w", d.dir, err)
	}
	var files int
	var bytes int64
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), diskSuffix) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		files++
		bytes += info.Size()
	}
	d.mu.Lock()
	d.files = files
	d.bytes = bytes
	d.mu.Unlock()
	return nil
}

func (d *diskStore) path(key string) string {
	return filepath.Join(d.dir, key+diskSuffix)
}

// Write stores an entry atomically.
func (d *diskStore) Write(entry *Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", entry.Key, err)
	}

	target := d.path(entry.Key)
	var oldSize int64
	existed := false
	if info, err := os.Stat(target); err == nil {
		oldSize = info.Size()
		existed = true
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write cache entry %s: %w", entry.Key, err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit cache entry %s: %w", entry.Key, err)
	}

	d.mu.Lock()
	if existed {
		d.bytes += int64(len(data)) - oldSize
	} else {
		d.files++
		d.bytes += int64(len(data))
	}
	d.mu.Unlock()
	return nil
}

// Read loads an entry. A file that cannot be decoded comes back as a
// corrupted-cache error so the caller can drop it.
func (d *diskStore) Read(key string) (*Entry, error) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, xerrors.New(xerrors.ErrCodeCacheCorrupted, "corrupted cache entry", err)
	}
	return &entry, nil
}

// Delete removes an entry file. Missing files are not an error.
func (d *diskStore) Delete(key string) {
	target := d.path(key)
	info, err := os.Stat(target)
	if err != nil {
		return
	}
	if err := os.Remove(target); err != nil {
		d.logger.Warn("failed to remove cache file", zap.String("key", key), zap.Error(err))
		return
	}
	d.mu.Lock()
	d.files--
	d.bytes -= info.Size()
	d.mu.Unlock()
}

// List returns all entry files, oldest first.
func (d *diskStore) List() ([]diskFile, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, fmt.Errorf("scan cache dir %s: %w", d.dir, err)
	}
	files := make([]diskFile, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), diskSuffix) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		files = append(files, diskFile{
			key:     strings.TrimSuffix(ent.Name(), diskSuffix),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].key < files[j].key
		}
		return files[i].modTime.Before(files[j].modTime)
	})
	return files, nil
}

// RemoveAll deletes every entry file.
func (d *diskStore) RemoveAll() {
	files, err := d.List()
	if err != nil {
		d.logger.Warn("failed to list cache dir for wipe", zap.Error(err))
		return
	}
	for _, f := range files {
		d.Delete(f.key)
	}
}

func (d *diskStore) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.files
}

func (d *diskStore) TotalBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.bytes
}
