package cache

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// fileWatcher invalidates cached sections when their source files
// change outside the process. It watches parent directories rather
// than the files themselves so editors that replace a file by rename
// keep reporting events for the path.
type fileWatcher struct {
	manager *Manager
	logger  *zap.Logger
	fsw     *fsnotify.Watcher

	mu    sync.Mutex
	files map[string]struct{}
	dirs  map[string]int

	wg sync.WaitGroup
}

func newFileWatcher(manager *Manager, logger *zap.Logger) (*fileWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &fileWatcher{
		manager: manager,
		logger:  logger.Named("watcher"),
		fsw:     fsw,
		files:   make(map[string]struct{}),
		dirs:    make(map[string]int),
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

// watchFile registers a source file for invalidation events.
func (w *fileWatcher) watchFile(path string) error {
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; ok {
		return nil
	}
	if w.dirs[dir] == 0 {
		if err := w.fsw.Add(dir); err != nil {
			return err
		}
	}
	w.files[path] = struct{}{}
	w.dirs[dir]++
	return nil
}

func (w *fileWatcher) forgetFile(path string) {
	dir := filepath.Dir(path)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.files[path]; !ok {
		return
	}
	delete(w.files, path)
	w.dirs[dir]--
	if w.dirs[dir] <= 0 {
		delete(w.dirs, dir)
		if err := w.fsw.Remove(dir); err != nil {
			w.logger.Debug("failed to drop directory watch", zap.String("dir", dir), zap.Error(err))
		}
	}
}

func (w *fileWatcher) forgetAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir := range w.dirs {
		if err := w.fsw.Remove(dir); err != nil {
			w.logger.Debug("failed to drop directory watch", zap.String("dir", dir), zap.Error(err))
		}
	}
	w.files = make(map[string]struct{})
	w.dirs = make(map[string]int)
}

func (w *fileWatcher) close() {
	if err := w.fsw.Close(); err != nil {
		w.logger.Warn("failed to close filesystem watcher", zap.Error(err))
	}
	w.wg.Wait()
}

func (w *fileWatcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			name := filepath.Clean(ev.Name)
			w.mu.Lock()
			_, watched := w.files[name]
			w.mu.Unlock()
			if !watched {
				continue
			}
			w.logger.Debug("cached file changed on disk",
				zap.String("path", name),
				zap.String("op", ev.Op.String()))
			w.manager.ClearFile(name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("filesystem watcher error", zap.Error(err))
		}
	}
}
