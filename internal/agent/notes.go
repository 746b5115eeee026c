package agent

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// maxNotesSize caps how much of the notes file reaches the engine.
const maxNotesSize = 16 * 1024

// NotesWatcher caches an operator notes file and reloads it whenever the
// file changes, so operators can steer running agents without a restart.
type NotesWatcher struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	content string

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewNotesWatcher loads path and starts watching it. A missing file is not
// an error; its notes are empty until it is created.
func NewNotesWatcher(path string, logger *slog.Logger) (*NotesWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	nw := &NotesWatcher{
		path:   abs,
		logger: logger,
		done:   make(chan struct{}),
	}
	nw.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Without a watcher, Read falls back to the cached content.
		logger.Warn("notes watcher unavailable", "error", err)
		return nw, nil
	}
	// Watch the directory: editors replace files rather than write them.
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		logger.Warn("cannot watch notes directory", "path", abs, "error", err)
		return nw, nil
	}
	nw.watcher = watcher
	nw.wg.Add(1)
	go nw.watch()
	return nw, nil
}

func (nw *NotesWatcher) watch() {
	defer nw.wg.Done()
	for {
		select {
		case <-nw.done:
			return
		case event, ok := <-nw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != nw.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				nw.reload()
			}
		case err, ok := <-nw.watcher.Errors:
			if !ok {
				return
			}
			nw.logger.Debug("notes watcher error", "error", err)
		}
	}
}

func (nw *NotesWatcher) reload() {
	data, err := os.ReadFile(nw.path)
	content := ""
	if err == nil {
		if len(data) > maxNotesSize {
			data = data[:maxNotesSize]
		}
		content = strings.TrimSpace(string(data))
	}
	nw.mu.Lock()
	changed := content != nw.content
	nw.content = content
	nw.mu.Unlock()
	if changed {
		nw.logger.Info("operator notes reloaded", "path", nw.path, "bytes", len(content))
	}
}

// Read implements NotesSource.
func (nw *NotesWatcher) Read() string {
	nw.mu.RLock()
	defer nw.mu.RUnlock()
	return nw.content
}

// Path returns the watched file.
func (nw *NotesWatcher) Path() string { return nw.path }

// Close stops watching.
func (nw *NotesWatcher) Close() error {
	close(nw.done)
	var err error
	if nw.watcher != nil {
		err = nw.watcher.Close()
	}
	nw.wg.Wait()
	return err
}
