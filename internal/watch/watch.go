// Package watch reports frame files that appear in watched directories once
// they stop changing.
package watch

import (
	"log/slog"
	"sync"
	"time"

	"stackengine/internal/fsutil"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a file must stay quiet before it is reported.
const DefaultSettle = 2 * time.Second

// Event is a frame file ready to be read.
type Event struct {
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// Watcher monitors directories for new frame files
type Watcher struct {
	watcher *fsnotify.Watcher
	Events  chan Event
	dirs    []string
	settle  time.Duration
	log     *slog.Logger

	pending map[string]time.Time
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a watcher for dirs. A settle of zero uses DefaultSettle.
func New(dirs []string, settle time.Duration, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if settle <= 0 {
		settle = DefaultSettle
	}
	return &Watcher{
		watcher: w,
		Events:  make(chan Event, 100),
		dirs:    dirs,
		settle:  settle,
		log:     logger,
		pending: make(map[string]time.Time),
		done:    make(chan struct{}),
	}, nil
}

// Start begins monitoring the configured directories
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}
	w.wg.Add(1)
	go w.processEvents()
	return nil
}

// Stop ends monitoring and closes Events.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	close(w.Events)
	return w.watcher.Close()
}

func (w *Watcher) processEvents() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.settle / 4)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !fsutil.IsFrameFile(event.Name) {
				continue
			}
			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.pending[event.Name] = time.Now()
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				delete(w.pending, event.Name)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("filesystem watcher error", "error", err)

		case now := <-ticker.C:
			w.flush(now)

		case <-w.done:
			return
		}
	}
}

// flush reports files that have been quiet for the settle period.
func (w *Watcher) flush(now time.Time) {
	for path, last := range w.pending {
		if now.Sub(last) < w.settle {
			continue
		}
		delete(w.pending, path)
		if !fsutil.Exists(path) {
			continue
		}
		select {
		case w.Events <- Event{Path: path, Time: now}:
		default:
			w.log.Warn("event buffer full, dropping frame", "file", path)
		}
	}
}
