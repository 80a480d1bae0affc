package watch

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"log/slog"

	"asterism/internal/fsutil"
	"asterism/internal/report"

	"github.com/fsnotify/fsnotify"
)

// Event reports an image file that appeared or changed under a watched
// directory and then stayed quiet for the debounce window.
type Event struct {
	Path string    `json:"path"`
	Op   string    `json:"op"` // "created", "modified"
	Time time.Time `json:"time"`
}

// Watcher monitors directories for new or rewritten images. A file still
// being written emits a burst of events; each path is debounced so it is
// reported once, after it settles.
type Watcher struct {
	watcher  *fsnotify.Watcher
	Events   chan Event
	dirs     []string
	debounce time.Duration
	log      *slog.Logger
	done     chan struct{}
	stopOnce sync.Once

	mu      sync.Mutex
	pending map[string]*time.Timer
}

// New creates a watcher for the given directories.
func New(dirs []string, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	return &Watcher{
		watcher:  fsw,
		Events:   make(chan Event, 100),
		dirs:     dirs,
		debounce: debounce,
		log:      logger,
		done:     make(chan struct{}),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Start begins monitoring the configured directories.
func (w *Watcher) Start() error {
	for _, dir := range w.dirs {
		if err := w.watcher.Add(dir); err != nil {
			return err
		}
		w.log.Info("watching directory", "dir", dir)
	}

	go w.processEvents()

	return nil
}

// Stop stops the watcher and cancels pending debounce timers. The Events
// channel stays open; consumers should select on their own context.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		w.mu.Lock()
		for path, t := range w.pending {
			t.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
		err = w.watcher.Close()
	})
	return err
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			var op string
			switch {
			case event.Op&fsnotify.Create == fsnotify.Create:
				op = "created"
			case event.Op&fsnotify.Write == fsnotify.Write:
				op = "modified"
			default:
				// Removals, renames and chmods are not new work.
				continue
			}

			if !fsutil.IsImageFile(event.Name) {
				continue
			}
			if isGeneratedOverlay(event.Name) {
				// Reports land next to their inputs; re-enqueuing
				// them would loop forever.
				continue
			}

			w.schedule(event.Name, op)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("filesystem watcher error", "error", err)

		case <-w.done:
			return
		}
	}
}

// schedule arms, or re-arms, the debounce timer for a path.
func (w *Watcher) schedule(path, op string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		w.deliver(Event{Path: path, Op: op, Time: time.Now()})
	})
}

func (w *Watcher) deliver(ev Event) {
	select {
	case <-w.done:
		return
	default:
	}

	select {
	case w.Events <- ev:
	default:
		w.log.Warn("event buffer full, dropping event", "path", ev.Path)
	}
}

func isGeneratedOverlay(path string) bool {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return strings.HasSuffix(base, report.OutputSuffix)
}
