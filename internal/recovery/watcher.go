package recovery

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quizpulse/quizpulse/internal/store"
)

// debounceDelay lets file writes settle before importing; editors and
// file managers often produce several events per drop.
const debounceDelay = 500 * time.Millisecond

// Watcher imports recovery packs dropped into a directory.
type Watcher struct {
	dir     string
	adapter store.Adapter
	logger  *log.Logger

	fsw *fsnotify.Watcher

	mu     sync.Mutex
	timers map[string]*time.Timer

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// OnImport fires after a pack was applied (tests, UI refresh).
	OnImport func(path string, stats ImportStats)
}

// NewWatcher watches dir for dropped pack files.
func NewWatcher(dir string, adapter store.Adapter, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{
		dir:     dir,
		adapter: adapter,
		logger:  logger,
		fsw:     fsw,
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Start begins processing events until Close.
func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(ctx)
	w.logger.Printf("watching %s for recovery packs", w.dir)
}

// Close stops the watcher and pending debounce timers.
func (w *Watcher) Close() error {
	if w.cancel != nil {
		w.cancel()
	}
	err := w.fsw.Close()
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !IsPackName(filepath.Base(event.Name)) {
				continue
			}
			w.debounce(event.Name)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watch error: %v", err)
		}
	}
}

// debounce coalesces the event burst for one file into a single import.
func (w *Watcher) debounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, exists := w.timers[path]; exists {
		t.Reset(debounceDelay)
		return
	}
	w.timers[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		w.importPack(path)
	})
}

func (w *Watcher) importPack(path string) {
	pack, err := ReadFile(path)
	if err != nil {
		w.logger.Printf("skipping %s: %v", filepath.Base(path), err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	stats, err := Import(ctx, w.adapter, pack)
	if err != nil {
		w.logger.Printf("import of %s failed: %v", filepath.Base(path), err)
		return
	}

	w.logger.Printf("imported %s: %d records merged", filepath.Base(path), stats.Merged)
	if w.OnImport != nil {
		w.OnImport(path, stats)
	}
}

// IsPackName reports whether a filename looks like a recovery pack:
// <username>_backup_<date>.json.
func IsPackName(name string) bool {
	if !strings.HasSuffix(name, ".json") {
		return false
	}
	return strings.Contains(name, "_backup_")
}
