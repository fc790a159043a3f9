// Package watcher provides file system watching with debouncing for
// project component manifests. A change to any idf_component.yml under
// a watched clone schedules a dependency re-scan for that project.
package watcher

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/kiln/internal/deps"
	"github.com/zjrosen/kiln/internal/log"
)

// Watcher monitors project clone trees for manifest changes and sends
// the owning project's id after a quiet period.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	debounce  time.Duration
	changes   chan string
	done      chan struct{}

	mu    sync.Mutex
	roots map[string]string // clone root -> project id
}

// Config holds watcher configuration options.
type Config struct {
	DebounceDur time.Duration
}

// DefaultConfig returns sensible defaults for the watcher.
func DefaultConfig() Config {
	return Config{
		DebounceDur: 2 * time.Second,
	}
}

// New creates a manifest watcher.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	debounce := cfg.DebounceDur
	if debounce <= 0 {
		debounce = DefaultConfig().DebounceDur
	}

	return &Watcher{
		fsWatcher: fsw,
		debounce:  debounce,
		changes:   make(chan string, 16),
		done:      make(chan struct{}),
	}, nil
}

// Watch registers a project clone. Every directory under root is
// watched except hidden and build-output directories, matching the
// scanner's walk.
func (w *Watcher) Watch(projectID, root string) error {
	cleaned := filepath.Clean(root)
	if err := w.addTree(cleaned); err != nil {
		return err
	}

	w.mu.Lock()
	if w.roots == nil {
		w.roots = make(map[string]string)
	}
	w.roots[cleaned] = projectID
	w.mu.Unlock()

	log.Info(log.CatWatcher, "Watching project manifests", "project", projectID, "root", cleaned)
	return nil
}

// Start begins processing file system events.
// Returns a channel that receives a project id when one of its
// manifests changes. The channel closes when the watcher stops, so
// consumers can range over it.
func (w *Watcher) Start() <-chan string {
	go w.loop()
	return w.changes
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing. Changes across
// projects coalesce behind one timer; each pending project is reported
// once when it fires.
func (w *Watcher) loop() {
	defer close(w.changes)

	var (
		timer   *time.Timer
		pending = make(map[string]bool)
	)

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			w.followNewDir(event)

			if !isManifestEvent(event) {
				continue
			}
			projectID, ok := w.projectFor(event.Name)
			if !ok {
				continue
			}
			pending[projectID] = true

			// Reset or start debounce timer
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					// Drain the timer channel if it already fired
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}

		case <-func() <-chan time.Time {
			if timer != nil {
				return timer.C
			}
			return nil
		}():
			for projectID := range pending {
				// Non-blocking send - drop if channel full
				select {
				case w.changes <- projectID:
				default:
					log.Warn(log.CatWatcher, "Manifest change dropped; consumer backlogged", "project", projectID)
				}
				delete(pending, projectID)
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatWatcher, "Watcher error", "error", err)

		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// followNewDir extends the watch into directories created after Watch,
// so manifests added in fresh component directories are still seen.
func (w *Watcher) followNewDir(event fsnotify.Event) {
	if event.Op&fsnotify.Create == 0 {
		return
	}
	info, err := os.Stat(event.Name)
	if err != nil || !info.IsDir() {
		return
	}
	if deps.ShouldSkipDir(filepath.Base(event.Name)) {
		return
	}
	if err := w.addTree(event.Name); err != nil {
		log.Warn(log.CatWatcher, "Failed to watch new directory", "path", event.Name, "error", err)
	}
}

// addTree walks root and watches every directory the scanner would
// visit.
func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && deps.ShouldSkipDir(d.Name()) {
			return fs.SkipDir
		}
		if err := w.fsWatcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
}

// projectFor resolves the watched project owning path, preferring the
// longest matching root when clones nest.
func (w *Watcher) projectFor(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var bestRoot, bestID string
	for root, projectID := range w.roots {
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if len(root) > len(bestRoot) {
			bestRoot, bestID = root, projectID
		}
	}
	return bestID, bestRoot != ""
}

// isManifestEvent checks if the event should trigger a re-scan.
func isManifestEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Base(event.Name) == deps.ManifestName
}
