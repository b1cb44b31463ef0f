package functions

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"
	"github.com/rs/zerolog/log"
)

const defaultDebounceDuration = 300 * time.Millisecond

// watchPatterns are the file names that trigger a resync.
var watchPatterns = []string{"*.go", "manifest.{yaml,yml}"}

// Watcher resyncs a function when files in its directory change.
type Watcher struct {
	syncer           *Syncer
	watcher          *fsnotify.Watcher
	matchers         []glob.Glob
	debounceDuration time.Duration
	debounceTimers   map[string]*time.Timer
	mu               sync.Mutex
	ctx              context.Context
	cancel           context.CancelFunc
	wg               sync.WaitGroup

	// onSync is called after each debounced sync, for tests.
	onSync func(dir string, outcome Outcome, err error)
}

// NewWatcher creates a watcher over the syncer's directory.
func NewWatcher(syncer *Syncer, debounce time.Duration) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}

	matchers := make([]glob.Glob, 0, len(watchPatterns))
	for _, p := range watchPatterns {
		matchers = append(matchers, glob.MustCompile(p))
	}

	if debounce <= 0 {
		debounce = defaultDebounceDuration
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Watcher{
		syncer:           syncer,
		watcher:          watcher,
		matchers:         matchers,
		debounceDuration: debounce,
		debounceTimers:   make(map[string]*time.Timer),
		ctx:              ctx,
		cancel:           cancel,
	}, nil
}

// Start watches the root directory and every function directory in it.
func (w *Watcher) Start() error {
	root := w.syncer.Dir()
	if err := w.watcher.Add(root); err != nil {
		return fmt.Errorf("watching %s: %w", root, err)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return fmt.Errorf("reading functions directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() && !skipName(entry.Name()) {
			w.addDir(filepath.Join(root, entry.Name()))
		}
	}

	w.wg.Add(1)
	go w.eventLoop()

	log.Info().Str("dir", root).Dur("debounce", w.debounceDuration).Msg("Watching functions directory")
	return nil
}

// Stop stops the watcher and cleans up resources.
func (w *Watcher) Stop() error {
	w.cancel()

	w.mu.Lock()
	for _, timer := range w.debounceTimers {
		timer.Stop()
	}
	w.mu.Unlock()

	err := w.watcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) addDir(dir string) {
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Failed to watch function directory")
		return
	}
	log.Debug().Str("dir", dir).Msg("Watching function directory")
}

func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.handleEvent(event)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	root := w.syncer.Dir()
	rel, err := filepath.Rel(root, event.Name)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if skipName(parts[0]) {
		return
	}
	funcDir := filepath.Join(root, parts[0])

	// A new function directory: watch it and sync whatever it holds.
	if len(parts) == 1 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addDir(funcDir)
			w.debounceSync(funcDir)
		}
		return
	}

	if len(parts) != 2 || !w.matches(parts[1]) {
		return
	}

	log.Debug().Str("file", event.Name).Msg("Function file changed")
	w.debounceSync(funcDir)
}

func (w *Watcher) matches(name string) bool {
	for _, m := range w.matchers {
		if m.Match(name) {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceSync(funcDir string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if timer, exists := w.debounceTimers[funcDir]; exists {
		timer.Stop()
	}

	w.debounceTimers[funcDir] = time.AfterFunc(w.debounceDuration, func() {
		w.sync(funcDir)
	})
}

func (w *Watcher) sync(funcDir string) {
	if w.ctx.Err() != nil {
		return
	}

	outcome, err := w.syncer.SyncDir(w.ctx, funcDir)
	switch {
	case errors.Is(err, errNotAFunction):
		log.Debug().Str("dir", funcDir).Msg("Directory has no manifest yet")
	case err != nil:
		log.Error().Err(err).Str("dir", funcDir).Msg("Function sync failed")
	default:
		log.Debug().Str("dir", funcDir).Str("outcome", string(outcome)).Msg("Function synced")
	}

	if w.onSync != nil {
		w.onSync(funcDir, outcome, err)
	}
}
