package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a configuration file and its includes when they change.
// A reload that fails to load or validate keeps the previous config.
type Watcher struct {
	path     string
	debounce time.Duration
	logger   *slog.Logger
	onChange func(*Config)

	current atomic.Pointer[Config]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	files   map[string]struct{}
	dirs    map[string]struct{}
	timer   *time.Timer
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// Debounce coalesces bursts of writes. Default: 250ms
	Debounce time.Duration

	// OnChange is called with every successfully reloaded config.
	OnChange func(*Config)

	Logger *slog.Logger
}

// NewWatcher loads path and returns a watcher holding the result. Call
// Start to begin watching.
func NewWatcher(path string, opts WatcherOptions) (*Watcher, error) {
	cfg, files, err := load(path)
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = 250 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	w := &Watcher{
		path:     path,
		debounce: opts.Debounce,
		logger:   opts.Logger.With("component", "config"),
		onChange: opts.OnChange,
		files:    map[string]struct{}{},
		dirs:     map[string]struct{}{},
	}
	w.current.Store(cfg)
	w.setFiles(files)
	return w, nil
}

// Current returns the most recent valid config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Start watches the directories of every loaded file until ctx is done or
// Close is called.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ctx, cancel := context.WithCancel(ctx)

	w.mu.Lock()
	w.watcher = fsw
	w.cancel = cancel
	err = w.refreshWatchesLocked()
	w.mu.Unlock()
	if err != nil {
		cancel()
		_ = fsw.Close()
		return err
	}

	w.wg.Add(1)
	go w.watchLoop(ctx, fsw)
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.cancel != nil {
		w.cancel()
		w.cancel = nil
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	fsw := w.watcher
	w.watcher = nil
	clear(w.dirs)
	w.mu.Unlock()

	var err error
	if fsw != nil {
		err = fsw.Close()
	}
	w.wg.Wait()
	return err
}

// Reload loads the file now. On failure the previous config stays current.
func (w *Watcher) Reload() error {
	cfg, files, err := load(w.path)
	if len(files) > 0 {
		w.setFiles(files)
	}
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous config", "path", w.path, "error", err)
		return err
	}
	w.current.Store(cfg)
	w.logger.Info("config reloaded", "path", w.path, "files", len(files))
	if w.onChange != nil {
		w.onChange(cfg)
	}
	return nil
}

func (w *Watcher) watchLoop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if w.tracks(event.Name) {
				w.scheduleReload(ctx)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) scheduleReload(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		_ = w.Reload()
	})
}

func (w *Watcher) tracks(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.files[abs]
	return ok
}

// setFiles replaces the tracked file set. Directories are watched rather
// than files so editors that replace files by rename are still seen.
func (w *Watcher) setFiles(files []string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	clear(w.files)
	for _, f := range files {
		w.files[f] = struct{}{}
	}
	if err := w.refreshWatchesLocked(); err != nil {
		w.logger.Warn("config watch refresh failed", "error", err)
	}
}

func (w *Watcher) refreshWatchesLocked() error {
	if w.watcher == nil {
		return nil
	}
	for f := range w.files {
		dir := filepath.Dir(f)
		if _, ok := w.dirs[dir]; ok {
			continue
		}
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = struct{}{}
	}
	return nil
}
