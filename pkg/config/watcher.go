package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for writes to settle.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reports changes to a set of files, coalescing bursts of writes
// into one callback.
type Watcher struct {
	logger   zerolog.Logger
	debounce time.Duration
	watcher  *fsnotify.Watcher
	files    map[string]bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the watcher's logger.
func WithWatcherLogger(logger zerolog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// WithDebounce sets the quiet period before a change is reported.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.debounce = d
	}
}

// NewWatcher creates a watcher for paths. The parent directories are
// watched so editors that replace files on save are still noticed.
func NewWatcher(paths []string, opts ...WatcherOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		logger:   zerolog.Nop(),
		debounce: DefaultDebounce,
		watcher:  fw,
		files:    make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}

	dirs := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			_ = fw.Close()
			return nil, err
		}
		w.files[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
		}
	}

	return w, nil
}

// Run calls onChange with the changed file after every settled burst of
// writes, until ctx is done. onChange runs on the watcher's goroutine, so
// at most one call is in flight.
func (w *Watcher) Run(ctx context.Context, onChange func(path string)) error {
	defer w.watcher.Close()

	var (
		timer   *time.Timer
		fire    <-chan time.Time
		pending string
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	w.logger.Info().Int("files", len(w.files)).Msg("watching files")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !w.files[name] {
				continue
			}
			w.logger.Debug().
				Str("file", name).
				Str("op", event.Op.String()).
				Msg("file changed")

			pending = name
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			onChange(pending)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}
