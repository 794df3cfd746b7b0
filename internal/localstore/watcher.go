package localstore

import (
	"context"
	"fmt"
	"log"

	"github.com/fsnotify/fsnotify"
)

type Logger interface {
	Printf(format string, args ...any)
}

type WatcherOptions struct {
	// OnChange runs once per filesystem event that the store did not cause.
	OnChange func(path string)
	Logger   Logger
}

// Watcher turns writes made to a store by other processes into change
// callbacks.
type Watcher struct {
	store    Watchable
	fs       *fsnotify.Watcher
	onChange func(path string)
	logger   Logger
}

func NewWatcher(store Watchable, opts WatcherOptions) (*Watcher, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if opts.OnChange == nil {
		return nil, fmt.Errorf("%w: change callback is required", ErrInvalidInput)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	for _, path := range store.WatchPaths() {
		if err := fsw.Add(path); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Watcher{store: store, fs: fsw, onChange: opts.OnChange, logger: logger}, nil
}

// Run delivers events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.store.ExternalChange(event.Name) {
				continue
			}
			w.onChange(event.Name)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("localstore: watch error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fs.Close()
}
