// Package watcher ingests spec-brief files as they appear on disk.
package watcher

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// FileWatcher is the part of fsnotify.Watcher the loop needs.
type FileWatcher interface {
	Events() <-chan fsnotify.Event
	Errors() <-chan error
	Add(name string) error
	Close() error
}

type fsWatcher struct {
	w *fsnotify.Watcher
}

func (f fsWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsWatcher) Errors() <-chan error          { return f.w.Errors }
func (f fsWatcher) Add(name string) error         { return f.w.Add(name) }
func (f fsWatcher) Close() error                  { return f.w.Close() }

// NewFSWatcher returns a FileWatcher backed by fsnotify.
func NewFSWatcher() (FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return fsWatcher{w: w}, nil
}

// IngestFunc handles one settled markdown file.
type IngestFunc func(ctx context.Context, path string) error

type Watcher struct {
	Dir      string
	Debounce time.Duration
	Ingest   IngestFunc
	Logger   *slog.Logger
	// New defaults to NewFSWatcher.
	New func() (FileWatcher, error)
}

// Run watches Dir until ctx is cancelled. Create and write events on .md
// files are coalesced per file; Ingest runs once the file has been quiet for
// the debounce period.
func (w Watcher) Run(ctx context.Context) error {
	newWatcher := w.New
	if newWatcher == nil {
		newWatcher = NewFSWatcher
	}
	fw, err := newWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	if err := fw.Add(w.Dir); err != nil {
		return err
	}
	debounce := w.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	logger := w.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("watching spec briefs", "dir", w.Dir, "debounce", debounce)

	var (
		mu     sync.Mutex
		timers = map[string]*time.Timer{}
		wg     sync.WaitGroup
	)
	defer func() {
		mu.Lock()
		for name, t := range timers {
			if t.Stop() {
				wg.Done()
			}
			delete(timers, name)
		}
		mu.Unlock()
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-fw.Errors():
			if !ok {
				return nil
			}
			logger.Warn("watcher error", "err", err)
		case event, ok := <-fw.Events():
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := event.Name
			base := filepath.Base(name)
			if !strings.EqualFold(filepath.Ext(base), ".md") || strings.HasPrefix(base, ".") {
				continue
			}
			mu.Lock()
			if t, exists := timers[name]; exists && t.Stop() {
				wg.Done()
			}
			wg.Add(1)
			var t *time.Timer
			t = time.AfterFunc(debounce, func() {
				defer wg.Done()
				mu.Lock()
				if timers[name] == t {
					delete(timers, name)
				}
				mu.Unlock()
				if err := w.Ingest(ctx, name); err != nil {
					logger.Warn("ingest failed", "path", name, "err", err)
				}
			})
			timers[name] = t
			mu.Unlock()
		}
	}
}
