package watcher

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockWatcher struct {
	events chan fsnotify.Event
	errors chan error
}

func (m *mockWatcher) Events() <-chan fsnotify.Event { return m.events }
func (m *mockWatcher) Errors() <-chan error          { return m.errors }
func (m *mockWatcher) Add(string) error              { return nil }
func (m *mockWatcher) Close() error                  { return nil }

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) ingest(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDebounceCoalescesEvents(t *testing.T) {
	mw := &mockWatcher{events: make(chan fsnotify.Event), errors: make(chan error)}
	rec := &recorder{}
	w := Watcher{
		Dir:      "briefs",
		Debounce: 50 * time.Millisecond,
		Ingest:   rec.ingest,
		Logger:   quiet(),
		New:      func() (FileWatcher, error) { return mw, nil },
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	mw.events <- fsnotify.Event{Name: "briefs/a.md", Op: fsnotify.Create}
	mw.events <- fsnotify.Event{Name: "briefs/a.md", Op: fsnotify.Write}
	mw.events <- fsnotify.Event{Name: "briefs/a.md", Op: fsnotify.Write}
	mw.events <- fsnotify.Event{Name: "briefs/notes.txt", Op: fsnotify.Write}
	mw.events <- fsnotify.Event{Name: "briefs/b.md", Op: fsnotify.Remove}

	assert.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, []string{"briefs/a.md"}, rec.snapshot())

	cancel()
	require.NoError(t, <-done)
}

func TestRunWithFSNotify(t *testing.T) {
	dir := t.TempDir()
	var count atomic.Int32
	w := Watcher{
		Dir:      dir,
		Debounce: 50 * time.Millisecond,
		Logger:   quiet(),
		Ingest: func(_ context.Context, path string) error {
			assert.Equal(t, "idea.md", filepath.Base(path))
			count.Add(1)
			return nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "idea.md"), []byte("# Idea\n"), 0o644))

	assert.Eventually(t, func() bool { return count.Load() == 1 }, 2*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.EqualValues(t, 1, count.Load())
}
