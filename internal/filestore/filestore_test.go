package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func fixedNow() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }

func TestStatusStoreLoadNeverFails(t *testing.T) {
	dir := t.TempDir()
	s := StatusStore{Path: filepath.Join(dir, "idea-status.json"), Logger: discard()}
	assert.Empty(t, s.Load())

	require.NoError(t, os.WriteFile(s.Path, []byte("{not json"), 0o644))
	assert.Empty(t, s.Load())

	require.NoError(t, s.Save(map[string]domain.StatusEntry{"a.md": {Status: domain.IdeaNew, Title: "A"}}))
	got := s.Load()
	assert.Equal(t, "A", got["a.md"].Title)

	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n  \"a.md\"")
}

func TestStatusStoreUpdateKeepsMalformedFile(t *testing.T) {
	s := StatusStore{Path: filepath.Join(t.TempDir(), "idea-status.json"), Logger: discard()}
	bad := []byte(`{"a.md": {"status": "new",`)
	require.NoError(t, os.WriteFile(s.Path, bad, 0o644))

	called := false
	_, err := s.Update(func(m map[string]domain.StatusEntry) error {
		called = true
		m["b.md"] = domain.StatusEntry{Status: domain.IdeaNew}
		return nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idea-status.json")
	assert.False(t, called)

	data, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t, bad, data)

	// a missing file still starts empty
	fresh := StatusStore{Path: filepath.Join(t.TempDir(), "idea-status.json")}
	got, err := fresh.Update(func(m map[string]domain.StatusEntry) error {
		m["b.md"] = domain.StatusEntry{Status: domain.IdeaNew}
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestQueueUpdateBumpsRevision(t *testing.T) {
	s := QueueStore{Path: filepath.Join(t.TempDir(), "pipeline-queue.json"), Now: fixedNow}
	q, err := s.Load()
	require.NoError(t, err)
	assert.Empty(t, q.Briefs)
	assert.Zero(t, q.Revision)

	q, err = s.Update(func(q *QueueFile) error {
		q.Briefs = append(q.Briefs, domain.QueueBrief{ID: "brief-1", Title: "One", Status: domain.QueueQueued})
		return nil
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, q.Revision)
	assert.Equal(t, "2025-03-14T09:30:00Z", q.Updated)

	loaded, err := s.Load()
	require.NoError(t, err)
	assert.EqualValues(t, 1, loaded.Revision)
	assert.Equal(t, 0, loaded.Find("brief-1"))
	assert.Equal(t, -1, loaded.Find("missing"))
}

func TestQueueUpdateErrorLeavesFileUntouched(t *testing.T) {
	s := QueueStore{Path: filepath.Join(t.TempDir(), "pipeline-queue.json")}
	_, err := s.Update(func(q *QueueFile) error {
		q.Briefs = append(q.Briefs, domain.QueueBrief{ID: "brief-1"})
		return nil
	})
	require.NoError(t, err)
	before, err := os.ReadFile(s.Path)
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = s.Update(func(q *QueueFile) error {
		q.Briefs = nil
		return boom
	})
	assert.ErrorIs(t, err, boom)
	after, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func bumpRevision(t *testing.T, path string, rev int64) {
	t.Helper()
	data, err := json.Marshal(QueueFile{Briefs: []domain.QueueBrief{}, Revision: rev})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestQueueUpdateRetriesOnForeignWrite(t *testing.T) {
	s := QueueStore{Path: filepath.Join(t.TempDir(), "pipeline-queue.json")}
	calls := 0
	q, err := s.Update(func(q *QueueFile) error {
		calls++
		if calls == 1 {
			bumpRevision(t, s.Path, 7)
		}
		q.Briefs = append(q.Briefs, domain.QueueBrief{ID: fmt.Sprintf("brief-%d", calls)})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.EqualValues(t, 8, q.Revision)
	assert.Len(t, q.Briefs, 1)
}

func TestQueueUpdateConflict(t *testing.T) {
	s := QueueStore{Path: filepath.Join(t.TempDir(), "pipeline-queue.json")}
	var rev int64
	_, err := s.Update(func(q *QueueFile) error {
		rev += 10
		bumpRevision(t, s.Path, rev)
		return nil
	})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestQueueLoadMalformedIsError(t *testing.T) {
	s := QueueStore{Path: filepath.Join(t.TempDir(), "pipeline-queue.json")}
	require.NoError(t, os.WriteFile(s.Path, []byte("[oops"), 0o644))
	_, err := s.Load()
	assert.Error(t, err)
}

func TestQueueLoadLegacyFile(t *testing.T) {
	s := QueueStore{Path: filepath.Join(t.TempDir(), "pipeline-queue.json")}
	legacy := `{"briefs":[{"id":"b1","title":"T","source":"manual","status":"rejected","createdAt":"x","rejectedReason":"dupe"}],"updated":"x"}`
	require.NoError(t, os.WriteFile(s.Path, []byte(legacy), 0o644))
	q, err := s.Load()
	require.NoError(t, err)
	assert.Zero(t, q.Revision)
	assert.Equal(t, "dupe", q.Briefs[0].RejectReason)
}

func TestActionStoreUpdate(t *testing.T) {
	s := ActionStore{Path: filepath.Join(t.TempDir(), "action-items", "index.json")}
	a, err := s.Update(func(a *ActionFile) error {
		a.Items = append(a.Items, domain.ActionItem{ID: "ai-1", Task: "Do it", Status: domain.ActionTodo})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 0, a.Find("ai-1"))
	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Len(t, loaded.Items, 1)
}

func TestFeedNewestFirstAndCapped(t *testing.T) {
	f := Feed{Path: filepath.Join(t.TempDir(), "activity-feed.json"), MaxEntries: 3, Now: fixedNow, Logger: discard()}
	for i := 0; i < 5; i++ {
		_, err := f.Append(domain.ActivityEntry{Type: "test", Agent: "PJ", Message: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}
	entries, err := f.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "m4", entries[0].Message)
	assert.Equal(t, "m2", entries[2].Message)
	assert.NotEmpty(t, entries[0].ID)
	assert.Equal(t, "2025-03-14T09:30:00Z", entries[0].Timestamp)

	limited, err := f.List(1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestFeedMalformedResets(t *testing.T) {
	f := Feed{Path: filepath.Join(t.TempDir(), "activity-feed.json"), Logger: discard()}
	require.NoError(t, os.WriteFile(f.Path, []byte("garbage"), 0o644))
	entries, err := f.List(0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = f.Append(domain.ActivityEntry{Type: "x", Message: "after reset"})
	require.NoError(t, err)
	entries, err = f.List(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "after reset", entries[0].Message)
}

func TestFeedConcurrentAppends(t *testing.T) {
	f := Feed{Path: filepath.Join(t.TempDir(), "activity-feed.json")}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.Append(domain.ActivityEntry{Type: "x", Message: fmt.Sprint(i)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	entries, err := f.List(0)
	require.NoError(t, err)
	assert.Len(t, entries, 20)
}

func TestJournals(t *testing.T) {
	dir := t.TempDir()
	md := filepath.Join(dir, "notes", "LESSONS.md")
	require.NoError(t, AppendText(md, "one\n"))
	require.NoError(t, AppendText(md, "two\n"))
	data, err := os.ReadFile(md)
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo\n", string(data))

	flux := filepath.Join(dir, "pipeline", "flux-log.json")
	require.NoError(t, AppendRecord(flux, map[string]string{"a": "1"}))
	require.NoError(t, AppendRecord(flux, map[string]string{"a": "2"}))
	var recs []map[string]string
	data, err = os.ReadFile(flux)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &recs))
	assert.Equal(t, []map[string]string{{"a": "1"}, {"a": "2"}}, recs)
}
