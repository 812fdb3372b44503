package filestore

import (
	"fmt"
	"log/slog"
	"time"

	"nexus/internal/domain"
)

// StatusStore is the idea status map keyed by spec-brief filename.
type StatusStore struct {
	Path   string
	Logger *slog.Logger
}

// Load never fails: a missing or unreadable file yields an empty map.
func (s StatusStore) Load() map[string]domain.StatusEntry {
	m := map[string]domain.StatusEntry{}
	if err := readJSON(s.Path, &m); err != nil {
		if s.Logger != nil {
			s.Logger.Warn("idea status unreadable; starting empty", "path", s.Path, "err", err)
		}
		return map[string]domain.StatusEntry{}
	}
	if m == nil {
		m = map[string]domain.StatusEntry{}
	}
	return m
}

func (s StatusStore) Save(m map[string]domain.StatusEntry) error {
	mu := lockFor(s.Path)
	mu.Lock()
	defer mu.Unlock()
	return writeJSON(s.Path, m)
}

// Update loads the map, applies fn and saves it under the path lock. Unlike
// Load it fails on a file it cannot decode and leaves that file untouched.
func (s StatusStore) Update(fn func(map[string]domain.StatusEntry) error) (map[string]domain.StatusEntry, error) {
	mu := lockFor(s.Path)
	mu.Lock()
	defer mu.Unlock()
	m := map[string]domain.StatusEntry{}
	if err := readJSON(s.Path, &m); err != nil {
		return nil, fmt.Errorf("idea status: %w", err)
	}
	if m == nil {
		m = map[string]domain.StatusEntry{}
	}
	if err := fn(m); err != nil {
		return nil, err
	}
	if err := writeJSON(s.Path, m); err != nil {
		return nil, err
	}
	return m, nil
}

// QueueFile is the on-disk shape of pipeline-queue.json.
type QueueFile struct {
	Briefs   []domain.QueueBrief `json:"briefs"`
	Updated  string              `json:"updated"`
	Revision int64               `json:"revision"`
}

func (q *QueueFile) revision() int64     { return q.Revision }
func (q *QueueFile) setRevision(r int64) { q.Revision = r }
func (q *QueueFile) normalize() {
	if q.Briefs == nil {
		q.Briefs = []domain.QueueBrief{}
	}
}

// Find returns the index of the brief with id, or -1.
func (q *QueueFile) Find(id string) int {
	for i := range q.Briefs {
		if q.Briefs[i].ID == id {
			return i
		}
	}
	return -1
}

type QueueStore struct {
	Path string
	Now  func() time.Time
}

func (s QueueStore) Load() (QueueFile, error) {
	return load[QueueFile](s.Path, readJSON)
}

// Update applies fn with compare-and-swap on the revision and stamps
// updated.
func (s QueueStore) Update(fn func(*QueueFile) error) (QueueFile, error) {
	return update(s.Path, readJSON, func(q *QueueFile) error {
		if err := fn(q); err != nil {
			return err
		}
		q.Updated = stamp(s.Now)
		return nil
	})
}

// ActionFile is the on-disk shape of action-items/index.json.
type ActionFile struct {
	Items    []domain.ActionItem `json:"items"`
	Updated  string              `json:"updated"`
	Revision int64               `json:"revision"`
}

func (a *ActionFile) revision() int64     { return a.Revision }
func (a *ActionFile) setRevision(r int64) { a.Revision = r }
func (a *ActionFile) normalize() {
	if a.Items == nil {
		a.Items = []domain.ActionItem{}
	}
}

func (a *ActionFile) Find(id string) int {
	for i := range a.Items {
		if a.Items[i].ID == id {
			return i
		}
	}
	return -1
}

type ActionStore struct {
	Path string
	Now  func() time.Time
}

func (s ActionStore) Load() (ActionFile, error) {
	return load[ActionFile](s.Path, readJSON)
}

func (s ActionStore) Update(fn func(*ActionFile) error) (ActionFile, error) {
	return update(s.Path, readJSON, func(a *ActionFile) error {
		if err := fn(a); err != nil {
			return err
		}
		a.Updated = stamp(s.Now)
		return nil
	})
}

func stamp(now func() time.Time) string {
	if now == nil {
		now = time.Now
	}
	return now().UTC().Format(time.RFC3339)
}
