package filestore

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"nexus/internal/domain"
)

const DefaultFeedEntries = 500

type FeedFile struct {
	Entries  []domain.ActivityEntry `json:"entries"`
	Revision int64                  `json:"revision"`
}

func (f *FeedFile) revision() int64     { return f.Revision }
func (f *FeedFile) setRevision(r int64) { f.Revision = r }
func (f *FeedFile) normalize() {
	if f.Entries == nil {
		f.Entries = []domain.ActivityEntry{}
	}
}

// Feed is activity-feed.json, newest entry first.
type Feed struct {
	Path       string
	MaxEntries int
	Now        func() time.Time
	Logger     *slog.Logger
}

// readLenient treats a malformed feed as empty.
func (f Feed) readLenient(path string, v any) error {
	if err := readJSON(path, v); err != nil {
		if f.Logger != nil {
			f.Logger.Warn("activity feed malformed; resetting", "path", path, "err", err)
		}
		if doc, ok := v.(*FeedFile); ok {
			*doc = FeedFile{}
		}
	}
	return nil
}

// Append stores entry at the head of the feed, dropping the oldest entries
// past the cap. Missing id and timestamp are filled in.
func (f Feed) Append(entry domain.ActivityEntry) (domain.ActivityEntry, error) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp == "" {
		entry.Timestamp = stamp(f.Now)
	}
	limit := f.MaxEntries
	if limit <= 0 {
		limit = DefaultFeedEntries
	}
	_, err := update(f.Path, f.readLenient, func(doc *FeedFile) error {
		entries := make([]domain.ActivityEntry, 0, len(doc.Entries)+1)
		entries = append(entries, entry)
		entries = append(entries, doc.Entries...)
		if len(entries) > limit {
			entries = entries[:limit]
		}
		doc.Entries = entries
		return nil
	})
	if err != nil {
		return domain.ActivityEntry{}, err
	}
	return entry, nil
}

// List returns up to limit entries, newest first. limit <= 0 means all.
func (f Feed) List(limit int) ([]domain.ActivityEntry, error) {
	doc, err := load[FeedFile](f.Path, f.readLenient)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(doc.Entries) > limit {
		return doc.Entries[:limit], nil
	}
	return doc.Entries, nil
}
