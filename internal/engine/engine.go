package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"nexus/internal/config"
	"nexus/internal/domain"
	"nexus/internal/events"
	"nexus/internal/filestore"
	"nexus/internal/gitops"
	"nexus/internal/metrics"
	"nexus/internal/repo"
)

// Notifier receives every activity feed entry after it is written.
type Notifier interface {
	Publish(domain.ActivityEntry)
}

// Engine is the single authority for pipeline transitions. Every operation
// validates against the current queue, runs its side effects, commits the
// queue file, mirrors the committed brief into the database with an
// activity row and finally appends to the activity feed. The queue file is
// the source of truth; a failed mirror is repaired by the next upsert.
type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Workspace string

	Queue   filestore.QueueStore
	Actions filestore.ActionStore
	Ideas   filestore.StatusStore
	Feed    filestore.Feed

	Reverter gitops.Reverter
	Notifier Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config, workspace string) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if workspace == "" {
		workspace = "."
	}
	e := Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Config:    cfg,
		Workspace: workspace,
		Reverter: gitops.GitReverter{
			Repo:    config.Resolve(workspace, cfg.Revert.Repo),
			Timeout: cfg.RevertTimeout(),
		},
		Logger: slog.Default(),
	}
	e.Queue = filestore.QueueStore{Path: e.path(cfg.Paths.PipelineQueue)}
	e.Actions = filestore.ActionStore{Path: e.path(cfg.Paths.ActionItems)}
	e.Ideas = filestore.StatusStore{Path: e.path(cfg.Paths.IdeaStatus), Logger: e.Logger}
	e.Feed = filestore.Feed{Path: e.path(cfg.Paths.ActivityFeed), MaxEntries: cfg.Feed.MaxEntries, Logger: e.Logger}
	return e.WithClock(time.Now)
}

// WithClock returns a copy of e whose timestamps all come from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Events.Now = now
	e.Queue.Now = now
	e.Actions.Now = now
	e.Feed.Now = now
	return e
}

// WithLogger returns a copy of e logging to l.
func (e Engine) WithLogger(l *slog.Logger) Engine {
	e.Logger = l
	e.Ideas.Logger = l
	e.Feed.Logger = l
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) ts() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) date() string {
	return e.now().UTC().Format("2006-01-02")
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) path(p string) string {
	return config.Resolve(e.Workspace, p)
}

// rel expresses an absolute or workspace-joined path relative to the
// workspace, which is how file paths are stored on records.
func (e Engine) rel(p string) string {
	r, err := filepath.Rel(e.Workspace, p)
	if err != nil || strings.HasPrefix(r, "..") {
		return p
	}
	return filepath.ToSlash(r)
}

func (e Engine) agent(actor string) string {
	if strings.TrimSpace(actor) != "" {
		return actor
	}
	return e.Config.Operator
}

// InputError marks a request the caller can fix.
type InputError struct {
	Msg string
}

func (e *InputError) Error() string { return e.Msg }

func inputf(format string, args ...any) error {
	return &InputError{Msg: fmt.Sprintf(format, args...)}
}

// IsInput reports whether err is a validation failure.
func IsInput(err error) bool {
	var ie *InputError
	return errors.As(err, &ie)
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, repo.ErrNotFound)
}

// ensureQueueTransition enforces the queue status graph. Every status but
// rejected may be deferred. Rollback owns the shipped -> reverted edge and
// does not go through here.
func ensureQueueTransition(oldStatus, newStatus string, force bool) error {
	if force || oldStatus == newStatus {
		return nil
	}
	allowed := map[string][]string{
		domain.QueuePendingReview: {domain.QueueQueued, domain.QueueRejected, domain.QueueDeferred, domain.QueueParked},
		domain.QueueQueued:        {domain.QueueSpeccing, domain.QueueRejected, domain.QueueDeferred, domain.QueueParked},
		domain.QueueSpeccing:      {domain.QueueBuilding, domain.QueueRejected, domain.QueueDeferred, domain.QueueParked},
		domain.QueueBuilding:      {domain.QueueQA, domain.QueueShipped, domain.QueueRejected, domain.QueueDeferred},
		domain.QueueQA:            {domain.QueueShipped, domain.QueueBuilding, domain.QueueRejected, domain.QueueDeferred},
		domain.QueueShipped:       {domain.QueueRejected, domain.QueueDeferred},
		domain.QueueDeferred:      {domain.QueueQueued, domain.QueueSpeccing, domain.QueueRejected, domain.QueueParked},
		domain.QueueParked:        {domain.QueueQueued, domain.QueueSpeccing, domain.QueueRejected, domain.QueueDeferred},
		domain.QueueReverted:      {domain.QueueQueued, domain.QueueSpeccing, domain.QueueRejected, domain.QueueDeferred},
	}
	for _, s := range allowed[oldStatus] {
		if s == newStatus {
			return nil
		}
	}
	return inputf("invalid brief status transition %s -> %s", oldStatus, newStatus)
}

// lookup returns the current queue record for id.
func (e Engine) lookup(id string) (domain.QueueBrief, error) {
	if strings.TrimSpace(id) == "" {
		return domain.QueueBrief{}, inputf("briefId is required")
	}
	q, err := e.Queue.Load()
	if err != nil {
		return domain.QueueBrief{}, err
	}
	i := q.Find(id)
	if i < 0 {
		return domain.QueueBrief{}, notFound("brief", id)
	}
	return q.Briefs[i], nil
}

// commit re-validates the brief against the latest queue file and applies
// the mutation under the store's compare-and-swap.
func (e Engine) commit(id string, check func(domain.QueueBrief) error, apply func(*domain.QueueBrief)) (domain.QueueBrief, error) {
	var out domain.QueueBrief
	_, err := e.Queue.Update(func(doc *filestore.QueueFile) error {
		i := doc.Find(id)
		if i < 0 {
			return notFound("brief", id)
		}
		if check != nil {
			if err := check(doc.Briefs[i]); err != nil {
				return err
			}
		}
		apply(&doc.Briefs[i])
		out = doc.Briefs[i]
		return nil
	})
	return out, err
}

// mirror upserts b into the database and appends an activity row, in one
// transaction.
func (e Engine) mirror(ctx context.Context, b domain.QueueBrief, evtType, agent, message string, payload events.Payload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertBriefTx(ctx, tx, domain.BriefFromQueue(b)); err != nil {
		return fmt.Errorf("mirror brief %s: %w", b.ID, err)
	}
	if _, err := e.Events.Append(ctx, tx, evtType, b.ID, agent, message, payload); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return tx.Commit()
}

// activity appends an activity row without touching the briefs table.
func (e Engine) activity(ctx context.Context, evtType, briefID, agent, message string, payload events.Payload) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := e.Events.Append(ctx, tx, evtType, briefID, agent, message, payload); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return tx.Commit()
}

// emit appends to the activity feed. The feed is advisory, so failures are
// logged and the transition still succeeds.
func (e Engine) emit(evtType, agent, message, briefID string) {
	entry, err := e.Feed.Append(domain.ActivityEntry{
		Type:    evtType,
		Agent:   agent,
		Message: message,
		BriefID: briefID,
	})
	if err != nil {
		e.logger().Warn("activity feed append failed", "type", evtType, "brief", briefID, "err", err)
		return
	}
	if e.Notifier != nil {
		e.Notifier.Publish(entry)
	}
	if e.Metrics != nil {
		if entries, err := e.Feed.List(0); err == nil {
			e.Metrics.SetFeedEntries(len(entries))
		}
	}
}

// ListFeed returns the newest activity feed entries.
func (e Engine) ListFeed(limit int) ([]domain.ActivityEntry, error) {
	return e.Feed.List(limit)
}

func normalizeLevel(field, v string) (string, error) {
	v = strings.ToUpper(strings.TrimSpace(v))
	switch v {
	case "":
		return "", nil
	case "MEDIUM", "MID":
		return "MED", nil
	case "HIGH", "MED", "LOW":
		return v, nil
	}
	return "", inputf("%s must be one of HIGH, MED, LOW", field)
}
