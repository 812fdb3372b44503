package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nexus/internal/domain"
	"nexus/internal/events"
	"nexus/internal/filestore"
	"nexus/internal/repo"
	"nexus/internal/specbrief"
)

// QueueView is the pipeline queue plus the operator's open action items.
type QueueView struct {
	Briefs      []domain.QueueBrief `json:"briefs"`
	Updated     string              `json:"updated"`
	Revision    int64               `json:"revision"`
	ActionItems []domain.ActionItem `json:"actionItems"`
}

func (e Engine) ListQueue(ctx context.Context) (QueueView, error) {
	q, err := e.Queue.Load()
	if err != nil {
		return QueueView{}, err
	}
	a, err := e.Actions.Load()
	if err != nil {
		return QueueView{}, err
	}
	view := QueueView{Briefs: q.Briefs, Updated: q.Updated, Revision: q.Revision, ActionItems: []domain.ActionItem{}}
	for _, it := range a.Items {
		if it.Status == domain.ActionTodo && strings.EqualFold(it.Assignee, e.Config.Operator) {
			view.ActionItems = append(view.ActionItems, it)
		}
	}
	return view, nil
}

// BriefCreateOptions are parameters for creating a queue brief.
type BriefCreateOptions struct {
	Title       string
	Description string
	Source      string
	SourceRef   string
	Priority    string
	Complexity  string
	Assignee    string
	Status      string
	SpecPath    string
	Actor       string
}

func (e Engine) CreateBrief(ctx context.Context, opts BriefCreateOptions) (domain.QueueBrief, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.QueueBrief{}, inputf("title is required")
	}
	status := opts.Status
	if status == "" {
		status = domain.QueueQueued
	}
	if !domain.IsQueueStatus(status) {
		return domain.QueueBrief{}, inputf("invalid status %q", status)
	}
	source := opts.Source
	if source == "" {
		source = domain.SourceManual
	}
	switch source {
	case domain.SourceManual, domain.SourceRetro, domain.SourceResearch:
	default:
		return domain.QueueBrief{}, inputf("invalid source %q", source)
	}
	priority, err := normalizeLevel("priority", opts.Priority)
	if err != nil {
		return domain.QueueBrief{}, err
	}
	complexity, err := normalizeLevel("complexity", opts.Complexity)
	if err != nil {
		return domain.QueueBrief{}, err
	}
	agent := e.agent(opts.Actor)
	now := e.ts()
	base := "brief-" + e.date() + "-" + slugOr(title, "untitled")

	var created domain.QueueBrief
	_, err = e.Queue.Update(func(doc *filestore.QueueFile) error {
		id := base
		for n := 2; doc.Find(id) >= 0; n++ {
			id = fmt.Sprintf("%s-%d", base, n)
		}
		created = domain.QueueBrief{
			ID:          id,
			Title:       title,
			Description: strings.TrimSpace(opts.Description),
			Source:      source,
			SourceRef:   opts.SourceRef,
			Status:      status,
			Priority:    priority,
			Complexity:  complexity,
			Assignee:    opts.Assignee,
			SpecPath:    opts.SpecPath,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		doc.Briefs = append(doc.Briefs, created)
		return nil
	})
	if err != nil {
		return domain.QueueBrief{}, err
	}
	if err := e.mirror(ctx, created, "brief-created", agent, created.Title, events.Payload{"status": status, "source": source}); err != nil {
		return created, err
	}
	e.Metrics.Transition("create", status)
	e.emit("brief-created", agent, fmt.Sprintf("New brief %q (%s)", created.Title, status), created.ID)
	return created, nil
}

// StatusUpdate is a direct status change on a queue brief.
type StatusUpdate struct {
	ID          string
	Status      string
	BuildCommit string
	Force       bool
	Actor       string
}

func (e Engine) SetQueueStatus(ctx context.Context, upd StatusUpdate) (domain.QueueBrief, error) {
	if strings.TrimSpace(upd.ID) == "" {
		return domain.QueueBrief{}, inputf("id is required")
	}
	if !domain.IsQueueStatus(upd.Status) {
		return domain.QueueBrief{}, inputf("invalid status %q; allowed: %s", upd.Status, strings.Join(domain.QueueStatuses, ", "))
	}
	current, err := e.lookup(upd.ID)
	if err != nil {
		return current, err
	}
	check := func(b domain.QueueBrief) error {
		return ensureQueueTransition(b.Status, upd.Status, upd.Force)
	}
	if err := check(current); err != nil {
		return current, err
	}
	now := e.ts()
	apply := func(b *domain.QueueBrief) {
		if b.Status != upd.Status {
			switch upd.Status {
			case domain.QueueShipped:
				b.ShippedAt = now
			case domain.QueueRejected:
				b.RejectedAt = now
			case domain.QueueDeferred:
				b.DeferredAt = now
			case domain.QueueReverted:
				b.RevertedAt = now
			}
		}
		if upd.BuildCommit != "" {
			b.BuildCommit = strings.TrimSpace(upd.BuildCommit)
		}
		b.Status = upd.Status
		b.UpdatedAt = now
	}
	agent := e.agent(upd.Actor)
	payload := events.Payload{"from": current.Status, "to": upd.Status, "force": upd.Force}
	if upd.BuildCommit != "" {
		payload["buildCommit"] = strings.TrimSpace(upd.BuildCommit)
	}
	out, err := e.commit(upd.ID, check, apply)
	if err != nil {
		return current, err
	}
	if err := e.mirror(ctx, out, "brief-status-changed", agent, current.Status+" -> "+upd.Status, payload); err != nil {
		return current, err
	}
	e.Metrics.Transition("status", upd.Status)
	e.emit("brief-status-changed", agent, fmt.Sprintf("%q moved %s -> %s", out.Title, current.Status, out.Status), out.ID)
	return out, nil
}

// TransitionResult is returned by approve and defer.
type TransitionResult struct {
	OK        bool   `json:"ok"`
	BriefID   string `json:"briefId"`
	NewStatus string `json:"newStatus"`
	BriefPath string `json:"briefPath,omitempty"`
	Note      string `json:"note"`
}

// Approve advances a brief one gate. A pending-review brief only moves to
// queued; approving a queued, deferred, parked or reverted brief writes its
// spec brief and starts speccing. Approving a speccing brief whose spec file
// exists changes nothing.
func (e Engine) Approve(ctx context.Context, briefID, actor string) (TransitionResult, error) {
	current, err := e.lookup(briefID)
	if err != nil {
		return TransitionResult{}, err
	}
	agent := e.agent(actor)
	now := e.ts()

	if current.Status == domain.QueuePendingReview {
		check := func(b domain.QueueBrief) error {
			if b.Status != domain.QueuePendingReview {
				return inputf("brief %s is %s, not pending-review", b.ID, b.Status)
			}
			return nil
		}
		apply := func(b *domain.QueueBrief) {
			b.Status = domain.QueueQueued
			b.UpdatedAt = now
		}
		out, err := e.commit(briefID, check, apply)
		if err != nil {
			return TransitionResult{}, err
		}
		if err := e.mirror(ctx, out, "brief-queued", agent, "accepted into the queue", events.Payload{"from": current.Status}); err != nil {
			return TransitionResult{}, err
		}
		e.Metrics.Transition("approve", domain.QueueQueued)
		e.emit("brief-queued", agent, fmt.Sprintf("%q accepted into the queue", out.Title), out.ID)
		return TransitionResult{OK: true, BriefID: out.ID, NewStatus: out.Status, Note: "Brief queued; approve again to start speccing"}, nil
	}

	if current.Status == domain.QueueSpeccing && current.SpecPath != "" {
		if _, err := os.Stat(e.path(current.SpecPath)); err == nil {
			return TransitionResult{OK: true, BriefID: current.ID, NewStatus: current.Status, BriefPath: current.SpecPath, Note: "Brief already speccing"}, nil
		}
	}
	check := func(b domain.QueueBrief) error {
		switch b.Status {
		case domain.QueueQueued, domain.QueueSpeccing, domain.QueueDeferred, domain.QueueParked, domain.QueueReverted:
			return nil
		}
		return inputf("cannot approve brief %s in status %s", b.ID, b.Status)
	}
	if err := check(current); err != nil {
		return TransitionResult{}, err
	}

	specPath, created, err := e.writeQueueSpec(current, now)
	if err != nil {
		return TransitionResult{}, fmt.Errorf("write spec brief: %w", err)
	}
	apply := func(b *domain.QueueBrief) {
		b.Status = domain.QueueSpeccing
		b.SpecPath = specPath
		if b.ApprovedAt == "" {
			b.ApprovedAt = now
		}
		b.UpdatedAt = now
	}
	out, err := e.commit(briefID, check, apply)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := e.mirror(ctx, out, "brief-approved", agent, "approved for speccing", events.Payload{"from": current.Status, "specPath": specPath}); err != nil {
		return TransitionResult{}, err
	}
	e.Metrics.Transition("approve", domain.QueueSpeccing)
	e.emit("brief-approved", agent, fmt.Sprintf("%q approved; spec brief at %s", out.Title, specPath), out.ID)

	note := "Spec brief written; speccing started"
	if !created {
		note = "Spec brief already existed; speccing started"
	}
	return TransitionResult{OK: true, BriefID: out.ID, NewStatus: out.Status, BriefPath: specPath, Note: note}, nil
}

// writeQueueSpec reuses the brief's recorded spec file when it still exists
// and otherwise creates {slug}.md in the spec-briefs directory. A file of
// that name belonging to another brief is left alone and {slug}-2.md,
// {slug}-3.md and so on are tried instead.
func (e Engine) writeQueueSpec(b domain.QueueBrief, approvedAt string) (string, bool, error) {
	if b.SpecPath != "" {
		if _, err := os.Stat(e.path(b.SpecPath)); err == nil {
			return b.SpecPath, false, nil
		}
	}
	content := specbrief.Render(specbrief.Brief{
		ID:          b.ID,
		Title:       b.Title,
		Description: b.Description,
		Source:      b.Source,
		SourceRef:   b.SourceRef,
		Priority:    b.Priority,
		Complexity:  b.Complexity,
		ApprovedAt:  approvedAt,
	})
	dir := e.path(e.Config.Paths.SpecBriefs)
	base := slugOr(b.Title, b.ID)
	claims := e.specClaims(b.ID)
	for n := 1; n <= maxSpecSuffix; n++ {
		name := base + ".md"
		if n > 1 {
			name = fmt.Sprintf("%s-%d.md", base, n)
		}
		full, created, err := specbrief.WriteIfAbsent(dir, name, content)
		if err != nil {
			return "", false, err
		}
		rel := e.rel(full)
		if created || !e.ownedByOther(full, rel, b.ID, claims) {
			return rel, created, nil
		}
	}
	return "", false, fmt.Errorf("no free spec brief name for %q after %d attempts", base, maxSpecSuffix)
}

const maxSpecSuffix = 100

// specClaims maps spec paths to the live briefs, other than self, that
// reference them.
func (e Engine) specClaims(self string) map[string]string {
	claims := map[string]string{}
	q, err := e.Queue.Load()
	if err != nil {
		e.logger().Warn("queue unreadable while checking spec paths", "err", err)
		return claims
	}
	for _, b := range q.Briefs {
		if b.ID == self || b.SpecPath == "" || b.Status == domain.QueueRejected {
			continue
		}
		claims[b.SpecPath] = b.ID
	}
	return claims
}

// ownedByOther reports whether an existing spec file belongs to a brief
// other than self, either through a queue reference or its Brief ID line.
func (e Engine) ownedByOther(full, rel, self string, claims map[string]string) bool {
	if _, ok := claims[rel]; ok {
		return true
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return false
	}
	owner := specbrief.Parse(data, filepath.Base(full)).BriefID
	return owner != "" && owner != self
}

// RejectOptions carries the reject request. Reason and comment are both
// optional.
type RejectOptions struct {
	BriefID string
	Reason  string
	Comment string
	Actor   string
}

type RejectResult struct {
	OK           bool    `json:"ok"`
	BriefID      string  `json:"briefId"`
	NewStatus    string  `json:"newStatus"`
	ArchivedFile *string `json:"archivedFile"`
	ReasonLogged bool    `json:"reasonLogged"`
}

func (e Engine) Reject(ctx context.Context, opts RejectOptions) (RejectResult, error) {
	current, err := e.lookup(opts.BriefID)
	if err != nil {
		return RejectResult{}, err
	}
	check := func(b domain.QueueBrief) error {
		if b.Status == domain.QueueRejected {
			return inputf("brief %s is already rejected", b.ID)
		}
		return ensureQueueTransition(b.Status, domain.QueueRejected, false)
	}
	if err := check(current); err != nil {
		return RejectResult{}, err
	}
	agent := e.agent(opts.Actor)
	now := e.ts()
	reason := strings.TrimSpace(opts.Reason)
	comment := strings.TrimSpace(opts.Comment)

	var archived *string
	if current.SpecPath != "" {
		src := e.path(current.SpecPath)
		if owner, shared := e.specClaims(current.ID)[current.SpecPath]; shared {
			e.logger().Info("spec brief still referenced; not archiving", "brief", current.ID, "path", current.SpecPath, "owner", owner)
		} else if _, err := os.Stat(src); err == nil {
			dest, err := specbrief.Archive(src, e.path(e.Config.Paths.RejectedBriefs))
			if err != nil {
				e.logger().Warn("archive spec brief failed", "brief", current.ID, "path", src, "err", err)
			} else {
				r := e.rel(dest)
				archived = &r
			}
		}
	}

	logged := true
	if err := filestore.AppendText(e.path(e.Config.Paths.BriefLog), briefLogEntry(current, reason, comment, agent, now)); err != nil {
		logged = false
		e.logger().Warn("brief log append failed", "brief", current.ID, "err", err)
	}

	apply := func(b *domain.QueueBrief) {
		b.Status = domain.QueueRejected
		b.RejectedAt = now
		b.RejectReason = reason
		b.RejectComment = comment
		if archived != nil {
			b.SpecPath = *archived
		}
		b.UpdatedAt = now
	}
	payload := events.Payload{"from": current.Status, "reason": reason, "comment": comment}
	if archived != nil {
		payload["archivedFile"] = *archived
	}
	out, err := e.commit(opts.BriefID, check, apply)
	if err != nil {
		return RejectResult{}, err
	}
	if err := e.mirror(ctx, out, "brief-rejected", agent, reason, payload); err != nil {
		return RejectResult{}, err
	}
	e.Metrics.Transition("reject", domain.QueueRejected)
	msg := fmt.Sprintf("%q rejected", out.Title)
	if reason != "" {
		msg += ": " + reason
	}
	e.emit("brief-rejected", agent, msg, out.ID)
	return RejectResult{OK: true, BriefID: out.ID, NewStatus: out.Status, ArchivedFile: archived, ReasonLogged: logged}, nil
}

func briefLogEntry(b domain.QueueBrief, reason, comment, agent, now string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "\n## %s Rejected: %s (%s)\n\n", now, b.Title, b.ID)
	fmt.Fprintf(&sb, "- Source: %s\n", b.Source)
	fmt.Fprintf(&sb, "- By: %s\n", agent)
	if reason != "" {
		fmt.Fprintf(&sb, "- Reason: %s\n", reason)
	}
	if comment != "" {
		fmt.Fprintf(&sb, "- Comment: %s\n", comment)
	}
	return sb.String()
}

func (e Engine) Defer(ctx context.Context, briefID, note, actor string) (TransitionResult, error) {
	current, err := e.lookup(briefID)
	if err != nil {
		return TransitionResult{}, err
	}
	check := func(b domain.QueueBrief) error {
		return ensureQueueTransition(b.Status, domain.QueueDeferred, false)
	}
	if err := check(current); err != nil {
		return TransitionResult{}, err
	}
	agent := e.agent(actor)
	now := e.ts()
	note = strings.TrimSpace(note)
	apply := func(b *domain.QueueBrief) {
		b.Status = domain.QueueDeferred
		b.DeferredAt = now
		b.UpdatedAt = now
	}
	out, err := e.commit(briefID, check, apply)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := e.mirror(ctx, out, "brief-deferred", agent, note, events.Payload{"from": current.Status}); err != nil {
		return TransitionResult{}, err
	}
	e.Metrics.Transition("defer", domain.QueueDeferred)
	msg := fmt.Sprintf("%q deferred", out.Title)
	if note != "" {
		msg += ": " + note
	}
	e.emit("brief-deferred", agent, msg, out.ID)
	return TransitionResult{OK: true, BriefID: out.ID, NewStatus: out.Status, Note: "Brief deferred"}, nil
}

type RollbackResult struct {
	OK           bool   `json:"ok"`
	BriefID      string `json:"briefId"`
	CommitHash   string `json:"commitHash"`
	RevertOutput string `json:"revertOutput"`
	Note         string `json:"note"`
}

// Rollback reverts the brief's build commit and records negative feedback.
// The revert runs before any local state changes; if it fails nothing is
// written.
func (e Engine) Rollback(ctx context.Context, briefID, comment, actor string) (RollbackResult, error) {
	comment = strings.TrimSpace(comment)
	if comment == "" {
		return RollbackResult{}, inputf("comment is required for a rollback")
	}
	current, err := e.lookup(briefID)
	if err != nil {
		return RollbackResult{}, err
	}
	commit := current.BuildCommit
	stored, err := e.Repo.GetBrief(ctx, briefID)
	switch {
	case err == nil:
		if stored.BuildCommit != "" {
			commit = stored.BuildCommit
		}
	case errors.Is(err, repo.ErrNotFound):
	default:
		return RollbackResult{}, err
	}
	if commit == "" {
		return RollbackResult{}, inputf("brief %s has no buildCommit to revert", briefID)
	}
	check := func(b domain.QueueBrief) error {
		switch b.Status {
		case domain.QueueShipped, domain.QueueQA, domain.QueueBuilding:
			return nil
		}
		return inputf("cannot roll back brief %s in status %s", b.ID, b.Status)
	}
	if err := check(current); err != nil {
		return RollbackResult{}, err
	}
	if e.Reverter == nil {
		return RollbackResult{}, errors.New("no reverter configured")
	}

	output, err := e.Reverter.Revert(ctx, commit)
	if err != nil {
		e.Metrics.RevertFailed()
		e.logger().Error("revert failed", "brief", briefID, "commit", commit, "err", err)
		return RollbackResult{}, err
	}

	agent := e.agent(actor)
	now := e.ts()
	apply := func(b *domain.QueueBrief) {
		b.Status = domain.QueueReverted
		b.RevertedAt = now
		b.BuildCommit = commit
		b.UpdatedAt = now
	}
	out, err := e.commit(briefID, check, apply)
	if err != nil {
		e.logger().Error("commit reverted but queue not updated", "brief", briefID, "commit", commit, "err", err)
		return RollbackResult{}, err
	}
	if err := e.recordRollback(ctx, out, commit, comment, agent, current.Status); err != nil {
		return RollbackResult{}, err
	}

	lesson := fmt.Sprintf("\n## %s Rollback: %s\n\n- Brief: %s\n- Commit: %s\n- Reported by: %s\n- What broke: %s\n", e.date(), out.Title, out.ID, commit, agent, comment)
	if err := filestore.AppendText(e.path(e.Config.Paths.Lessons), lesson); err != nil {
		e.logger().Warn("lessons append failed", "brief", out.ID, "err", err)
	}
	flux := map[string]any{
		"timestamp": now,
		"type":      "rollback",
		"briefId":   out.ID,
		"commit":    commit,
		"comment":   comment,
		"agent":     agent,
	}
	if err := filestore.AppendRecord(e.path(e.Config.Paths.FluxLog), flux); err != nil {
		e.logger().Warn("flux log append failed", "brief", out.ID, "err", err)
	}

	e.Metrics.Transition("rollback", domain.QueueReverted)
	e.emit("brief-rollback", agent, fmt.Sprintf("%q rolled back (%s): %s", out.Title, shortHash(commit), comment), out.ID)
	return RollbackResult{
		OK:           true,
		BriefID:      out.ID,
		CommitHash:   commit,
		RevertOutput: output,
		Note:         "Commit reverted; feedback recorded as needs-work",
	}, nil
}

func (e Engine) recordRollback(ctx context.Context, b domain.QueueBrief, commit, comment, agent, from string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertBriefTx(ctx, tx, domain.BriefFromQueue(b)); err != nil {
		return fmt.Errorf("mirror brief %s: %w", b.ID, err)
	}
	fb := domain.BuildFeedback{
		ID:         newID(),
		BriefID:    b.ID,
		Rating:     RatingNeedsWork,
		Tags:       []string{"broke-existing"},
		Comment:    comment,
		CommitHash: commit,
		CreatedAt:  e.ts(),
	}
	if err := e.Repo.UpsertFeedbackTx(ctx, tx, fb); err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, "brief-rollback", b.ID, agent, comment, events.Payload{"from": from, "commit": commit}); err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return tx.Commit()
}

func shortHash(c string) string {
	if len(c) > 7 {
		return c[:7]
	}
	return c
}

func slugOr(s, fallback string) string {
	if slug := specbrief.Slugify(s); slug != "" {
		return slug
	}
	return filepath.Base(fallback)
}
