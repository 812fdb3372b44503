package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nexus/internal/domain"
	"nexus/internal/specbrief"
	"nexus/internal/stats"
)

// Ideas live in the idea status map keyed by spec-brief filename. Approving
// an idea hands it to the queue as a pending-review research brief, so the
// queue stays the only place briefs advance through build states; the map
// keeps the research-side view used for stats.

func (e Engine) ListIdeas(ctx context.Context) map[string]domain.StatusEntry {
	return e.Ideas.Load()
}

// ideaKey accepts an idea id with or without the .md suffix.
func ideaKey(m map[string]domain.StatusEntry, id string) (string, bool) {
	id = filepath.Base(strings.TrimSpace(id))
	if _, ok := m[id]; ok {
		return id, true
	}
	if !strings.HasSuffix(id, ".md") {
		if _, ok := m[id+".md"]; ok {
			return id + ".md", true
		}
	}
	return id, false
}

// updateIdea locates id in the status map, validates it and applies fn
// under the store lock.
func (e Engine) updateIdea(id string, fn func(key string, entry *domain.StatusEntry) error) (string, domain.StatusEntry, error) {
	var (
		key string
		out domain.StatusEntry
	)
	_, err := e.Ideas.Update(func(m map[string]domain.StatusEntry) error {
		k, ok := ideaKey(m, id)
		if !ok {
			return notFound("idea", id)
		}
		entry := m[k]
		if err := fn(k, &entry); err != nil {
			return err
		}
		m[k] = entry
		key, out = k, entry
		return nil
	})
	return key, out, err
}

func ideaStatusIn(entry domain.StatusEntry, verb string, allowed ...string) error {
	for _, s := range allowed {
		if entry.Status == s {
			return nil
		}
	}
	return inputf("cannot %s idea in status %s", verb, entry.Status)
}

type IdeaInput struct {
	Title      string
	Bullets    []string
	Priority   string
	Complexity string
	SourceURL  string
	Notes      string
	Actor      string
}

type IdeaResult struct {
	ID    string             `json:"id"`
	Entry domain.StatusEntry `json:"entry"`
}

// CreateIdea writes {slug}.md into the spec-briefs directory and records it
// as new.
func (e Engine) CreateIdea(ctx context.Context, in IdeaInput) (IdeaResult, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return IdeaResult{}, inputf("title is required")
	}
	slug := specbrief.Slugify(title)
	if slug == "" {
		return IdeaResult{}, inputf("title must contain letters or digits")
	}
	priority, err := normalizeLevel("priority", in.Priority)
	if err != nil {
		return IdeaResult{}, err
	}
	complexity, err := normalizeLevel("complexity", in.Complexity)
	if err != nil {
		return IdeaResult{}, err
	}
	var bullets []string
	for _, b := range in.Bullets {
		if b = strings.TrimSpace(b); b != "" {
			bullets = append(bullets, b)
		}
	}
	name := slug + ".md"
	if _, exists := e.Ideas.Load()[name]; exists {
		return IdeaResult{}, inputf("idea %s already exists", name)
	}
	now := e.ts()
	content := specbrief.Render(specbrief.Brief{
		Title:      title,
		Source:     in.SourceURL,
		Priority:   priority,
		Complexity: complexity,
		Bullets:    bullets,
		Notes:      in.Notes,
	})
	full, created, err := specbrief.WriteIfAbsent(e.path(e.Config.Paths.SpecBriefs), name, content)
	if err != nil {
		return IdeaResult{}, fmt.Errorf("write idea: %w", err)
	}
	if !created {
		return IdeaResult{}, inputf("spec brief %s already exists", name)
	}
	entry := domain.StatusEntry{
		Status:     domain.IdeaNew,
		Title:      title,
		Bullets:    bullets,
		Priority:   priority,
		Complexity: complexity,
		Notes:      strings.TrimSpace(in.Notes),
		SourceURL:  in.SourceURL,
		SpecPath:   e.rel(full),
		CreatedAt:  now,
	}
	if _, err := e.Ideas.Update(func(m map[string]domain.StatusEntry) error {
		m[name] = entry
		return nil
	}); err != nil {
		// full was created above
		if rmErr := os.Remove(full); rmErr != nil {
			e.logger().Warn("remove orphaned idea file failed", "path", full, "err", rmErr)
		}
		return IdeaResult{}, err
	}
	e.emit("idea-created", e.agent(in.Actor), fmt.Sprintf("New idea %q", title), "")
	return IdeaResult{ID: name, Entry: entry}, nil
}

type IdeaApproval struct {
	Priority   string
	Complexity string
	Notes      string
	Actor      string
}

type IdeaApproveResult struct {
	OK      bool               `json:"ok"`
	ID      string             `json:"id"`
	Entry   domain.StatusEntry `json:"entry"`
	BriefID string             `json:"briefId"`
	Note    string             `json:"note"`
}

// ApproveIdea marks the idea approved and enqueues it for review. Approving
// again returns the brief created the first time.
func (e Engine) ApproveIdea(ctx context.Context, id string, in IdeaApproval) (IdeaApproveResult, error) {
	priority, err := normalizeLevel("priority", in.Priority)
	if err != nil {
		return IdeaApproveResult{}, err
	}
	complexity, err := normalizeLevel("complexity", in.Complexity)
	if err != nil {
		return IdeaApproveResult{}, err
	}
	m := e.Ideas.Load()
	key, ok := ideaKey(m, id)
	if !ok {
		return IdeaApproveResult{}, notFound("idea", id)
	}
	entry := m[key]
	if err := ideaStatusIn(entry, "approve", domain.IdeaNew, domain.IdeaParked, domain.IdeaApproved); err != nil {
		return IdeaApproveResult{}, err
	}
	if entry.BriefID != "" {
		if _, err := e.lookup(entry.BriefID); err == nil {
			return IdeaApproveResult{OK: true, ID: key, Entry: entry, BriefID: entry.BriefID, Note: "Idea already queued"}, nil
		}
	}
	if priority != "" {
		entry.Priority = priority
	}
	if complexity != "" {
		entry.Complexity = complexity
	}
	specPath := entry.SpecPath
	if specPath == "" {
		specPath = e.rel(filepath.Join(e.path(e.Config.Paths.SpecBriefs), key))
	}
	title := entry.Title
	if title == "" {
		title = specbrief.Humanize(key)
	}
	brief, err := e.CreateBrief(ctx, BriefCreateOptions{
		Title:       title,
		Description: strings.Join(entry.Bullets, "\n"),
		Source:      domain.SourceResearch,
		SourceRef:   key,
		Priority:    entry.Priority,
		Complexity:  entry.Complexity,
		Status:      domain.QueuePendingReview,
		SpecPath:    specPath,
		Actor:       in.Actor,
	})
	if err != nil {
		return IdeaApproveResult{}, err
	}
	now := e.ts()
	key, entry, err = e.updateIdea(key, func(_ string, en *domain.StatusEntry) error {
		en.Status = domain.IdeaApproved
		if en.ApprovedAt == "" {
			en.ApprovedAt = now
		}
		if priority != "" {
			en.Priority = priority
		}
		if complexity != "" {
			en.Complexity = complexity
		}
		if notes := strings.TrimSpace(in.Notes); notes != "" {
			en.Notes = notes
		}
		en.SpecPath = specPath
		en.BriefID = brief.ID
		return nil
	})
	if err != nil {
		return IdeaApproveResult{}, err
	}
	e.Metrics.Transition("idea-approve", domain.IdeaApproved)
	e.emit("idea-approved", e.agent(in.Actor), fmt.Sprintf("Idea %q approved; queued for review as %s", title, brief.ID), brief.ID)
	return IdeaApproveResult{OK: true, ID: key, Entry: entry, BriefID: brief.ID, Note: "Idea approved and queued for review"}, nil
}

func (e Engine) RejectIdea(ctx context.Context, id, reason, actor string) (IdeaResult, error) {
	now := e.ts()
	key, entry, err := e.updateIdea(id, func(_ string, en *domain.StatusEntry) error {
		if err := ideaStatusIn(*en, "reject", domain.IdeaNew, domain.IdeaApproved, domain.IdeaParked); err != nil {
			return err
		}
		en.Status = domain.IdeaRejected
		en.RejectedAt = now
		if reason = strings.TrimSpace(reason); reason != "" {
			en.Notes = reason
		}
		return nil
	})
	if err != nil {
		return IdeaResult{}, err
	}
	e.Metrics.Transition("idea-reject", domain.IdeaRejected)
	e.emit("idea-rejected", e.agent(actor), fmt.Sprintf("Idea %q rejected", entry.Title), entry.BriefID)
	return IdeaResult{ID: key, Entry: entry}, nil
}

func (e Engine) ParkIdea(ctx context.Context, id, note, actor string) (IdeaResult, error) {
	key, entry, err := e.updateIdea(id, func(_ string, en *domain.StatusEntry) error {
		if err := ideaStatusIn(*en, "park", domain.IdeaNew, domain.IdeaApproved); err != nil {
			return err
		}
		en.Status = domain.IdeaParked
		if note = strings.TrimSpace(note); note != "" {
			en.Notes = note
		}
		return nil
	})
	if err != nil {
		return IdeaResult{}, err
	}
	e.Metrics.Transition("idea-park", domain.IdeaParked)
	e.emit("idea-parked", e.agent(actor), fmt.Sprintf("Idea %q parked", entry.Title), entry.BriefID)
	return IdeaResult{ID: key, Entry: entry}, nil
}

type IdeaBuild struct {
	Status      string
	BuildID     string
	BuildStatus string
	Actor       string
}

// SetIdeaBuild records build progress; shipping stamps shippedAt.
func (e Engine) SetIdeaBuild(ctx context.Context, id string, in IdeaBuild) (IdeaResult, error) {
	switch in.Status {
	case domain.IdeaSpecced, domain.IdeaBuilding, domain.IdeaShipped:
	default:
		return IdeaResult{}, inputf("build status must be specced, building or shipped")
	}
	now := e.ts()
	key, entry, err := e.updateIdea(id, func(_ string, en *domain.StatusEntry) error {
		if err := ideaStatusIn(*en, "build", domain.IdeaApproved, domain.IdeaSpecced, domain.IdeaBuilding, domain.IdeaShipped); err != nil {
			return err
		}
		en.Status = in.Status
		if in.BuildID != "" {
			en.BuildID = in.BuildID
		}
		if in.BuildStatus != "" {
			en.BuildStatus = in.BuildStatus
		}
		if in.Status == domain.IdeaShipped && en.ShippedAt == "" {
			en.ShippedAt = now
		}
		return nil
	})
	if err != nil {
		return IdeaResult{}, err
	}
	e.Metrics.Transition("idea-build", in.Status)
	e.emit("idea-build", e.agent(in.Actor), fmt.Sprintf("Idea %q is %s", entry.Title, entry.Status), entry.BriefID)
	return IdeaResult{ID: key, Entry: entry}, nil
}

type IdeaReview struct {
	Outcome string
	Note    string
	Rating  *int
	Actor   string
}

// ReviewIdea records the post-ship outcome of an idea.
func (e Engine) ReviewIdea(ctx context.Context, id string, in IdeaReview) (IdeaResult, error) {
	switch in.Outcome {
	case "success", "partial", "failed":
	default:
		return IdeaResult{}, inputf("outcome must be success, partial or failed")
	}
	if in.Rating != nil && (*in.Rating < 1 || *in.Rating > 5) {
		return IdeaResult{}, inputf("rating must be between 1 and 5")
	}
	now := e.ts()
	key, entry, err := e.updateIdea(id, func(_ string, en *domain.StatusEntry) error {
		if err := ideaStatusIn(*en, "review", domain.IdeaShipped, domain.IdeaReview); err != nil {
			return err
		}
		en.Status = domain.IdeaReview
		en.ReviewOutcome = in.Outcome
		en.ReviewNote = strings.TrimSpace(in.Note)
		en.ReviewedAt = now
		if in.Rating != nil {
			r := *in.Rating
			en.Rating = &r
		}
		return nil
	})
	if err != nil {
		return IdeaResult{}, err
	}
	e.Metrics.Transition("idea-review", domain.IdeaReview)
	e.emit("idea-reviewed", e.agent(in.Actor), fmt.Sprintf("Idea %q reviewed: %s", entry.Title, in.Outcome), entry.BriefID)
	return IdeaResult{ID: key, Entry: entry}, nil
}

// IdeaStats aggregates the status map together with the queue.
func (e Engine) IdeaStats(ctx context.Context) (stats.Stats, error) {
	q, err := e.Queue.Load()
	if err != nil {
		return stats.Stats{}, err
	}
	return stats.Compute(e.Ideas.Load(), q.Briefs), nil
}

// IngestSpecBrief records a spec-brief file that appeared on disk as a new
// idea. Files already tracked by the status map or referenced by a queue
// brief are skipped.
func (e Engine) IngestSpecBrief(ctx context.Context, path string) (bool, error) {
	name := filepath.Base(path)
	if _, tracked := e.Ideas.Load()[name]; tracked {
		return false, nil
	}
	q, err := e.Queue.Load()
	if err != nil {
		return false, err
	}
	target := e.rel(path)
	for _, b := range q.Briefs {
		if b.SpecPath != "" && (b.SpecPath == target || filepath.Clean(e.path(b.SpecPath)) == filepath.Clean(path)) {
			return false, nil
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	parsed := specbrief.Parse(data, name)
	entry := domain.StatusEntry{
		Status:     domain.IdeaNew,
		Title:      parsed.Title,
		Bullets:    parsed.Bullets,
		Priority:   parsed.Priority,
		Complexity: parsed.Complexity,
		SourceURL:  parsed.SourceURL,
		SpecPath:   target,
		CreatedAt:  e.ts(),
	}
	added := false
	if _, err := e.Ideas.Update(func(m map[string]domain.StatusEntry) error {
		if _, ok := m[name]; ok {
			return nil
		}
		m[name] = entry
		added = true
		return nil
	}); err != nil {
		return false, err
	}
	if added {
		e.logger().Info("ingested spec brief", "file", name, "title", entry.Title)
		e.emit("idea-ingested", "watcher", fmt.Sprintf("Spec brief %q picked up from %s", entry.Title, name), "")
	}
	return added, nil
}
