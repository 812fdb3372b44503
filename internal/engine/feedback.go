package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"nexus/internal/domain"
	"nexus/internal/events"
	"nexus/internal/repo"
)

const (
	RatingGreat     = "great"
	RatingOK        = "ok"
	RatingNeedsWork = "needs-work"
)

func newID() string {
	return uuid.NewString()
}

// BriefDetail is the durable brief record with its feedback, if any.
type BriefDetail struct {
	Brief    domain.Brief          `json:"brief"`
	Feedback *domain.BuildFeedback `json:"feedback,omitempty"`
}

func (e Engine) GetBrief(ctx context.Context, id string) (BriefDetail, error) {
	b, err := e.Repo.GetBrief(ctx, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return BriefDetail{}, notFound("brief", id)
		}
		return BriefDetail{}, err
	}
	detail := BriefDetail{Brief: b}
	fb, err := e.Repo.GetFeedback(ctx, id)
	switch {
	case err == nil:
		detail.Feedback = &fb
	case errors.Is(err, repo.ErrNotFound):
	default:
		return BriefDetail{}, err
	}
	return detail, nil
}

// ListBriefs returns durable brief records, most recently updated first.
func (e Engine) ListBriefs(ctx context.Context, status, source string, limit int) ([]domain.Brief, error) {
	if status != "" && !domain.IsQueueStatus(status) {
		return nil, inputf("invalid status %q", status)
	}
	rows, err := e.Repo.ListBriefs(ctx, repo.BriefFilters{Status: status, Source: source, Limit: limit})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.Brief{}
	}
	return rows, nil
}

// BriefActivity returns the durable audit trail of a brief, newest first.
func (e Engine) BriefActivity(ctx context.Context, id string, limit int) ([]domain.Activity, error) {
	if _, err := e.Repo.GetBrief(ctx, id); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, notFound("brief", id)
		}
		return nil, err
	}
	rows, err := e.Repo.ListActivity(ctx, id, limit)
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []domain.Activity{}
	}
	return rows, nil
}

type FeedbackInput struct {
	Rating  string
	Tags    []string
	Comment string
	Actor   string
}

// RecordFeedback stores the post-ship rating of a brief, replacing any
// earlier rating.
func (e Engine) RecordFeedback(ctx context.Context, briefID string, in FeedbackInput) (domain.BuildFeedback, error) {
	rating := strings.ToLower(strings.TrimSpace(in.Rating))
	switch rating {
	case RatingGreat, RatingOK, RatingNeedsWork:
	default:
		return domain.BuildFeedback{}, inputf("rating must be great, ok or needs-work")
	}
	b, err := e.Repo.GetBrief(ctx, briefID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.BuildFeedback{}, notFound("brief", briefID)
		}
		return domain.BuildFeedback{}, err
	}
	tags := []string{}
	for _, t := range in.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	fb := domain.BuildFeedback{
		ID:         newID(),
		BriefID:    b.ID,
		Rating:     rating,
		Tags:       tags,
		Comment:    strings.TrimSpace(in.Comment),
		CommitHash: b.BuildCommit,
		CreatedAt:  e.ts(),
	}
	agent := e.agent(in.Actor)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return fb, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertFeedbackTx(ctx, tx, fb); err != nil {
		return fb, fmt.Errorf("record feedback: %w", err)
	}
	if _, err := e.Events.Append(ctx, tx, "brief-feedback", b.ID, agent, fb.Comment, events.Payload{"rating": rating, "tags": tags}); err != nil {
		return fb, fmt.Errorf("record activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fb, err
	}
	e.emit("brief-feedback", agent, fmt.Sprintf("%q rated %s", b.Title, rating), b.ID)
	return fb, nil
}
