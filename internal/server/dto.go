package server

import "nexus/internal/domain"

// Request payloads. Every field is optional at the schema level; the engine
// validates what each operation needs so the error text stays its own.

type CreateBriefRequest struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty" doc:"manual, retro or research"`
	SourceRef   string `json:"sourceRef,omitempty"`
	Priority    string `json:"priority,omitempty" doc:"HIGH, MED or LOW"`
	Complexity  string `json:"complexity,omitempty" doc:"HIGH, MED or LOW"`
	Assignee    string `json:"assignee,omitempty"`
	Status      string `json:"status,omitempty" doc:"initial queue status, queued when omitted"`
}

type UpdateBriefStatusRequest struct {
	ID          string `json:"id,omitempty"`
	Status      string `json:"status,omitempty"`
	BuildCommit string `json:"buildCommit,omitempty"`
}

type ApproveRequest struct {
	BriefID string `json:"briefId,omitempty"`
}

type RejectRequest struct {
	BriefID       string `json:"briefId,omitempty"`
	RejectReason  string `json:"rejectReason,omitempty"`
	RejectComment string `json:"rejectComment,omitempty"`
	// Older clients send the reason under this name.
	RejectedReason string `json:"rejectedReason,omitempty" deprecated:"true"`
}

func (r RejectRequest) reason() string {
	if r.RejectReason != "" {
		return r.RejectReason
	}
	return r.RejectedReason
}

type DeferRequest struct {
	BriefID string `json:"briefId,omitempty"`
	Note    string `json:"note,omitempty"`
}

type RollbackRequest struct {
	BriefID string `json:"briefId,omitempty"`
	Comment string `json:"comment,omitempty" doc:"what broke; required"`
}

type ActionItemRequest struct {
	ID     string `json:"id,omitempty"`
	Action string `json:"action,omitempty" doc:"approve, reject or defer"`
}

type ActionRequest struct {
	Action string `json:"action,omitempty" doc:"approve, reject or defer"`
}

type CreateIdeaRequest struct {
	Title      string   `json:"title,omitempty"`
	Bullets    []string `json:"bullets,omitempty"`
	Priority   string   `json:"priority,omitempty"`
	Complexity string   `json:"complexity,omitempty"`
	SourceURL  string   `json:"sourceUrl,omitempty"`
	Notes      string   `json:"notes,omitempty"`
}

type ApproveIdeaRequest struct {
	Priority   string `json:"priority,omitempty"`
	Complexity string `json:"complexity,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type RejectIdeaRequest struct {
	Reason string `json:"reason,omitempty"`
}

type ParkIdeaRequest struct {
	Note string `json:"note,omitempty"`
}

type IdeaBuildRequest struct {
	Status      string `json:"status,omitempty" doc:"specced, building or shipped"`
	BuildID     string `json:"buildId,omitempty"`
	BuildStatus string `json:"buildStatus,omitempty"`
}

type IdeaReviewRequest struct {
	Outcome string `json:"outcome,omitempty" doc:"success, partial or failed"`
	Note    string `json:"note,omitempty"`
	Rating  *int   `json:"rating,omitempty"`
}

type FeedbackRequest struct {
	Rating  string   `json:"rating,omitempty" doc:"great, ok or needs-work"`
	Tags    []string `json:"tags,omitempty"`
	Comment string   `json:"comment,omitempty"`
}

// Responses

type FeedResponse struct {
	Entries []domain.ActivityEntry `json:"entries"`
}

type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] {
	return &output[T]{Body: v}
}
