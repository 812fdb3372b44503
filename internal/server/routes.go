package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"nexus/internal/domain"
	"nexus/internal/engine"
	"nexus/internal/stats"
)

var clientErrors = []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError}

func registerQueue(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-queue",
		Method:      http.MethodGet,
		Path:        "/pipeline-queue",
		Summary:     "Pipeline queue with the operator's open action items",
	}, func(ctx context.Context, _ *struct{}) (*output[engine.QueueView], error) {
		view, err := e.ListQueue(ctx)
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(view), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-brief",
		Method:        http.MethodPost,
		Path:          "/pipeline-queue",
		Summary:       "Add a brief to the queue",
		DefaultStatus: http.StatusCreated,
		Errors:        clientErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateBriefRequest `json:"body"`
	}) (*output[domain.QueueBrief], error) {
		b, err := e.CreateBrief(ctx, engine.BriefCreateOptions{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Source:      input.Body.Source,
			SourceRef:   input.Body.SourceRef,
			Priority:    input.Body.Priority,
			Complexity:  input.Body.Complexity,
			Assignee:    input.Body.Assignee,
			Status:      input.Body.Status,
			Actor:       actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-brief-status",
		Method:      http.MethodPatch,
		Path:        "/pipeline-queue",
		Summary:     "Set a brief's status",
		Description: "Transitions outside the status graph are refused unless force=true.",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Force bool                     `query:"force"`
		Body  UpdateBriefStatusRequest `json:"body"`
	}) (*output[domain.QueueBrief], error) {
		b, err := e.SetQueueStatus(ctx, engine.StatusUpdate{
			ID:          input.Body.ID,
			Status:      input.Body.Status,
			BuildCommit: input.Body.BuildCommit,
			Force:       input.Force,
			Actor:       actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-brief",
		Method:      http.MethodPost,
		Path:        "/pipeline-queue/approve",
		Summary:     "Approve a brief",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Body ApproveRequest `json:"body"`
	}) (*output[engine.TransitionResult], error) {
		res, err := e.Approve(ctx, input.Body.BriefID, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-brief",
		Method:      http.MethodPost,
		Path:        "/pipeline-queue/reject",
		Summary:     "Reject a brief and archive its spec file",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Body RejectRequest `json:"body"`
	}) (*output[engine.RejectResult], error) {
		res, err := e.Reject(ctx, engine.RejectOptions{
			BriefID: input.Body.BriefID,
			Reason:  input.Body.reason(),
			Comment: input.Body.RejectComment,
			Actor:   actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "defer-brief",
		Method:      http.MethodPost,
		Path:        "/pipeline-queue/defer",
		Summary:     "Defer a brief",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Body DeferRequest `json:"body"`
	}) (*output[engine.TransitionResult], error) {
		res, err := e.Defer(ctx, input.Body.BriefID, input.Body.Note, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rollback-brief",
		Method:      http.MethodPost,
		Path:        "/pipeline-queue/rollback",
		Summary:     "Revert a shipped brief's build commit",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Body RollbackRequest `json:"body"`
	}) (*output[engine.RollbackResult], error) {
		res, err := e.Rollback(ctx, input.Body.BriefID, input.Body.Comment, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})
}

func registerActionItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "act-on-action-item",
		Method:      http.MethodPost,
		Path:        "/pipeline-queue/action-item",
		Summary:     "Approve, reject or defer an action item",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Body ActionItemRequest `json:"body"`
	}) (*output[engine.ActionResult], error) {
		res, err := e.ActOnActionItem(ctx, input.Body.ID, input.Body.Action, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "act-on-action-item-by-id",
		Method:      http.MethodPost,
		Path:        "/pipeline-queue/action-items/{id}",
		Summary:     "Approve, reject or defer an action item",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		ID   string        `path:"id"`
		Body ActionRequest `json:"body"`
	}) (*output[engine.ActionResult], error) {
		res, err := e.ActOnActionItem(ctx, input.ID, input.Body.Action, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})
}

type ideaPath struct {
	ID string `path:"id" doc:"spec-brief filename, with or without .md"`
}

func registerIdeas(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ideas",
		Method:      http.MethodGet,
		Path:        "/ideas",
		Summary:     "Idea status map keyed by spec-brief filename",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]domain.StatusEntry], error) {
		return respond(e.ListIdeas(ctx)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "idea-stats",
		Method:      http.MethodGet,
		Path:        "/ideas/stats",
		Summary:     "Idea and queue statistics",
	}, func(ctx context.Context, _ *struct{}) (*output[stats.Stats], error) {
		s, err := e.IdeaStats(ctx)
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(s), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-idea",
		Method:        http.MethodPost,
		Path:          "/ideas/create",
		Summary:       "Write a new spec brief and track it as an idea",
		DefaultStatus: http.StatusCreated,
		Errors:        clientErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateIdeaRequest `json:"body"`
	}) (*output[engine.IdeaResult], error) {
		res, err := e.CreateIdea(ctx, engine.IdeaInput{
			Title:      input.Body.Title,
			Bullets:    input.Body.Bullets,
			Priority:   input.Body.Priority,
			Complexity: input.Body.Complexity,
			SourceURL:  input.Body.SourceURL,
			Notes:      input.Body.Notes,
			Actor:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-idea",
		Method:      http.MethodPost,
		Path:        "/ideas/{id}/approve",
		Summary:     "Approve an idea and queue it for review",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		ideaPath
		Body ApproveIdeaRequest `json:"body" required:"false"`
	}) (*output[engine.IdeaApproveResult], error) {
		res, err := e.ApproveIdea(ctx, input.ID, engine.IdeaApproval{
			Priority:   input.Body.Priority,
			Complexity: input.Body.Complexity,
			Notes:      input.Body.Notes,
			Actor:      actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-idea",
		Method:      http.MethodPost,
		Path:        "/ideas/{id}/reject",
		Summary:     "Reject an idea",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		ideaPath
		Body RejectIdeaRequest `json:"body" required:"false"`
	}) (*output[engine.IdeaResult], error) {
		res, err := e.RejectIdea(ctx, input.ID, input.Body.Reason, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "park-idea",
		Method:      http.MethodPost,
		Path:        "/ideas/{id}/park",
		Summary:     "Park an idea",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		ideaPath
		Body ParkIdeaRequest `json:"body" required:"false"`
	}) (*output[engine.IdeaResult], error) {
		res, err := e.ParkIdea(ctx, input.ID, input.Body.Note, actorFromContext(ctx))
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "idea-build",
		Method:      http.MethodPost,
		Path:        "/ideas/{id}/build",
		Summary:     "Record build progress for an idea",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		ideaPath
		Body IdeaBuildRequest `json:"body"`
	}) (*output[engine.IdeaResult], error) {
		res, err := e.SetIdeaBuild(ctx, input.ID, engine.IdeaBuild{
			Status:      input.Body.Status,
			BuildID:     input.Body.BuildID,
			BuildStatus: input.Body.BuildStatus,
			Actor:       actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-idea",
		Method:      http.MethodPost,
		Path:        "/ideas/{id}/review",
		Summary:     "Record the outcome of a shipped idea",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		ideaPath
		Body IdeaReviewRequest `json:"body"`
	}) (*output[engine.IdeaResult], error) {
		res, err := e.ReviewIdea(ctx, input.ID, engine.IdeaReview{
			Outcome: input.Body.Outcome,
			Note:    input.Body.Note,
			Rating:  input.Body.Rating,
			Actor:   actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(res), nil
	})
}

func registerFeed(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "activity-feed",
		Method:      http.MethodGet,
		Path:        "/activity-feed",
		Summary:     "Activity feed, newest first",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" doc:"maximum entries; all when omitted"`
	}) (*output[FeedResponse], error) {
		entries, err := e.ListFeed(input.Limit)
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		if entries == nil {
			entries = []domain.ActivityEntry{}
		}
		return respond(FeedResponse{Entries: entries}), nil
	})
}

func registerBriefs(api huma.API, e engine.Engine) {
	type briefPath struct {
		ID string `path:"id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-briefs",
		Method:      http.MethodGet,
		Path:        "/briefs",
		Summary:     "Durable brief records, most recently updated first",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Source string `query:"source"`
		Limit  int    `query:"limit"`
	}) (*output[[]domain.Brief], error) {
		rows, err := e.ListBriefs(ctx, input.Status, input.Source, input.Limit)
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(rows), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-brief",
		Method:      http.MethodGet,
		Path:        "/briefs/{id}",
		Summary:     "Durable brief record with its feedback",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *briefPath) (*output[engine.BriefDetail], error) {
		detail, err := e.GetBrief(ctx, input.ID)
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(detail), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "brief-activity",
		Method:      http.MethodGet,
		Path:        "/briefs/{id}/activity",
		Summary:     "Audit trail of a brief, newest first",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		briefPath
		Limit int `query:"limit"`
	}) (*output[[]domain.Activity], error) {
		rows, err := e.BriefActivity(ctx, input.ID, input.Limit)
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(rows), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "brief-feedback",
		Method:      http.MethodPost,
		Path:        "/briefs/{id}/feedback",
		Summary:     "Rate a shipped brief",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		briefPath
		Body FeedbackRequest `json:"body"`
	}) (*output[domain.BuildFeedback], error) {
		fb, err := e.RecordFeedback(ctx, input.ID, engine.FeedbackInput{
			Rating:  input.Body.Rating,
			Tags:    input.Body.Tags,
			Comment: input.Body.Comment,
			Actor:   actorFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(e.Logger, err)
		}
		return respond(fb), nil
	})
}
