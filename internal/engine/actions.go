package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nexus/internal/domain"
	"nexus/internal/events"
	"nexus/internal/filestore"
	"nexus/internal/retro"
	"nexus/internal/specbrief"
)

// ActionResult is returned for every action-item decision.
type ActionResult struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id"`
	Action    string `json:"action"`
	NewStatus string `json:"newStatus"`
	BriefID   string `json:"briefId,omitempty"`
	BriefPath string `json:"briefPath,omitempty"`
	Note      string `json:"note"`
}

// ListActions returns action items, optionally filtered by status.
func (e Engine) ListActions(ctx context.Context, status string) ([]domain.ActionItem, error) {
	a, err := e.Actions.Load()
	if err != nil {
		return nil, err
	}
	if status == "" {
		return a.Items, nil
	}
	res := []domain.ActionItem{}
	for _, it := range a.Items {
		if it.Status == status {
			res = append(res, it)
		}
	}
	return res, nil
}

// ActOnActionItem applies approve, reject or defer to an action item.
func (e Engine) ActOnActionItem(ctx context.Context, id, action, actor string) (ActionResult, error) {
	action = strings.ToLower(strings.TrimSpace(action))
	switch action {
	case "approve", "reject", "defer":
	default:
		return ActionResult{}, inputf("action must be approve, reject or defer")
	}
	if strings.TrimSpace(id) == "" {
		return ActionResult{}, inputf("id is required")
	}
	a, err := e.Actions.Load()
	if err != nil {
		return ActionResult{}, err
	}
	i := a.Find(id)
	if i < 0 {
		return ActionResult{}, notFound("action item", id)
	}
	item := a.Items[i]
	agent := e.agent(actor)
	switch action {
	case "approve":
		return e.approveAction(ctx, item, agent)
	case "reject":
		return e.rejectAction(ctx, item, agent)
	default:
		return e.deferAction(ctx, item, agent)
	}
}

func checkActionStatus(verb string, allowed ...string) func(domain.ActionItem) error {
	return func(it domain.ActionItem) error {
		for _, s := range allowed {
			if it.Status == s {
				return nil
			}
		}
		return inputf("cannot %s action item %s in status %s", verb, it.ID, it.Status)
	}
}

// updateAction re-checks and mutates one item under the store's CAS.
func (e Engine) updateAction(id string, check func(domain.ActionItem) error, apply func(*domain.ActionItem)) (domain.ActionItem, error) {
	var out domain.ActionItem
	_, err := e.Actions.Update(func(doc *filestore.ActionFile) error {
		i := doc.Find(id)
		if i < 0 {
			return notFound("action item", id)
		}
		if err := check(doc.Items[i]); err != nil {
			return err
		}
		apply(&doc.Items[i])
		out = doc.Items[i]
		return nil
	})
	return out, err
}

func (e Engine) approveAction(ctx context.Context, item domain.ActionItem, agent string) (ActionResult, error) {
	check := checkActionStatus("approve", domain.ActionTodo, domain.ActionPending, domain.ActionDeferred)
	if err := check(item); err != nil {
		return ActionResult{}, err
	}
	now := e.ts()
	briefID := "brief-" + e.date() + "-" + slugOr(item.Task, item.ID)
	priority, _ := normalizeLevel("priority", item.Priority)

	content := specbrief.Render(specbrief.Brief{
		ID:          briefID,
		Title:       item.Task,
		Description: item.Task,
		Source:      domain.SourceRetro,
		SourceRef:   item.Source,
		Priority:    priority,
		ApprovedAt:  now,
	})
	full, created, err := specbrief.WriteIfAbsent(e.path(e.Config.Paths.SpecBriefs), briefID+".md", content)
	if err != nil {
		return ActionResult{}, fmt.Errorf("write spec brief: %w", err)
	}
	specPath := e.rel(full)
	brief := domain.QueueBrief{
		ID:           briefID,
		Title:        item.Task,
		Description:  item.Task,
		Source:       domain.SourceRetro,
		SourceRef:    item.Source,
		Status:       domain.QueueSpeccing,
		Priority:     priority,
		Assignee:     item.Assignee,
		ActionItemID: item.ID,
		SpecPath:     specPath,
		CreatedAt:    now,
		UpdatedAt:    now,
		ApprovedAt:   now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ActionResult{}, err
	}
	defer tx.Rollback()
	exists, err := e.Repo.BriefExistsTx(ctx, tx, briefID)
	if err != nil {
		return ActionResult{}, err
	}
	if !exists {
		if err := e.Repo.InsertBriefTx(ctx, tx, domain.BriefFromQueue(brief)); err != nil {
			return ActionResult{}, fmt.Errorf("create brief %s: %w", briefID, err)
		}
	}
	if _, err := e.Events.Append(ctx, tx, "action-approved", briefID, agent, item.Task, events.Payload{"actionItemId": item.ID, "created": !exists}); err != nil {
		return ActionResult{}, fmt.Errorf("record activity: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return ActionResult{}, err
	}

	if _, err := e.Queue.Update(func(doc *filestore.QueueFile) error {
		if doc.Find(briefID) < 0 {
			doc.Briefs = append(doc.Briefs, brief)
		}
		return nil
	}); err != nil {
		return ActionResult{}, err
	}
	out, err := e.updateAction(item.ID, check, func(it *domain.ActionItem) {
		it.Status = domain.ActionApproved
		it.BriefID = briefID
		it.UpdatedAt = now
	})
	if err != nil {
		return ActionResult{}, err
	}
	e.Metrics.Transition("action-approve", domain.ActionApproved)
	e.emit("action-approved", agent, fmt.Sprintf("Action item %q approved as %s", item.Task, briefID), briefID)

	note := "Brief created and speccing started"
	if !created {
		note = "Spec brief already existed; queue brief linked"
	}
	return ActionResult{OK: true, ID: out.ID, Action: "approve", NewStatus: out.Status, BriefID: briefID, BriefPath: specPath, Note: note}, nil
}

func (e Engine) rejectAction(ctx context.Context, item domain.ActionItem, agent string) (ActionResult, error) {
	check := checkActionStatus("reject", domain.ActionTodo, domain.ActionPending, domain.ActionDeferred)
	if err := check(item); err != nil {
		return ActionResult{}, err
	}
	now := e.ts()
	archived := item
	archived.Status = domain.ActionRejected
	archived.UpdatedAt = now
	dest := filepath.Join(e.path(e.Config.Paths.RejectedActions), filepath.Base(item.ID)+".json")
	if err := filestore.WriteJSON(dest, archived); err != nil {
		return ActionResult{}, fmt.Errorf("archive action item: %w", err)
	}
	out, err := e.updateAction(item.ID, check, func(it *domain.ActionItem) {
		it.Status = domain.ActionRejected
		it.UpdatedAt = now
	})
	if err != nil {
		os.Remove(dest)
		return ActionResult{}, err
	}
	if err := e.activity(ctx, "action-rejected", item.BriefID, agent, item.Task, events.Payload{"actionItemId": item.ID}); err != nil {
		e.logger().Warn("activity row failed", "action", item.ID, "err", err)
	}
	e.Metrics.Transition("action-reject", domain.ActionRejected)
	e.emit("action-rejected", agent, fmt.Sprintf("Action item %q rejected", item.Task), item.BriefID)
	return ActionResult{OK: true, ID: out.ID, Action: "reject", NewStatus: out.Status, Note: "Archived to " + e.rel(dest)}, nil
}

func (e Engine) deferAction(ctx context.Context, item domain.ActionItem, agent string) (ActionResult, error) {
	check := checkActionStatus("defer", domain.ActionTodo, domain.ActionPending, domain.ActionDeferred)
	if err := check(item); err != nil {
		return ActionResult{}, err
	}
	now := e.ts()
	out, err := e.updateAction(item.ID, check, func(it *domain.ActionItem) {
		it.Status = domain.ActionDeferred
		it.UpdatedAt = now
	})
	if err != nil {
		return ActionResult{}, err
	}
	if err := e.activity(ctx, "action-deferred", item.BriefID, agent, item.Task, events.Payload{"actionItemId": item.ID}); err != nil {
		e.logger().Warn("activity row failed", "action", item.ID, "err", err)
	}
	e.Metrics.Transition("action-defer", domain.ActionDeferred)
	e.emit("action-deferred", agent, fmt.Sprintf("Action item %q deferred", item.Task), item.BriefID)
	return ActionResult{OK: true, ID: out.ID, Action: "defer", NewStatus: out.Status, Note: "Action item deferred"}, nil
}

type ImportResult struct {
	Source  string              `json:"source"`
	Added   []domain.ActionItem `json:"added"`
	Skipped int                 `json:"skipped"`
}

// ImportRetro merges the action items of a retro document into the store.
// Items already present keep their current state.
func (e Engine) ImportRetro(ctx context.Context, path, actor string) (ImportResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImportResult{}, err
	}
	source := filepath.Base(path)
	parsed := retro.Parse(data, retro.Options{Source: source, Operator: e.Config.Operator, Now: e.ts()})
	res := ImportResult{Source: source, Added: []domain.ActionItem{}}
	_, err = e.Actions.Update(func(doc *filestore.ActionFile) error {
		res.Added = res.Added[:0]
		res.Skipped = 0
		for _, it := range parsed {
			if doc.Find(it.ID) >= 0 {
				res.Skipped++
				continue
			}
			doc.Items = append(doc.Items, it)
			res.Added = append(res.Added, it)
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	if len(res.Added) > 0 {
		e.emit("retro-imported", e.agent(actor), fmt.Sprintf("%d action items imported from %s", len(res.Added), source), "")
	}
	return res, nil
}
