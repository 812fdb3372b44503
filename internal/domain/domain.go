package domain

import "encoding/json"

// Queue statuses. pending-review is the pre-state research and retro
// sources land in before an operator has looked at them.
const (
	QueuePendingReview = "pending-review"
	QueueQueued        = "queued"
	QueueSpeccing      = "speccing"
	QueueBuilding      = "building"
	QueueQA            = "qa"
	QueueShipped       = "shipped"
	QueueRejected      = "rejected"
	QueueDeferred      = "deferred"
	QueueParked        = "parked"
	QueueReverted      = "reverted"
)

// QueueStatuses is the allow-list accepted by status updates.
var QueueStatuses = []string{
	QueuePendingReview, QueueQueued, QueueSpeccing, QueueBuilding, QueueQA,
	QueueShipped, QueueRejected, QueueDeferred, QueueParked, QueueReverted,
}

// Idea statuses stored in idea-status.json.
const (
	IdeaNew      = "new"
	IdeaApproved = "approved"
	IdeaParked   = "parked"
	IdeaRejected = "rejected"
	IdeaSpecced  = "specced"
	IdeaBuilding = "building"
	IdeaShipped  = "shipped"
	IdeaReview   = "review"
)

// Action item statuses.
const (
	ActionTodo     = "todo"
	ActionPending  = "pending"
	ActionApproved = "approved"
	ActionDone     = "done"
	ActionRejected = "rejected"
	ActionDeferred = "deferred"
)

// Brief sources.
const (
	SourceRetro    = "retro"
	SourceManual   = "manual"
	SourceResearch = "research"
)

type StatusEntry struct {
	Status        string   `json:"status"`
	Title         string   `json:"title,omitempty"`
	Bullets       []string `json:"bullets,omitempty"`
	Priority      string   `json:"priority,omitempty"`
	Complexity    string   `json:"complexity,omitempty"`
	Notes         string   `json:"notes,omitempty"`
	CreatedAt     string   `json:"createdAt,omitempty"`
	ApprovedAt    string   `json:"approvedAt,omitempty"`
	RejectedAt    string   `json:"rejectedAt,omitempty"`
	SpecPath      string   `json:"specPath,omitempty"`
	BriefID       string   `json:"briefId,omitempty"`
	BuildStatus   string   `json:"buildStatus,omitempty"`
	BuildID       string   `json:"buildId,omitempty"`
	ShippedAt     string   `json:"shippedAt,omitempty"`
	ReviewOutcome string   `json:"reviewOutcome,omitempty"`
	ReviewNote    string   `json:"reviewNote,omitempty"`
	ReviewedAt    string   `json:"reviewedAt,omitempty"`
	SourceURL     string   `json:"sourceUrl,omitempty"`
	Rating        *int     `json:"rating,omitempty"`
}

type QueueBrief struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Source        string `json:"source"`
	SourceRef     string `json:"sourceRef,omitempty"`
	Status        string `json:"status"`
	Priority      string `json:"priority,omitempty"`
	Complexity    string `json:"complexity,omitempty"`
	Assignee      string `json:"assignee,omitempty"`
	ActionItemID  string `json:"actionItemId,omitempty"`
	SpecPath      string `json:"specPath,omitempty"`
	BuildCommit   string `json:"buildCommit,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
	ApprovedAt    string `json:"approvedAt,omitempty"`
	RejectedAt    string `json:"rejectedAt,omitempty"`
	RejectReason  string `json:"rejectReason,omitempty"`
	RejectComment string `json:"rejectComment,omitempty"`
	DeferredAt    string `json:"deferredAt,omitempty"`
	ShippedAt     string `json:"shippedAt,omitempty"`
	RevertedAt    string `json:"revertedAt,omitempty"`
}

type ActionItem struct {
	ID        string `json:"id"`
	Task      string `json:"task"`
	Assignee  string `json:"assignee,omitempty"`
	Status    string `json:"status"`
	Source    string `json:"source,omitempty"`
	Priority  string `json:"priority,omitempty"`
	BriefID   string `json:"briefId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

// ActivityEntry is one line of activity-feed.json.
type ActivityEntry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp" format:"date-time"`
	Type      string `json:"type"`
	Agent     string `json:"agent"`
	Message   string `json:"message"`
	BriefID   string `json:"briefId,omitempty"`
}

// Brief is the database mirror of a queue brief.
type Brief struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	Source       string `json:"source"`
	SourceRef    string `json:"sourceRef,omitempty"`
	Status       string `json:"status"`
	Priority     string `json:"priority,omitempty"`
	Complexity   string `json:"complexity,omitempty"`
	Assignee     string `json:"assignee,omitempty"`
	ActionItemID string `json:"actionItemId,omitempty"`
	SpecPath     string `json:"specPath,omitempty"`
	BuildCommit  string `json:"buildCommit,omitempty"`
	CreatedAt    string `json:"createdAt" format:"date-time"`
	UpdatedAt    string `json:"updatedAt" format:"date-time"`
	ApprovedAt   string `json:"approvedAt,omitempty"`
	ShippedAt    string `json:"shippedAt,omitempty"`
}

// Activity is a durable pipeline_activity row.
type Activity struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	BriefID string `json:"briefId,omitempty"`
	Agent   string `json:"agent"`
	Message string `json:"message,omitempty"`
	Payload string `json:"payloadJson"`
}

type BuildFeedback struct {
	ID         string   `json:"id"`
	BriefID    string   `json:"briefId"`
	Rating     string   `json:"rating" enum:"great,ok,needs-work"`
	Tags       []string `json:"tags"`
	Comment    string   `json:"comment,omitempty"`
	CommitHash string   `json:"commitHash,omitempty"`
	CreatedAt  string   `json:"createdAt" format:"date-time"`
}

// BriefFromQueue copies the queue fields the database mirrors.
func BriefFromQueue(q QueueBrief) Brief {
	updated := q.UpdatedAt
	if updated == "" {
		updated = q.CreatedAt
	}
	return Brief{
		ID:           q.ID,
		Title:        q.Title,
		Description:  q.Description,
		Source:       q.Source,
		SourceRef:    q.SourceRef,
		Status:       q.Status,
		Priority:     q.Priority,
		Complexity:   q.Complexity,
		Assignee:     q.Assignee,
		ActionItemID: q.ActionItemID,
		SpecPath:     q.SpecPath,
		BuildCommit:  q.BuildCommit,
		CreatedAt:    q.CreatedAt,
		UpdatedAt:    updated,
		ApprovedAt:   q.ApprovedAt,
		ShippedAt:    q.ShippedAt,
	}
}

func IsQueueStatus(s string) bool {
	for _, v := range QueueStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// UnmarshalJSON folds the legacy rejectedReason field into RejectReason so
// older queue files read back with a single canonical field.
func (q *QueueBrief) UnmarshalJSON(data []byte) error {
	type plain QueueBrief
	var aux struct {
		plain
		RejectedReason string `json:"rejectedReason"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*q = QueueBrief(aux.plain)
	if q.RejectReason == "" {
		q.RejectReason = aux.RejectedReason
	}
	return nil
}
