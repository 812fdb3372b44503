package nexussdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Nexus HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base
// path, e.g. http://127.0.0.1:8080/api.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Brief represents a pipeline queue brief (partial).
type Brief struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Description   string `json:"description,omitempty"`
	Source        string `json:"source"`
	Status        string `json:"status"`
	Priority      string `json:"priority,omitempty"`
	SpecPath      string `json:"specPath,omitempty"`
	BuildCommit   string `json:"buildCommit,omitempty"`
	RejectReason  string `json:"rejectReason,omitempty"`
	RejectComment string `json:"rejectComment,omitempty"`
	CreatedAt     string `json:"createdAt"`
	UpdatedAt     string `json:"updatedAt,omitempty"`
}

// ActionItem represents a retro action item.
type ActionItem struct {
	ID       string `json:"id"`
	Task     string `json:"task"`
	Assignee string `json:"assignee,omitempty"`
	Status   string `json:"status"`
	BriefID  string `json:"briefId,omitempty"`
}

// Queue is the pipeline-queue listing.
type Queue struct {
	Briefs      []Brief      `json:"briefs"`
	Updated     string       `json:"updated"`
	Revision    int64        `json:"revision"`
	ActionItems []ActionItem `json:"actionItems"`
}

// TransitionResult is returned by approve, defer and action item decisions.
type TransitionResult struct {
	OK        bool   `json:"ok"`
	ID        string `json:"id,omitempty"`
	BriefID   string `json:"briefId,omitempty"`
	NewStatus string `json:"newStatus"`
	BriefPath string `json:"briefPath,omitempty"`
	Note      string `json:"note"`
}

type RejectResult struct {
	OK           bool    `json:"ok"`
	BriefID      string  `json:"briefId"`
	NewStatus    string  `json:"newStatus"`
	ArchivedFile *string `json:"archivedFile"`
	ReasonLogged bool    `json:"reasonLogged"`
}

type RollbackResult struct {
	OK           bool   `json:"ok"`
	BriefID      string `json:"briefId"`
	CommitHash   string `json:"commitHash"`
	RevertOutput string `json:"revertOutput"`
	Note         string `json:"note"`
}

// IdeaStats mirrors GET /ideas/stats.
type IdeaStats struct {
	Total          int            `json:"total"`
	Counts         map[string]int `json:"counts"`
	ApprovalRate   float64        `json:"approvalRate"`
	AvgTimeToShip  string         `json:"avgTimeToShip"`
	SuccessRate    float64        `json:"successRate"`
	CompletionRate float64        `json:"completionRate"`
	Reviewed       int            `json:"reviewed"`
	Queue          map[string]int `json:"queue"`
}

// FeedEntry is one activity feed line.
type FeedEntry struct {
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Agent     string `json:"agent"`
	Message   string `json:"message"`
	BriefID   string `json:"briefId,omitempty"`
}

// APIError wraps non-2xx responses. Message carries the server's
// {"error": ...} text when the body has one.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d message=%s", e.StatusCode, e.Message)
}

// Queue returns every brief plus the operator's open action items.
func (c *Client) Queue(ctx context.Context) (Queue, error) {
	var resp Queue
	err := c.do(ctx, http.MethodGet, "pipeline-queue", nil, &resp)
	return resp, err
}

// CreateBrief adds a manual brief to the queue.
func (c *Client) CreateBrief(ctx context.Context, title, description string) (Brief, error) {
	body := map[string]any{
		"title":       title,
		"description": description,
	}
	var resp Brief
	err := c.do(ctx, http.MethodPost, "pipeline-queue", body, &resp)
	return resp, err
}

// SetStatus changes a brief's status. force skips the transition graph.
func (c *Client) SetStatus(ctx context.Context, id, status, buildCommit string, force bool) (Brief, error) {
	body := map[string]any{
		"id":     id,
		"status": status,
	}
	if buildCommit != "" {
		body["buildCommit"] = buildCommit
	}
	endpoint := "pipeline-queue"
	if force {
		endpoint += "?force=true"
	}
	var resp Brief
	err := c.do(ctx, http.MethodPatch, endpoint, body, &resp)
	return resp, err
}

func (c *Client) Approve(ctx context.Context, briefID string) (TransitionResult, error) {
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "pipeline-queue/approve", map[string]any{"briefId": briefID}, &resp)
	return resp, err
}

func (c *Client) Reject(ctx context.Context, briefID, reason, comment string) (RejectResult, error) {
	body := map[string]any{"briefId": briefID}
	if reason != "" {
		body["rejectReason"] = reason
	}
	if comment != "" {
		body["rejectComment"] = comment
	}
	var resp RejectResult
	err := c.do(ctx, http.MethodPost, "pipeline-queue/reject", body, &resp)
	return resp, err
}

func (c *Client) Defer(ctx context.Context, briefID, note string) (TransitionResult, error) {
	body := map[string]any{"briefId": briefID}
	if note != "" {
		body["note"] = note
	}
	var resp TransitionResult
	err := c.do(ctx, http.MethodPost, "pipeline-queue/defer", body, &resp)
	return resp, err
}

// Rollback reverts the brief's build commit. comment is required.
func (c *Client) Rollback(ctx context.Context, briefID, comment string) (RollbackResult, error) {
	body := map[string]any{
		"briefId": briefID,
		"comment": comment,
	}
	var resp RollbackResult
	err := c.do(ctx, http.MethodPost, "pipeline-queue/rollback", body, &resp)
	return resp, err
}

// ActOnActionItem applies approve, reject or defer to an action item.
func (c *Client) ActOnActionItem(ctx context.Context, id, action string) (TransitionResult, error) {
	var resp TransitionResult
	endpoint := fmt.Sprintf("pipeline-queue/action-items/%s", url.PathEscape(id))
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"action": action}, &resp)
	return resp, err
}

func (c *Client) IdeaStats(ctx context.Context) (IdeaStats, error) {
	var resp IdeaStats
	err := c.do(ctx, http.MethodGet, "ideas/stats", nil, &resp)
	return resp, err
}

// Feed returns the newest feed entries first.
func (c *Client) Feed(ctx context.Context, limit int) ([]FeedEntry, error) {
	endpoint := "activity-feed"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Entries []FeedEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Entries, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil && envelope.Error != "" {
			apiErr.Message = envelope.Error
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
