package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nexus/internal/config"
	"nexus/internal/db"
	"nexus/internal/domain"
	"nexus/internal/engine"
	"nexus/internal/filestore"
	"nexus/internal/gitops"
	"nexus/internal/metrics"
	"nexus/internal/migrate"
	"nexus/internal/ws"
)

type stubReverter struct {
	err error
}

func (s stubReverter) Revert(_ context.Context, commit string) (string, error) {
	if s.err != nil {
		return "", &gitops.RevertError{Commit: commit, Output: "merge conflict in app.go", Err: s.err}
	}
	return "Revert ok", nil
}

type testServer struct {
	URL     string
	Engine  engine.Engine
	Metrics *metrics.Metrics
	client  *http.Client
}

func (s *testServer) Client() *http.Client { return s.client }

type serverOption func(*config.Config, *Config)

func withSecret(secret string) serverOption {
	return func(cfg *config.Config, sc *Config) {
		cfg.Auth.JWTSecret = secret
		sc.Auth.JWTSecret = secret
	}
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	cfg := config.Default()
	m := metrics.New()
	sc := Config{BasePath: "/api", Metrics: m}
	for _, opt := range opts {
		opt(cfg, &sc)
	}
	e := engine.New(conn, cfg, workspace).WithLogger(quietLogger())
	e.Reverter = stubReverter{}
	e.Metrics = m
	sc.Engine = e

	handler, err := New(sc)
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	return &testServer{URL: "http://" + ln.Addr().String(), Engine: e, Metrics: m, client: &http.Client{}}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func errorMessage(t *testing.T, data []byte) string {
	t.Helper()
	body := decode[map[string]any](t, data)
	msg, ok := body["error"].(string)
	require.True(t, ok, "missing error envelope: %s", string(data))
	return msg
}

func createBrief(t *testing.T, srv *testServer, body map[string]any) domain.QueueBrief {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/pipeline-queue", body, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	return decode[domain.QueueBrief](t, data)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, withSecret("s3cret"))
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ok", decode[map[string]any](t, data)["status"])
}

func TestQueueLifecycle(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	created := createBrief(t, srv, map[string]any{"title": "Faster builds", "priority": "high"})
	assert.Equal(t, domain.QueueQueued, created.Status)
	assert.Equal(t, "HIGH", created.Priority)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/pipeline-queue", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	view := decode[engine.QueueView](t, data)
	require.Len(t, view.Briefs, 1)
	assert.NotNil(t, view.ActionItems)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue/approve", map[string]any{"briefId": created.ID}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	approved := decode[engine.TransitionResult](t, data)
	assert.Equal(t, domain.QueueSpeccing, approved.NewStatus)
	assert.NotEmpty(t, approved.BriefPath)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/pipeline-queue", map[string]any{"id": created.ID, "status": "launched"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, errorMessage(t, data), "invalid status")

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/pipeline-queue", map[string]any{"id": created.ID, "status": "shipped"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, errorMessage(t, data), "speccing -> shipped")

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/pipeline-queue?force=true", map[string]any{"id": created.ID, "status": "shipped", "buildCommit": "abc1234"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	shipped := decode[domain.QueueBrief](t, data)
	assert.Equal(t, "abc1234", shipped.BuildCommit)

	res, data = doJSON(t, client, http.MethodPatch, srv.URL+"/api/pipeline-queue", map[string]any{"id": "brief-nope", "status": "queued"}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	errorMessage(t, data)
}

func TestCreateBriefRequiresTitle(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/pipeline-queue", map[string]any{"description": "no title"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "title is required", errorMessage(t, data))
}

func TestRejectRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue/reject", map[string]any{"briefId": "brief-missing"}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	errorMessage(t, data)

	created := createBrief(t, srv, map[string]any{"title": "Old idea"})
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue/reject", map[string]any{
		"briefId":        created.ID,
		"rejectedReason": "duplicate",
	}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	raw := decode[map[string]any](t, data)
	assert.Nil(t, raw["archivedFile"])
	assert.Equal(t, true, raw["reasonLogged"])

	q, err := srv.Engine.Queue.Load()
	require.NoError(t, err)
	assert.Equal(t, "duplicate", q.Briefs[q.Find(created.ID)].RejectReason)
}

func TestDeferRoute(t *testing.T) {
	srv := newTestServer(t)
	created := createBrief(t, srv, map[string]any{"title": "Someday"})
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/pipeline-queue/defer", map[string]any{"briefId": created.ID, "note": "q3"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.QueueDeferred, decode[engine.TransitionResult](t, data).NewStatus)
}

func TestRollbackRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	created := createBrief(t, srv, map[string]any{"title": "Risky", "status": "building"})
	_, err := srv.Engine.SetQueueStatus(context.Background(), engine.StatusUpdate{ID: created.ID, Status: domain.QueueShipped, BuildCommit: "deadbeef"})
	require.NoError(t, err)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue/rollback", map[string]any{"briefId": created.ID}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Contains(t, errorMessage(t, data), "comment is required")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue/rollback", map[string]any{"briefId": created.ID, "comment": "login broke"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rb := decode[engine.RollbackResult](t, data)
	assert.Equal(t, "deadbeef", rb.CommitHash)
	assert.Equal(t, "Revert ok", rb.RevertOutput)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/briefs/"+created.ID, nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	detail := decode[engine.BriefDetail](t, data)
	assert.Equal(t, domain.QueueReverted, detail.Brief.Status)
	require.NotNil(t, detail.Feedback)
	assert.Equal(t, engine.RatingNeedsWork, detail.Feedback.Rating)
}

func TestRollbackRevertFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.Engine.Reverter = stubReverter{err: errors.New("exit status 1")}
	handler, err := New(Config{Engine: srv.Engine, BasePath: "/api"})
	require.NoError(t, err)
	hs := httptest.NewServer(handler)
	defer hs.Close()

	created := createBrief(t, srv, map[string]any{"title": "Conflicted", "status": "building"})
	_, err = srv.Engine.SetQueueStatus(context.Background(), engine.StatusUpdate{ID: created.ID, Status: domain.QueueShipped, BuildCommit: "deadbeef"})
	require.NoError(t, err)

	res, data := doJSON(t, hs.Client(), http.MethodPost, hs.URL+"/api/pipeline-queue/rollback", map[string]any{"briefId": created.ID, "comment": "broke"}, nil)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Contains(t, errorMessage(t, data), "merge conflict in app.go")

	q, err := srv.Engine.Queue.Load()
	require.NoError(t, err)
	assert.Equal(t, domain.QueueShipped, q.Briefs[q.Find(created.ID)].Status)
}

func TestActionItemRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	_, err := srv.Engine.Actions.Update(func(a *filestore.ActionFile) error {
		a.Items = append(a.Items,
			domain.ActionItem{ID: "ai-1", Task: "Write runbook", Assignee: "PJ", Status: domain.ActionTodo},
			domain.ActionItem{ID: "ai-2", Task: "Drop flaky test", Status: domain.ActionPending},
		)
		return nil
	})
	require.NoError(t, err)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue/action-items/ai-1", map[string]any{"action": "approve"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	approved := decode[engine.ActionResult](t, data)
	assert.Equal(t, domain.ActionApproved, approved.NewStatus)
	assert.NotEmpty(t, approved.BriefID)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue/action-item", map[string]any{"id": "ai-2", "action": "reject"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, domain.ActionRejected, decode[engine.ActionResult](t, data).NewStatus)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue/action-item", map[string]any{"id": "ai-2", "action": "shred"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	errorMessage(t, data)

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue/action-items/ai-404", map[string]any{"action": "defer"}, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestIdeaRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/api/ideas/create", map[string]any{
		"title":   "Offline mode",
		"bullets": []string{"cache api responses"},
	}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	created := decode[engine.IdeaResult](t, data)
	assert.Equal(t, "offline-mode.md", created.ID)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/ideas/offline-mode/approve", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	approved := decode[engine.IdeaApproveResult](t, data)
	assert.NotEmpty(t, approved.BriefID)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/ideas", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	ideas := decode[map[string]domain.StatusEntry](t, data)
	assert.Equal(t, domain.IdeaApproved, ideas["offline-mode.md"].Status)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/ideas/offline-mode.md/review", map[string]any{"outcome": "success"}, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	errorMessage(t, data)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/ideas/missing/park", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	errorMessage(t, data)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/ideas/stats", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	s := decode[map[string]any](t, data)
	assert.EqualValues(t, 1, s["total"])
	assert.Equal(t, "n/a", s["avgTimeToShip"])
}

func TestFeedAndBriefRoutes(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	created := createBrief(t, srv, map[string]any{"title": "One"})
	createBrief(t, srv, map[string]any{"title": "Two"})

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/activity-feed?limit=1", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	feed := decode[FeedResponse](t, data)
	require.Len(t, feed.Entries, 1)
	assert.Contains(t, feed.Entries[0].Message, "Two")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/briefs/"+created.ID+"/activity", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rows := decode[[]domain.Activity](t, data)
	require.Len(t, rows, 1)
	assert.Equal(t, "brief-created", rows[0].Type)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/briefs/"+created.ID+"/feedback", map[string]any{"rating": "great", "tags": []string{"fast"}}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "great", decode[domain.BuildFeedback](t, data).Rating)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/briefs/brief-none", nil, nil)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/briefs?status=queued&source=manual", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Len(t, decode[[]domain.Brief](t, data), 2)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/briefs?status=shipped", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[[]domain.Brief](t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/api/briefs?status=bogus", nil, nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, `invalid status "bogus"`, errorMessage(t, data))
}

func TestAuthRequiresBearerToken(t *testing.T) {
	srv := newTestServer(t, withSecret("s3cret"))
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/pipeline-queue", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "authentication required", errorMessage(t, data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/pipeline-queue", nil, map[string]string{"Authorization": "Bearer not-a-jwt"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	forged, err := IssueToken("other-secret", "mallory", time.Hour)
	require.NoError(t, err)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/api/pipeline-queue", nil, map[string]string{"Authorization": "Bearer " + forged})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	token, err := IssueToken("s3cret", "sam", time.Hour)
	require.NoError(t, err)
	auth := map[string]string{"Authorization": "Bearer " + token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/api/pipeline-queue", map[string]any{"title": "Signed"}, auth)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	entries, err := srv.Engine.ListFeed(1)
	require.NoError(t, err)
	assert.Equal(t, "sam", entries[0].Agent)
}

func TestMetricsAndDocs(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()
	createBrief(t, srv, map[string]any{"title": "Counted"})

	// the request counter is bumped after the response is written
	var text string
	require.Eventually(t, func() bool {
		res, err := client.Get(srv.URL + "/metrics")
		if err != nil {
			return false
		}
		defer res.Body.Close()
		data, _ := io.ReadAll(res.Body)
		text = string(data)
		return strings.Contains(text, `nexus_http_requests_total{method="POST",route="/api/pipeline-queue",status="201"} 1`)
	}, 2*time.Second, 20*time.Millisecond)
	assert.Contains(t, text, `nexus_transitions_total{action="create",status="queued"} 1`)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/api/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/api/pipeline-queue/rollback")

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/docs", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "/api/openapi.json")
}

func TestActivityStream(t *testing.T) {
	srv := newTestServer(t)
	hub := ws.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)
	e := srv.Engine
	e.Notifier = hub
	handler, err := New(Config{Engine: e, BasePath: "/api", Hub: hub})
	require.NoError(t, err)
	hs := httptest.NewServer(handler)
	defer hs.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/api/activity-feed/stream", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	res, data := doJSON(t, hs.Client(), http.MethodPost, hs.URL+"/api/pipeline-queue", map[string]any{"title": "Streamed"}, nil)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	entry := decode[domain.ActivityEntry](t, msg)
	assert.Equal(t, "brief-created", entry.Type)
}

func TestWebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []http.Header
		bodies   []webhookEvent
	)
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, r.Header.Clone())
		bodies = append(bodies, evt)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	srv := newTestServer(t)
	createBrief(t, srv, map[string]any{"title": "Before dispatcher"})

	e := srv.Engine
	cfg := *e.Config
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"brief-approved"}, Secret: "hush"}}
	e.Config = &cfg
	d := newWebhookDispatcher(e, quietLogger())
	require.NotNil(t, d)
	ctx := context.Background()
	d.dispatchAll(ctx)
	mu.Lock()
	assert.Empty(t, received, "history is not replayed")
	mu.Unlock()

	created := createBrief(t, srv, map[string]any{"title": "After dispatcher"})
	_, err := e.Approve(ctx, created.ID, "")
	require.NoError(t, err)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "brief-approved", received[0].Get("X-Nexus-Event"))
	assert.Equal(t, "hush", received[0].Get("X-Nexus-Secret"))
	assert.NotEmpty(t, received[0].Get("X-Nexus-Delivery"))
	assert.Equal(t, created.ID, bodies[0].BriefID)
	assert.JSONEq(t, `{"from":"queued","specPath":"research/ai-intel/spec-briefs/after-dispatcher.md"}`, string(bodies[0].Payload))
}

func TestWebhookDispatcherDisabledWithoutHooks(t *testing.T) {
	srv := newTestServer(t)
	assert.Nil(t, newWebhookDispatcher(srv.Engine, nil))
	assert.False(t, StartWebhooks(context.Background(), srv.Engine, nil))
}
