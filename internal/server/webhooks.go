package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nexus/internal/config"
	"nexus/internal/domain"
	"nexus/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

type webhookDispatcher struct {
	engine   engine.Engine
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
	interval time.Duration
	mu       sync.Mutex
	cursors  map[int]int64
}

func newWebhookDispatcher(e engine.Engine, logger *slog.Logger) *webhookDispatcher {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &webhookDispatcher{
		engine:   e,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
		interval: defaultWebhookInterval,
		cursors:  make(map[int]int64),
	}
}

// StartWebhooks delivers new pipeline activity to the configured webhooks
// until ctx is cancelled. It reports whether a dispatcher was started.
func StartWebhooks(ctx context.Context, e engine.Engine, logger *slog.Logger) bool {
	d := newWebhookDispatcher(e, logger)
	if d == nil {
		return false
	}
	go d.run(ctx)
	return true
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	rows, err := d.engine.Repo.ActivityAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Warn("webhook: fetch activity failed", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, row := range rows {
		if !filter.match(row.Type) {
			d.setCursor(idx, row.ID)
			continue
		}
		if err := d.post(ctx, hook, row); err != nil {
			// Retried from the same cursor on the next tick.
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "activity", row.ID, "err", err)
			return
		}
		d.setCursor(idx, row.ID)
	}
}

// cursorFor starts each webhook at the newest row so a restart does not
// replay history.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestActivityID(ctx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *webhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	BriefID    string          `json:"briefId,omitempty"`
	Agent      string          `json:"agent"`
	Message    string          `json:"message,omitempty"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payloadRaw,omitempty"`
}

func (d *webhookDispatcher) post(ctx context.Context, hook config.WebhookConfig, row domain.Activity) error {
	payload := json.RawMessage("{}")
	var raw string
	if row.Payload != "" {
		if json.Valid([]byte(row.Payload)) {
			payload = json.RawMessage(row.Payload)
		} else {
			raw = row.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         row.ID,
		Type:       row.Type,
		BriefID:    row.BriefID,
		Agent:      row.Agent,
		Message:    row.Message,
		TS:         row.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	client := d.client
	if hook.TimeoutSeconds > 0 {
		client = &http.Client{Timeout: time.Duration(hook.TimeoutSeconds) * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Nexus-Event", row.Type)
	req.Header.Set("X-Nexus-Delivery", fmt.Sprintf("%d", row.ID))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Nexus-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
