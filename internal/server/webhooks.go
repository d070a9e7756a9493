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

	"workrelay/internal/config"
	"workrelay/internal/domain"
	"workrelay/internal/engine"
	"workrelay/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher posts audit events to the webhooks of the current config. Each URL keeps
// its own cursor, starting at the newest event seen when the URL first appears; delivery stops
// at the first failure and retries from there on the next tick.
type WebhookDispatcher struct {
	Engine   *engine.Engine
	Client   *http.Client
	Interval time.Duration
	Logger   *slog.Logger

	mu      sync.Mutex
	cursors map[string]int64
}

// StartWebhooks runs a dispatcher until ctx is done. The webhook list is reread on every tick so
// config reloads take effect without a restart.
func StartWebhooks(ctx context.Context, e *engine.Engine, logger *slog.Logger) *WebhookDispatcher {
	d := &WebhookDispatcher{
		Engine: e,
		Client: &http.Client{Timeout: defaultWebhookTimeout},
		Logger: logger,
	}
	go d.Run(ctx)
	return d
}

func (d *WebhookDispatcher) log() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *WebhookDispatcher) Run(ctx context.Context) {
	interval := d.Interval
	if interval <= 0 {
		interval = defaultWebhookInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		d.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll makes one delivery pass over every configured webhook.
func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
	cfg := d.Engine.Config()
	if cfg == nil {
		return
	}
	for _, hook := range cfg.Webhooks {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, hook)
	}
}

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, hook config.Webhook) {
	cursor, err := d.cursorFor(ctx, hook.URL)
	if err != nil {
		d.log().Warn("webhook: init cursor failed", "url", hook.URL, "err", err)
		return
	}
	evts, err := d.Engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor, repo.EventFilters{})
	if err != nil {
		d.log().Warn("webhook: fetch events failed", "url", hook.URL, "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			d.setCursor(hook.URL, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log().Warn("webhook: delivery failed", "url", hook.URL, "event_id", evt.ID, "err", err)
			return
		}
		d.setCursor(hook.URL, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, url string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cursors == nil {
		d.cursors = make(map[string]int64)
	}
	if cur, ok := d.cursors[url]; ok {
		return cur, nil
	}
	cur, err := d.Engine.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	d.cursors[url] = cur
	return cur, nil
}

func (d *WebhookDispatcher) setCursor(url string, value int64) {
	d.mu.Lock()
	d.cursors[url] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	WorkflowID string          `json:"workflow_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.Webhook, evt domain.Event) error {
	payload := json.RawMessage(`{}`)
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage(evt.Payload)
		} else {
			raw = evt.Payload
		}
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		WorkflowID: evt.WorkflowID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Relay-Event", evt.Type)
	req.Header.Set("X-Relay-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.WorkflowID != "" {
		req.Header.Set("X-Relay-Workflow", evt.WorkflowID)
	}
	client := d.Client
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
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

// newEventFilter matches exact event types, or a whole family with a trailing ".*" (e.g. "claim.*").
func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		if key == "*" {
			return eventFilter{all: true}
		}
		set[key] = struct{}{}
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
	if _, ok := f.set[evt]; ok {
		return true
	}
	if i := strings.IndexByte(evt, '.'); i > 0 {
		_, ok := f.set[evt[:i]+".*"]
		return ok
	}
	return false
}
