package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"creditline/internal/config"
	"creditline/internal/domain"
	"creditline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// WebhookDispatcher forwards appended events to the configured webhooks.
// Each hook keeps its own cursor and starts at the newest event seen when
// the dispatcher first runs.
type WebhookDispatcher struct {
	repo     repo.Repo
	webhooks []config.WebhookConfig
	client   *http.Client
	interval time.Duration
	log      *slog.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

func NewWebhookDispatcher(r repo.Repo, hooks []config.WebhookConfig, log *slog.Logger) *WebhookDispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookDispatcher{
		repo:     r,
		webhooks: hooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		interval: defaultWebhookInterval,
		log:      log.With("component", "webhooks"),
		cursors:  make(map[int]int64),
	}
}

// Run dispatches until ctx is cancelled. It returns immediately when no
// webhooks are configured.
func (d *WebhookDispatcher) Run(ctx context.Context) {
	if len(d.webhooks) == 0 {
		return
	}
	ticker := time.NewTicker(d.interval)
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

func (d *WebhookDispatcher) DispatchAll(ctx context.Context) {
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

func (d *WebhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor := d.cursorFor(ctx, idx)
	events, err := d.repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.log.Error("fetch events", "err", err)
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		if !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("deliver webhook", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *WebhookDispatcher) cursorFor(ctx context.Context, idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.repo.LatestEventID(ctx)
	if err != nil {
		d.log.Error("init webhook cursor", "err", err)
		cur = 0
	}
	d.cursors[idx] = cur
	return cur
}

func (d *WebhookDispatcher) setCursor(idx int, value int64) {
	d.mu.Lock()
	d.cursors[idx] = value
	d.mu.Unlock()
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	ProjectID  string          `json:"project_id,omitempty"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *WebhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	data, err := json.Marshal(webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  evt.ProjectID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
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
	req.Header.Set("X-Creditline-Event", evt.Type)
	req.Header.Set("X-Creditline-Delivery", fmt.Sprintf("%d", evt.ID))
	if evt.ProjectID != "" {
		req.Header.Set("X-Creditline-Project", evt.ProjectID)
	}
	if secret := strings.TrimSpace(hook.Secret); secret != "" {
		req.Header.Set("X-Creditline-Signature", "sha256="+signPayload(secret, data))
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

func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
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
