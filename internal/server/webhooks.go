package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/domain"
	"phaseline/internal/engine"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
)

// webhookDispatcher polls the event log and posts matching events to the
// configured endpoints. Each hook keeps its own cursor; a failed delivery
// stops that hook's batch so the event is retried on the next tick.
type webhookDispatcher struct {
	engine   engine.Engine
	project  string
	webhooks []config.WebhookConfig
	client   *http.Client
	log      *zap.Logger
	mu       sync.Mutex
	cursors  map[int]int64
}

func startWebhookDispatcher(e engine.Engine, log *zap.Logger) {
	if e.Config == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	projectID := e.Config.Project.ID
	if strings.TrimSpace(projectID) == "" {
		return
	}
	if log == nil {
		log = zap.NewNop()
	}
	d := &webhookDispatcher{
		engine:   e,
		project:  projectID,
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		log:      log,
		cursors:  make(map[int]int64),
	}
	go d.run()
}

func (d *webhookDispatcher) run() {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll()
		<-ticker.C
	}
}

func (d *webhookDispatcher) dispatchAll() {
	for i, hook := range d.webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(idx int, hook config.WebhookConfig) {
	ctx := context.Background()
	cursor := d.cursorFor(idx)
	events, err := d.engine.Repo.EventsAfter(ctx, cursor, defaultWebhookBatch)
	if err != nil {
		d.log.Warn("webhook: fetch events failed", zap.Error(err))
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	for _, evt := range events {
		// The event log is shared; only the anchored project's events go out.
		if evt.ProjectID == nil || *evt.ProjectID != d.project || !filter.match(evt.Type) {
			d.setCursor(idx, evt.ID)
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.log.Warn("webhook: delivery failed",
				zap.String("url", hook.URL),
				zap.Int64("event_id", evt.ID),
				zap.Error(err))
			return
		}
		d.setCursor(idx, evt.ID)
	}
}

func (d *webhookDispatcher) cursorFor(idx int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if cur, ok := d.cursors[idx]; ok {
		return cur
	}
	cur, err := d.engine.Repo.LatestEventID(context.Background())
	if err != nil {
		d.log.Warn("webhook: init cursor failed", zap.Error(err))
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
	ProjectID  string          `json:"project_id"`
	EntityKind string          `json:"entity_kind"`
	EntityID   string          `json:"entity_id,omitempty"`
	ActorID    string          `json:"actor_id"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	if evt.PayloadJSON != "" && json.Valid([]byte(evt.PayloadJSON)) {
		payload = json.RawMessage([]byte(evt.PayloadJSON))
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		ProjectID:  stringOrEmpty(evt.ProjectID),
		EntityKind: evt.EntityKind,
		EntityID:   stringOrEmpty(evt.EntityID),
		ActorID:    evt.ActorID,
		TS:         evt.TS,
		Payload:    payload,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Phaseline-Event", evt.Type)
	req.Header.Set("X-Phaseline-Delivery", fmt.Sprintf("%d", evt.ID))
	req.Header.Set("X-Phaseline-Project", d.project)
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Phaseline-Secret", hook.Secret)
	}
	res, err := d.client.Do(req)
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
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
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
	_, ok := f.set[evt]
	return ok
}
