package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"storefront-sync/internal/models"
	"storefront-sync/internal/webhook"
)

// WebhookStore is the persistence surface for applying webhook events.
type WebhookStore interface {
	GetWebhookEvent(ctx context.Context, id string) (models.WebhookEvent, bool, error)
	MarkWebhookProcessed(ctx context.Context, id string, errMsg *string, now time.Time) error
}

// WebhookApplyHandler executes webhook_<platform>_<type> jobs: it loads the
// stored event and marks it processed. The intake pipeline never touches
// is_processed; only this consuming job does.
type WebhookApplyHandler struct {
	store WebhookStore
	log   *slog.Logger
}

func NewWebhookApplyHandler(store WebhookStore, log *slog.Logger) *WebhookApplyHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookApplyHandler{store: store, log: log}
}

func (h *WebhookApplyHandler) Handle(ctx context.Context, job models.Job) (json.RawMessage, error) {
	var payload webhook.ProcessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return nil, fmt.Errorf("decode webhook payload: %w", err)
	}

	ev, found, err := h.store.GetWebhookEvent(ctx, payload.WebhookEventID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("webhook event %s not found", payload.WebhookEventID)
	}
	if ev.IsProcessed {
		// Redelivered job after a crash between apply and complete.
		return json.Marshal(map[string]any{"webhook_event_id": ev.ID, "already_processed": true})
	}

	h.log.Info("applying webhook event",
		"webhook_event_id", ev.ID, "plugin", ev.PluginID, "event_type", ev.EventType, "verified", ev.IsVerified)

	if err := h.store.MarkWebhookProcessed(ctx, ev.ID, nil, time.Now().UTC()); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"webhook_event_id": ev.ID, "event_type": ev.EventType})
}
