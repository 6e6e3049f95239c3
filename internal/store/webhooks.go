package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"storefront-sync/internal/models"
)

const webhookColumns = `id, org_id, event_id, plugin_id, event_type, payload, signature,
	is_verified, is_processed, error_message, received_at, processed_at`

// InsertWebhookEvent persists an inbound event. It returns false without
// error when (org_id, event_id) already exists, which makes redelivery a
// no-op even under concurrent duplicate requests.
func (s *Store) InsertWebhookEvent(ctx context.Context, ev models.WebhookEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, org_id, event_id, plugin_id, event_type, payload,
			signature, is_verified, is_processed, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
		ON CONFLICT (org_id, event_id) DO NOTHING
	`, ev.ID, ev.OrgID, ev.EventID, ev.PluginID, ev.EventType, ev.Payload,
		ev.Signature, ev.IsVerified, ev.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindWebhookEvent looks up an event by its idempotency boundary.
func (s *Store) FindWebhookEvent(ctx context.Context, orgID, eventID string) (models.WebhookEvent, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events WHERE org_id = $1 AND event_id = $2
	`, orgID, eventID)
	ev, err := scanWebhookEvent(row)
	if err == pgx.ErrNoRows {
		return models.WebhookEvent{}, false, nil
	}
	if err != nil {
		return models.WebhookEvent{}, false, fmt.Errorf("find webhook event: %w", err)
	}
	return ev, true, nil
}

// GetWebhookEvent fetches an event by row id.
func (s *Store) GetWebhookEvent(ctx context.Context, id string) (models.WebhookEvent, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1
	`, id)
	ev, err := scanWebhookEvent(row)
	if err == pgx.ErrNoRows {
		return models.WebhookEvent{}, false, nil
	}
	if err != nil {
		return models.WebhookEvent{}, false, fmt.Errorf("get webhook event: %w", err)
	}
	return ev, true, nil
}

// MarkWebhookProcessed records consumption of the event by its job. Only the
// consuming job ever sets this, never the intake pipeline.
func (s *Store) MarkWebhookProcessed(ctx context.Context, id string, errMsg *string, now time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE webhook_events SET is_processed = TRUE, processed_at = $2, error_message = $3
		WHERE id = $1
	`, id, now, errMsg)
	if err != nil {
		return fmt.Errorf("mark webhook processed: %w", err)
	}
	return nil
}

// WebhookSecret returns the configured secret for an org/plugin pair, empty
// when none is configured.
func (s *Store) WebhookSecret(ctx context.Context, orgID, pluginID string) (string, error) {
	var secret string
	err := s.pool.QueryRow(ctx, `
		SELECT webhook_secret FROM plugin_settings WHERE org_id = $1 AND plugin_id = $2
	`, orgID, pluginID).Scan(&secret)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("webhook secret: %w", err)
	}
	return secret, nil
}

func scanWebhookEvent(row pgx.Row) (models.WebhookEvent, error) {
	var ev models.WebhookEvent
	var errMsg pgtype.Text
	var processedAt pgtype.Timestamptz

	err := row.Scan(&ev.ID, &ev.OrgID, &ev.EventID, &ev.PluginID, &ev.EventType, &ev.Payload,
		&ev.Signature, &ev.IsVerified, &ev.IsProcessed, &errMsg, &ev.ReceivedAt, &processedAt)
	if err != nil {
		return models.WebhookEvent{}, err
	}
	ev.ErrorMessage = textPtr(errMsg)
	ev.ProcessedAt = timePtr(processedAt)
	return ev, nil
}
