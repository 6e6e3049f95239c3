// Package webhook converts inbound, untrusted platform notifications into
// verified, deduplicated internal events plus follow-up jobs.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"storefront-sync/internal/models"
	"storefront-sync/internal/queue"
)

// ErrMalformedPayload indicates the request body is not parseable JSON.
var ErrMalformedPayload = errors.New("webhook: malformed payload")

// Store is the persistence surface the intake pipeline requires.
type Store interface {
	FindWebhookEvent(ctx context.Context, orgID, eventID string) (models.WebhookEvent, bool, error)
	InsertWebhookEvent(ctx context.Context, ev models.WebhookEvent) (bool, error)
	WebhookSecret(ctx context.Context, orgID, pluginID string) (string, error)
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// Intake runs the ingestion pipeline: verify, deduplicate, persist, enqueue.
type Intake struct {
	store Store
	queue *queue.Queue
}

func NewIntake(store Store, q *queue.Queue) *Intake {
	return &Intake{store: store, queue: q}
}

// signature header and encoding per platform; the generic header covers
// platforms without a dedicated convention.
type signatureScheme struct {
	header string
	base64 bool
}

var signatureSchemes = map[string]signatureScheme{
	"shopify":     {header: "X-Shopify-Hmac-Sha256", base64: true},
	"woocommerce": {header: "X-WC-Webhook-Signature", base64: true},
}

var topicHeaders = map[string]string{
	"shopify":     "X-Shopify-Topic",
	"woocommerce": "X-WC-Webhook-Topic",
}

func schemeFor(platform string) signatureScheme {
	if s, ok := signatureSchemes[platform]; ok {
		return s
	}
	return signatureScheme{header: "X-Webhook-Signature"}
}

// Result reports what ingestion did with a delivery.
type Result struct {
	WebhookEventID string
	EventID        string
	IsVerified     bool
	Duplicate      bool
	JobID          string
}

// ProcessPayload is the job payload for webhook-processing jobs.
type ProcessPayload struct {
	WebhookEventID string `json:"webhook_event_id"`
	PluginID       string `json:"plugin_id"`
	EventType      string `json:"event_type"`
}

// Ingest runs the full pipeline for one delivery. Verification failure does
// not reject the delivery: the event is stored unverified so platform
// retries are never lost, and the flag feeds downstream risk assessment.
func (i *Intake) Ingest(ctx context.Context, platform, orgID string, header http.Header, body []byte) (Result, error) {
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return Result{}, ErrMalformedPayload
	}

	scheme := schemeFor(platform)
	signature := header.Get(scheme.header)
	verified, err := i.verifySignature(ctx, orgID, platform, scheme, signature, body)
	if err != nil {
		return Result{}, err
	}

	eventID, stable := deriveEventID(platform, payload)
	eventType := deriveEventType(platform, header, payload)

	// Only platform-supplied ids give real idempotency; synthesized ids are
	// unique per delivery and never deduplicate.
	if stable {
		if existing, found, err := i.store.FindWebhookEvent(ctx, orgID, eventID); err != nil {
			return Result{}, err
		} else if found {
			return Result{
				WebhookEventID: existing.ID,
				EventID:        eventID,
				IsVerified:     existing.IsVerified,
				Duplicate:      true,
			}, nil
		}
	}

	ev := models.WebhookEvent{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		EventID:    eventID,
		PluginID:   platform,
		EventType:  eventType,
		Payload:    body,
		Signature:  signature,
		IsVerified: verified,
		ReceivedAt: time.Now().UTC(),
	}
	created, err := i.store.InsertWebhookEvent(ctx, ev)
	if err != nil {
		return Result{}, fmt.Errorf("persist webhook event: %w", err)
	}
	if !created {
		// Lost a concurrent-delivery race; the winner's row is authoritative.
		existing, found, err := i.store.FindWebhookEvent(ctx, orgID, eventID)
		if err != nil {
			return Result{}, err
		}
		if !found {
			return Result{}, errors.New("webhook: duplicate event but no existing row found")
		}
		return Result{
			WebhookEventID: existing.ID,
			EventID:        eventID,
			IsVerified:     existing.IsVerified,
			Duplicate:      true,
		}, nil
	}

	jobPayload, err := json.Marshal(ProcessPayload{
		WebhookEventID: ev.ID,
		PluginID:       platform,
		EventType:      eventType,
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal job payload: %w", err)
	}
	job, _, err := i.queue.Enqueue(ctx, queue.EnqueueParams{
		OrgID:          orgID,
		IdempotencyKey: "webhook_process_" + eventID,
		Type:           "webhook_" + platform + "_" + jobToken(eventType),
		Payload:        jobPayload,
	})
	if err != nil {
		return Result{}, fmt.Errorf("enqueue webhook job: %w", err)
	}

	_ = i.store.AppendAudit(ctx, models.AuditEntry{
		OrgID:      orgID,
		Actor:      platform,
		Action:     "webhook_received",
		EntityType: "webhook_event",
		EntityID:   ev.ID,
		Detail:     fmt.Sprintf("event_id=%s type=%s verified=%t", eventID, eventType, verified),
	})

	return Result{
		WebhookEventID: ev.ID,
		EventID:        eventID,
		IsVerified:     verified,
		JobID:          job.ID,
	}, nil
}

// verifySignature compares the delivery signature against HMAC-SHA256 of the
// body under the org's configured secret, in constant time. No secret or no
// signature means unverified, not rejected.
func (i *Intake) verifySignature(ctx context.Context, orgID, platform string, scheme signatureScheme, signature string, body []byte) (bool, error) {
	secret, err := i.store.WebhookSecret(ctx, orgID, platform)
	if err != nil {
		return false, err
	}
	if secret == "" || signature == "" {
		return false, nil
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sum := mac.Sum(nil)

	var expected string
	if scheme.base64 {
		expected = base64.StdEncoding.EncodeToString(sum)
	} else {
		expected = hex.EncodeToString(sum)
	}
	return hmac.Equal([]byte(expected), []byte(signature)), nil
}

// deriveEventID takes the payload's own id when present; otherwise it
// synthesizes one. The bool reports whether the id is platform-supplied.
func deriveEventID(platform string, payload map[string]any) (string, bool) {
	switch v := payload["id"].(type) {
	case string:
		if v != "" {
			return v, true
		}
	case float64:
		return fmt.Sprintf("%.0f", v), true
	}
	return fmt.Sprintf("%s-%d-%s", platform, time.Now().UnixMilli(), uuid.New().String()[:8]), false
}

func deriveEventType(platform string, header http.Header, payload map[string]any) string {
	if h, ok := topicHeaders[platform]; ok {
		if topic := header.Get(h); topic != "" {
			return topic
		}
	}
	for _, field := range []string{"event_type", "topic", "type"} {
		if v, ok := payload[field].(string); ok && v != "" {
			return v
		}
	}
	return "event"
}

// jobToken normalizes a platform topic like "products/update" into a token
// usable inside a job_type tag.
func jobToken(topic string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '.', ' ', '-':
			return '_'
		}
		return r
	}, topic)
}
