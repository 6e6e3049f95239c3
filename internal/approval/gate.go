// Package approval implements the human-in-the-loop gate for privileged
// mutations: a pending/approved/rejected state machine decided exactly once.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"storefront-sync/internal/models"
)

var (
	// ErrNotFound indicates the approval id does not exist.
	ErrNotFound = errors.New("approval: not found")
	// ErrAlreadyDecided indicates the approval left pending before this
	// decision arrived.
	ErrAlreadyDecided = errors.New("approval: already decided")
	// ErrInvalidDecision indicates a decision other than approved/rejected.
	ErrInvalidDecision = errors.New("approval: decision must be approved or rejected")
)

// Store is the persistence surface the gate requires.
type Store interface {
	InsertApproval(ctx context.Context, ap models.Approval) error
	DecideApproval(ctx context.Context, id, status, note, decidedBy string, now time.Time) (bool, error)
	GetApproval(ctx context.Context, id string) (models.Approval, bool, error)
	ListApprovals(ctx context.Context, orgID, status string, limit int) ([]models.Approval, error)
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// Applier performs the gated mutation for one entity type once its approval
// is granted. Appliers must be idempotent: a decider retrying after a
// transport error replays the same application.
type Applier func(ctx context.Context, ap models.Approval) error

// Gate creates and resolves approvals. Approving is a signal; the applier
// registered for the entity type performs the actual mutation in the same
// decide call, so no entity type is left half-applied.
type Gate struct {
	store    Store
	appliers map[string]Applier
}

func NewGate(store Store) *Gate {
	return &Gate{
		store:    store,
		appliers: make(map[string]Applier),
	}
}

// RegisterApplier binds an applier to an entity type. Entity types without
// an applier record the decision only.
func (g *Gate) RegisterApplier(entityType string, fn Applier) {
	if entityType == "" || fn == nil {
		return
	}
	g.appliers[entityType] = fn
}

// RequestParams collects inputs for a new approval.
type RequestParams struct {
	OrgID       string
	EntityType  string
	EntityID    string
	Action      string
	Payload     json.RawMessage
	RequestedBy string
	TTL         time.Duration
}

// Request creates a new pending approval. Every call creates an independent
// record; deduplicating redundant requests is the caller's concern.
func (g *Gate) Request(ctx context.Context, p RequestParams) (models.Approval, error) {
	if p.OrgID == "" || p.EntityType == "" {
		return models.Approval{}, errors.New("approval: org_id and entity_type are required")
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	ap := models.Approval{
		ID:          uuid.New().String(),
		OrgID:       p.OrgID,
		EntityType:  p.EntityType,
		EntityID:    p.EntityID,
		Action:      p.Action,
		Status:      models.ApprovalPending,
		Payload:     p.Payload,
		RequestedBy: p.RequestedBy,
		CreatedAt:   now,
	}
	if p.TTL > 0 {
		exp := now.Add(p.TTL)
		ap.ExpiresAt = &exp
	}
	if err := g.store.InsertApproval(ctx, ap); err != nil {
		return models.Approval{}, err
	}
	_ = g.store.AppendAudit(ctx, models.AuditEntry{
		OrgID:      p.OrgID,
		Actor:      p.RequestedBy,
		Action:     "approval_requested",
		EntityType: p.EntityType,
		EntityID:   ap.ID,
		Detail:     p.Action,
	})
	return ap, nil
}

// Decide resolves a pending approval exactly once. On approval the
// registered applier runs; an applier failure is surfaced to the decider
// while the decision itself stands as the authoritative record.
func (g *Gate) Decide(ctx context.Context, id, decision, note, decidedBy string) (models.Approval, error) {
	if decision != models.ApprovalApproved && decision != models.ApprovalRejected {
		return models.Approval{}, ErrInvalidDecision
	}

	ok, err := g.store.DecideApproval(ctx, id, decision, note, decidedBy, time.Now().UTC())
	if err != nil {
		return models.Approval{}, err
	}
	if !ok {
		if _, found, err := g.store.GetApproval(ctx, id); err != nil {
			return models.Approval{}, err
		} else if !found {
			return models.Approval{}, ErrNotFound
		}
		return models.Approval{}, ErrAlreadyDecided
	}

	ap, found, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return models.Approval{}, err
	}
	if !found {
		return models.Approval{}, ErrNotFound
	}

	_ = g.store.AppendAudit(ctx, models.AuditEntry{
		OrgID:      ap.OrgID,
		Actor:      decidedBy,
		Action:     "approval_" + decision,
		EntityType: ap.EntityType,
		EntityID:   ap.ID,
		Detail:     note,
	})

	if decision == models.ApprovalApproved {
		if apply, exists := g.appliers[ap.EntityType]; exists {
			if err := apply(ctx, ap); err != nil {
				return ap, fmt.Errorf("apply %s approval: %w", ap.EntityType, err)
			}
		}
	}
	return ap, nil
}

// Get fetches an approval by id.
func (g *Gate) Get(ctx context.Context, id string) (models.Approval, error) {
	ap, found, err := g.store.GetApproval(ctx, id)
	if err != nil {
		return models.Approval{}, err
	}
	if !found {
		return models.Approval{}, ErrNotFound
	}
	return ap, nil
}

// List returns approvals for an org, optionally filtered by status. Expired
// pending approvals are filtered out here; expiry is advisory and nothing
// transitions them.
func (g *Gate) List(ctx context.Context, orgID, status string, limit int) ([]models.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	all, err := g.store.ListApprovals(ctx, orgID, status, limit)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := all[:0]
	for _, ap := range all {
		if ap.Status == models.ApprovalPending && ap.ExpiresAt != nil && ap.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, ap)
	}
	return out, nil
}

// SettingChange is the payload shape for entity_type "setting" approvals.
type SettingChange struct {
	Key      string          `json:"key"`
	OldValue json.RawMessage `json:"old_value,omitempty"`
	NewValue json.RawMessage `json:"new_value"`
}

// SettingStore writes approved setting values.
type SettingStore interface {
	UpsertSetting(ctx context.Context, orgID, key string, value []byte) error
}

// NewSettingApplier returns the applier for entity_type "setting": it writes
// the approved value to the org settings table.
func NewSettingApplier(store SettingStore) Applier {
	return func(ctx context.Context, ap models.Approval) error {
		var change SettingChange
		if err := json.Unmarshal(ap.Payload, &change); err != nil {
			return fmt.Errorf("decode setting change: %w", err)
		}
		if change.Key == "" {
			return errors.New("setting change has no key")
		}
		return store.UpsertSetting(ctx, ap.OrgID, change.Key, change.NewValue)
	}
}
