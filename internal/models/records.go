package models

import (
	"encoding/json"
	"time"
)

// WebhookEvent records a single inbound platform notification. The
// (org_id, event_id) pair is the idempotency boundary: at most one row ever
// exists for it, enforced by a uniqueness constraint.
type WebhookEvent struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	EventID      string          `json:"event_id"`
	PluginID     string          `json:"plugin_id"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload"`
	Signature    string          `json:"signature,omitempty"`
	IsVerified   bool            `json:"is_verified"`
	IsProcessed  bool            `json:"is_processed"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	ReceivedAt   time.Time       `json:"received_at"`
	ProcessedAt  *time.Time      `json:"processed_at,omitempty"`
}

// Budget is a consumable per-org, per-type quota. Admission control is
// advisory: concurrent check/consume callers may overshoot the limit by a
// bounded margin, which this domain tolerates.
type Budget struct {
	OrgID          string    `json:"org_id"`
	BudgetType     string    `json:"budget_type"`
	LimitAmount    int64     `json:"limit_amount"`
	ConsumedAmount int64     `json:"consumed_amount"`
	Period         string    `json:"period"`
	ResetAt        time.Time `json:"reset_at"`
	IsFrozen       bool      `json:"is_frozen"`
}

// Remaining returns the unconsumed portion of the budget, floored at zero.
func (b Budget) Remaining() int64 {
	if r := b.LimitAmount - b.ConsumedAmount; r > 0 {
		return r
	}
	return 0
}

// ApprovalStatus values. A pending approval is decided exactly once and the
// decision never reverses.
const (
	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Approval is a pending human decision gating a privileged action. The
// payload carries enough information for the registered applier to perform
// the gated mutation once approved.
type Approval struct {
	ID           string          `json:"id"`
	OrgID        string          `json:"org_id"`
	EntityType   string          `json:"entity_type"`
	EntityID     string          `json:"entity_id"`
	Action       string          `json:"action"`
	Status       string          `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	RequestedBy  string          `json:"requested_by"`
	DecidedBy    *string         `json:"decided_by,omitempty"`
	DecisionNote *string         `json:"decision_note,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	DecidedAt    *time.Time      `json:"decided_at,omitempty"`
}

// Capability support levels declared by plugin contracts.
const (
	LevelNative      = "native"
	LevelWorkaround  = "workaround"
	LevelUnsupported = "unsupported"
)

// PluginContract declares how well a platform plugin supports a capability.
type PluginContract struct {
	PluginID    string          `json:"plugin_id"`
	Capability  string          `json:"capability"`
	Level       string          `json:"level"`
	Constraints json.RawMessage `json:"constraints,omitempty"`
	Description string          `json:"description"`
}

// Store is a connected storefront belonging to an organization.
type Store struct {
	ID       string `json:"id"`
	OrgID    string `json:"org_id"`
	Platform string `json:"platform"`
	Name     string `json:"name"`
}
