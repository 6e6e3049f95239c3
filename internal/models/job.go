package models

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates lifecycle states persisted in Postgres.
const (
	StatusPending   = "pending"
	StatusClaimed   = "claimed"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is a unit of deferred work. Priority is an integer where a lower
// value runs sooner; 0 is the default. A claim is a lease, not a permanent
// assignment: a claimed job whose lease goes stale is returned to pending
// by the worker sweep.
type Job struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"org_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	Type           string          `json:"job_type"`
	Payload        json.RawMessage `json:"payload"`
	Priority       int             `json:"priority"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ScheduledAt    time.Time       `json:"scheduled_at"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Terminal reports whether the job can no longer change state on its own.
func (j Job) Terminal() bool {
	switch j.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AuditEntry is an append-only audit row. Writes are best-effort: an audit
// failure never rolls back the operation that produced it.
type AuditEntry struct {
	OrgID      string    `json:"org_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	Recorded   time.Time `json:"recorded_at"`
}
