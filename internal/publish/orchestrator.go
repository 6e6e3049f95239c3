// Package publish orchestrates publish requests: it decides whether a
// requested batch proceeds immediately, waits for approval, or is rejected.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"storefront-sync/internal/approval"
	"storefront-sync/internal/budget"
	"storefront-sync/internal/capability"
	"storefront-sync/internal/models"
	"storefront-sync/internal/queue"
)

const (
	// BudgetType is the ledger class publish operations draw from.
	BudgetType = "publish_operations"
	// Capability consulted for routing each platform.
	Capability = "publish_product"
	// RoleOperator is the minimum role allowed to request a publish.
	RoleOperator = "operator"
	// EntityTypeBatch tags approvals created for gated batches.
	EntityTypeBatch = "publish_batch"
	// DefaultBulkThreshold: batches above this many products always need
	// approval, whatever the platforms support.
	DefaultBulkThreshold = 10
)

var (
	// ErrAccessDenied indicates the requester lacks the operator role.
	ErrAccessDenied = errors.New("publish: access denied")
	// ErrNoStores indicates none of the requested store ids resolved.
	ErrNoStores = errors.New("publish: no matching stores")
)

// BudgetExceededError carries the admission context so callers can inform
// the user what remains.
type BudgetExceededError struct {
	Decision budget.Decision
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("publish: budget exceeded (remaining=%d)", e.Decision.Remaining)
}

// AccessChecker is the role-check collaborator; auth itself is out of scope.
type AccessChecker interface {
	HasOrgAccess(ctx context.Context, userID, orgID, role string) (bool, error)
}

// Store is the persistence surface the orchestrator requires.
type Store interface {
	GetStores(ctx context.Context, orgID string, storeIDs []string) ([]models.Store, error)
	AppendAudit(ctx context.Context, e models.AuditEntry) error
}

// Orchestrator wires the budget ledger, capability resolver, approval gate,
// and job queue into the publish decision flow.
type Orchestrator struct {
	store         Store
	access        AccessChecker
	ledger        *budget.Ledger
	caps          *capability.Resolver
	gate          *approval.Gate
	queue         *queue.Queue
	bulkThreshold int
	approvalTTL   time.Duration
}

func NewOrchestrator(store Store, access AccessChecker, ledger *budget.Ledger, caps *capability.Resolver, gate *approval.Gate, q *queue.Queue) *Orchestrator {
	o := &Orchestrator{
		store:         store,
		access:        access,
		ledger:        ledger,
		caps:          caps,
		gate:          gate,
		queue:         q,
		bulkThreshold: DefaultBulkThreshold,
		approvalTTL:   72 * time.Hour,
	}
	gate.RegisterApplier(EntityTypeBatch, o.applyApprovedBatch)
	return o
}

// SetBulkThreshold overrides the batch size above which approval is forced.
func (o *Orchestrator) SetBulkThreshold(n int) {
	if n > 0 {
		o.bulkThreshold = n
	}
}

// PlatformCheck reports the routing outcome for one platform in the batch.
type PlatformCheck struct {
	Platform         string `json:"platform"`
	Level            string `json:"level"`
	RequiresApproval bool   `json:"requires_approval"`
	Reason           string `json:"reason,omitempty"`
}

// Request describes a user-initiated publish operation.
type Request struct {
	OrgID      string
	ProductIDs []string
	StoreIDs   []string
	Action     string
	Requester  string
}

// Result statuses.
const (
	StatusProcessing      = "processing"
	StatusPendingApproval = "pending_approval"
)

// Result is the orchestration outcome.
type Result struct {
	Status         string          `json:"status"`
	JobsCreated    int             `json:"jobs_created,omitempty"`
	ApprovalID     string          `json:"approval_id,omitempty"`
	Message        string          `json:"message"`
	PlatformChecks []PlatformCheck `json:"platform_checks"`
}

// JobPayload is the payload carried by every publish job.
type JobPayload struct {
	ProductID string `json:"product_id"`
	StoreID   string `json:"store_id"`
	Platform  string `json:"platform"`
	Action    string `json:"action"`
}

// batchPayload is stored on a publish_batch approval; it carries everything
// needed to enqueue the batch once approved.
type batchPayload struct {
	ProductIDs []string        `json:"product_ids"`
	StoreIDs   []string        `json:"store_ids"`
	Action     string          `json:"action"`
	Checks     []PlatformCheck `json:"platform_checks"`
}

// RequestPublish runs the full decision flow for a publish request.
func (o *Orchestrator) RequestPublish(ctx context.Context, req Request) (Result, error) {
	if req.Action == "" {
		req.Action = "publish"
	}

	allowed, err := o.access.HasOrgAccess(ctx, req.Requester, req.OrgID, RoleOperator)
	if err != nil {
		return Result{}, fmt.Errorf("check org access: %w", err)
	}
	if !allowed {
		return Result{}, ErrAccessDenied
	}

	stores, err := o.store.GetStores(ctx, req.OrgID, req.StoreIDs)
	if err != nil {
		return Result{}, err
	}
	if len(stores) == 0 {
		return Result{}, ErrNoStores
	}

	// A single admission unit per request; the real job count is consumed
	// after fan-out.
	decision, err := o.ledger.Check(ctx, req.OrgID, BudgetType, 1)
	if err != nil {
		return Result{}, err
	}
	if !decision.Allowed {
		return Result{}, &BudgetExceededError{Decision: decision}
	}

	checks, err := o.checkPlatforms(ctx, stores)
	if err != nil {
		return Result{}, err
	}

	requiresApproval := len(req.ProductIDs) > o.bulkThreshold
	for _, c := range checks {
		if c.RequiresApproval {
			requiresApproval = true
		}
	}

	if requiresApproval {
		payload, err := json.Marshal(batchPayload{
			ProductIDs: req.ProductIDs,
			StoreIDs:   req.StoreIDs,
			Action:     req.Action,
			Checks:     checks,
		})
		if err != nil {
			return Result{}, fmt.Errorf("marshal batch payload: %w", err)
		}
		ap, err := o.gate.Request(ctx, approval.RequestParams{
			OrgID:       req.OrgID,
			EntityType:  EntityTypeBatch,
			EntityID:    fmt.Sprintf("%d products, %d stores", len(req.ProductIDs), len(stores)),
			Action:      req.Action,
			Payload:     payload,
			RequestedBy: req.Requester,
			TTL:         o.approvalTTL,
		})
		if err != nil {
			return Result{}, fmt.Errorf("request approval: %w", err)
		}
		return Result{
			Status:         StatusPendingApproval,
			ApprovalID:     ap.ID,
			Message:        "publish batch requires approval",
			PlatformChecks: checks,
		}, nil
	}

	created, err := o.enqueueBatch(ctx, req.OrgID, req.Requester, req.ProductIDs, stores, checks, req.Action)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Status:         StatusProcessing,
		JobsCreated:    created,
		Message:        fmt.Sprintf("%d publish jobs created", created),
		PlatformChecks: checks,
	}, nil
}

// checkPlatforms resolves publish support for each distinct platform among
// the selected stores.
func (o *Orchestrator) checkPlatforms(ctx context.Context, stores []models.Store) ([]PlatformCheck, error) {
	seen := make(map[string]bool)
	var checks []PlatformCheck
	for _, st := range stores {
		if seen[st.Platform] {
			continue
		}
		seen[st.Platform] = true

		support, err := o.caps.Resolve(ctx, st.Platform, Capability)
		if err != nil {
			return nil, fmt.Errorf("resolve %s capability: %w", st.Platform, err)
		}
		check := PlatformCheck{Platform: st.Platform, Level: support.Level}
		switch support.Level {
		case models.LevelUnsupported:
			check.Reason = "not supported, manual upload required"
		case models.LevelWorkaround:
			check.RequiresApproval = true
			check.Reason = support.Description + ", manual verification required"
		}
		checks = append(checks, check)
	}
	return checks, nil
}

// enqueueBatch fans the batch out into one job per (product, store) pair,
// skipping unsupported platforms entirely, then consumes budget for the jobs
// actually created. Idempotency keys are stable per pair, so a retried
// identical request dedupes instead of double-publishing.
func (o *Orchestrator) enqueueBatch(ctx context.Context, orgID, requester string, productIDs []string, stores []models.Store, checks []PlatformCheck, action string) (int, error) {
	unsupported := make(map[string]bool)
	for _, c := range checks {
		if c.Level == models.LevelUnsupported {
			unsupported[c.Platform] = true
		}
	}

	created := 0
	for _, st := range stores {
		if unsupported[st.Platform] {
			continue
		}
		for _, productID := range productIDs {
			payload, err := json.Marshal(JobPayload{
				ProductID: productID,
				StoreID:   st.ID,
				Platform:  st.Platform,
				Action:    action,
			})
			if err != nil {
				return created, fmt.Errorf("marshal publish payload: %w", err)
			}
			_, idempotent, err := o.queue.Enqueue(ctx, queue.EnqueueParams{
				OrgID:          orgID,
				IdempotencyKey: fmt.Sprintf("publish_%s_%s_%s", productID, st.ID, action),
				Type:           "publish_to_" + st.Platform,
				Payload:        payload,
			})
			if err != nil {
				return created, fmt.Errorf("enqueue publish job: %w", err)
			}
			if !idempotent {
				created++
			}
		}
	}

	if created > 0 {
		if err := o.ledger.Consume(ctx, orgID, BudgetType, int64(created)); err != nil {
			return created, fmt.Errorf("consume budget: %w", err)
		}
	}
	_ = o.store.AppendAudit(ctx, models.AuditEntry{
		OrgID:      orgID,
		Actor:      requester,
		Action:     "publish_requested",
		EntityType: "publish_batch",
		Detail:     fmt.Sprintf("action=%s products=%d stores=%d jobs=%d", action, len(productIDs), len(stores), created),
	})
	return created, nil
}

// applyApprovedBatch is the approval applier for publish_batch: once a human
// approves, the stored batch is enqueued through the same fan-out path.
// Capability levels are re-resolved at application time; stable idempotency
// keys make replay safe.
func (o *Orchestrator) applyApprovedBatch(ctx context.Context, ap models.Approval) error {
	var batch batchPayload
	if err := json.Unmarshal(ap.Payload, &batch); err != nil {
		return fmt.Errorf("decode batch payload: %w", err)
	}

	stores, err := o.store.GetStores(ctx, ap.OrgID, batch.StoreIDs)
	if err != nil {
		return err
	}
	if len(stores) == 0 {
		return ErrNoStores
	}
	checks, err := o.checkPlatforms(ctx, stores)
	if err != nil {
		return err
	}

	decider := ""
	if ap.DecidedBy != nil {
		decider = *ap.DecidedBy
	}
	_, err = o.enqueueBatch(ctx, ap.OrgID, decider, batch.ProductIDs, stores, checks, batch.Action)
	return err
}
