// Package queue implements the durable job queue: at-least-once,
// single-claim work distribution coordinated entirely through the store.
package queue

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
	// ErrJobNotFound indicates the job id does not exist.
	ErrJobNotFound = errors.New("queue: job not found")
	// ErrInvalidTransition indicates the job is not in a state the
	// requested operation accepts.
	ErrInvalidTransition = errors.New("queue: invalid state transition")
)

// Store is the persistence surface the queue requires. The Postgres store
// satisfies it with atomic conditional updates; the in-memory store mirrors
// those semantics for tests.
type Store interface {
	InsertJob(ctx context.Context, job models.Job) (bool, error)
	FindJobByIdempotencyKey(ctx context.Context, orgID, key string) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, bool, error)
	ClaimJobs(ctx context.Context, orgID string, limit int, now time.Time) ([]models.Job, error)
	MarkJobRunning(ctx context.Context, id string, now time.Time) (bool, error)
	MarkJobCompleted(ctx context.Context, id string, result []byte, now time.Time) (bool, error)
	MarkJobFailed(ctx context.Context, id, errMsg string, now time.Time) (bool, error)
	RescheduleJob(ctx context.Context, id, errMsg string, runAt time.Time) (bool, error)
	ResetJobForRetry(ctx context.Context, id string, now time.Time) (bool, error)
	MarkJobCancelled(ctx context.Context, id string, now time.Time) (bool, error)
	ReclaimStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	CountPendingJobs(ctx context.Context, now time.Time) (int64, error)
}

// Queue provides the job lifecycle operations over a Store.
type Queue struct {
	store          Store
	maxAttempts    int
	backoffInitial time.Duration
	backoffMax     time.Duration
}

// Options tune queue defaults. Zero values fall back to 5 attempts and a
// 2s..5m backoff window.
type Options struct {
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

func New(store Store, opts Options) *Queue {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 5
	}
	if opts.BackoffInitial == 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax == 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	return &Queue{
		store:          store,
		maxAttempts:    opts.MaxAttempts,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
	}
}

// EnqueueParams collects inputs required to enqueue a job.
type EnqueueParams struct {
	OrgID          string
	IdempotencyKey string
	Type           string
	Payload        json.RawMessage
	Priority       int
	MaxAttempts    int
	RunAt          time.Time
}

// Enqueue inserts a job, honoring the (org_id, idempotency_key) boundary.
// When a job with the same key already exists the existing job is returned
// with idempotent=true; callers treat that as success, which is what makes
// retried HTTP calls enqueue exactly once.
func (q *Queue) Enqueue(ctx context.Context, p EnqueueParams) (models.Job, bool, error) {
	if p.OrgID == "" || p.IdempotencyKey == "" || p.Type == "" {
		return models.Job{}, false, errors.New("queue: org_id, idempotency_key and job_type are required")
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = q.maxAttempts
	}
	if len(p.Payload) == 0 {
		p.Payload = json.RawMessage(`{}`)
	}
	now := time.Now().UTC()
	runAt := p.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	job := models.Job{
		ID:             uuid.New().String(),
		OrgID:          p.OrgID,
		IdempotencyKey: p.IdempotencyKey,
		Type:           p.Type,
		Payload:        p.Payload,
		Priority:       p.Priority,
		Status:         models.StatusPending,
		MaxAttempts:    p.MaxAttempts,
		ScheduledAt:    runAt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := q.store.InsertJob(ctx, job)
	if err != nil {
		return models.Job{}, false, err
	}
	if created {
		return job, false, nil
	}

	// Someone else holds the key; the existing job is authoritative.
	existing, found, err := q.store.FindJobByIdempotencyKey(ctx, p.OrgID, p.IdempotencyKey)
	if err != nil {
		return models.Job{}, false, err
	}
	if !found {
		return models.Job{}, false, errors.New("queue: idempotency conflict but no existing job found")
	}
	return existing, true, nil
}

// Claim atomically claims up to limit runnable jobs for an org ("" = any).
// Each returned job is held by exactly one caller.
func (q *Queue) Claim(ctx context.Context, orgID string, limit int) ([]models.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	return q.store.ClaimJobs(ctx, orgID, limit, time.Now().UTC())
}

// Get fetches a job by id.
func (q *Queue) Get(ctx context.Context, id string) (models.Job, error) {
	job, found, err := q.store.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	if !found {
		return models.Job{}, ErrJobNotFound
	}
	return job, nil
}

// Start marks a claimed job running.
func (q *Queue) Start(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(now time.Time) (bool, error) {
		return q.store.MarkJobRunning(ctx, id, now)
	})
}

// Complete transitions a running job to completed and stores its result.
func (q *Queue) Complete(ctx context.Context, id string, result json.RawMessage) error {
	return q.transition(ctx, id, func(now time.Time) (bool, error) {
		return q.store.MarkJobCompleted(ctx, id, result, now)
	})
}

// Fail records a failure for a running job. While attempts remain the job
// returns to pending with exponential backoff; at the attempt cap it goes
// terminal failed and only an operator retry can revive it.
func (q *Queue) Fail(ctx context.Context, id, errMsg string) error {
	job, found, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !found {
		return ErrJobNotFound
	}
	if job.Status != models.StatusRunning {
		return fmt.Errorf("%w: fail from %s", ErrInvalidTransition, job.Status)
	}

	now := time.Now().UTC()
	if job.Attempts < job.MaxAttempts {
		runAt := now.Add(backoffWithJitter(q.backoffInitial, q.backoffMax, job.Attempts))
		ok, err := q.store.RescheduleJob(ctx, id, errMsg, runAt)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: job changed state concurrently", ErrInvalidTransition)
		}
		return nil
	}

	ok, err := q.store.MarkJobFailed(ctx, id, errMsg, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: job changed state concurrently", ErrInvalidTransition)
	}
	return nil
}

// Retry is the operator override: a terminal failed job returns to pending
// with attempts reset.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(now time.Time) (bool, error) {
		return q.store.ResetJobForRetry(ctx, id, now)
	})
}

// Cancel forces a pending or claimed job to cancelled. Cancel racing a
// concurrent claim is settled by the conditional update; a job already
// running cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.transition(ctx, id, func(now time.Time) (bool, error) {
		return q.store.MarkJobCancelled(ctx, id, now)
	})
}

// ReclaimExpired returns jobs whose claim lease is older than the given
// window to pending, so work abandoned by a dead worker runs again.
func (q *Queue) ReclaimExpired(ctx context.Context, lease time.Duration, limit int) ([]string, error) {
	return q.store.ReclaimStaleJobs(ctx, time.Now().UTC().Add(-lease), limit)
}

// PendingDepth returns how many jobs are ready to claim right now.
func (q *Queue) PendingDepth(ctx context.Context) (int64, error) {
	return q.store.CountPendingJobs(ctx, time.Now().UTC())
}

func (q *Queue) transition(ctx context.Context, id string, apply func(time.Time) (bool, error)) error {
	ok, err := apply(time.Now().UTC())
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, found, err := q.store.GetJob(ctx, id); err != nil {
		return err
	} else if !found {
		return ErrJobNotFound
	}
	return ErrInvalidTransition
}
