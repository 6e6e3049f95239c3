package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"storefront-sync/internal/models"
)

const jobColumns = `id, org_id, idempotency_key, job_type, payload, priority, status,
	attempts, max_attempts, result, error_message,
	scheduled_at, claimed_at, started_at, completed_at, created_at, updated_at`

// InsertJob inserts a job row. It returns false without error when a job
// with the same (org_id, idempotency_key) already exists; the uniqueness
// constraint closes the race between two concurrent identical enqueues.
func (s *Store) InsertJob(ctx context.Context, job models.Job) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, org_id, idempotency_key, job_type, payload, priority, status,
			attempts, max_attempts, scheduled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
		ON CONFLICT (org_id, idempotency_key) DO NOTHING
	`, job.ID, job.OrgID, job.IdempotencyKey, job.Type, job.Payload, job.Priority,
		job.Status, job.Attempts, job.MaxAttempts, job.ScheduledAt, job.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FindJobByIdempotencyKey returns the job holding the key for the org.
func (s *Store) FindJobByIdempotencyKey(ctx context.Context, orgID, key string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE org_id = $1 AND idempotency_key = $2
	`, orgID, key)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("find job by idempotency key: %w", err)
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("get job: %w", err)
	}
	return job, true, nil
}

// ClaimJobs atomically claims up to limit runnable jobs. SKIP LOCKED keeps
// concurrent claimers from ever selecting the same row; each claimed job has
// claimed_at set and attempts incremented in the same statement. An empty
// orgID claims across all organizations.
func (s *Store) ClaimJobs(ctx context.Context, orgID string, limit int, now time.Time) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE jobs
			SET status = $4, claimed_at = $3, attempts = attempts + 1, updated_at = $3
			WHERE id IN (
				SELECT id FROM jobs
				WHERE status = $5
				  AND scheduled_at <= $3
				  AND ($1 = '' OR org_id = $1)
				ORDER BY priority ASC, scheduled_at ASC, created_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+jobColumns+`
		)
		SELECT * FROM claimed ORDER BY priority ASC, scheduled_at ASC, created_at ASC
	`, orgID, limit, now, models.StatusClaimed, models.StatusPending)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// MarkJobRunning transitions claimed -> running. Returns false when the job
// is not currently claimed.
func (s *Store) MarkJobRunning(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, started_at = $2, updated_at = $2
		WHERE id = $1 AND status = $4
	`, id, now, models.StatusRunning, models.StatusClaimed)
	if err != nil {
		return false, fmt.Errorf("mark job running: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkJobCompleted transitions running -> completed and stores the result.
func (s *Store) MarkJobCompleted(ctx context.Context, id string, result []byte, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $4, result = $3, completed_at = $2, updated_at = $2, error_message = NULL
		WHERE id = $1 AND status = $5
	`, id, now, result, models.StatusCompleted, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("mark job completed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkJobFailed transitions running -> failed (terminal).
func (s *Store) MarkJobFailed(ctx context.Context, id, errMsg string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $4, error_message = $3, completed_at = $2, updated_at = $2
		WHERE id = $1 AND status = $5
	`, id, now, errMsg, models.StatusFailed, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("mark job failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RescheduleJob returns a running job to pending for a later retry attempt.
func (s *Store) RescheduleJob(ctx context.Context, id, errMsg string, runAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $4, error_message = $3, scheduled_at = $2,
			claimed_at = NULL, started_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, runAt, errMsg, models.StatusPending, models.StatusRunning)
	if err != nil {
		return false, fmt.Errorf("reschedule job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ResetJobForRetry is the operator override: failed -> pending with a clean
// attempt counter.
func (s *Store) ResetJobForRetry(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, attempts = 0, error_message = NULL,
			claimed_at = NULL, started_at = NULL, completed_at = NULL,
			scheduled_at = $2, updated_at = $2
		WHERE id = $1 AND status = $4
	`, id, now, models.StatusPending, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("reset job for retry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// MarkJobCancelled cancels a job still in pending or claimed. A job already
// running lost the race and must finish or fail on its own.
func (s *Store) MarkJobCancelled(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $3, completed_at = $2, updated_at = $2
		WHERE id = $1 AND status IN ($4, $5)
	`, id, now, models.StatusCancelled, models.StatusPending, models.StatusClaimed)
	if err != nil {
		return false, fmt.Errorf("mark job cancelled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReclaimStaleJobs returns claimed jobs whose lease began before cutoff to
// pending. The attempt consumed by the dead claim stays counted.
func (s *Store) ReclaimStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE jobs SET status = $3, claimed_at = NULL, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = $4 AND claimed_at < $1
			FOR UPDATE SKIP LOCKED
			LIMIT $2
		)
		RETURNING id
	`, cutoff, limit, models.StatusPending, models.StatusClaimed)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale jobs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reclaimed id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountPendingJobs returns how many jobs are ready to claim.
func (s *Store) CountPendingJobs(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = $1 AND scheduled_at <= $2
	`, models.StatusPending, now).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var result []byte
	var errMsg pgtype.Text
	var claimedAt, startedAt, completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.OrgID, &job.IdempotencyKey, &job.Type, &job.Payload,
		&job.Priority, &job.Status, &job.Attempts, &job.MaxAttempts, &result, &errMsg,
		&job.ScheduledAt, &claimedAt, &startedAt, &completedAt, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.Job{}, err
	}
	job.Result = result
	job.ErrorMessage = textPtr(errMsg)
	job.ClaimedAt = timePtr(claimedAt)
	job.StartedAt = timePtr(startedAt)
	job.CompletedAt = timePtr(completedAt)
	return job, nil
}
