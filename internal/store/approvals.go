package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"storefront-sync/internal/models"
)

const approvalColumns = `id, org_id, entity_type, entity_id, action, status, payload,
	requested_by, decided_by, decision_note, expires_at, created_at, decided_at`

// InsertApproval creates a new pending approval row. Repeated requests for
// the same entity intentionally create independent records.
func (s *Store) InsertApproval(ctx context.Context, ap models.Approval) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO approvals (id, org_id, entity_type, entity_id, action, status, payload,
			requested_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ap.ID, ap.OrgID, ap.EntityType, ap.EntityID, ap.Action, ap.Status, ap.Payload,
		ap.RequestedBy, ap.ExpiresAt, ap.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	return nil
}

// DecideApproval records the decision iff the approval is still pending.
// The WHERE guard means two concurrent decisions cannot both succeed.
func (s *Store) DecideApproval(ctx context.Context, id, status, note, decidedBy string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE approvals SET status = $2, decision_note = $3, decided_by = $4, decided_at = $5
		WHERE id = $1 AND status = $6
	`, id, status, note, decidedBy, now, models.ApprovalPending)
	if err != nil {
		return false, fmt.Errorf("decide approval: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// GetApproval fetches an approval by id.
func (s *Store) GetApproval(ctx context.Context, id string) (models.Approval, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approvals WHERE id = $1
	`, id)
	ap, err := scanApproval(row)
	if err == pgx.ErrNoRows {
		return models.Approval{}, false, nil
	}
	if err != nil {
		return models.Approval{}, false, fmt.Errorf("get approval: %w", err)
	}
	return ap, true, nil
}

// ListApprovals returns approvals for an org, optionally filtered by status,
// newest first.
func (s *Store) ListApprovals(ctx context.Context, orgID, status string, limit int) ([]models.Approval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE org_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3
	`, orgID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []models.Approval
	for rows.Next() {
		ap, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, ap)
	}
	return out, rows.Err()
}

func scanApproval(row pgx.Row) (models.Approval, error) {
	var ap models.Approval
	var decidedBy, note pgtype.Text
	var expiresAt, decidedAt pgtype.Timestamptz

	err := row.Scan(&ap.ID, &ap.OrgID, &ap.EntityType, &ap.EntityID, &ap.Action, &ap.Status,
		&ap.Payload, &ap.RequestedBy, &decidedBy, &note, &expiresAt, &ap.CreatedAt, &decidedAt)
	if err != nil {
		return models.Approval{}, err
	}
	ap.DecidedBy = textPtr(decidedBy)
	ap.DecisionNote = textPtr(note)
	ap.ExpiresAt = timePtr(expiresAt)
	ap.DecidedAt = timePtr(decidedAt)
	return ap, nil
}
