package store

import (
	"context"
	"fmt"

	"storefront-sync/internal/models"
)

// AppendAudit adds an audit row. Callers treat failures as best-effort and
// never roll back the primary operation over them.
func (s *Store) AppendAudit(ctx context.Context, e models.AuditEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (org_id, actor, action, entity_type, entity_id, detail, ts)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, e.OrgID, e.Actor, e.Action, e.EntityType, e.EntityID, e.Detail)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}
