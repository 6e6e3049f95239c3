package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"storefront-sync/internal/models"
)

// GetContract looks up the declared support level for a plugin capability.
func (s *Store) GetContract(ctx context.Context, pluginID, capability string) (models.PluginContract, bool, error) {
	var c models.PluginContract
	err := s.pool.QueryRow(ctx, `
		SELECT plugin_id, capability, level, constraints, description
		FROM plugin_contracts WHERE plugin_id = $1 AND capability = $2
	`, pluginID, capability).Scan(&c.PluginID, &c.Capability, &c.Level, &c.Constraints, &c.Description)
	if err == pgx.ErrNoRows {
		return models.PluginContract{}, false, nil
	}
	if err != nil {
		return models.PluginContract{}, false, fmt.Errorf("get contract: %w", err)
	}
	return c, true, nil
}

// GetStores resolves store ids to store rows within an org. Unknown ids are
// simply absent from the result.
func (s *Store) GetStores(ctx context.Context, orgID string, storeIDs []string) ([]models.Store, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, org_id, platform, name FROM stores
		WHERE org_id = $1 AND id = ANY($2)
	`, orgID, storeIDs)
	if err != nil {
		return nil, fmt.Errorf("get stores: %w", err)
	}
	defer rows.Close()

	var out []models.Store
	for rows.Next() {
		var st models.Store
		if err := rows.Scan(&st.ID, &st.OrgID, &st.Platform, &st.Name); err != nil {
			return nil, fmt.Errorf("scan store: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// UpsertSetting writes an org setting value. Used by the approval applier
// for entity_type "setting".
func (s *Store) UpsertSetting(ctx context.Context, orgID, key string, value []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO org_settings (org_id, key, value, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (org_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()
	`, orgID, key, value)
	if err != nil {
		return fmt.Errorf("upsert setting: %w", err)
	}
	return nil
}
