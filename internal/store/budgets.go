package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"storefront-sync/internal/models"
)

// GetBudget returns the budget row for an org and type.
func (s *Store) GetBudget(ctx context.Context, orgID, budgetType string) (models.Budget, bool, error) {
	var b models.Budget
	err := s.pool.QueryRow(ctx, `
		SELECT org_id, budget_type, limit_amount, consumed_amount, period, reset_at, is_frozen
		FROM budgets WHERE org_id = $1 AND budget_type = $2
	`, orgID, budgetType).Scan(&b.OrgID, &b.BudgetType, &b.LimitAmount, &b.ConsumedAmount,
		&b.Period, &b.ResetAt, &b.IsFrozen)
	if err == pgx.ErrNoRows {
		return models.Budget{}, false, nil
	}
	if err != nil {
		return models.Budget{}, false, fmt.Errorf("get budget: %w", err)
	}
	return b, true, nil
}

// AddBudgetConsumption increments consumed_amount. It never re-checks the
// limit; admission is the caller's check-then-consume responsibility.
func (s *Store) AddBudgetConsumption(ctx context.Context, orgID, budgetType string, amount int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE budgets SET consumed_amount = consumed_amount + $3
		WHERE org_id = $1 AND budget_type = $2
	`, orgID, budgetType, amount)
	if err != nil {
		return fmt.Errorf("add budget consumption: %w", err)
	}
	return nil
}

// ResetDueBudgets zeroes consumption for budgets whose reset time has
// passed, advancing reset_at by one period. Returns how many were reset.
func (s *Store) ResetDueBudgets(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE budgets
		SET consumed_amount = 0,
		    reset_at = reset_at + CASE period
				WHEN 'daily' THEN INTERVAL '1 day'
				WHEN 'weekly' THEN INTERVAL '7 days'
				ELSE INTERVAL '1 month'
			END
		WHERE reset_at <= $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("reset due budgets: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
