// Package budget implements admission control for rate-limited operation
// classes. It is advisory: check and consume are two calls, and concurrent
// callers may jointly overshoot a limit by a small bounded margin, which this
// domain (publishing quota, not billing) tolerates.
package budget

import (
	"context"
	"time"

	"storefront-sync/internal/models"
)

// Store is the persistence surface the ledger requires.
type Store interface {
	GetBudget(ctx context.Context, orgID, budgetType string) (models.Budget, bool, error)
	AddBudgetConsumption(ctx context.Context, orgID, budgetType string, amount int64) error
	ResetDueBudgets(ctx context.Context, now time.Time) (int, error)
}

// Ledger performs budget checks and consumption tracking.
type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int64
	Percentage float64
	Budget     *models.Budget // nil when no budget is configured
}

// Check decides whether an operation of the given size is admissible.
// No configured budget means unlimited; a frozen budget denies everything
// regardless of what remains.
func (l *Ledger) Check(ctx context.Context, orgID, budgetType string, amount int64) (Decision, error) {
	b, found, err := l.store.GetBudget(ctx, orgID, budgetType)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return Decision{Allowed: true, Remaining: -1}, nil
	}

	d := Decision{
		Remaining: b.Remaining(),
		Budget:    &b,
	}
	if b.LimitAmount > 0 {
		d.Percentage = float64(b.ConsumedAmount) / float64(b.LimitAmount) * 100
	}
	if b.IsFrozen {
		return d, nil
	}
	d.Allowed = b.ConsumedAmount+amount <= b.LimitAmount
	return d, nil
}

// Consume records usage. It does not re-check the limit; callers are
// expected to check first.
func (l *Ledger) Consume(ctx context.Context, orgID, budgetType string, amount int64) error {
	return l.store.AddBudgetConsumption(ctx, orgID, budgetType, amount)
}

// SweepResets zeroes the consumption of budgets whose period rolled over.
func (l *Ledger) SweepResets(ctx context.Context) (int, error) {
	return l.store.ResetDueBudgets(ctx, time.Now().UTC())
}
