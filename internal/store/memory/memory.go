// Package memory provides an in-memory implementation of the component store
// interfaces. It mirrors the conditional-update semantics of the Postgres
// store under a single mutex and backs the unit tests; it is not durable.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"storefront-sync/internal/models"
)

type Store struct {
	mu sync.Mutex

	jobs      map[string]*models.Job
	jobByKey  map[string]string // org + "\x00" + idempotency key -> job id
	events    map[string]*models.WebhookEvent
	eventByID map[string]string // org + "\x00" + event id -> row id
	budgets   map[string]*models.Budget
	approvals map[string]*models.Approval
	contracts map[string]models.PluginContract
	secrets   map[string]string
	stores    map[string]models.Store
	settings  map[string][]byte
	audits    []models.AuditEntry
}

func New() *Store {
	return &Store{
		jobs:      make(map[string]*models.Job),
		jobByKey:  make(map[string]string),
		events:    make(map[string]*models.WebhookEvent),
		eventByID: make(map[string]string),
		budgets:   make(map[string]*models.Budget),
		approvals: make(map[string]*models.Approval),
		contracts: make(map[string]models.PluginContract),
		secrets:   make(map[string]string),
		stores:    make(map[string]models.Store),
		settings:  make(map[string][]byte),
	}
}

func pairKey(a, b string) string { return a + "\x00" + b }

// ---- jobs ----

func (s *Store) InsertJob(_ context.Context, job models.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(job.OrgID, job.IdempotencyKey)
	if _, exists := s.jobByKey[key]; exists {
		return false, nil
	}
	j := job
	s.jobs[j.ID] = &j
	s.jobByKey[key] = j.ID
	return true, nil
}

// PutJob seeds a job row in an arbitrary state, bypassing lifecycle rules.
func (s *Store) PutJob(j models.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := j
	s.jobs[v.ID] = &v
	s.jobByKey[pairKey(v.OrgID, v.IdempotencyKey)] = v.ID
}

func (s *Store) FindJobByIdempotencyKey(_ context.Context, orgID, key string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.jobByKey[pairKey(orgID, key)]
	if !ok {
		return models.Job{}, false, nil
	}
	return *s.jobs[id], true, nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, false, nil
	}
	return *j, true, nil
}

func (s *Store) ClaimJobs(_ context.Context, orgID string, limit int, now time.Time) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var runnable []*models.Job
	for _, j := range s.jobs {
		if j.Status != models.StatusPending || j.ScheduledAt.After(now) {
			continue
		}
		if orgID != "" && j.OrgID != orgID {
			continue
		}
		runnable = append(runnable, j)
	}
	sort.Slice(runnable, func(a, b int) bool {
		ja, jb := runnable[a], runnable[b]
		if ja.Priority != jb.Priority {
			return ja.Priority < jb.Priority
		}
		if !ja.ScheduledAt.Equal(jb.ScheduledAt) {
			return ja.ScheduledAt.Before(jb.ScheduledAt)
		}
		return ja.CreatedAt.Before(jb.CreatedAt)
	})
	if len(runnable) > limit {
		runnable = runnable[:limit]
	}

	out := make([]models.Job, 0, len(runnable))
	for _, j := range runnable {
		t := now
		j.Status = models.StatusClaimed
		j.ClaimedAt = &t
		j.Attempts++
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *Store) MarkJobRunning(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusClaimed {
		return false, nil
	}
	t := now
	j.Status = models.StatusRunning
	j.StartedAt = &t
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) MarkJobCompleted(_ context.Context, id string, result []byte, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return false, nil
	}
	t := now
	j.Status = models.StatusCompleted
	j.Result = result
	j.CompletedAt = &t
	j.ErrorMessage = nil
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) MarkJobFailed(_ context.Context, id, errMsg string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return false, nil
	}
	t := now
	j.Status = models.StatusFailed
	j.ErrorMessage = &errMsg
	j.CompletedAt = &t
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) RescheduleJob(_ context.Context, id, errMsg string, runAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusRunning {
		return false, nil
	}
	j.Status = models.StatusPending
	j.ErrorMessage = &errMsg
	j.ScheduledAt = runAt
	j.ClaimedAt = nil
	j.StartedAt = nil
	return true, nil
}

func (s *Store) ResetJobForRetry(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != models.StatusFailed {
		return false, nil
	}
	j.Status = models.StatusPending
	j.Attempts = 0
	j.ErrorMessage = nil
	j.ClaimedAt = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ScheduledAt = now
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) MarkJobCancelled(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || (j.Status != models.StatusPending && j.Status != models.StatusClaimed) {
		return false, nil
	}
	t := now
	j.Status = models.StatusCancelled
	j.CompletedAt = &t
	j.UpdatedAt = now
	return true, nil
}

func (s *Store) ReclaimStaleJobs(_ context.Context, cutoff time.Time, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, j := range s.jobs {
		if len(ids) >= limit {
			break
		}
		if j.Status == models.StatusClaimed && j.ClaimedAt != nil && j.ClaimedAt.Before(cutoff) {
			j.Status = models.StatusPending
			j.ClaimedAt = nil
			ids = append(ids, j.ID)
		}
	}
	return ids, nil
}

func (s *Store) CountPendingJobs(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if j.Status == models.StatusPending && !j.ScheduledAt.After(now) {
			n++
		}
	}
	return n, nil
}

// ---- webhook events ----

func (s *Store) InsertWebhookEvent(_ context.Context, ev models.WebhookEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pairKey(ev.OrgID, ev.EventID)
	if _, exists := s.eventByID[key]; exists {
		return false, nil
	}
	e := ev
	s.events[e.ID] = &e
	s.eventByID[key] = e.ID
	return true, nil
}

func (s *Store) FindWebhookEvent(_ context.Context, orgID, eventID string) (models.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.eventByID[pairKey(orgID, eventID)]
	if !ok {
		return models.WebhookEvent{}, false, nil
	}
	return *s.events[id], true, nil
}

func (s *Store) GetWebhookEvent(_ context.Context, id string) (models.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return models.WebhookEvent{}, false, nil
	}
	return *ev, true, nil
}

func (s *Store) MarkWebhookProcessed(_ context.Context, id string, errMsg *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev, ok := s.events[id]; ok {
		t := now
		ev.IsProcessed = true
		ev.ProcessedAt = &t
		ev.ErrorMessage = errMsg
	}
	return nil
}

func (s *Store) WebhookSecret(_ context.Context, orgID, pluginID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.secrets[pairKey(orgID, pluginID)], nil
}

// SetWebhookSecret seeds a webhook secret for tests and local development.
func (s *Store) SetWebhookSecret(orgID, pluginID, secret string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[pairKey(orgID, pluginID)] = secret
}

// ---- budgets ----

func (s *Store) GetBudget(_ context.Context, orgID, budgetType string) (models.Budget, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.budgets[pairKey(orgID, budgetType)]
	if !ok {
		return models.Budget{}, false, nil
	}
	return *b, true, nil
}

func (s *Store) AddBudgetConsumption(_ context.Context, orgID, budgetType string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.budgets[pairKey(orgID, budgetType)]; ok {
		b.ConsumedAmount += amount
	}
	return nil
}

func (s *Store) ResetDueBudgets(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	for _, b := range s.budgets {
		if b.ResetAt.After(now) {
			continue
		}
		b.ConsumedAmount = 0
		switch b.Period {
		case "daily":
			b.ResetAt = b.ResetAt.AddDate(0, 0, 1)
		case "weekly":
			b.ResetAt = b.ResetAt.AddDate(0, 0, 7)
		default:
			b.ResetAt = b.ResetAt.AddDate(0, 1, 0)
		}
		n++
	}
	return n, nil
}

// PutBudget seeds a budget row.
func (s *Store) PutBudget(b models.Budget) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := b
	s.budgets[pairKey(b.OrgID, b.BudgetType)] = &v
}

// ---- approvals ----

func (s *Store) InsertApproval(_ context.Context, ap models.Approval) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a := ap
	s.approvals[a.ID] = &a
	return nil
}

func (s *Store) DecideApproval(_ context.Context, id, status, note, decidedBy string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.approvals[id]
	if !ok || ap.Status != models.ApprovalPending {
		return false, nil
	}
	t := now
	ap.Status = status
	ap.DecisionNote = &note
	ap.DecidedBy = &decidedBy
	ap.DecidedAt = &t
	return true, nil
}

func (s *Store) GetApproval(_ context.Context, id string) (models.Approval, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ap, ok := s.approvals[id]
	if !ok {
		return models.Approval{}, false, nil
	}
	return *ap, true, nil
}

func (s *Store) ListApprovals(_ context.Context, orgID, status string, limit int) ([]models.Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Approval
	for _, ap := range s.approvals {
		if ap.OrgID != orgID {
			continue
		}
		if status != "" && ap.Status != status {
			continue
		}
		out = append(out, *ap)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- contracts, stores, settings ----

func (s *Store) GetContract(_ context.Context, pluginID, capability string) (models.PluginContract, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contracts[pairKey(pluginID, capability)]
	return c, ok, nil
}

// PutContract seeds a plugin contract.
func (s *Store) PutContract(c models.PluginContract) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contracts[pairKey(c.PluginID, c.Capability)] = c
}

func (s *Store) GetStores(_ context.Context, orgID string, storeIDs []string) ([]models.Store, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Store
	for _, id := range storeIDs {
		if st, ok := s.stores[id]; ok && st.OrgID == orgID {
			out = append(out, st)
		}
	}
	return out, nil
}

// PutStore seeds a storefront row.
func (s *Store) PutStore(st models.Store) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stores[st.ID] = st
}

func (s *Store) UpsertSetting(_ context.Context, orgID, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[pairKey(orgID, key)] = append([]byte(nil), value...)
	return nil
}

// Setting reads back a stored org setting, for assertions.
func (s *Store) Setting(orgID, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[pairKey(orgID, key)]
	return v, ok
}

// ---- audit ----

func (s *Store) AppendAudit(_ context.Context, e models.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Recorded = time.Now()
	s.audits = append(s.audits, e)
	return nil
}

// Audits returns a copy of the audit log, for assertions.
func (s *Store) Audits() []models.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.AuditEntry(nil), s.audits...)
}
