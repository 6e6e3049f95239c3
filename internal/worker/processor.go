package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"storefront-sync/internal/budget"
	"storefront-sync/internal/config"
	"storefront-sync/internal/models"
	"storefront-sync/internal/queue"
	"storefront-sync/internal/telemetry"
)

// Handler executes a job and returns an optional result document.
type Handler func(ctx context.Context, job models.Job) (json.RawMessage, error)

// Processor drives the worker execution loop: claim, start, dispatch,
// complete or fail. It also runs the maintenance sweeps (stale claim leases,
// periodic budget resets).
type Processor struct {
	cfg      config.Config
	queue    *queue.Queue
	ledger   *budget.Ledger
	log      *slog.Logger
	workerID string

	handlers        map[string]Handler
	prefixHandlers  []prefixHandler
	lastBudgetSweep time.Time
}

type prefixHandler struct {
	prefix  string
	handler Handler
}

func NewProcessor(cfg config.Config, q *queue.Queue, ledger *budget.Ledger, workerID string, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		cfg:      cfg,
		queue:    q,
		ledger:   ledger,
		log:      log,
		workerID: workerID,
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to an exact job type.
func (p *Processor) Register(jobType string, handler Handler) {
	if jobType == "" || handler == nil {
		return
	}
	p.handlers[jobType] = handler
}

// RegisterPrefix binds a handler to every job type sharing a prefix, e.g.
// "publish_to_" or "webhook_". Exact registrations win over prefixes.
func (p *Processor) RegisterPrefix(prefix string, handler Handler) {
	if prefix == "" || handler == nil {
		return
	}
	p.prefixHandlers = append(p.prefixHandlers, prefixHandler{prefix: prefix, handler: handler})
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		p.sweep(ctx)

		jobs, err := p.queue.Claim(ctx, "", p.cfg.ClaimBatchSize)
		if err != nil {
			p.log.Error("claim failed", "err", err)
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		if len(jobs) == 0 {
			sleepCtx(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		telemetry.JobsClaimed.Add(float64(len(jobs)))

		for _, job := range jobs {
			p.runOne(ctx, job)
		}
	}
}

func (p *Processor) runOne(ctx context.Context, job models.Job) {
	if err := p.queue.Start(ctx, job.ID); err != nil {
		// Lost the job between claim and start (operator cancel); move on.
		p.log.Warn("start skipped", "job_id", job.ID, "err", err)
		return
	}

	result, err := p.dispatch(ctx, job)
	if err == nil {
		if err := p.queue.Complete(ctx, job.ID, result); err != nil {
			p.log.Error("complete failed", "job_id", job.ID, "err", err)
			return
		}
		telemetry.JobsCompleted.Inc()
		p.log.Info("job completed", "job_id", job.ID, "job_type", job.Type, "worker", p.workerID)
		return
	}

	if failErr := p.queue.Fail(ctx, job.ID, err.Error()); failErr != nil {
		p.log.Error("fail report failed", "job_id", job.ID, "err", failErr)
		return
	}
	if job.Attempts >= job.MaxAttempts {
		telemetry.JobsFailed.Inc()
		p.log.Error("job failed terminally", "job_id", job.ID, "job_type", job.Type, "attempts", job.Attempts, "err", err)
	} else {
		telemetry.JobsRetried.Inc()
		p.log.Warn("job retry scheduled", "job_id", job.ID, "job_type", job.Type, "attempts", job.Attempts, "err", err)
	}
}

func (p *Processor) dispatch(ctx context.Context, job models.Job) (json.RawMessage, error) {
	if handler, ok := p.handlers[job.Type]; ok {
		return handler(ctx, job)
	}
	for _, ph := range p.prefixHandlers {
		if strings.HasPrefix(job.Type, ph.prefix) {
			return ph.handler(ctx, job)
		}
	}
	return nil, fmt.Errorf("no handler registered for type %q", job.Type)
}

// sweep reclaims stale claim leases and performs due budget resets.
func (p *Processor) sweep(ctx context.Context) {
	if reclaimed, err := p.queue.ReclaimExpired(ctx, p.cfg.LeaseTimeout, 100); err != nil {
		p.log.Error("lease sweep failed", "err", err)
	} else if len(reclaimed) > 0 {
		telemetry.JobsReclaimed.Add(float64(len(reclaimed)))
		p.log.Warn("reclaimed stale claims", "count", len(reclaimed))
	}

	if time.Since(p.lastBudgetSweep) >= p.cfg.BudgetSweepEvery {
		p.lastBudgetSweep = time.Now()
		if n, err := p.ledger.SweepResets(ctx); err != nil {
			p.log.Error("budget sweep failed", "err", err)
		} else if n > 0 {
			p.log.Info("budgets reset", "count", n)
		}
	}

	if depth, err := p.queue.PendingDepth(ctx); err == nil {
		telemetry.QueueDepthGauge.Set(float64(depth))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
