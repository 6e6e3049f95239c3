package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"storefront-sync/internal/approval"
	"storefront-sync/internal/budget"
	"storefront-sync/internal/publish"
	"storefront-sync/internal/queue"
	"storefront-sync/internal/ratelimit"
	"storefront-sync/internal/telemetry"
	"storefront-sync/internal/webhook"
)

const maxBodyBytes = 1 << 20

// Server wires the HTTP control surface over the pipeline components.
type Server struct {
	access       *StaticAccess
	ledger       *budget.Ledger
	orchestrator *publish.Orchestrator
	intake       *webhook.Intake
	gate         *approval.Gate
	queue        *queue.Queue
	limiter      *ratelimit.Limiter // optional
	log          *slog.Logger
}

func New(access *StaticAccess, ledger *budget.Ledger, orch *publish.Orchestrator, intake *webhook.Intake, gate *approval.Gate, q *queue.Queue, limiter *ratelimit.Limiter, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		access:       access,
		ledger:       ledger,
		orchestrator: orch,
		intake:       intake,
		gate:         gate,
		queue:        q,
		limiter:      limiter,
		log:          log,
	}
}

// Router builds the HTTP router. Webhook ingestion is the one route without
// bearer auth; trust there comes from the platform signature.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks-ingest", s.handleWebhookIngest)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/budgets-check", s.handleBudgetCheck)
		r.Post("/publish-request", s.handlePublishRequest)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/retry", s.handleJobRetry)
		r.Post("/jobs/{id}/cancel", s.handleJobCancel)
		r.Get("/approvals", s.handleListApprovals)
		r.Post("/approvals/{id}/decide", s.handleDecideApproval)
	})
	return r
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		ident, ok := s.access.Authenticate(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, ident)))
	})
}

type budgetCheckRequest struct {
	OrgID      string `json:"org_id"`
	BudgetType string `json:"budget_type"`
	Amount     int64  `json:"amount"`
}

type budgetView struct {
	Type       string  `json:"type"`
	Limit      int64   `json:"limit"`
	Consumed   int64   `json:"consumed"`
	Remaining  int64   `json:"remaining"`
	Percentage float64 `json:"percentage"`
	IsFrozen   bool    `json:"is_frozen"`
	ResetAt    string  `json:"reset_at"`
}

func (s *Server) handleBudgetCheck(w http.ResponseWriter, r *http.Request) {
	var req budgetCheckRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OrgID == "" || req.BudgetType == "" {
		writeError(w, http.StatusBadRequest, "org_id and budget_type are required")
		return
	}
	if req.Amount <= 0 {
		req.Amount = 1
	}

	decision, err := s.ledger.Check(r.Context(), req.OrgID, req.BudgetType, req.Amount)
	if err != nil {
		s.log.Error("budget check failed", "org_id", req.OrgID, "err", err)
		writeError(w, http.StatusInternalServerError, "budget check failed")
		return
	}

	resp := map[string]any{
		"allowed": decision.Allowed,
		"message": budgetMessage(decision),
		"budget":  nil,
	}
	if decision.Budget != nil {
		b := decision.Budget
		resp["budget"] = budgetView{
			Type:       b.BudgetType,
			Limit:      b.LimitAmount,
			Consumed:   b.ConsumedAmount,
			Remaining:  decision.Remaining,
			Percentage: decision.Percentage,
			IsFrozen:   b.IsFrozen,
			ResetAt:    b.ResetAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func budgetMessage(d budget.Decision) string {
	switch {
	case d.Budget == nil:
		return "no budget configured, unlimited"
	case d.Budget.IsFrozen:
		return "budget is frozen"
	case d.Allowed:
		return "within budget"
	default:
		return "budget limit reached"
	}
}

type publishRequest struct {
	OrgID      string   `json:"org_id"`
	ProductIDs []string `json:"product_ids"`
	StoreIDs   []string `json:"store_ids"`
	Action     string   `json:"action"`
}

func (s *Server) handlePublishRequest(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFrom(r)

	var req publishRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OrgID == "" || len(req.ProductIDs) == 0 || len(req.StoreIDs) == 0 {
		writeError(w, http.StatusBadRequest, "org_id, product_ids and store_ids are required")
		return
	}
	if !s.allowRate(r.Context(), w, "publish", req.OrgID) {
		return
	}
	telemetry.PublishRequests.Inc()

	result, err := s.orchestrator.RequestPublish(r.Context(), publish.Request{
		OrgID:      req.OrgID,
		ProductIDs: req.ProductIDs,
		StoreIDs:   req.StoreIDs,
		Action:     req.Action,
		Requester:  ident.UserID,
	})
	if err != nil {
		var budgetErr *publish.BudgetExceededError
		switch {
		case errors.Is(err, publish.ErrAccessDenied):
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "Access denied"})
		case errors.As(err, &budgetErr):
			telemetry.BudgetRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error": "Budget limit reached",
				"details": map[string]any{
					"remaining":  budgetErr.Decision.Remaining,
					"percentage": budgetErr.Decision.Percentage,
				},
			})
		case errors.Is(err, publish.ErrNoStores):
			writeError(w, http.StatusBadRequest, "no matching stores")
		default:
			s.log.Error("publish request failed", "org_id", req.OrgID, "err", err)
			writeError(w, http.StatusInternalServerError, "publish request failed")
		}
		return
	}

	status := http.StatusOK
	if result.Status == publish.StatusPendingApproval {
		status = http.StatusAccepted
		telemetry.ApprovalsRequested.Inc()
	} else {
		telemetry.PublishJobsCreated.Add(float64(result.JobsCreated))
	}
	writeJSON(w, status, result)
}

func (s *Server) handleWebhookIngest(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	orgID := r.URL.Query().Get("org_id")
	if platform == "" || orgID == "" {
		writeError(w, http.StatusBadRequest, "platform and org_id query params are required")
		return
	}
	if !s.allowRate(r.Context(), w, "webhook", orgID) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	result, err := s.intake.Ingest(r.Context(), platform, orgID, r.Header, body)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedPayload) {
			writeError(w, http.StatusBadRequest, "malformed payload")
			return
		}
		// No job without a persisted event: storage failures abort the whole
		// request so the platform retries the delivery.
		s.log.Error("webhook ingest failed", "platform", platform, "org_id", orgID, "err", err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}

	if result.Duplicate {
		telemetry.WebhooksDuplicate.Inc()
		writeJSON(w, http.StatusOK, map[string]any{
			"message":  "Event already processed",
			"event_id": result.EventID,
		})
		return
	}
	telemetry.WebhooksReceived.Inc()
	if !result.IsVerified {
		telemetry.WebhooksUnverified.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"event_id":         result.EventID,
		"is_verified":      result.IsVerified,
		"webhook_event_id": result.WebhookEventID,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !s.requireOrgRole(w, r, job.OrgID, "viewer") {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleJobRetry(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, "retried", s.queue.Retry)
}

func (s *Server) handleJobCancel(w http.ResponseWriter, r *http.Request) {
	s.jobTransition(w, r, "cancelled", s.queue.Cancel)
}

func (s *Server) jobTransition(w http.ResponseWriter, r *http.Request, verb string, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	job, err := s.queue.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !s.requireOrgRole(w, r, job.OrgID, "operator") {
		return
	}
	if err := op(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrInvalidTransition) {
			writeError(w, http.StatusConflict, "invalid state for "+verb)
			return
		}
		writeError(w, http.StatusInternalServerError, verb+" failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": verb})
}

func (s *Server) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "org_id is required")
		return
	}
	if !s.requireOrgRole(w, r, orgID, "viewer") {
		return
	}
	approvals, err := s.gate.List(r.Context(), orgID, r.URL.Query().Get("status"), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

type decideRequest struct {
	Decision string `json:"decision"`
	Note     string `json:"note"`
}

func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	ident, _ := identityFrom(r)
	id := chi.URLParam(r, "id")

	ap, err := s.gate.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, http.StatusNotFound, "approval not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if !s.requireOrgRole(w, r, ap.OrgID, "admin") {
		return
	}

	var req decideRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	decided, err := s.gate.Decide(r.Context(), id, req.Decision, req.Note, ident.UserID)
	if err != nil {
		switch {
		case errors.Is(err, approval.ErrInvalidDecision):
			writeError(w, http.StatusBadRequest, "decision must be approved or rejected")
		case errors.Is(err, approval.ErrAlreadyDecided):
			writeJSON(w, http.StatusConflict, map[string]string{"error": "already decided"})
		default:
			s.log.Error("approval decision failed", "approval_id", id, "err", err)
			writeError(w, http.StatusInternalServerError, "decision failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, decided)
}

func (s *Server) requireOrgRole(w http.ResponseWriter, r *http.Request, orgID, role string) bool {
	ident, ok := identityFrom(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing identity")
		return false
	}
	allowed, err := s.access.HasOrgAccess(r.Context(), ident.UserID, orgID, role)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "access check failed")
		return false
	}
	if !allowed {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "Access denied"})
		return false
	}
	return true
}

func (s *Server) allowRate(ctx context.Context, w http.ResponseWriter, scope, orgID string) bool {
	if s.limiter == nil {
		return true
	}
	allowed, _, err := s.limiter.Allow(ctx, scope, orgID)
	if err != nil {
		// Rate limiting is protective, not load-bearing; fail open.
		s.log.Warn("rate limiter unavailable", "scope", scope, "err", err)
		return true
	}
	if !allowed {
		telemetry.RateLimitRejects.Inc()
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return false
	}
	return true
}

func decodeBody(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
