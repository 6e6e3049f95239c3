package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storefront-sync/internal/approval"
	"storefront-sync/internal/budget"
	"storefront-sync/internal/capability"
	"storefront-sync/internal/models"
	"storefront-sync/internal/publish"
	"storefront-sync/internal/queue"
	"storefront-sync/internal/store/memory"
	"storefront-sync/internal/webhook"
)

const (
	adminToken    = "tok-admin"
	operatorToken = "tok-operator"
	viewerToken   = "tok-viewer"
)

type testHarness struct {
	mem    *memory.Store
	queue  *queue.Queue
	gate   *approval.Gate
	server *httptest.Server
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	mem := memory.New()
	q := queue.New(mem, queue.Options{})
	ledger := budget.NewLedger(mem)
	gate := approval.NewGate(mem)
	access := NewStaticAccess([]string{
		adminToken + ":admin_1:org_1:admin",
		operatorToken + ":operator_1:org_1:operator",
		viewerToken + ":viewer_1:org_1:viewer",
	})
	orch := publish.NewOrchestrator(mem, access, ledger, capability.NewResolver(mem), gate, q)
	intake := webhook.NewIntake(mem, q)

	mem.PutContract(models.PluginContract{PluginID: "shopify", Capability: publish.Capability, Level: models.LevelNative})
	mem.PutStore(models.Store{ID: "store_1", OrgID: "org_1", Platform: "shopify", Name: "Main"})

	srv := httptest.NewServer(New(access, ledger, orch, intake, gate, q, nil, nil).Router())
	t.Cleanup(srv.Close)
	return &testHarness{mem: mem, queue: q, gate: gate, server: srv}
}

func (h *testHarness) do(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, h.server.URL+path, &buf)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t)

	resp, _ := h.do(t, http.MethodPost, "/publish-request", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing token: expected 401, got %d", resp.StatusCode)
	}
	resp, _ = h.do(t, http.MethodPost, "/publish-request", "tok-bogus", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: expected 401, got %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz should be open, got %d", resp.StatusCode)
	}
}

func TestBudgetCheckEndpoint(t *testing.T) {
	h := newHarness(t)
	h.mem.PutBudget(models.Budget{
		OrgID: "org_1", BudgetType: "publish_operations",
		LimitAmount: 10, ConsumedAmount: 9,
		Period: "monthly", ResetAt: time.Now().Add(24 * time.Hour),
	})

	resp, body := h.do(t, http.MethodPost, "/budgets-check", viewerToken, map[string]any{
		"org_id": "org_1", "budget_type": "publish_operations", "amount": 1,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["allowed"] != true {
		t.Fatalf("expected allowed, got %v", body)
	}
	b, ok := body["budget"].(map[string]any)
	if !ok || b["remaining"] != float64(1) {
		t.Fatalf("unexpected budget view: %v", body["budget"])
	}

	resp, body = h.do(t, http.MethodPost, "/budgets-check", viewerToken, map[string]any{
		"org_id": "org_1", "budget_type": "publish_operations", "amount": 2,
	})
	if resp.StatusCode != http.StatusOK || body["allowed"] != false {
		t.Fatalf("expected denied, got %d %v", resp.StatusCode, body)
	}

	resp, _ = h.do(t, http.MethodPost, "/budgets-check", viewerToken, map[string]any{"org_id": "org_1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing budget_type, got %d", resp.StatusCode)
	}
}

func TestPublishRequestEndpoint(t *testing.T) {
	h := newHarness(t)

	resp, body := h.do(t, http.MethodPost, "/publish-request", operatorToken, map[string]any{
		"org_id":      "org_1",
		"product_ids": []string{"prod_1", "prod_2"},
		"store_ids":   []string{"store_1"},
		"action":      "create",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%v", resp.StatusCode, body)
	}
	if body["status"] != publish.StatusProcessing || body["jobs_created"] != float64(2) {
		t.Fatalf("unexpected result: %v", body)
	}

	// The viewer role cannot publish.
	resp, body = h.do(t, http.MethodPost, "/publish-request", viewerToken, map[string]any{
		"org_id":      "org_1",
		"product_ids": []string{"prod_1"},
		"store_ids":   []string{"store_1"},
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	if body["error"] != "Access denied" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestPublishRequestBulkGoesToApproval(t *testing.T) {
	h := newHarness(t)

	products := make([]string, 11)
	for i := range products {
		products[i] = fmt.Sprintf("prod_%d", i+1)
	}
	resp, body := h.do(t, http.MethodPost, "/publish-request", operatorToken, map[string]any{
		"org_id":      "org_1",
		"product_ids": products,
		"store_ids":   []string{"store_1"},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if body["status"] != publish.StatusPendingApproval || body["approval_id"] == "" {
		t.Fatalf("unexpected result: %v", body)
	}

	approvalID := body["approval_id"].(string)

	// The operator cannot decide it.
	resp, _ = h.do(t, http.MethodPost, "/approvals/"+approvalID+"/decide", operatorToken, map[string]any{
		"decision": "approved",
	})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("operator decide: expected 403, got %d", resp.StatusCode)
	}

	// The admin approves and the batch fans out.
	resp, body = h.do(t, http.MethodPost, "/approvals/"+approvalID+"/decide", adminToken, map[string]any{
		"decision": "approved", "note": "bulk reviewed",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin decide: expected 200, got %d body=%v", resp.StatusCode, body)
	}
	if depth, _ := h.queue.PendingDepth(context.Background()); depth != 11 {
		t.Fatalf("expected 11 jobs after approval, got %d", depth)
	}

	// Second decision conflicts.
	resp, _ = h.do(t, http.MethodPost, "/approvals/"+approvalID+"/decide", adminToken, map[string]any{
		"decision": "rejected",
	})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second decide: expected 409, got %d", resp.StatusCode)
	}
}

func TestPublishRequestBudgetExceeded(t *testing.T) {
	h := newHarness(t)
	h.mem.PutBudget(models.Budget{
		OrgID: "org_1", BudgetType: "publish_operations",
		LimitAmount: 5, ConsumedAmount: 5,
		Period: "monthly", ResetAt: time.Now().Add(24 * time.Hour),
	})

	resp, body := h.do(t, http.MethodPost, "/publish-request", operatorToken, map[string]any{
		"org_id":      "org_1",
		"product_ids": []string{"prod_1"},
		"store_ids":   []string{"store_1"},
	})
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if body["error"] != "Budget limit reached" {
		t.Fatalf("unexpected error body: %v", body)
	}
	details, ok := body["details"].(map[string]any)
	if !ok || details["remaining"] != float64(0) {
		t.Fatalf("unexpected details: %v", body["details"])
	}
}

func TestWebhookIngestEndpoint(t *testing.T) {
	h := newHarness(t)
	payload := map[string]any{"id": "evt_1", "topic": "order.created"}

	resp, body := h.do(t, http.MethodPost, "/webhooks-ingest?platform=woocommerce&org_id=org_1", "", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if body["success"] != true || body["event_id"] != "evt_1" || body["is_verified"] != false {
		t.Fatalf("unexpected body: %v", body)
	}

	// Redelivery.
	resp, body = h.do(t, http.MethodPost, "/webhooks-ingest?platform=woocommerce&org_id=org_1", "", payload)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate: expected 200, got %d", resp.StatusCode)
	}
	if body["message"] != "Event already processed" || body["event_id"] != "evt_1" {
		t.Fatalf("unexpected duplicate body: %v", body)
	}

	resp, _ = h.do(t, http.MethodPost, "/webhooks-ingest?platform=woocommerce", "", payload)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing org_id: expected 400, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, h.server.URL+"/webhooks-ingest?platform=shopify&org_id=org_1", bytes.NewBufferString("not json"))
	raw, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("malformed: %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed payload: expected 400, got %d", raw.StatusCode)
	}
}

func TestJobEndpoints(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	job, _, err := h.queue.Enqueue(ctx, queue.EnqueueParams{
		OrgID: "org_1", IdempotencyKey: "k1", Type: "publish_to_shopify",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	resp, body := h.do(t, http.MethodGet, "/jobs/"+job.ID, viewerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job: expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != models.StatusPending {
		t.Fatalf("unexpected job body: %v", body)
	}

	resp, _ = h.do(t, http.MethodGet, "/jobs/no-such-job", viewerToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job: expected 404, got %d", resp.StatusCode)
	}

	// Viewers cannot mutate jobs.
	resp, _ = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", viewerToken, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer cancel: expected 403, got %d", resp.StatusCode)
	}

	// Retry only applies to terminal failed jobs.
	resp, _ = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/retry", operatorToken, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("retry pending: expected 409, got %d", resp.StatusCode)
	}

	resp, _ = h.do(t, http.MethodPost, "/jobs/"+job.ID+"/cancel", operatorToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", resp.StatusCode)
	}
	got, _ := h.queue.Get(ctx, job.ID)
	if got.Status != models.StatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestListApprovalsEndpoint(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.gate.Request(ctx, approval.RequestParams{
		OrgID: "org_1", EntityType: "setting", RequestedBy: "operator_1",
	}); err != nil {
		t.Fatalf("seed approval: %v", err)
	}

	resp, body := h.do(t, http.MethodGet, "/approvals?org_id=org_1&status=pending", viewerToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	list, ok := body["approvals"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected 1 approval, got %v", body)
	}

	resp, _ = h.do(t, http.MethodGet, "/approvals", viewerToken, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing org_id: expected 400, got %d", resp.StatusCode)
	}
}
