package approval

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"storefront-sync/internal/models"
	"storefront-sync/internal/store/memory"
)

func TestDecideExactlyOnce(t *testing.T) {
	mem := memory.New()
	gate := NewGate(mem)
	ctx := context.Background()

	ap, err := gate.Request(ctx, RequestParams{
		OrgID: "org_1", EntityType: "setting", EntityID: "auto_publish",
		Action: "update", RequestedBy: "user_1",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if ap.Status != models.ApprovalPending {
		t.Fatalf("expected pending, got %s", ap.Status)
	}

	decided, err := gate.Decide(ctx, ap.ID, models.ApprovalRejected, "too risky", "admin_1")
	if err != nil {
		t.Fatalf("decide: %v", err)
	}
	if decided.Status != models.ApprovalRejected {
		t.Fatalf("expected rejected, got %s", decided.Status)
	}
	if decided.DecidedBy == nil || *decided.DecidedBy != "admin_1" {
		t.Fatalf("decider not recorded: %v", decided.DecidedBy)
	}

	// Decisions never reverse.
	if _, err := gate.Decide(ctx, ap.ID, models.ApprovalApproved, "", "admin_2"); !errors.Is(err, ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	got, _ := gate.Get(ctx, ap.ID)
	if got.Status != models.ApprovalRejected {
		t.Fatalf("decision reversed to %s", got.Status)
	}
}

func TestDecideValidation(t *testing.T) {
	gate := NewGate(memory.New())
	ctx := context.Background()

	if _, err := gate.Decide(ctx, "any", "maybe", "", "admin_1"); !errors.Is(err, ErrInvalidDecision) {
		t.Fatalf("expected ErrInvalidDecision, got %v", err)
	}
	if _, err := gate.Decide(ctx, "missing", models.ApprovalApproved, "", "admin_1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApplierRunsOnApproval(t *testing.T) {
	mem := memory.New()
	gate := NewGate(mem)
	ctx := context.Background()

	var applied []string
	gate.RegisterApplier("publish_batch", func(ctx context.Context, ap models.Approval) error {
		applied = append(applied, ap.ID)
		return nil
	})

	approve, _ := gate.Request(ctx, RequestParams{OrgID: "org_1", EntityType: "publish_batch", RequestedBy: "user_1"})
	reject, _ := gate.Request(ctx, RequestParams{OrgID: "org_1", EntityType: "publish_batch", RequestedBy: "user_1"})

	if _, err := gate.Decide(ctx, approve.ID, models.ApprovalApproved, "", "admin_1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if _, err := gate.Decide(ctx, reject.ID, models.ApprovalRejected, "", "admin_1"); err != nil {
		t.Fatalf("reject: %v", err)
	}

	if len(applied) != 1 || applied[0] != approve.ID {
		t.Fatalf("applier should run exactly once, for the approved record: %v", applied)
	}
}

func TestApplierFailureSurfacesButDecisionStands(t *testing.T) {
	mem := memory.New()
	gate := NewGate(mem)
	ctx := context.Background()

	gate.RegisterApplier("publish_batch", func(ctx context.Context, ap models.Approval) error {
		return errors.New("enqueue unavailable")
	})

	ap, _ := gate.Request(ctx, RequestParams{OrgID: "org_1", EntityType: "publish_batch", RequestedBy: "user_1"})
	if _, err := gate.Decide(ctx, ap.ID, models.ApprovalApproved, "", "admin_1"); err == nil {
		t.Fatalf("expected applier failure to surface")
	}
	got, _ := gate.Get(ctx, ap.ID)
	if got.Status != models.ApprovalApproved {
		t.Fatalf("decision should stand despite applier failure, got %s", got.Status)
	}
}

func TestSettingApplier(t *testing.T) {
	mem := memory.New()
	gate := NewGate(mem)
	gate.RegisterApplier("setting", NewSettingApplier(mem))
	ctx := context.Background()

	payload, _ := json.Marshal(SettingChange{
		Key:      "auto_publish",
		OldValue: json.RawMessage(`false`),
		NewValue: json.RawMessage(`true`),
	})
	ap, err := gate.Request(ctx, RequestParams{
		OrgID: "org_1", EntityType: "setting", EntityID: "auto_publish",
		Action: "update", Payload: payload, RequestedBy: "user_1",
	})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	// Nothing applied while pending.
	if _, ok := mem.Setting("org_1", "auto_publish"); ok {
		t.Fatalf("setting written before approval")
	}

	if _, err := gate.Decide(ctx, ap.ID, models.ApprovalApproved, "lgtm", "admin_1"); err != nil {
		t.Fatalf("decide: %v", err)
	}
	v, ok := mem.Setting("org_1", "auto_publish")
	if !ok || string(v) != "true" {
		t.Fatalf("expected setting applied, got %q ok=%v", v, ok)
	}
}

func TestListFiltersExpiredPending(t *testing.T) {
	mem := memory.New()
	gate := NewGate(mem)
	ctx := context.Background()

	live, _ := gate.Request(ctx, RequestParams{OrgID: "org_1", EntityType: "setting", RequestedBy: "u", TTL: time.Hour})
	expired, _ := gate.Request(ctx, RequestParams{OrgID: "org_1", EntityType: "setting", RequestedBy: "u", TTL: time.Nanosecond})
	time.Sleep(time.Millisecond)

	got, err := gate.List(ctx, "org_1", models.ApprovalPending, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != live.ID {
		t.Fatalf("expected only the live approval, got %v", got)
	}

	// Expired pendings are advisory: the record can still be decided.
	if _, err := gate.Decide(ctx, expired.ID, models.ApprovalRejected, "stale", "admin_1"); err != nil {
		t.Fatalf("decide expired: %v", err)
	}
}
