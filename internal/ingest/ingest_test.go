package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/audit"
	"github.com/JET1478/Claude-B2B-Implementation/internal/budget"
	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage/memory"
)

type stubQueue struct {
	enqueued []string
	err      error
}

func (q *stubQueue) Enqueue(runID string) error {
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, runID)
	return nil
}

func testTenant() *domain.Tenant {
	return &domain.Tenant{
		ID:                  "tnt_acme",
		Slug:                "acme",
		Name:                "Acme Corp",
		Active:              true,
		SupportEnabled:      true,
		SalesEnabled:        true,
		ConfidenceThreshold: 0.8,
		MaxRunsPerDay:       100,
		MaxTokensPerDay:     1_000_000,
		MaxItemsPerMinute:   60,
	}
}

func newService(t *testing.T, tenant *domain.Tenant) (*Service, *memory.Store, *stubQueue) {
	t.Helper()
	store := memory.New()
	if tenant != nil {
		if err := store.UpsertTenant(context.Background(), tenant); err != nil {
			t.Fatal(err)
		}
	}
	ledger := budget.NewLedger(budget.Config{
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		MaxCooldown:      time.Hour,
	})
	q := &stubQueue{}
	svc := NewService(store, ledger, audit.NewRecorder(store), q)
	return svc, store, q
}

func tenantAudit(t *testing.T, store *memory.Store, tenantID string) []*domain.AuditEntry {
	t.Helper()
	entries, err := store.ListAudit(context.Background(), storage.AuditFilter{TenantID: tenantID})
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func TestIngestTicketCreatesQueuedRun(t *testing.T) {
	svc, store, q := newService(t, testTenant())

	payload := `{"from_email":"jane@example.com","subject":"Cannot log in","body":"Password reset loops forever.","source":"zendesk"}`
	receipt, err := svc.Ingest(context.Background(), "acme", domain.WorkflowSupportTriage, []byte(payload))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if receipt.Status != domain.RunQueued {
		t.Errorf("receipt status = %s, want queued", receipt.Status)
	}

	run, err := store.GetRun(context.Background(), receipt.RunID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status != domain.RunQueued || run.Workflow != domain.WorkflowSupportTriage {
		t.Errorf("run = %s/%s, want queued/support_triage", run.Status, run.Workflow)
	}

	kase, err := store.GetCaseByRun(context.Background(), receipt.RunID)
	if err != nil {
		t.Fatalf("GetCaseByRun: %v", err)
	}
	if kase.Input.FromEmail != "jane@example.com" || kase.Input.Source != "zendesk" {
		t.Errorf("case input not preserved: %+v", kase.Input)
	}
	if kase.Status != domain.CaseNew || kase.SendStatus != domain.SendNone {
		t.Errorf("case state = %s/%s, want new/none", kase.Status, kase.SendStatus)
	}

	if len(q.enqueued) != 1 || q.enqueued[0] != receipt.RunID {
		t.Errorf("enqueued = %v, want [%s]", q.enqueued, receipt.RunID)
	}

	entries := tenantAudit(t, store, "tnt_acme")
	if len(entries) != 1 || entries[0].Action != domain.ActionTicketCreated {
		t.Fatalf("audit = %+v, want one ticket_created entry", entries)
	}
	if entries[0].Actor != domain.ActorWebhook || entries[0].RunID != receipt.RunID {
		t.Errorf("entry actor/run = %s/%s", entries[0].Actor, entries[0].RunID)
	}
}

func TestIngestLeadRecordsLeadCreated(t *testing.T) {
	svc, store, _ := newService(t, testTenant())

	payload := `{"email":"cto@bigco.io","name":"Pat","company":"BigCo","message":"Looking for an enterprise plan."}`
	receipt, err := svc.Ingest(context.Background(), "acme", domain.WorkflowLeadQualify, []byte(payload))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	entries := tenantAudit(t, store, "tnt_acme")
	if len(entries) != 1 || entries[0].Action != domain.ActionLeadCreated {
		t.Fatalf("audit = %+v, want one lead_created entry", entries)
	}
	if !strings.Contains(entries[0].InputSummary, "cto@bigco.io") {
		t.Errorf("input summary %q should name the lead", entries[0].InputSummary)
	}
	if receipt.Workflow != domain.WorkflowLeadQualify {
		t.Errorf("receipt workflow = %s", receipt.Workflow)
	}
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name     string
		workflow domain.WorkflowKind
		payload  string
	}{
		{"not json", domain.WorkflowSupportTriage, `{"subject": `},
		{"ticket without from_email", domain.WorkflowSupportTriage, `{"subject":"hi"}`},
		{"ticket without subject or body", domain.WorkflowSupportTriage, `{"from_email":"a@b.c"}`},
		{"lead without email", domain.WorkflowLeadQualify, `{"name":"Pat"}`},
		{"unknown workflow", domain.WorkflowKind("billing_review"), `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, q := newService(t, testTenant())
			_, err := svc.Ingest(context.Background(), "acme", tt.workflow, []byte(tt.payload))
			if !domain.IsType(err, domain.ErrorTypeValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
			if len(q.enqueued) != 0 {
				t.Error("nothing should be enqueued")
			}
			if entries := tenantAudit(t, store, "tnt_acme"); len(entries) != 0 {
				t.Errorf("no audit entries expected, got %d", len(entries))
			}
		})
	}
}

func TestIngestUnknownAndInactiveTenant(t *testing.T) {
	inactive := testTenant()
	inactive.Active = false
	svc, _, _ := newService(t, inactive)

	payload := []byte(`{"from_email":"a@b.c","subject":"hi"}`)

	_, err := svc.Ingest(context.Background(), "nobody", domain.WorkflowSupportTriage, payload)
	if !domain.IsType(err, domain.ErrorTypeNotFound) {
		t.Errorf("unknown tenant err = %v, want not_found", err)
	}

	// An inactive tenant looks exactly like a missing one.
	_, err = svc.Ingest(context.Background(), "acme", domain.WorkflowSupportTriage, payload)
	if !domain.IsType(err, domain.ErrorTypeNotFound) {
		t.Errorf("inactive tenant err = %v, want not_found", err)
	}
}

func TestIngestDisabledWorkflowRejected(t *testing.T) {
	tenant := testTenant()
	tenant.SalesEnabled = false
	svc, _, _ := newService(t, tenant)

	_, err := svc.Ingest(context.Background(), "acme", domain.WorkflowLeadQualify, []byte(`{"email":"a@b.c"}`))
	if !domain.IsType(err, domain.ErrorTypeValidation) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if domain.ReasonOf(err) != domain.ReasonWorkflowDisabled {
		t.Errorf("reason = %s, want workflow_disabled", domain.ReasonOf(err))
	}
}

func TestIngestBudgetDenialLeavesNoRun(t *testing.T) {
	tenant := testTenant()
	tenant.MaxRunsPerDay = 1
	svc, store, q := newService(t, tenant)

	payload := []byte(`{"from_email":"jane@example.com","subject":"first"}`)
	if _, err := svc.Ingest(context.Background(), "acme", domain.WorkflowSupportTriage, payload); err != nil {
		t.Fatalf("first ingest: %v", err)
	}

	_, err := svc.Ingest(context.Background(), "acme", domain.WorkflowSupportTriage, payload)
	if !domain.IsType(err, domain.ErrorTypeBudgetExceeded) {
		t.Fatalf("second ingest err = %v, want budget_exceeded", err)
	}

	var pe *domain.PlatformError
	if !errors.As(err, &pe) || pe.HTTPStatusCode() != 429 {
		t.Errorf("denial should map to 429, got %v", err)
	}

	runs, err := store.ListRuns(context.Background(), storage.RunFilter{TenantID: "tnt_acme"})
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 {
		t.Errorf("runs = %d, want only the admitted one", len(runs))
	}
	if len(q.enqueued) != 1 {
		t.Errorf("enqueued = %d, want 1", len(q.enqueued))
	}

	entries := tenantAudit(t, store, "tnt_acme")
	var denial *domain.AuditEntry
	for _, e := range entries {
		if e.Action == domain.ActionBudgetDenied {
			denial = e
		}
	}
	if denial == nil {
		t.Fatal("budget_denied audit entry missing")
	}
	if denial.RunID != "" {
		t.Errorf("denial entry run id = %q, want empty", denial.RunID)
	}
	if denial.Reason != domain.ReasonBudgetExceeded {
		t.Errorf("denial reason = %s, want budget_exceeded", denial.Reason)
	}
}

func TestIngestEnqueueFailureSurfaces(t *testing.T) {
	svc, store, q := newService(t, testTenant())
	q.err = errors.New("queue full")

	_, err := svc.Ingest(context.Background(), "acme", domain.WorkflowSupportTriage,
		[]byte(`{"from_email":"jane@example.com","subject":"hi"}`))
	if err == nil {
		t.Fatal("Ingest should surface the enqueue failure")
	}

	// The run record survives for a later sweep.
	runs, listErr := store.ListRuns(context.Background(), storage.RunFilter{TenantID: "tnt_acme"})
	if listErr != nil {
		t.Fatal(listErr)
	}
	if len(runs) != 1 || runs[0].Status != domain.RunQueued {
		t.Errorf("runs = %+v, want one queued run", runs)
	}
}

func TestIngestDefaultsSource(t *testing.T) {
	svc, store, _ := newService(t, testTenant())

	receipt, err := svc.Ingest(context.Background(), "acme", domain.WorkflowSupportTriage,
		[]byte(`{"from_email":"jane@example.com","subject":"hi"}`))
	if err != nil {
		t.Fatal(err)
	}
	kase, err := store.GetCaseByRun(context.Background(), receipt.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if kase.Input.Source != "webhook" {
		t.Errorf("source = %q, want webhook default", kase.Input.Source)
	}
}
