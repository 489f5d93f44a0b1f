// Package ingest is the ingestion boundary: it turns raw webhook payloads
// into queued runs. Everything a webhook can reject (unknown tenant,
// disabled workflow, malformed payload, exhausted budget) is rejected here,
// before a Run exists.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/JET1478/Claude-B2B-Implementation/internal/audit"
	"github.com/JET1478/Claude-B2B-Implementation/internal/budget"
	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// Store is the slice of the storage layer ingestion needs.
type Store interface {
	GetTenantBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	CreateRun(ctx context.Context, run *domain.Run) error
	CreateCase(ctx context.Context, kase *domain.Case) error
}

// Enqueuer hands an accepted run to the worker pool.
type Enqueuer interface {
	Enqueue(runID string) error
}

// Receipt is what the webhook caller gets back for an accepted event.
type Receipt struct {
	RunID    string              `json:"run_id"`
	CaseID   string              `json:"case_id"`
	TenantID string              `json:"tenant_id"`
	Workflow domain.WorkflowKind `json:"workflow"`
	Status   domain.RunStatus    `json:"status"`
}

// Service accepts webhook events and creates queued runs.
type Service struct {
	store    Store
	ledger   *budget.Ledger
	recorder *audit.Recorder
	queue    Enqueuer
	logger   *slog.Logger
	clock    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// NewService builds the ingestion service.
func NewService(store Store, ledger *budget.Ledger, recorder *audit.Recorder, queue Enqueuer, opts ...Option) *Service {
	s := &Service{
		store:    store,
		ledger:   ledger,
		recorder: recorder,
		queue:    queue,
		logger:   slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest validates and admits one webhook event, creating a queued Run and
// its Case. The budget precheck runs before any record is created so a
// denied event costs nothing but an audit entry.
func (s *Service) Ingest(ctx context.Context, slug string, workflow domain.WorkflowKind, payload []byte) (*Receipt, error) {
	if !workflow.Valid() {
		return nil, domain.NewError(domain.ErrorTypeValidation, "unknown workflow %q", workflow)
	}

	tenant, err := s.store.GetTenantBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if !tenant.Active {
		// Deactivated tenants are indistinguishable from unknown ones.
		return nil, domain.NewError(domain.ErrorTypeNotFound, "tenant %q not found", slug)
	}
	if !tenant.WorkflowEnabled(workflow) {
		return nil, domain.NewError(domain.ErrorTypeValidation, "workflow %s disabled for tenant %s", workflow, slug).
			WithReason(domain.ReasonWorkflowDisabled)
	}

	input, err := normalize(workflow, payload)
	if err != nil {
		return nil, err
	}

	if err := s.ledger.AdmitRun(tenant.ID, limitsFor(tenant)); err != nil {
		s.recordDenial(ctx, tenant, workflow, input, err)
		return nil, err
	}

	now := s.clock().UTC()
	run := &domain.Run{
		ID:        "run_" + uuid.NewString(),
		TenantID:  tenant.ID,
		Workflow:  workflow,
		Status:    domain.RunQueued,
		CreatedAt: now,
	}
	kase := &domain.Case{
		ID:         "case_" + uuid.NewString(),
		RunID:      run.ID,
		TenantID:   tenant.ID,
		Workflow:   workflow,
		Input:      *input,
		Status:     domain.CaseNew,
		SendStatus: domain.SendNone,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := s.store.CreateCase(ctx, kase); err != nil {
		return nil, err
	}

	action := domain.ActionTicketCreated
	if workflow == domain.WorkflowLeadQualify {
		action = domain.ActionLeadCreated
	}
	entry := &domain.AuditEntry{
		TenantID:     tenant.ID,
		RunID:        run.ID,
		Action:       action,
		Workflow:     workflow,
		Actor:        domain.ActorWebhook,
		InputSummary: inputSummary(workflow, input),
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		return nil, err
	}

	if err := s.queue.Enqueue(run.ID); err != nil {
		// The run stays queued; a redelivery sweep or operator retry picks
		// it up. The caller still learns the event was not accepted.
		s.logger.ErrorContext(ctx, "enqueue failed after run creation",
			slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return nil, err
	}

	s.logger.InfoContext(ctx, "event ingested",
		slog.String("tenant", slug),
		slog.String("workflow", string(workflow)),
		slog.String("run_id", run.ID))

	return &Receipt{
		RunID:    run.ID,
		CaseID:   kase.ID,
		TenantID: tenant.ID,
		Workflow: workflow,
		Status:   domain.RunQueued,
	}, nil
}

// recordDenial writes the pre-run budget_denied entry. There is no RunID
// because no run was created. Audit failure here is logged, not surfaced:
// the caller already holds the denial error.
func (s *Service) recordDenial(ctx context.Context, tenant *domain.Tenant, workflow domain.WorkflowKind, input *domain.CaseInput, cause error) {
	entry := &domain.AuditEntry{
		TenantID:      tenant.ID,
		Action:        domain.ActionBudgetDenied,
		Workflow:      workflow,
		Actor:         domain.ActorWebhook,
		Reason:        domain.ReasonOf(cause),
		InputSummary:  inputSummary(workflow, input),
		OutputSummary: cause.Error(),
	}
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "failed to record budget denial",
			slog.String("tenant", tenant.ID), slog.String("error", err.Error()))
	}
}

// normalize parses and validates the raw payload into a CaseInput. The
// ticket and lead forms share a field set, so both unmarshal into the same
// struct; validation differs per workflow.
func normalize(workflow domain.WorkflowKind, payload []byte) (*domain.CaseInput, error) {
	var input domain.CaseInput
	if err := json.Unmarshal(payload, &input); err != nil {
		return nil, domain.WrapError(domain.ErrorTypeValidation, err, "malformed webhook payload")
	}
	if input.Source == "" {
		input.Source = "webhook"
	}

	switch workflow {
	case domain.WorkflowSupportTriage:
		if input.FromEmail == "" {
			return nil, domain.NewError(domain.ErrorTypeValidation, "ticket payload missing from_email")
		}
		if input.Subject == "" && input.Body == "" {
			return nil, domain.NewError(domain.ErrorTypeValidation, "ticket payload has neither subject nor body")
		}
	case domain.WorkflowLeadQualify:
		if input.Email == "" {
			return nil, domain.NewError(domain.ErrorTypeValidation, "lead payload missing email")
		}
	}
	return &input, nil
}

func inputSummary(workflow domain.WorkflowKind, input *domain.CaseInput) string {
	if workflow == domain.WorkflowLeadQualify {
		return audit.Sanitize(fmt.Sprintf("lead from %s (%s): %s", input.Email, input.Company, input.Message))
	}
	return audit.Sanitize(fmt.Sprintf("ticket from %s: %s", input.FromEmail, input.Subject))
}

func limitsFor(t *domain.Tenant) budget.Limits {
	return budget.Limits{
		MaxRunsPerDay:     t.MaxRunsPerDay,
		MaxTokensPerDay:   t.MaxTokensPerDay,
		MaxItemsPerMinute: t.MaxItemsPerMinute,
	}
}
