// Package pipeline drives runs through their workflow's fixed step
// sequence to a terminal state. At most one worker executes a given run at
// a time, enforced by the atomic queued→running claim.
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/JET1478/Claude-B2B-Implementation/internal/adapters"
	"github.com/JET1478/Claude-B2B-Implementation/internal/audit"
	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/router"
	"github.com/JET1478/Claude-B2B-Implementation/internal/rules"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage"
)

var tracer = otel.Tracer("internal/pipeline")

// RunResult summarizes a finished execution.
type RunResult struct {
	RunID      string
	Status     domain.RunStatus
	NeedsHuman bool
	Sent       bool
}

// Executor owns everything a run needs: storage, the model router, the
// rule cache, the audit recorder, and the outbound adapters.
type Executor struct {
	store    storage.Store
	recorder *audit.Recorder
	router   *router.Router
	rules    *rules.Cache

	slack *adapters.SlackClient
	crm   *adapters.CRMClient
	email adapters.EmailSender

	stepTimeout time.Duration
	staleAfter  time.Duration

	extendLease func(runID string)
	logger      *slog.Logger
	clock       func() time.Time
}

type Option func(*Executor)

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

// WithClock overrides timestamps in tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Executor) { e.clock = clock }
}

// WithLeaseExtender is called after every completed step so long runs can
// keep their queue lease alive.
func WithLeaseExtender(extend func(runID string)) Option {
	return func(e *Executor) { e.extendLease = extend }
}

// Config bundles the executor's collaborators and tunables.
type Config struct {
	Store    storage.Store
	Recorder *audit.Recorder
	Router   *router.Router
	Rules    *rules.Cache
	Slack    *adapters.SlackClient
	CRM      *adapters.CRMClient
	Email    adapters.EmailSender

	// StepTimeout bounds each individual step.
	StepTimeout time.Duration
	// StaleAfter is how long a run may sit in running state before a
	// redelivery is treated as a crashed worker and reprocessed.
	StaleAfter time.Duration
}

func NewExecutor(cfg Config, opts ...Option) *Executor {
	e := &Executor{
		store:       cfg.Store,
		recorder:    cfg.Recorder,
		router:      cfg.Router,
		rules:       cfg.Rules,
		slack:       cfg.Slack,
		crm:         cfg.CRM,
		email:       cfg.Email,
		stepTimeout: cfg.StepTimeout,
		staleAfter:  cfg.StaleAfter,
		extendLease: func(string) {},
		logger:      slog.Default(),
		clock:       time.Now,
	}
	if e.stepTimeout <= 0 {
		e.stepTimeout = 60 * time.Second
	}
	if e.staleAfter <= 0 {
		e.staleAfter = 10 * time.Minute
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute processes one delivered run to a terminal state. Duplicate
// deliveries of finished runs are no-ops; a delivery for a run some other
// live worker holds is rejected with a concurrency conflict.
func (e *Executor) Execute(ctx context.Context, runID string) (*RunResult, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.Status.Terminal() {
		e.logger.DebugContext(ctx, "duplicate delivery of terminal run",
			slog.String("run_id", runID), slog.String("status", string(run.Status)))
		return &RunResult{RunID: runID, Status: run.Status}, nil
	}

	resumed, err := e.claim(ctx, run)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", run.ID),
			attribute.String("run.workflow", string(run.Workflow)),
			attribute.String("tenant.id", run.TenantID),
			attribute.Bool("run.resumed", resumed),
		))
	defer span.End()

	tenant, err := e.store.GetTenant(ctx, run.TenantID)
	if err != nil {
		return nil, e.failRun(ctx, run, domain.ReasonPipelineError, err)
	}
	if !tenant.Active || !tenant.WorkflowEnabled(run.Workflow) {
		err := domain.NewError(domain.ErrorTypeValidation, "workflow %s disabled for tenant %s", run.Workflow, tenant.Slug).
			WithReason(domain.ReasonWorkflowDisabled)
		return nil, e.failRun(ctx, run, domain.ReasonWorkflowDisabled, err)
	}

	kase, err := e.store.GetCaseByRun(ctx, runID)
	if err != nil {
		return nil, e.failRun(ctx, run, domain.ReasonPipelineError, err)
	}

	ruleSet, err := e.rules.For(tenant, run.Workflow)
	if err != nil {
		return nil, e.failRun(ctx, run, domain.ReasonPipelineError, err)
	}

	sc := &stepContext{
		run:    run,
		kase:   kase,
		tenant: tenant,
		rules:  ruleSet,
	}

	entry := &domain.AuditEntry{
		TenantID: run.TenantID,
		RunID:    run.ID,
		Action:   domain.ActionRunStarted,
		Workflow: run.Workflow,
	}
	if resumed {
		entry.Action = domain.ActionRunResumed
		entry.Step = run.CurrentStep
		entry.Reason = domain.ReasonStaleRunReprocessed
	}
	if err := e.recorder.Record(ctx, entry); err != nil {
		return nil, e.failRun(ctx, run, domain.ReasonPipelineError, err)
	}

	steps := stepsFor(run.Workflow)
	start := resumeIndex(steps, run.CurrentStep)

	for _, st := range steps[start:] {
		if err := e.runStep(ctx, sc, st); err != nil {
			return nil, e.failRun(ctx, run, domain.ReasonOf(err), err)
		}
		e.extendLease(run.ID)
		if sc.done {
			break
		}
	}

	if err := e.finalize(ctx, sc); err != nil {
		return nil, err
	}

	return &RunResult{
		RunID:      run.ID,
		Status:     run.Status,
		NeedsHuman: kase.NeedsHuman,
		Sent:       kase.SendStatus == domain.SendSent,
	}, nil
}

// claim owns the queued→running transition. It reports whether this
// execution is a resume of a crashed worker's run.
func (e *Executor) claim(ctx context.Context, run *domain.Run) (bool, error) {
	now := e.clock().UTC()

	if run.Status == domain.RunQueued {
		claimed, err := e.store.ClaimRun(ctx, run.ID, now)
		if err != nil {
			return false, err
		}
		if claimed {
			run.Status = domain.RunRunning
			ts := now
			run.StartedAt = &ts
			hb := now
			run.HeartbeatAt = &hb
			return false, nil
		}
		// Lost the race; fall through and reassess.
		fresh, err := e.store.GetRun(ctx, run.ID)
		if err != nil {
			return false, err
		}
		*run = *fresh
	}

	if run.Status.Terminal() {
		return false, domain.NewError(domain.ErrorTypeConcurrency, "run %s already finished", run.ID)
	}

	// The run is running. Only a stale heartbeat, left by a worker that
	// died holding the run, may be taken over. StartedAt keeps the first
	// claim's timestamp so the run's duration survives the takeover.
	if run.HeartbeatAt == nil || now.Sub(*run.HeartbeatAt) < e.staleAfter {
		return false, domain.NewError(domain.ErrorTypeConcurrency, "run %s held by another worker", run.ID)
	}

	taken, err := e.store.ReclaimRun(ctx, run.ID, *run.HeartbeatAt, now)
	if err != nil {
		return false, err
	}
	if !taken {
		return false, domain.NewError(domain.ErrorTypeConcurrency, "run %s reclaimed by another worker", run.ID)
	}
	ts := now
	run.HeartbeatAt = &ts
	return true, nil
}

// runStep executes one step under the per-step timeout and applies the
// step's failure policy. A returned error means the run must fail.
func (e *Executor) runStep(ctx context.Context, sc *stepContext, st step) error {
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	stepCtx, span := tracer.Start(stepCtx, "pipeline.step",
		trace.WithAttributes(attribute.String("step.name", st.name)))
	entry, err := st.fn(stepCtx, e, sc)
	if err != nil {
		span.SetAttributes(attribute.String("step.error", err.Error()))
	}
	span.End()

	// A step may return both an entry and an error: model usage is real
	// spend and must hit the audit trail even when the step fails.
	if entry != nil {
		entry.TenantID = sc.run.TenantID
		entry.RunID = sc.run.ID
		entry.Workflow = sc.run.Workflow
		entry.Step = st.name
		if recErr := e.recorder.Record(ctx, entry); recErr != nil {
			return recErr
		}
	}

	if err != nil {
		// Counters may have moved before the failure; persist them so
		// they stay reconciled with the recorded entries.
		if upErr := e.store.UpdateRun(ctx, sc.run); upErr != nil {
			return upErr
		}
		return e.absorbFailure(ctx, sc, st, err)
	}

	sc.run.CurrentStep = st.name
	hb := e.clock().UTC()
	sc.run.HeartbeatAt = &hb
	if err := e.store.UpdateRun(ctx, sc.run); err != nil {
		return err
	}
	sc.kase.UpdatedAt = e.clock().UTC()
	if err := e.store.UpdateCase(ctx, sc.kase); err != nil {
		return err
	}
	return nil
}

// absorbFailure applies a step's declared policy to a recoverable error.
// Unrecoverable errors propagate and fail the run.
func (e *Executor) absorbFailure(ctx context.Context, sc *stepContext, st step, cause error) error {
	if !domain.IsRecoverable(cause) || st.policy == policyAbort {
		return cause
	}

	reason := domain.ReasonOf(cause)
	if reason == "" {
		if domain.IsType(cause, domain.ErrorTypeAdapter) {
			reason = domain.ReasonAdapterFailed
		} else {
			reason = domain.ReasonPipelineError
		}
	}

	var entry *domain.AuditEntry
	switch st.policy {
	case policySkip:
		entry = &domain.AuditEntry{
			Action:        domain.ActionStepSkipped,
			Reason:        reason,
			OutputSummary: cause.Error(),
		}
	case policyEscalate:
		sc.kase.NeedsHuman = true
		entry = &domain.AuditEntry{
			Action:        domain.ActionStepEscalated,
			Reason:        reason,
			OutputSummary: cause.Error(),
		}
	}

	e.logger.WarnContext(ctx, "step failure absorbed",
		slog.String("run_id", sc.run.ID),
		slog.String("step", st.name),
		slog.String("policy", st.policy.String()),
		slog.String("error", cause.Error()),
	)

	entry.TenantID = sc.run.TenantID
	entry.RunID = sc.run.ID
	entry.Workflow = sc.run.Workflow
	entry.Step = st.name
	if err := e.recorder.Record(ctx, entry); err != nil {
		return err
	}

	sc.run.CurrentStep = st.name
	if err := e.store.UpdateRun(ctx, sc.run); err != nil {
		return err
	}
	sc.kase.UpdatedAt = e.clock().UTC()
	return e.store.UpdateCase(ctx, sc.kase)
}

// finalize enters the terminal completed state exactly once and settles
// the case's business status.
func (e *Executor) finalize(ctx context.Context, sc *stepContext) error {
	now := e.clock().UTC()
	run, kase := sc.run, sc.kase

	if kase.Status != domain.CaseSent && kase.Status != domain.CaseDisqualified {
		switch {
		case kase.NeedsHuman:
			kase.Status = domain.CaseEscalated
		case run.Workflow == domain.WorkflowLeadQualify:
			kase.Status = domain.CaseQualified
		case kase.Draft != nil:
			kase.Status = domain.CaseDraftReady
		default:
			kase.Status = domain.CaseEscalated
		}
	}
	kase.UpdatedAt = now
	if err := e.store.UpdateCase(ctx, kase); err != nil {
		return err
	}

	run.Status = domain.RunCompleted
	ts := now
	run.CompletedAt = &ts
	if run.StartedAt != nil {
		run.DurationSeconds = now.Sub(*run.StartedAt).Seconds()
	}
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return err
	}

	return e.recorder.Record(ctx, &domain.AuditEntry{
		TenantID:      run.TenantID,
		RunID:         run.ID,
		Action:        domain.ActionRunCompleted,
		Workflow:      run.Workflow,
		Step:          run.CurrentStep,
		OutputSummary: string(kase.Status),
	})
}

// failRun marks the run failed. Terminal state is entered exactly once;
// callers must not touch the run afterwards.
func (e *Executor) failRun(ctx context.Context, run *domain.Run, reason domain.ReasonCode, cause error) error {
	now := e.clock().UTC()

	run.Status = domain.RunFailed
	run.ErrorMessage = cause.Error()
	ts := now
	run.CompletedAt = &ts
	if run.StartedAt != nil {
		run.DurationSeconds = now.Sub(*run.StartedAt).Seconds()
	}

	if err := e.store.UpdateRun(ctx, run); err != nil {
		e.logger.ErrorContext(ctx, "failed to persist failed run",
			slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}

	entry := &domain.AuditEntry{
		TenantID:      run.TenantID,
		RunID:         run.ID,
		Action:        domain.ActionError,
		Workflow:      run.Workflow,
		Step:          run.CurrentStep,
		Reason:        reason,
		Actor:         domain.ActorSystem,
		OutputSummary: cause.Error(),
	}
	if err := e.recorder.Record(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "failed to audit run failure",
			slog.String("run_id", run.ID), slog.String("error", err.Error()))
	}

	return cause
}

// resumeIndex returns the index of the first step to execute given the
// last completed step name.
func resumeIndex(steps []step, current string) int {
	if current == "" {
		return 0
	}
	for i, st := range steps {
		if st.name == current {
			return i + 1
		}
	}
	return 0
}
