// Package router selects the model class for a pipeline task, enforces the
// budget reserve/commit protocol around every call, and applies the
// retry-and-fallback policy.
package router

import (
	"context"
	"log/slog"

	"github.com/JET1478/Claude-B2B-Implementation/internal/budget"
	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/model"
)

// TaskKind identifies what a model call is for. The kind, not the caller,
// decides which model class serves it.
type TaskKind string

const (
	TaskClassify   TaskKind = "classify"
	TaskExtract    TaskKind = "extract"
	TaskDraft      TaskKind = "draft"
	TaskQualify    TaskKind = "qualify"
	TaskEmailDraft TaskKind = "email_draft"
)

// cheapEligible reports whether the task may run on the cheap tier.
// Drafting and qualification always take the quality model.
func cheapEligible(task TaskKind) bool {
	return task == TaskClassify || task == TaskExtract
}

// Invocation is the outcome of one routed model call.
type Invocation struct {
	Content string
	Model   string
	Class   domain.ModelClass
	Usage   model.Usage
	CostUSD float64

	// Substituted is set when a tenant opted into the cheap tier but the
	// task still ended up on the quality model, either because the cheap
	// backend failed or because no local deployment is wired. Tenants with
	// the local model disabled route to quality without this flag.
	Substituted bool
}

// Router owns the two model backends and the budget ledger handshake.
type Router struct {
	cheap     model.Backend // nil when no local deployment is configured
	quality   model.Backend
	ledger    *budget.Ledger
	estimator *model.Estimator
	logger    *slog.Logger
}

type Option func(*Router)

func WithCheapBackend(b model.Backend) Option {
	return func(r *Router) { r.cheap = b }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func New(quality model.Backend, ledger *budget.Ledger, opts ...Option) *Router {
	r := &Router{
		quality:   quality,
		ledger:    ledger,
		estimator: model.NewEstimator(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// limitsFor maps tenant quota fields onto the ledger's limit set.
func limitsFor(t *domain.Tenant) budget.Limits {
	return budget.Limits{
		MaxRunsPerDay:     t.MaxRunsPerDay,
		MaxTokensPerDay:   t.MaxTokensPerDay,
		MaxItemsPerMinute: t.MaxItemsPerMinute,
	}
}

// Invoke reserves budget, runs the task on the selected backend, and
// commits actual usage. Every model call in the platform goes through
// here; there is no bypass path.
//
// Failure policy: a transient error gets one retry on the same backend.
// A cheap-tier call that still fails falls back to the quality model and
// the result is flagged Substituted. A quality-tier call that still fails
// is reported to the ledger as a breaker failure. The committed usage, and
// the usage the caller sees, covers every attempt made, failed ones
// included.
func (r *Router) Invoke(ctx context.Context, tenant *domain.Tenant, task TaskKind, prompt string, maxOutput int) (*Invocation, error) {
	limits := limitsFor(tenant)
	est := r.estimator.EstimateTokens(prompt, maxOutput)

	if err := r.ledger.Reserve(tenant.ID, limits, est); err != nil {
		return nil, err
	}

	backend := r.quality
	substituted := false
	if cheapEligible(task) && tenant.LocalModelEnabled {
		if r.cheap != nil {
			backend = r.cheap
		} else {
			// The tenant opted in but no local deployment is wired.
			substituted = true
		}
	}

	// total carries the consumption of every attempt, failed ones
	// included; partial consumption is always accounted.
	out, usage, err := r.invokeWithRetry(ctx, backend, prompt)
	total := usage
	cost := model.EstimateCost(backend.Class(), usage)
	if err != nil && backend.Class() == domain.ModelClassCheap {
		r.logger.WarnContext(ctx, "cheap model failed, substituting quality",
			slog.String("tenant_id", tenant.ID),
			slog.String("task", string(task)),
			slog.String("error", err.Error()),
		)
		backend = r.quality
		substituted = true
		out, usage, err = r.invokeWithRetry(ctx, backend, prompt)
		total = addUsage(total, usage)
		cost += model.EstimateCost(backend.Class(), usage)
	}

	if err != nil {
		r.ledger.Commit(tenant.ID, total.Total(), false)
		return nil, err
	}

	r.ledger.Commit(tenant.ID, total.Total(), true)

	return &Invocation{
		Content:     out.Content,
		Model:       backend.Name(),
		Class:       backend.Class(),
		Usage:       total,
		CostUSD:     cost,
		Substituted: substituted,
	}, nil
}

func addUsage(a, b model.Usage) model.Usage {
	return model.Usage{
		InputTokens:  a.InputTokens + b.InputTokens,
		OutputTokens: a.OutputTokens + b.OutputTokens,
	}
}

// invokeWithRetry retries once on a transient error. Permanent errors and
// context cancellation fail immediately. The returned usage sums both
// attempts; a backend may consume tokens on a call that still fails.
func (r *Router) invokeWithRetry(ctx context.Context, backend model.Backend, prompt string) (*model.Output, model.Usage, error) {
	out, usage, err := backend.Invoke(ctx, prompt)
	if err == nil || ctx.Err() != nil {
		return out, usage, err
	}
	if !domain.IsType(err, domain.ErrorTypeModelTransient) {
		return nil, usage, err
	}

	r.logger.DebugContext(ctx, "transient model error, retrying",
		slog.String("model", backend.Name()),
		slog.String("error", err.Error()),
	)
	out, retryUsage, err := backend.Invoke(ctx, prompt)
	return out, addUsage(usage, retryUsage), err
}
