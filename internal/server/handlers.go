package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/ingest"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage"
)

// maxWebhookBody bounds inbound webhook payloads.
const maxWebhookBody = 1 << 20

// Ingestor accepts webhook events.
type Ingestor interface {
	Ingest(ctx context.Context, slug string, workflow domain.WorkflowKind, payload []byte) (*ingest.Receipt, error)
}

// ReadStore is the slice of the storage layer the admin surface reads from.
type ReadStore interface {
	GetRun(ctx context.Context, id string) (*domain.Run, error)
	ListRuns(ctx context.Context, f storage.RunFilter) ([]*domain.Run, error)
	GetCaseByRun(ctx context.Context, runID string) (*domain.Case, error)
	ListAudit(ctx context.Context, f storage.AuditFilter) ([]*domain.AuditEntry, error)
	GetTenantBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]*domain.Tenant, error)
}

// UsageSource reports current budget consumption for a tenant.
type UsageSource interface {
	Snapshot(tenantID string) *domain.BudgetState
}

// Handlers bundles the route handlers and their dependencies.
type Handlers struct {
	Ingest Ingestor
	Store  ReadStore
	Usage  UsageSource

	// QueueDepth reports buffered plus in-flight deliveries for healthz.
	// Nil means the queue is not exposed.
	QueueDepth func() int
}

func (h *Handlers) mount(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Post("/webhooks/{tenant}/{workflow}", h.handleWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/runs", h.handleListRuns)
		r.Get("/runs/{runID}", h.handleGetRun)
		r.Get("/audit", h.handleListAudit)
		r.Get("/tenants", h.handleListTenants)
		r.Get("/tenants/{slug}/usage", h.handleTenantUsage)
	})
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok"}
	if h.QueueDepth != nil {
		body["queue_depth"] = h.QueueDepth()
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handlers) handleWebhook(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "tenant")
	workflow := domain.WorkflowKind(chi.URLParam(r, "workflow"))

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, r, domain.WrapError(domain.ErrorTypeValidation, err, "unreadable payload"))
		return
	}

	receipt, err := h.Ingest.Ingest(r.Context(), slug, workflow, payload)
	if err != nil {
		writeError(w, r, err)
		return
	}

	AddLogField(r.Context(), "run_id", receipt.RunID)
	writeJSON(w, http.StatusAccepted, receipt)
}

func (h *Handlers) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.RunFilter{
		TenantID: q.Get("tenant_id"),
		Status:   domain.RunStatus(q.Get("status")),
		Workflow: domain.WorkflowKind(q.Get("workflow")),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	}

	runs, err := h.Store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (h *Handlers) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	run, err := h.Store.GetRun(r.Context(), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	body := map[string]any{"run": run}
	if kase, err := h.Store.GetCaseByRun(r.Context(), runID); err == nil {
		body["case"] = kase
	} else if !domain.IsType(err, domain.ErrorTypeNotFound) {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handlers) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := storage.AuditFilter{
		TenantID: q.Get("tenant_id"),
		RunID:    q.Get("run_id"),
		Action:   domain.AuditAction(q.Get("action")),
		Limit:    intParam(q.Get("limit")),
		Offset:   intParam(q.Get("offset")),
	}

	entries, err := h.Store.ListAudit(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (h *Handlers) handleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.Store.ListTenants(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants, "count": len(tenants)})
}

func (h *Handlers) handleTenantUsage(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	tenant, err := h.Store.GetTenantBySlug(r.Context(), slug)
	if err != nil {
		writeError(w, r, err)
		return
	}

	state := h.Usage.Snapshot(tenant.ID)
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenant.ID,
		"slug":      tenant.Slug,
		"day":       state.Day,
		"usage":     state,
		"limits": map[string]int64{
			"max_runs_per_day":     tenant.MaxRunsPerDay,
			"max_tokens_per_day":   tenant.MaxTokensPerDay,
			"max_items_per_minute": tenant.MaxItemsPerMinute,
		},
	})
}

func intParam(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Default().Error("response encode failed", slog.String("error", err.Error()))
	}
}

// writeError maps a PlatformError onto its HTTP status; anything else is a
// plain 500. The response never leaks wrapped causes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	AddLogField(r.Context(), "error", err.Error())

	var pe *domain.PlatformError
	if errors.As(err, &pe) {
		writeJSON(w, pe.HTTPStatusCode(), map[string]any{
			"error": map[string]string{
				"type":    string(pe.Type),
				"reason":  string(pe.Reason),
				"message": pe.Message,
			},
		})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error": map[string]string{
			"type":    string(domain.ErrorTypeInternal),
			"message": "internal error",
		},
	})
}
