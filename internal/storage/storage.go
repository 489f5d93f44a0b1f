// Package storage defines the persistence interfaces the platform depends
// on. Two implementations exist: memory (tests, local development) and
// sqldb (sqlx over sqlite or postgres).
package storage

import (
	"context"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// RunFilter narrows ListRuns. Zero-value fields are not applied.
type RunFilter struct {
	TenantID string
	Status   domain.RunStatus
	Workflow domain.WorkflowKind
	Limit    int
	Offset   int
}

// AuditFilter narrows ListAudit. Zero-value fields are not applied.
type AuditFilter struct {
	TenantID string
	RunID    string
	Action   domain.AuditAction
	Limit    int
	Offset   int
}

// RunStore persists runs. ClaimRun is the only conditional write: it
// performs the queued→running transition atomically so two workers can
// never both own the same run.
type RunStore interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	GetRun(ctx context.Context, id string) (*domain.Run, error)

	// ClaimRun flips the run from queued to running and stamps both
	// StartedAt and HeartbeatAt. It reports false, without error, when the
	// run is not in queued state.
	ClaimRun(ctx context.Context, id string, startedAt time.Time) (bool, error)

	// ReclaimRun re-stamps HeartbeatAt on a run already in running state,
	// used when a stale delivery is picked up again. StartedAt is left
	// untouched so the run's duration keeps its original start. It reports
	// false when the run is not running or HeartbeatAt moved since observed.
	ReclaimRun(ctx context.Context, id string, observed, heartbeatAt time.Time) (bool, error)

	UpdateRun(ctx context.Context, run *domain.Run) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error)
}

// CaseStore persists cases. The case payload is document-shaped and stored
// as JSON by the SQL implementation.
type CaseStore interface {
	CreateCase(ctx context.Context, c *domain.Case) error
	GetCase(ctx context.Context, id string) (*domain.Case, error)
	GetCaseByRun(ctx context.Context, runID string) (*domain.Case, error)
	UpdateCase(ctx context.Context, c *domain.Case) error
}

// TenantStore persists tenants. Writes are upserts keyed on ID so config
// reloads converge.
type TenantStore interface {
	UpsertTenant(ctx context.Context, t *domain.Tenant) error
	GetTenant(ctx context.Context, id string) (*domain.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*domain.Tenant, error)
	ListTenants(ctx context.Context) ([]*domain.Tenant, error)
}

// AuditStore is append-only; entries are never updated or deleted.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudit(ctx context.Context, filter AuditFilter) ([]*domain.AuditEntry, error)
}

// BudgetStore persists budget ledger snapshots so counters survive a
// restart within the same UTC day.
type BudgetStore interface {
	SaveBudgetState(ctx context.Context, state *domain.BudgetState) error
	GetBudgetState(ctx context.Context, tenantID, day string) (*domain.BudgetState, error)
}

// Store is the combined persistence surface a deployment wires once.
type Store interface {
	RunStore
	CaseStore
	TenantStore
	AuditStore
	BudgetStore

	Close() error
}

// NotFound builds the canonical not-found error for a storage entity.
func NotFound(kind, id string) error {
	return domain.NewError(domain.ErrorTypeNotFound, "%s %s not found", kind, id)
}
