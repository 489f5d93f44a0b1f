package domain

import "time"

// BreakerState is the circuit breaker position for a tenant's quality-model
// calls.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BudgetState is a per-tenant-per-day snapshot of quota consumption and
// breaker position. Days are UTC calendar dates. Mutation happens only
// inside the budget ledger; this type exists for persistence and the admin
// usage surface.
type BudgetState struct {
	TenantID string `db:"tenant_id" json:"tenant_id"`
	Day      string `db:"day" json:"day"`

	RunsUsed   int64 `db:"runs_used" json:"runs_used"`
	TokensUsed int64 `db:"tokens_used" json:"tokens_used"`

	Breaker             BreakerState `db:"breaker" json:"breaker"`
	ConsecutiveFailures int          `db:"consecutive_failures" json:"consecutive_failures"`
	TrippedAt           *time.Time   `db:"tripped_at" json:"tripped_at,omitempty"`
	Cooldown            time.Duration `db:"cooldown" json:"cooldown"`
}
