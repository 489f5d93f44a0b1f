// Package domain provides the canonical types shared across the platform:
// runs, cases, tenants, audit entries, budget state, and the error taxonomy.
package domain

import "time"

// WorkflowKind identifies a fixed pipeline definition.
type WorkflowKind string

const (
	WorkflowSupportTriage WorkflowKind = "support_triage"
	WorkflowLeadQualify   WorkflowKind = "lead_qualify"
)

// Valid reports whether the workflow kind is one the platform knows about.
func (w WorkflowKind) Valid() bool {
	return w == WorkflowSupportTriage || w == WorkflowLeadQualify
}

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final. A terminal Run is never
// reopened.
func (s RunStatus) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// ModelClass distinguishes the two backing model tiers.
type ModelClass string

const (
	ModelClassCheap   ModelClass = "cheap"
	ModelClassQuality ModelClass = "quality"
)

// Run is one end-to-end execution of a workflow pipeline for one ingested
// event. Status, step, and counter fields are mutated only by the worker
// that holds the queued→running transition; everything else is write-once.
type Run struct {
	ID       string       `db:"id" json:"id"`
	TenantID string       `db:"tenant_id" json:"tenant_id"`
	Workflow WorkflowKind `db:"workflow" json:"workflow"`
	Status   RunStatus    `db:"status" json:"status"`

	CurrentStep  string `db:"current_step" json:"current_step"`
	ErrorMessage string `db:"error_message" json:"error_message,omitempty"`

	// Per-model-class usage accumulators. The reconciliation invariant ties
	// these to the sum of the run's audit entries.
	CheapCalls          int64   `db:"cheap_calls" json:"cheap_calls"`
	CheapTokens         int64   `db:"cheap_tokens" json:"cheap_tokens"`
	QualityCalls        int64   `db:"quality_calls" json:"quality_calls"`
	QualityInputTokens  int64   `db:"quality_input_tokens" json:"quality_input_tokens"`
	QualityOutputTokens int64   `db:"quality_output_tokens" json:"quality_output_tokens"`
	EstimatedCostUSD    float64 `db:"estimated_cost_usd" json:"estimated_cost_usd"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	StartedAt   *time.Time `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`

	// HeartbeatAt is the claim liveness stamp. It moves on every claim and
	// reclaim while StartedAt keeps the first queued→running transition, so
	// a resumed run's duration still spans from the original start.
	HeartbeatAt *time.Time `db:"heartbeat_at" json:"heartbeat_at,omitempty"`

	// DurationSeconds is measured from the first queued→running transition
	// to the terminal transition.
	DurationSeconds float64 `db:"duration_seconds" json:"duration_seconds"`
}

// TotalTokens returns the combined token count across both model classes.
func (r *Run) TotalTokens() int64 {
	return r.CheapTokens + r.QualityInputTokens + r.QualityOutputTokens
}
