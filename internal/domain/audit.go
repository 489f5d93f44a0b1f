package domain

import "time"

// AuditAction tags what an audit entry records.
type AuditAction string

const (
	ActionTicketCreated    AuditAction = "ticket_created"
	ActionLeadCreated      AuditAction = "lead_created"
	ActionRunStarted       AuditAction = "run_started"
	ActionRunResumed       AuditAction = "run_resumed"
	ActionRunCompleted     AuditAction = "run_completed"
	ActionInputNormalized  AuditAction = "input_normalized"
	ActionClassified       AuditAction = "classified"
	ActionLeadExtracted    AuditAction = "lead_extracted"
	ActionDraftGenerated   AuditAction = "draft_generated"
	ActionLeadQualified    AuditAction = "lead_qualified"
	ActionEmailDrafted     AuditAction = "email_drafted"
	ActionRouted           AuditAction = "routed"
	ActionCRMUpdated       AuditAction = "crm_updated"
	ActionNotificationSent AuditAction = "notification_sent"
	ActionEmailSent        AuditAction = "email_sent"
	ActionLeadDisqualified AuditAction = "lead_disqualified"
	ActionStepSkipped      AuditAction = "step_skipped"
	ActionStepEscalated    AuditAction = "step_escalated"
	ActionBudgetDenied     AuditAction = "budget_denied"
	ActionError            AuditAction = "error"
)

// ReasonCode explains why an entry exists beyond the action itself.
type ReasonCode string

const (
	ReasonBudgetExceeded      ReasonCode = "budget_exceeded"
	ReasonCircuitOpen         ReasonCode = "circuit_open"
	ReasonRateLimited         ReasonCode = "rate_limited"
	ReasonLowConfidence       ReasonCode = "low_confidence_escalation"
	ReasonModelSubstituted    ReasonCode = "model_substituted"
	ReasonHighSpamScore       ReasonCode = "high_spam_score"
	ReasonAdapterFailed       ReasonCode = "adapter_failed"
	ReasonRuleForcedReview    ReasonCode = "rule_forced_review"
	ReasonConfidenceAboveBar  ReasonCode = "confidence_above_threshold"
	ReasonAutosendDisabled    ReasonCode = "autosend_disabled"
	ReasonModelError          ReasonCode = "model_error"
	ReasonPipelineError       ReasonCode = "pipeline_error"
	ReasonWorkflowDisabled    ReasonCode = "workflow_disabled"
	ReasonStaleRunReprocessed ReasonCode = "stale_run_reprocessed"
)

// Audit actors.
const (
	ActorSystem  = "system"
	ActorWorker  = "worker"
	ActorWebhook = "webhook"
	ActorAdmin   = "admin"
)

// AuditEntry is an immutable fact about one observable action. Entries are
// append-only and are the sole source of truth for cost accounting.
type AuditEntry struct {
	ID       string `db:"id" json:"id"`
	TenantID string `db:"tenant_id" json:"tenant_id"`

	// RunID is empty for pre-run events such as an ingestion-side budget
	// denial.
	RunID string `db:"run_id" json:"run_id,omitempty"`

	Action   AuditAction  `db:"action" json:"action"`
	Workflow WorkflowKind `db:"workflow" json:"workflow,omitempty"`
	Step     string       `db:"step" json:"step,omitempty"`

	Model            string  `db:"model" json:"model,omitempty"`
	ModelClass       string  `db:"model_class" json:"model_class,omitempty"`
	InputTokens      int64   `db:"input_tokens" json:"input_tokens"`
	OutputTokens     int64   `db:"output_tokens" json:"output_tokens"`
	EstimatedCostUSD float64 `db:"estimated_cost_usd" json:"estimated_cost_usd"`

	InputSummary  string     `db:"input_summary" json:"input_summary,omitempty"`
	OutputSummary string     `db:"output_summary" json:"output_summary,omitempty"`
	Reason        ReasonCode `db:"reason" json:"reason,omitempty"`

	Actor     string    `db:"actor" json:"actor"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Tokens returns the entry's combined token count.
func (e *AuditEntry) Tokens() int64 {
	return e.InputTokens + e.OutputTokens
}
