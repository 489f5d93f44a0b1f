package domain

import "time"

// Tenant is a client organization. Tenants are mutated only via explicit
// admin update and are never deleted, only deactivated.
type Tenant struct {
	ID   string `db:"id" json:"id"`
	Slug string `db:"slug" json:"slug"`
	Name string `db:"name" json:"name"`

	Active bool `db:"active" json:"active"`

	SupportEnabled bool `db:"support_enabled" json:"support_enabled"`
	SalesEnabled   bool `db:"sales_enabled" json:"sales_enabled"`

	// AutosendEnabled alone never permits a send; the pipeline's autosend
	// gate also requires confidence at or above ConfidenceThreshold and no
	// forced human review.
	AutosendEnabled     bool    `db:"autosend_enabled" json:"autosend_enabled"`
	ConfidenceThreshold float64 `db:"confidence_threshold" json:"confidence_threshold"`

	MaxRunsPerDay     int64 `db:"max_runs_per_day" json:"max_runs_per_day"`
	MaxTokensPerDay   int64 `db:"max_tokens_per_day" json:"max_tokens_per_day"`
	MaxItemsPerMinute int64 `db:"max_items_per_minute" json:"max_items_per_minute"`

	// LocalModelEnabled opts the tenant's cheap tasks into the local model
	// deployment when one is configured.
	LocalModelEnabled bool `db:"local_model_enabled" json:"local_model_enabled"`

	// APIKeyEncrypted is the tenant's encrypted quality-model credential
	// (bring-your-own-key). Empty means the platform key is used.
	APIKeyEncrypted string `db:"api_key_encrypted" json:"-"`

	SlackWebhookURL string `db:"slack_webhook_url" json:"-"`
	CRMBaseURL      string `db:"crm_base_url" json:"-"`
	CRMAPIKey       string `db:"crm_api_key" json:"-"`
	SMTPHost        string `db:"smtp_host" json:"-"`
	SMTPFrom        string `db:"smtp_from" json:"-"`

	// Raw per-workflow rule YAML, parsed and cached by the rules package.
	// RulesVersion changes on every admin update so caches can invalidate.
	SupportRules string `db:"support_rules" json:"support_rules,omitempty"`
	SalesRules   string `db:"sales_rules" json:"sales_rules,omitempty"`
	RulesVersion string `db:"rules_version" json:"rules_version"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// WorkflowEnabled reports whether the given workflow is switched on for the
// tenant.
func (t *Tenant) WorkflowEnabled(w WorkflowKind) bool {
	switch w {
	case WorkflowSupportTriage:
		return t.SupportEnabled
	case WorkflowLeadQualify:
		return t.SalesEnabled
	default:
		return false
	}
}

// RulesFor returns the raw rule YAML configured for the workflow.
func (t *Tenant) RulesFor(w WorkflowKind) string {
	if w == WorkflowLeadQualify {
		return t.SalesRules
	}
	return t.SupportRules
}
