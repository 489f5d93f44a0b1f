package domain

import "time"

// CaseStatus tracks the business state of a case as the pipeline fills it in.
type CaseStatus string

const (
	CaseNew          CaseStatus = "new"
	CaseProcessing   CaseStatus = "processing"
	CaseDraftReady   CaseStatus = "draft_ready"
	CaseSent         CaseStatus = "sent"
	CaseEscalated    CaseStatus = "escalated"
	CaseQualified    CaseStatus = "qualified"
	CaseDisqualified CaseStatus = "disqualified"
)

// SendStatus records the outcome of the autosend gate.
type SendStatus string

const (
	SendNone    SendStatus = "none"
	SendSent    SendStatus = "sent"
	SendSkipped SendStatus = "skipped"
	SendFailed  SendStatus = "failed"
)

// CaseInput is the normalized webhook payload. Support tickets populate the
// ticket fields, leads populate the contact fields; both share the source
// metadata.
type CaseInput struct {
	ExternalID string `json:"external_id,omitempty"`
	Source     string `json:"source"`

	// Ticket fields.
	FromEmail string `json:"from_email,omitempty"`
	FromName  string `json:"from_name,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body,omitempty"`

	// Lead fields.
	Name    string `json:"name,omitempty"`
	Email   string `json:"email,omitempty"`
	Company string `json:"company,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Message string `json:"message,omitempty"`

	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
}

// Classification is the output of the cheap-model step: category triage for
// tickets, extraction for leads.
type Classification struct {
	// Ticket triage.
	Category      string `json:"category,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Sentiment     string `json:"sentiment,omitempty"`
	SuggestedTeam string `json:"suggested_team,omitempty"`

	// Lead extraction.
	Intent         string  `json:"intent,omitempty"`
	Urgency        string  `json:"urgency,omitempty"`
	Industry       string  `json:"industry,omitempty"`
	CompanySizeCue string  `json:"company_size_cue,omitempty"`
	SpamScore      float64 `json:"spam_score,omitempty"`

	Confidence float64 `json:"confidence"`
	NeedsHuman bool    `json:"needs_human"`
}

// EmailDraft is one generated follow-up email.
type EmailDraft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Draft is the output of the quality-model step: a reply draft for tickets,
// a qualification summary for leads.
type Draft struct {
	// Ticket reply.
	Reply             string   `json:"reply,omitempty"`
	InternalNotes     string   `json:"internal_notes,omitempty"`
	RecommendedAction string   `json:"recommended_action,omitempty"`
	FollowUpQuestions []string `json:"follow_up_questions,omitempty"`

	// Lead qualification.
	QualificationSummary string       `json:"qualification_summary,omitempty"`
	NextStep             string       `json:"next_step,omitempty"`
	Score                float64      `json:"score,omitempty"`
	EmailDrafts          []EmailDraft `json:"email_drafts,omitempty"`
}

// RoutingDecision is the pure output of the rule engine.
type RoutingDecision struct {
	Team       string    `json:"team"`
	SLADueAt   time.Time `json:"sla_due_at"`
	Tags       []string  `json:"tags,omitempty"`
	ForceHuman bool      `json:"force_human"`

	// ForceReason carries the rule that triggered ForceHuman, for audit.
	ForceReason string `json:"force_reason,omitempty"`
}

// Case is the business payload being processed: one per Run, created at
// pipeline start, progressively filled in by each step, and immutable once
// the Run is terminal.
type Case struct {
	ID       string       `json:"id"`
	RunID    string       `json:"run_id"`
	TenantID string       `json:"tenant_id"`
	Workflow WorkflowKind `json:"workflow"`

	Input          CaseInput        `json:"input"`
	Classification *Classification  `json:"classification,omitempty"`
	Draft          *Draft           `json:"draft,omitempty"`
	Routing        *RoutingDecision `json:"routing,omitempty"`

	// NeedsHuman aggregates every escalation source: model-reported,
	// confidence gate, step failure policy, and rule-forced review.
	NeedsHuman bool `json:"needs_human"`

	// CRM references, filled by the lead workflow's crm step.
	CRMContactID string `json:"crm_contact_id,omitempty"`
	CRMDealID    string `json:"crm_deal_id,omitempty"`

	Status     CaseStatus `json:"status"`
	SendStatus SendStatus `json:"send_status"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
