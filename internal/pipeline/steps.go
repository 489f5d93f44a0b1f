package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/adapters"
	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/router"
	"github.com/JET1478/Claude-B2B-Implementation/internal/rules"
)

// stepPolicy declares how a step's recoverable failure is absorbed.
type stepPolicy int

const (
	// policyAbort fails the run.
	policyAbort stepPolicy = iota
	// policySkip records the failure and continues.
	policySkip
	// policyEscalate marks the case for human review and continues.
	policyEscalate
)

func (p stepPolicy) String() string {
	switch p {
	case policySkip:
		return "skip"
	case policyEscalate:
		return "escalate"
	default:
		return "abort"
	}
}

// stepContext is the mutable state threaded through one execution.
type stepContext struct {
	run    *domain.Run
	kase   *domain.Case
	tenant *domain.Tenant
	rules  *rules.RuleSet

	// done short-circuits the remaining steps (spam gate).
	done bool
}

type stepFunc func(ctx context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error)

// step is one named stage of a workflow. The tables below are fixed at
// compile time; there is no dynamic composition.
type step struct {
	name   string
	policy stepPolicy
	fn     stepFunc
}

var supportSteps = []step{
	{name: "normalize", policy: policyAbort, fn: stepNormalize},
	{name: "classify", policy: policyEscalate, fn: stepClassify},
	{name: "draft", policy: policyEscalate, fn: stepDraft},
	{name: "route", policy: policyAbort, fn: stepRoute},
	{name: "notify", policy: policySkip, fn: stepNotify},
	{name: "autosend", policy: policySkip, fn: stepAutosend},
}

var leadSteps = []step{
	{name: "normalize", policy: policyAbort, fn: stepNormalize},
	{name: "extract", policy: policyEscalate, fn: stepExtract},
	{name: "spam_gate", policy: policyAbort, fn: stepSpamGate},
	{name: "qualify", policy: policyEscalate, fn: stepQualify},
	{name: "crm", policy: policySkip, fn: stepCRM},
	{name: "email_draft", policy: policyEscalate, fn: stepEmailDraft},
	{name: "route", policy: policyAbort, fn: stepRoute},
	{name: "notify", policy: policySkip, fn: stepNotify},
}

func stepsFor(w domain.WorkflowKind) []step {
	if w == domain.WorkflowLeadQualify {
		return leadSteps
	}
	return supportSteps
}

// stepNormalize validates the persisted input and moves the case into
// processing. Malformed input aborts before any model spend.
func stepNormalize(_ context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	in := sc.kase.Input
	switch sc.run.Workflow {
	case domain.WorkflowSupportTriage:
		if in.Subject == "" && in.Body == "" {
			return nil, domain.NewError(domain.ErrorTypeValidation, "ticket has neither subject nor body")
		}
		if in.FromEmail == "" {
			return nil, domain.NewError(domain.ErrorTypeValidation, "ticket has no sender address")
		}
	case domain.WorkflowLeadQualify:
		if in.Email == "" {
			return nil, domain.NewError(domain.ErrorTypeValidation, "lead has no email")
		}
	}

	sc.kase.Status = domain.CaseProcessing
	return &domain.AuditEntry{
		Action:       domain.ActionInputNormalized,
		InputSummary: fmt.Sprintf("source=%s external_id=%s", in.Source, in.ExternalID),
	}, nil
}

// stepClassify triages a ticket on the cheap tier and applies the
// confidence gate.
func stepClassify(ctx context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	prompt := classifyPrompt(sc.kase)
	inv, err := e.router.Invoke(ctx, sc.tenant, router.TaskClassify, prompt, classifyMaxTokens)
	if err != nil {
		return nil, err
	}
	accumulateUsage(sc.run, inv)
	entry := modelEntry(domain.ActionClassified, inv, prompt)

	var cls domain.Classification
	if perr := parseModelJSON(inv.Content, &cls); perr != nil {
		entry.Reason = domain.ReasonModelError
		entry.OutputSummary = inv.Content
		return entry, perr
	}
	sc.kase.Classification = &cls

	entry.OutputSummary = fmt.Sprintf("category=%s priority=%s confidence=%.2f", cls.Category, cls.Priority, cls.Confidence)
	applyConfidenceGate(sc, entry)
	return entry, nil
}

// stepExtract pulls structured lead fields on the cheap tier.
func stepExtract(ctx context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	prompt := extractPrompt(sc.kase)
	inv, err := e.router.Invoke(ctx, sc.tenant, router.TaskExtract, prompt, classifyMaxTokens)
	if err != nil {
		return nil, err
	}
	accumulateUsage(sc.run, inv)
	entry := modelEntry(domain.ActionLeadExtracted, inv, prompt)

	var cls domain.Classification
	if perr := parseModelJSON(inv.Content, &cls); perr != nil {
		entry.Reason = domain.ReasonModelError
		entry.OutputSummary = inv.Content
		return entry, perr
	}
	sc.kase.Classification = &cls

	entry.OutputSummary = fmt.Sprintf("intent=%s spam=%.2f confidence=%.2f", cls.Intent, cls.SpamScore, cls.Confidence)
	applyConfidenceGate(sc, entry)
	return entry, nil
}

// spamThreshold disqualifies obvious junk before quality-model spend.
const spamThreshold = 0.8

// stepSpamGate completes the run early when the extracted spam score is
// past the threshold.
func stepSpamGate(_ context.Context, _ *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	cls := sc.kase.Classification
	if cls == nil || cls.SpamScore <= spamThreshold {
		return nil, nil
	}

	sc.kase.Status = domain.CaseDisqualified
	sc.done = true
	return &domain.AuditEntry{
		Action:        domain.ActionLeadDisqualified,
		Reason:        domain.ReasonHighSpamScore,
		OutputSummary: fmt.Sprintf("spam_score=%.2f", cls.SpamScore),
	}, nil
}

// stepDraft writes the ticket reply on the quality tier.
func stepDraft(ctx context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	prompt := draftPrompt(sc.kase)
	inv, err := e.router.Invoke(ctx, sc.tenant, router.TaskDraft, prompt, draftMaxTokens)
	if err != nil {
		return nil, err
	}
	accumulateUsage(sc.run, inv)
	entry := modelEntry(domain.ActionDraftGenerated, inv, prompt)

	var draft domain.Draft
	if perr := parseModelJSON(inv.Content, &draft); perr != nil {
		entry.Reason = domain.ReasonModelError
		entry.OutputSummary = inv.Content
		return entry, perr
	}
	sc.kase.Draft = &draft

	entry.OutputSummary = draft.Reply
	return entry, nil
}

// stepQualify scores the lead on the quality tier.
func stepQualify(ctx context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	prompt := qualifyPrompt(sc.kase)
	inv, err := e.router.Invoke(ctx, sc.tenant, router.TaskQualify, prompt, draftMaxTokens)
	if err != nil {
		return nil, err
	}
	accumulateUsage(sc.run, inv)
	entry := modelEntry(domain.ActionLeadQualified, inv, prompt)

	var draft domain.Draft
	if perr := parseModelJSON(inv.Content, &draft); perr != nil {
		entry.Reason = domain.ReasonModelError
		entry.OutputSummary = inv.Content
		return entry, perr
	}
	sc.kase.Draft = &draft

	entry.OutputSummary = fmt.Sprintf("score=%.0f next_step=%s", draft.Score, draft.NextStep)
	return entry, nil
}

// stepCRM upserts the contact and opens a deal. Best-effort.
func stepCRM(ctx context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	in := sc.kase.Input
	contactID, err := e.crm.UpsertContact(ctx, sc.tenant, adapters.Contact{
		Email:   in.Email,
		Name:    in.Name,
		Company: in.Company,
		Phone:   in.Phone,
		Source:  in.Source,
	})
	if err != nil {
		return nil, err
	}
	sc.kase.CRMContactID = contactID

	score := 0.0
	if sc.kase.Draft != nil {
		score = sc.kase.Draft.Score
	}
	dealID, err := e.crm.CreateDeal(ctx, sc.tenant, adapters.Deal{
		ContactID: contactID,
		Title:     adapters.DealTitle(sc.kase),
		Score:     score,
		Stage:     "qualified",
	})
	if err != nil {
		return nil, err
	}
	sc.kase.CRMDealID = dealID

	return &domain.AuditEntry{
		Action:        domain.ActionCRMUpdated,
		OutputSummary: fmt.Sprintf("contact=%s deal=%s", contactID, dealID),
	}, nil
}

// stepEmailDraft generates follow-up emails for a qualified lead.
func stepEmailDraft(ctx context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	prompt := emailDraftPrompt(sc.kase)
	inv, err := e.router.Invoke(ctx, sc.tenant, router.TaskEmailDraft, prompt, draftMaxTokens)
	if err != nil {
		return nil, err
	}
	accumulateUsage(sc.run, inv)
	entry := modelEntry(domain.ActionEmailDrafted, inv, prompt)

	var out struct {
		Emails []domain.EmailDraft `json:"emails"`
	}
	if perr := parseModelJSON(inv.Content, &out); perr != nil {
		entry.Reason = domain.ReasonModelError
		entry.OutputSummary = inv.Content
		return entry, perr
	}
	if sc.kase.Draft == nil {
		sc.kase.Draft = &domain.Draft{}
	}
	sc.kase.Draft.EmailDrafts = out.Emails

	entry.OutputSummary = fmt.Sprintf("%d drafts", len(out.Emails))
	return entry, nil
}

// stepRoute evaluates the tenant's rules. Pure; a failure here is a
// programming error and aborts.
func stepRoute(_ context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	cls := sc.kase.Classification
	if cls == nil {
		cls = &domain.Classification{}
	}
	decision := rules.Evaluate(sc.rules, cls, e.clock().UTC())
	sc.kase.Routing = decision
	if decision.ForceHuman {
		sc.kase.NeedsHuman = true
	}

	entry := &domain.AuditEntry{
		Action:        domain.ActionRouted,
		OutputSummary: fmt.Sprintf("team=%s due=%s tags=%v", decision.Team, decision.SLADueAt.Format(time.RFC3339), decision.Tags),
	}
	if decision.ForceHuman {
		entry.Reason = domain.ReasonRuleForcedReview
	}
	return entry, nil
}

// stepNotify posts the Slack summary. Best-effort.
func stepNotify(ctx context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	if err := e.slack.NotifyCase(ctx, sc.tenant, sc.kase); err != nil {
		return nil, err
	}
	return &domain.AuditEntry{
		Action:        domain.ActionNotificationSent,
		OutputSummary: fmt.Sprintf("slack team=%s", teamOf(sc.kase)),
	}, nil
}

func teamOf(c *domain.Case) string {
	if c.Routing == nil {
		return ""
	}
	return c.Routing.Team
}

// accumulateUsage folds one invocation into the run's counters. These
// counters must reconcile with the sum of the run's audit entries.
func accumulateUsage(run *domain.Run, inv *router.Invocation) {
	if inv.Class == domain.ModelClassCheap {
		run.CheapCalls++
		run.CheapTokens += inv.Usage.Total()
	} else {
		run.QualityCalls++
		run.QualityInputTokens += inv.Usage.InputTokens
		run.QualityOutputTokens += inv.Usage.OutputTokens
	}
	run.EstimatedCostUSD += inv.CostUSD
}

// modelEntry builds the audit skeleton for a model-call step.
func modelEntry(action domain.AuditAction, inv *router.Invocation, prompt string) *domain.AuditEntry {
	entry := &domain.AuditEntry{
		Action:           action,
		Model:            inv.Model,
		ModelClass:       string(inv.Class),
		InputTokens:      inv.Usage.InputTokens,
		OutputTokens:     inv.Usage.OutputTokens,
		EstimatedCostUSD: inv.CostUSD,
		InputSummary:     prompt,
	}
	if inv.Substituted {
		entry.Reason = domain.ReasonModelSubstituted
	}
	return entry
}

// applyConfidenceGate force-escalates the case when reported confidence is
// under the tenant's threshold. The gate only fires once there is a
// classification to judge.
func applyConfidenceGate(sc *stepContext, entry *domain.AuditEntry) {
	cls := sc.kase.Classification
	if cls == nil {
		return
	}
	if cls.NeedsHuman {
		sc.kase.NeedsHuman = true
	}
	if cls.Confidence < sc.tenant.ConfidenceThreshold {
		sc.kase.NeedsHuman = true
		if entry.Reason == "" {
			entry.Reason = domain.ReasonLowConfidence
		}
	}
}
