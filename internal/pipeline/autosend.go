package pipeline

import (
	"context"
	"fmt"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// autosendAllowed is the single enforcement point for the send decision.
// All three conditions must hold: the tenant opted in, confidence cleared
// the tenant's threshold, and nothing forced human review. Nothing else in
// the codebase may decide to send.
func autosendAllowed(tenant *domain.Tenant, kase *domain.Case) (bool, domain.ReasonCode) {
	if !tenant.AutosendEnabled {
		return false, domain.ReasonAutosendDisabled
	}
	if kase.Classification == nil || kase.Classification.Confidence < tenant.ConfidenceThreshold {
		return false, domain.ReasonLowConfidence
	}
	if kase.NeedsHuman || (kase.Routing != nil && kase.Routing.ForceHuman) {
		return false, domain.ReasonRuleForcedReview
	}
	return true, domain.ReasonConfidenceAboveBar
}

// stepAutosend sends the drafted reply when the gate allows it. A denied
// gate is a normal outcome, not an error; a send failure is absorbed by
// the step's skip policy.
func stepAutosend(ctx context.Context, e *Executor, sc *stepContext) (*domain.AuditEntry, error) {
	allowed, reason := autosendAllowed(sc.tenant, sc.kase)
	if !allowed {
		sc.kase.SendStatus = domain.SendSkipped
		return &domain.AuditEntry{
			Action:        domain.ActionStepSkipped,
			Reason:        reason,
			OutputSummary: "autosend gate denied",
		}, nil
	}

	if sc.kase.Draft == nil || sc.kase.Draft.Reply == "" {
		sc.kase.SendStatus = domain.SendSkipped
		return &domain.AuditEntry{
			Action:        domain.ActionStepSkipped,
			Reason:        domain.ReasonPipelineError,
			OutputSummary: "no draft to send",
		}, nil
	}

	subject := "Re: " + sc.kase.Input.Subject
	if err := e.email.Send(ctx, sc.tenant, sc.kase.Input.FromEmail, subject, sc.kase.Draft.Reply); err != nil {
		sc.kase.SendStatus = domain.SendFailed
		return nil, err
	}

	sc.kase.SendStatus = domain.SendSent
	sc.kase.Status = domain.CaseSent
	return &domain.AuditEntry{
		Action:        domain.ActionEmailSent,
		Reason:        domain.ReasonConfidenceAboveBar,
		OutputSummary: fmt.Sprintf("sent to %s", sc.kase.Input.FromEmail),
	}, nil
}
