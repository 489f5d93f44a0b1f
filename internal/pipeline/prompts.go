package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

const (
	classifyMaxTokens = 400
	draftMaxTokens    = 1024
)

func classifyPrompt(c *domain.Case) string {
	return fmt.Sprintf(`Classify this support ticket. Respond with a single JSON object:
{"category": one of [billing, account, technical, feature_request, other],
 "priority": one of [low, medium, high, critical],
 "sentiment": one of [positive, neutral, negative],
 "suggested_team": string,
 "confidence": 0.0-1.0,
 "needs_human": bool}

Subject: %s
From: %s
Body:
%s`, c.Input.Subject, c.Input.FromEmail, c.Input.Body)
}

func extractPrompt(c *domain.Case) string {
	return fmt.Sprintf(`Extract lead signals from this form submission. Respond with a single JSON object:
{"intent": one of [buy, evaluate, support, hiring, other],
 "urgency": one of [low, medium, high],
 "industry": string,
 "company_size_cue": string,
 "spam_score": 0.0-1.0,
 "confidence": 0.0-1.0,
 "needs_human": bool}

Name: %s
Email: %s
Company: %s
Message:
%s`, c.Input.Name, c.Input.Email, c.Input.Company, c.Input.Message)
}

func draftPrompt(c *domain.Case) string {
	cls := "{}"
	if c.Classification != nil {
		if raw, err := json.Marshal(c.Classification); err == nil {
			cls = string(raw)
		}
	}
	return fmt.Sprintf(`Write a reply to this support ticket. Respond with a single JSON object:
{"reply": string,
 "internal_notes": string,
 "recommended_action": string,
 "follow_up_questions": [string]}

Classification: %s
Subject: %s
From: %s %s
Body:
%s`, cls, c.Input.Subject, c.Input.FromName, c.Input.FromEmail, c.Input.Body)
}

func qualifyPrompt(c *domain.Case) string {
	cls := "{}"
	if c.Classification != nil {
		if raw, err := json.Marshal(c.Classification); err == nil {
			cls = string(raw)
		}
	}
	return fmt.Sprintf(`Qualify this inbound lead. Respond with a single JSON object:
{"qualification_summary": string,
 "next_step": string,
 "score": 0-100}

Extraction: %s
Name: %s
Company: %s
Message:
%s`, cls, c.Input.Name, c.Input.Company, c.Input.Message)
}

func emailDraftPrompt(c *domain.Case) string {
	summary := ""
	if c.Draft != nil {
		summary = c.Draft.QualificationSummary
	}
	return fmt.Sprintf(`Draft two short follow-up emails for this qualified lead. Respond with a single JSON object:
{"emails": [{"subject": string, "body": string}, {"subject": string, "body": string}]}

Qualification: %s
Name: %s
Company: %s`, summary, c.Input.Name, c.Input.Company)
}

// parseModelJSON decodes the first JSON object found in model output.
// Models occasionally wrap the object in prose or code fences; anything
// that still fails to decode is a permanent model error for the step.
func parseModelJSON(content string, out any) error {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return domain.NewError(domain.ErrorTypeModelPermanent, "model output contains no JSON object").
			WithReason(domain.ReasonModelError)
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), out); err != nil {
		return domain.WrapError(domain.ErrorTypeModelPermanent, err, "model output is not valid JSON").
			WithReason(domain.ReasonModelError)
	}
	return nil
}
