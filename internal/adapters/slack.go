// Package adapters holds the outbound integrations: Slack notifications,
// CRM upserts, and outgoing email. Adapter failures are always mapped to
// the adapter error type so the pipeline can skip-and-continue.
package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// SlackClient posts messages to per-tenant incoming webhooks.
type SlackClient struct {
	httpClient *http.Client
}

type SlackOption func(*SlackClient)

func WithSlackHTTPClient(c *http.Client) SlackOption {
	return func(s *SlackClient) { s.httpClient = c }
}

func NewSlackClient(opts ...SlackOption) *SlackClient {
	s := &SlackClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type slackMessage struct {
	Text string `json:"text"`
}

// Notify posts text to the webhook. Slack replies with a plain "ok" body on
// success; anything else is an adapter error.
func (s *SlackClient) Notify(ctx context.Context, webhookURL, text string) error {
	if webhookURL == "" {
		return domain.NewError(domain.ErrorTypeAdapter, "no slack webhook configured")
	}

	body, err := json.Marshal(slackMessage{Text: text})
	if err != nil {
		return domain.WrapError(domain.ErrorTypeAdapter, err, "encode slack message")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return domain.WrapError(domain.ErrorTypeAdapter, err, "build slack request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return domain.WrapError(domain.ErrorTypeAdapter, err, "post slack message")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return domain.NewError(domain.ErrorTypeAdapter, "slack webhook returned %d", resp.StatusCode)
	}
	return nil
}

// NotifyCase formats and posts the standard triage notification for a
// routed case.
func (s *SlackClient) NotifyCase(ctx context.Context, tenant *domain.Tenant, c *domain.Case) error {
	return s.Notify(ctx, tenant.SlackWebhookURL, FormatCaseMessage(c))
}

// FormatCaseMessage renders the notification text for a case. Tickets and
// leads get different summaries.
func FormatCaseMessage(c *domain.Case) string {
	team := ""
	var due time.Time
	if c.Routing != nil {
		team = c.Routing.Team
		due = c.Routing.SLADueAt
	}

	switch c.Workflow {
	case domain.WorkflowLeadQualify:
		name := c.Input.Name
		if name == "" {
			name = c.Input.Email
		}
		score := 0.0
		next := ""
		if c.Draft != nil {
			score = c.Draft.Score
			next = c.Draft.NextStep
		}
		return fmt.Sprintf("New lead: %s (%s)\nScore: %.0f/100\nNext step: %s\nAssigned: %s",
			name, c.Input.Company, score, next, team)
	default:
		priority := ""
		category := ""
		if c.Classification != nil {
			priority = c.Classification.Priority
			category = c.Classification.Category
		}
		flag := ""
		if c.NeedsHuman {
			flag = "\n:warning: needs human review"
		}
		return fmt.Sprintf("Ticket: %s\nFrom: %s\nCategory: %s / %s\nTeam: %s, due %s%s",
			c.Input.Subject, c.Input.FromEmail, category, priority,
			team, due.Format(time.RFC3339), flag)
	}
}
