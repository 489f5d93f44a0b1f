package adapters

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/testutil"
)

func TestNotify_Replayed(t *testing.T) {
	client := NewSlackClient(WithSlackHTTPClient(testutil.VCR(t, "slack_notify")))

	text := "Ticket: Cannot log in\nFrom: sam@example.com\nCategory: account / high\nTeam: support, due 2026-03-01T14:00:00Z"
	err := client.Notify(context.Background(), "https://hooks.slack.com/services/T0001/B0001/replaytoken", text)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestNotify_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid_payload", http.StatusBadRequest)
	}))
	defer srv.Close()

	client := NewSlackClient(WithSlackHTTPClient(srv.Client()))
	err := client.Notify(context.Background(), srv.URL, "hello")
	if !domain.IsType(err, domain.ErrorTypeAdapter) {
		t.Fatalf("err = %v, want adapter error", err)
	}
}

func TestNotify_MissingWebhook(t *testing.T) {
	client := NewSlackClient()
	err := client.Notify(context.Background(), "", "hello")
	if !domain.IsType(err, domain.ErrorTypeAdapter) {
		t.Fatalf("err = %v, want adapter error", err)
	}
}

func TestFormatCaseMessage(t *testing.T) {
	due := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)

	ticket := &domain.Case{
		Workflow: domain.WorkflowSupportTriage,
		Input:    domain.CaseInput{Subject: "Cannot log in", FromEmail: "sam@example.com"},
		Classification: &domain.Classification{Category: "account", Priority: "high"},
		Routing:  &domain.RoutingDecision{Team: "support", SLADueAt: due},
		NeedsHuman: true,
	}
	msg := FormatCaseMessage(ticket)
	for _, want := range []string{"Cannot log in", "sam@example.com", "account / high", "support", "needs human review"} {
		if !strings.Contains(msg, want) {
			t.Errorf("ticket message missing %q:\n%s", want, msg)
		}
	}

	lead := &domain.Case{
		Workflow: domain.WorkflowLeadQualify,
		Input:    domain.CaseInput{Name: "Dana Reyes", Company: "BigCo"},
		Draft:    &domain.Draft{Score: 82, NextStep: "book a demo"},
		Routing:  &domain.RoutingDecision{Team: "sales"},
	}
	msg = FormatCaseMessage(lead)
	for _, want := range []string{"Dana Reyes", "BigCo", "82/100", "book a demo", "sales"} {
		if !strings.Contains(msg, want) {
			t.Errorf("lead message missing %q:\n%s", want, msg)
		}
	}
}
