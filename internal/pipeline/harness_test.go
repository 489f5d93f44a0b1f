package pipeline

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/adapters"
	"github.com/JET1478/Claude-B2B-Implementation/internal/audit"
	"github.com/JET1478/Claude-B2B-Implementation/internal/budget"
	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
	"github.com/JET1478/Claude-B2B-Implementation/internal/model"
	"github.com/JET1478/Claude-B2B-Implementation/internal/router"
	"github.com/JET1478/Claude-B2B-Implementation/internal/rules"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage"
	"github.com/JET1478/Claude-B2B-Implementation/internal/storage/memory"
)

// scriptBackend returns canned responses in order; an empty script means
// every call fails with the configured error.
type scriptBackend struct {
	name   string
	class  domain.ModelClass
	script []scripted
	calls  int
	err    error
}

type scripted struct {
	content string
	usage   model.Usage
}

func (b *scriptBackend) Name() string             { return b.name }
func (b *scriptBackend) Class() domain.ModelClass { return b.class }

func (b *scriptBackend) Invoke(_ context.Context, _ string) (*model.Output, model.Usage, error) {
	b.calls++
	if b.err != nil {
		return nil, model.Usage{}, b.err
	}
	i := b.calls - 1
	if i >= len(b.script) {
		i = len(b.script) - 1
	}
	s := b.script[i]
	return &model.Output{Content: s.content, Model: b.name}, s.usage, nil
}

// stubEmail records sends in memory.
type stubEmail struct {
	sent []sentMail
	err  error
}

type sentMail struct {
	to, subject, body string
}

func (s *stubEmail) Send(_ context.Context, _ *domain.Tenant, to, subject, body string) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentMail{to: to, subject: subject, body: body})
	return nil
}

type env struct {
	store   *memory.Store
	cheap   *scriptBackend
	quality *scriptBackend
	email   *stubEmail
	exec    *Executor

	slackCalls int
	crmSrv     *httptest.Server
}

const sampleRules = `
routing:
  default_team: support
  team_map:
    billing: finance
    legal: legal
  sla_hours:
    critical: 2
    high: 8
  force_review_categories: [legal, security]
`

func testTenant(slackURL, crmURL string) *domain.Tenant {
	return &domain.Tenant{
		ID: "t1", Slug: "acme", Name: "Acme",
		Active:              true,
		SupportEnabled:      true,
		SalesEnabled:        true,
		AutosendEnabled:     true,
		ConfidenceThreshold: 0.8,
		MaxRunsPerDay:       1000,
		MaxTokensPerDay:     1_000_000,
		MaxItemsPerMinute:   1000,
		LocalModelEnabled:   true,
		SlackWebhookURL:     slackURL,
		CRMBaseURL:          crmURL,
		CRMAPIKey:           "key",
		SMTPHost:            "mail.acme.example:587",
		SMTPFrom:            "support@acme.example",
		SupportRules:        sampleRules,
		SalesRules:          sampleRules,
		RulesVersion:        "v1",
	}
}

// newEnv builds a full in-process stack with scripted model backends.
func newEnv(t *testing.T, cheapScript, qualityScript []scripted) *env {
	t.Helper()

	e := &env{
		store: memory.New(),
		cheap: &scriptBackend{name: "local_7b", class: domain.ModelClassCheap, script: cheapScript},
		quality: &scriptBackend{name: "quality-large", class: domain.ModelClassQuality,
			script: qualityScript},
		email: &stubEmail{},
	}

	slackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.slackCalls++
		w.Write([]byte("ok"))
	}))
	t.Cleanup(slackSrv.Close)

	e.crmSrv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Path == "/contacts/upsert" {
			w.Write([]byte(`{"id":"contact_1"}`))
			return
		}
		w.Write([]byte(`{"id":"deal_1"}`))
	}))
	t.Cleanup(e.crmSrv.Close)

	tenant := testTenant(slackSrv.URL, e.crmSrv.URL)
	if err := e.store.UpsertTenant(context.Background(), tenant); err != nil {
		t.Fatalf("UpsertTenant: %v", err)
	}

	e.exec = e.newExecutor(t, e.store)
	return e
}

func (e *env) newExecutor(t *testing.T, auditStore audit.Store, opts ...Option) *Executor {
	t.Helper()

	ledger := budget.NewLedger(budget.Config{
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
		MaxCooldown:      time.Hour,
	})
	t.Cleanup(ledger.Close)

	rcache, err := rules.NewCache(16)
	if err != nil {
		t.Fatalf("rules.NewCache: %v", err)
	}

	return NewExecutor(Config{
		Store:    e.store,
		Recorder: audit.NewRecorder(auditStore),
		Router: router.New(e.quality, ledger,
			router.WithCheapBackend(e.cheap)),
		Rules:       rcache,
		Slack:       adapters.NewSlackClient(),
		CRM:         adapters.NewCRMClient(),
		Email:       e.email,
		StepTimeout: 5 * time.Second,
		StaleAfter:  10 * time.Minute,
	}, opts...)
}

// seedRun creates a queued run plus its case.
func (e *env) seedRun(t *testing.T, wf domain.WorkflowKind, input domain.CaseInput) *domain.Run {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	run := &domain.Run{
		ID: "run1", TenantID: "t1", Workflow: wf,
		Status: domain.RunQueued, CreatedAt: now,
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	kase := &domain.Case{
		ID: "case1", RunID: run.ID, TenantID: "t1", Workflow: wf,
		Input: input, Status: domain.CaseNew, SendStatus: domain.SendNone,
		CreatedAt: now, UpdatedAt: now,
	}
	if err := e.store.CreateCase(ctx, kase); err != nil {
		t.Fatalf("CreateCase: %v", err)
	}
	return run
}

func ticketInput() domain.CaseInput {
	return domain.CaseInput{
		Source:    "zendesk",
		FromEmail: "sam@example.com",
		FromName:  "Sam",
		Subject:   "Cannot log in",
		Body:      "My password reset link never arrives.",
	}
}

func leadInput() domain.CaseInput {
	return domain.CaseInput{
		Source:  "webform",
		Name:    "Dana Reyes",
		Email:   "dana@bigco.example",
		Company: "BigCo",
		Message: "We need this for a 200-seat rollout next quarter.",
	}
}

func classifyJSON(confidence float64) scripted {
	return scripted{
		content: `{"category":"account","priority":"high","sentiment":"negative","suggested_team":"support","confidence":` + formatFloat(confidence) + `,"needs_human":false}`,
		usage:   model.Usage{InputTokens: 120, OutputTokens: 40},
	}
}

func extractJSON(spam, confidence float64) scripted {
	return scripted{
		content: `{"intent":"buy","urgency":"high","industry":"retail","spam_score":` + formatFloat(spam) + `,"confidence":` + formatFloat(confidence) + `,"needs_human":false}`,
		usage:   model.Usage{InputTokens: 110, OutputTokens: 45},
	}
}

func draftJSON() scripted {
	return scripted{
		content: `{"reply":"Hi Sam, we have re-sent your reset link.","internal_notes":"link expiry bug","recommended_action":"resend","follow_up_questions":[]}`,
		usage:   model.Usage{InputTokens: 900, OutputTokens: 250},
	}
}

func qualifyJSON() scripted {
	return scripted{
		content: `{"qualification_summary":"Large rollout, budget likely.","next_step":"book a demo","score":82}`,
		usage:   model.Usage{InputTokens: 700, OutputTokens: 180},
	}
}

func emailsJSON() scripted {
	return scripted{
		content: `{"emails":[{"subject":"Your rollout","body":"Hi Dana"},{"subject":"Demo slots","body":"Hello again"}]}`,
		usage:   model.Usage{InputTokens: 500, OutputTokens: 220},
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// auditEntries fetches the run's trail.
func auditEntries(t *testing.T, store *memory.Store, runID string) []*domain.AuditEntry {
	t.Helper()
	entries, err := store.ListAudit(context.Background(), storage.AuditFilter{RunID: runID})
	if err != nil {
		t.Fatalf("ListAudit: %v", err)
	}
	return entries
}

func hasAction(entries []*domain.AuditEntry, action domain.AuditAction) *domain.AuditEntry {
	for _, e := range entries {
		if e.Action == action {
			return e
		}
	}
	return nil
}
