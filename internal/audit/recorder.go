// Package audit records the append-only trail of observable platform
// actions. Every pipeline step, routing decision, and budget denial lands
// here; the audit log is the source of truth for cost reporting.
package audit

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// summaryLimit caps stored input/output summaries.
const summaryLimit = 500

// Store is the persistence surface the recorder writes through.
type Store interface {
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
}

// secretPattern matches credential-shaped substrings that must never be
// persisted in summaries: API keys, bearer tokens, and key=value secrets.
var secretPattern = regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{8,}|bearer\s+[a-zA-Z0-9._\-+/=]{8,}|(api[_-]?key|token|secret|password)\s*[=:]\s*\S+)`)

// Recorder builds and persists audit entries. A persistence failure is
// returned to the caller: steps must not report success without their
// audit fact on disk.
type Recorder struct {
	store  Store
	logger *slog.Logger
	clock  func() time.Time
}

type Option func(*Recorder)

func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithClock overrides the timestamp source in tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) { r.clock = clock }
}

func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store:  store,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record sanitizes and persists one entry. The entry's ID and CreatedAt are
// assigned here; summaries are redacted and truncated before they leave the
// process.
func (r *Recorder) Record(ctx context.Context, entry *domain.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = "aud_" + uuid.New().String()
	}
	if entry.Actor == "" {
		entry.Actor = domain.ActorWorker
	}
	entry.CreatedAt = r.clock().UTC()
	entry.InputSummary = Sanitize(entry.InputSummary)
	entry.OutputSummary = Sanitize(entry.OutputSummary)

	if err := r.store.AppendAudit(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "audit append failed",
			slog.String("tenant_id", entry.TenantID),
			slog.String("run_id", entry.RunID),
			slog.String("action", string(entry.Action)),
			slog.String("error", err.Error()),
		)
		return domain.WrapError(domain.ErrorTypeInternal, err, "audit append failed")
	}
	return nil
}

// Sanitize redacts credential-shaped substrings and truncates to the
// summary limit. Truncation runs last so redaction cannot be split across
// the cut point.
func Sanitize(s string) string {
	if s == "" {
		return ""
	}
	s = secretPattern.ReplaceAllString(s, "[redacted]")
	if len(s) > summaryLimit {
		s = s[:summaryLimit]
	}
	return s
}
