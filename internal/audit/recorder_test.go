package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

type captureStore struct {
	entries []*domain.AuditEntry
	err     error
}

func (s *captureStore) AppendAudit(_ context.Context, entry *domain.AuditEntry) error {
	if s.err != nil {
		return s.err
	}
	s.entries = append(s.entries, entry)
	return nil
}

func TestRecord_AssignsIdentityAndTimestamp(t *testing.T) {
	store := &captureStore{}
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecorder(store, WithClock(func() time.Time { return fixed }))

	entry := &domain.AuditEntry{
		TenantID: "t1",
		RunID:    "run1",
		Action:   domain.ActionClassified,
	}
	if err := rec.Record(context.Background(), entry); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got := store.entries[0]
	if got.ID == "" {
		t.Error("ID not assigned")
	}
	if got.Actor != domain.ActorWorker {
		t.Errorf("Actor = %q, want worker default", got.Actor)
	}
	if !got.CreatedAt.Equal(fixed) {
		t.Errorf("CreatedAt = %s, want %s", got.CreatedAt, fixed)
	}
}

func TestRecord_StoreFailurePropagates(t *testing.T) {
	store := &captureStore{err: errors.New("disk full")}
	rec := NewRecorder(store)

	err := rec.Record(context.Background(), &domain.AuditEntry{
		TenantID: "t1",
		Action:   domain.ActionRouted,
	})
	if !domain.IsType(err, domain.ErrorTypeInternal) {
		t.Fatalf("err = %v, want internal error", err)
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain text untouched", "customer cannot log in", "customer cannot log in"},
		{"anthropic-style key", "using sk-ant-abc123def456 for auth", "using [redacted] for auth"},
		{"bearer token", "header was Bearer eyJhbGciOiJIUzI1NiJ9.payload", "header was [redacted]"},
		{"key=value secret", "config api_key=supersecret123 loaded", "config [redacted] loaded"},
		{"password colon", "password: hunter22345", "[redacted]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.in); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitize_TruncatesAfterRedaction(t *testing.T) {
	long := strings.Repeat("a", 490) + " api_key=secretvalue1234 tail"
	got := Sanitize(long)
	if len(got) > 500 {
		t.Errorf("len = %d, want <= 500", len(got))
	}
	if strings.Contains(got, "secretvalue1234") {
		t.Error("secret survived sanitization")
	}
}
