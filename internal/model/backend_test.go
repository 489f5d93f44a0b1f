package model

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

func TestLocalBackendInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Write([]byte(`{"content":"{\"category\":\"billing\"}","tokens_evaluated":180,"tokens_predicted":42}`))
	}))
	defer srv.Close()

	b := NewLocal(srv.URL, time.Second)
	out, usage, err := b.Invoke(context.Background(), "classify this")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Content == "" || out.Model != "local_7b" {
		t.Errorf("output = %+v", out)
	}
	if usage.InputTokens != 180 || usage.OutputTokens != 42 {
		t.Errorf("usage = %+v", usage)
	}
	if b.Class() != domain.ModelClassCheap {
		t.Errorf("class = %s", b.Class())
	}
}

func TestLocalBackendErrorTagging(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantType domain.ErrorType
	}{
		{"server error is transient", 500, domain.ErrorTypeModelTransient},
		{"bad request is permanent", 400, domain.ErrorTypeModelPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			b := NewLocal(srv.URL, time.Second)
			_, _, err := b.Invoke(context.Background(), "x")
			if !domain.IsType(err, tt.wantType) {
				t.Errorf("err = %v, want %s", err, tt.wantType)
			}
		})
	}
}

func TestLocalBackendUnreachableIsTransient(t *testing.T) {
	// A server that is immediately closed gives connection refused.
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	b := NewLocal(url, time.Second)
	_, _, err := b.Invoke(context.Background(), "x")
	if !domain.IsType(err, domain.ErrorTypeModelTransient) {
		t.Errorf("err = %v, want model_transient", err)
	}
}

func TestQualityBackendInvoke(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "qk-test" {
			t.Errorf("api key header = %q", r.Header.Get("X-Api-Key"))
		}
		if r.Header.Get("Anthropic-Version") == "" {
			t.Error("version header missing")
		}
		w.Write([]byte(`{
			"content":[{"type":"text","text":"Dear customer, "},{"type":"text","text":"thanks."}],
			"model":"quality-xl",
			"usage":{"input_tokens":900,"output_tokens":120}
		}`))
	}))
	defer srv.Close()

	b := NewQuality(srv.URL, "qk-test", "quality-xl", 1024, time.Second)
	out, usage, err := b.Invoke(context.Background(), "draft a reply")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out.Content != "Dear customer, thanks." {
		t.Errorf("content = %q", out.Content)
	}
	if usage.InputTokens != 900 || usage.OutputTokens != 120 {
		t.Errorf("usage = %+v", usage)
	}
	if b.Class() != domain.ModelClassQuality {
		t.Errorf("class = %s", b.Class())
	}
}

func TestQualityBackendErrorTagging(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantType domain.ErrorType
	}{
		{"bad credentials are permanent", 401, domain.ErrorTypeModelPermanent},
		{"malformed request is permanent", 400, domain.ErrorTypeModelPermanent},
		{"rate limit is transient", 429, domain.ErrorTypeModelTransient},
		{"overloaded is transient", 529, domain.ErrorTypeModelTransient},
		{"server error is transient", 500, domain.ErrorTypeModelTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			b := NewQuality(srv.URL, "qk-test", "quality-xl", 1024, time.Second)
			_, _, err := b.Invoke(context.Background(), "x")
			if !domain.IsType(err, tt.wantType) {
				t.Errorf("err = %v, want %s", err, tt.wantType)
			}
		})
	}
}
