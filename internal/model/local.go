package model

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

// LocalBackend calls a llama.cpp-style completion server. It is the cheap
// class: self-hosted, no per-token cost.
type LocalBackend struct {
	url        string
	httpClient *http.Client
	name       string
}

// LocalOption configures the local backend.
type LocalOption func(*LocalBackend)

// WithLocalHTTPClient sets a custom HTTP client.
func WithLocalHTTPClient(c *http.Client) LocalOption {
	return func(b *LocalBackend) { b.httpClient = c }
}

// NewLocal creates a backend for the completion server at url.
func NewLocal(url string, timeout time.Duration, opts ...LocalOption) *LocalBackend {
	b := &LocalBackend{
		url:        url,
		httpClient: &http.Client{Timeout: timeout},
		name:       "local_7b",
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *LocalBackend) Name() string             { return b.name }
func (b *LocalBackend) Class() domain.ModelClass { return domain.ModelClassCheap }

type localRequest struct {
	Prompt      string   `json:"prompt"`
	NPredict    int      `json:"n_predict"`
	Temperature float64  `json:"temperature"`
	Stop        []string `json:"stop,omitempty"`
}

type localResponse struct {
	Content         string `json:"content"`
	TokensPredicted int64  `json:"tokens_predicted"`
	TokensEvaluated int64  `json:"tokens_evaluated"`
}

func (b *LocalBackend) Invoke(ctx context.Context, prompt string) (*Output, Usage, error) {
	body, err := json.Marshal(localRequest{
		Prompt:      prompt,
		NPredict:    512,
		Temperature: 0.1,
		Stop:        []string{"</output>", "\n\n---"},
	})
	if err != nil {
		return nil, Usage{}, permanentErr(err, "marshal local request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, Usage{}, permanentErr(err, "build local request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		// Connection refused, DNS failure, timeout: all transient from the
		// router's point of view.
		return nil, Usage{}, transientErr(err, "local model unreachable")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Usage{}, transientErr(err, "read local response")
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return nil, Usage{}, transientErr(
				fmt.Errorf("status %d: %s", resp.StatusCode, respBody), "local model error")
		}
		return nil, Usage{}, permanentErr(
			fmt.Errorf("status %d: %s", resp.StatusCode, respBody), "local model rejected request")
	}

	var result localResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, Usage{}, transientErr(err, "decode local response")
	}

	usage := Usage{InputTokens: result.TokensEvaluated, OutputTokens: result.TokensPredicted}
	return &Output{Content: result.Content, Model: b.name}, usage, nil
}
