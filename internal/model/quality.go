package model

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

const messagesAPIVersion = "2023-06-01"

// QualityBackend calls an Anthropic-style messages API. It is the quality
// class: paid per token, used for all tenant-facing drafting and reasoning.
type QualityBackend struct {
	baseURL    string
	apiKey     string
	model      string
	maxTokens  int
	httpClient *http.Client
}

// QualityOption configures the quality backend.
type QualityOption func(*QualityBackend)

// WithQualityHTTPClient sets a custom HTTP client.
func WithQualityHTTPClient(c *http.Client) QualityOption {
	return func(b *QualityBackend) { b.httpClient = c }
}

// NewQuality creates a backend for the messages API at baseURL.
func NewQuality(baseURL, apiKey, model string, maxTokens int, timeout time.Duration, opts ...QualityOption) *QualityBackend {
	b := &QualityBackend{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *QualityBackend) Name() string             { return b.model }
func (b *QualityBackend) Class() domain.ModelClass { return domain.ModelClassQuality }

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []contentBlock `json:"content"`
	Model   string         `json:"model"`
	Usage   struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

func (b *QualityBackend) Invoke(ctx context.Context, prompt string) (*Output, Usage, error) {
	body, err := json.Marshal(messagesRequest{
		Model:     b.model,
		MaxTokens: b.maxTokens,
		Messages:  []message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, Usage{}, permanentErr(err, "marshal messages request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, Usage{}, permanentErr(err, "build messages request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Api-Key", b.apiKey)
	req.Header.Set("Anthropic-Version", messagesAPIVersion)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, Usage{}, transientErr(err, "quality model request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Usage{}, transientErr(err, "read quality response")
	}

	if resp.StatusCode != http.StatusOK {
		cause := fmt.Errorf("status %d: %s", resp.StatusCode, respBody)
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return nil, Usage{}, permanentErr(cause, "quality model rejected credentials")
		case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusNotFound ||
			resp.StatusCode == http.StatusUnprocessableEntity:
			return nil, Usage{}, permanentErr(cause, "quality model rejected request")
		default:
			// 429, 5xx, overloaded.
			return nil, Usage{}, transientErr(cause, "quality model error")
		}
	}

	var result messagesResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, Usage{}, transientErr(err, "decode quality response")
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	usage := Usage{InputTokens: result.Usage.InputTokens, OutputTokens: result.Usage.OutputTokens}
	servedModel := result.Model
	if servedModel == "" {
		servedModel = b.model
	}
	return &Output{Content: text.String(), Model: servedModel}, usage, nil
}
