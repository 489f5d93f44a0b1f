// Package model provides the two backing model capability classes: a cheap
// local completion server and a quality-tier messages API. Both report token
// usage and tag failures as transient or permanent so the router and
// pipeline can apply the right policy.
package model

import (
	"context"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// Usage is the token consumption of a single call.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
}

// Total returns combined input and output tokens.
func (u Usage) Total() int64 { return u.InputTokens + u.OutputTokens }

// Output is a completed model response.
type Output struct {
	Content string
	Model   string
}

// Backend is one backing model deployment.
type Backend interface {
	Name() string
	Class() domain.ModelClass

	// Invoke sends the prompt and returns the output with usage. Usage may
	// be non-zero even when err is non-nil (partial consumption is still
	// accounted). Errors are PlatformErrors tagged ModelTransient or
	// ModelPermanent.
	Invoke(ctx context.Context, prompt string) (*Output, Usage, error)
}

func transientErr(err error, msg string) error {
	return domain.WrapError(domain.ErrorTypeModelTransient, err, msg).WithReason(domain.ReasonModelError)
}

func permanentErr(err error, msg string) error {
	return domain.WrapError(domain.ErrorTypeModelPermanent, err, msg).WithReason(domain.ReasonModelError)
}
