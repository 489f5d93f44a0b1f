package model

import (
	"sync"

	"github.com/tiktoken-go/tokenizer"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// Estimator produces token estimates for budget reservations before a call
// is made. It uses the cl100k encoding as a close-enough proxy for both
// model classes; reservations are advisory and reconciled at commit.
type Estimator struct {
	once  sync.Once
	codec tokenizer.Codec
	err   error
}

// NewEstimator creates a lazy-initialized estimator.
func NewEstimator() *Estimator {
	return &Estimator{}
}

// EstimateTokens returns the approximate token count of prompt plus the
// output budget maxOutput. Falls back to a bytes/4 heuristic if the encoding
// cannot be loaded.
func (e *Estimator) EstimateTokens(prompt string, maxOutput int) int64 {
	e.once.Do(func() {
		e.codec, e.err = tokenizer.Get(tokenizer.Cl100kBase)
	})
	if e.err != nil || e.codec == nil {
		return int64(len(prompt)/4 + maxOutput)
	}
	ids, _, err := e.codec.Encode(prompt)
	if err != nil {
		return int64(len(prompt)/4 + maxOutput)
	}
	return int64(len(ids) + maxOutput)
}

// Per-1M-token pricing in USD. The local model is self-hosted and free.
var pricing = map[domain.ModelClass]struct{ in, out float64 }{
	domain.ModelClassCheap:   {0, 0},
	domain.ModelClassQuality: {3.0, 15.0},
}

// EstimateCost returns the USD cost of a call for the given class.
func EstimateCost(class domain.ModelClass, usage Usage) float64 {
	rates, ok := pricing[class]
	if !ok {
		rates = pricing[domain.ModelClassQuality]
	}
	return (float64(usage.InputTokens)*rates.in + float64(usage.OutputTokens)*rates.out) / 1_000_000
}
