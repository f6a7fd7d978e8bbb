package analysis

import (
	"context"
	"errors"
	"fmt"

	"github.com/contentguard/contentguard/internal/tokenbudget"
)

var (
	// ErrOversizedPayload means the provider rejected the request for
	// exceeding its own input limit. The retry ladder handles it.
	ErrOversizedPayload = errors.New("provider rejected oversized payload")
	// ErrAnalysisFailed is terminal: the retry ladder ran out.
	ErrAnalysisFailed = errors.New("analysis failed")
	// ErrProviderUnavailable covers an open circuit breaker and local pacing
	// that could not be satisfied before the deadline.
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderFailed wraps any other provider error.
	ErrProviderFailed = errors.New("provider call failed")
	// ErrMalformedResponse means the provider answered but no verdict could
	// be decoded.
	ErrMalformedResponse = errors.New("malformed provider response")
)

// RateLimitedError is returned when the provider itself throttled the
// request.
type RateLimitedError struct {
	Provider   string
	RetryAfter int // seconds
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited: retry after %ds", e.Provider, e.RetryAfter)
}

// StatusError is a non-success provider response that is not otherwise
// classified.
type StatusError struct {
	Provider string
	Status   int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.Provider, e.Status)
}

// Request is the payload sent to a provider after budget enforcement.
type Request struct {
	Text     string   `json:"text"`
	Comments []string `json:"comments,omitempty"`
	Explain  bool     `json:"explain"`
}

// Provider classifies text with one model backend.
type Provider interface {
	Name() string
	Analyze(ctx context.Context, req Request) (*Result, error)
}

type Probabilities struct {
	Safe      float64 `json:"safe"`
	Malicious float64 `json:"malicious"`
}

type Details struct {
	Explanation string `json:"explanation,omitempty"`
	RiskLevel   string `json:"risk_level,omitempty"`
	ToxicType   string `json:"toxic_type,omitempty"`
}

// Result is a normalized provider verdict. Confidence and probabilities are
// percentages in [0, 100].
type Result struct {
	Analysis      string        `json:"analysis"`
	IsMalicious   bool          `json:"is_malicious"`
	Confidence    float64       `json:"confidence"`
	Probabilities Probabilities `json:"probabilities"`
	ModelType     string        `json:"model_type"`
	Detailed      *Details      `json:"detailed_analysis,omitempty"`

	// Phrases returned by the provider, offsets into Request.Text.
	Phrases []tokenbudget.Phrase `json:"-"`
}
