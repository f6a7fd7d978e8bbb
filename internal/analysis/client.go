package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/contentguard/contentguard/internal/config"
	"github.com/contentguard/contentguard/internal/metrics"
)

// Model type labels reported to clients.
const (
	ModelTypeStandard = "ContentGuard Model (Free)"
	ModelTypePremium  = "Gemini 2.5 Flash (Finetuned)"
)

const (
	maxResponseBytes  = 1 << 20
	defaultRetryAfter = 60
)

// oversizeMarkers identify a 400 that is really an input-length rejection.
var oversizeMarkers = []string{"too long", "token limit", "context length", "exceeds the maximum", "payload too large"}

// HTTPProvider calls a model backend over HTTP. Calls are paced by a token
// bucket and guarded by a circuit breaker.
type HTTPProvider struct {
	name      string
	modelType string
	url       string
	apiKey    string
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
}

// NewHTTPProvider creates a provider for cfg. A zero RequestsPerSec disables
// pacing.
func NewHTTPProvider(cfg config.ProviderConfig, modelType string) *HTTPProvider {
	p := &HTTPProvider{
		name:      cfg.Name,
		modelType: modelType,
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerSec > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), max(1, cfg.Burst))
	}

	failures := uint32(max(1, cfg.BreakerFailures))
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !isBackendFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("provider circuit breaker state changed", "provider", name, "from", from.String(), "to", to.String())
			metrics.ProviderBreakerState.WithLabelValues(name).Set(float64(to))
		},
	})
	metrics.ProviderBreakerState.WithLabelValues(cfg.Name).Set(float64(gobreaker.StateClosed))
	return p
}

func (p *HTTPProvider) Name() string {
	return p.name
}

func (p *HTTPProvider) Analyze(ctx context.Context, req Request) (*Result, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: pacing %s: %w", ErrProviderUnavailable, p.name, err)
		}
	}

	start := time.Now()
	out, err := p.breaker.Execute(func() (any, error) {
		return p.do(ctx, req)
	})
	metrics.ProviderRequestDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("%w: %s: %w", ErrProviderUnavailable, p.name, err)
		}
		return nil, err
	}
	return out.(*Result), nil
}

func (p *HTTPProvider) do(ctx context.Context, req Request) (*Result, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling %s request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s response: %w", p.name, err)
	}

	switch {
	case resp.StatusCode == http.StatusRequestEntityTooLarge,
		resp.StatusCode == http.StatusBadRequest && mentionsOversize(body):
		return nil, fmt.Errorf("%s: %w", p.name, ErrOversizedPayload)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{Provider: p.name, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())}
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, &StatusError{Provider: p.name, Status: resp.StatusCode}
	}

	res, err := decodeVerdict(body, p.modelType)
	if err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", p.name, err)
	}
	return res, nil
}

// isBackendFailure reports whether err says something about the backend's
// health. Size rejections, throttling and cancelled callers do not.
func isBackendFailure(err error) bool {
	var rl *RateLimitedError
	switch {
	case errors.Is(err, ErrOversizedPayload), errors.As(err, &rl), errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func mentionsOversize(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, m := range oversizeMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// parseRetryAfter reads delay-seconds or an HTTP date. The result is at
// least one second.
func parseRetryAfter(v string, now time.Time) int {
	v = strings.TrimSpace(v)
	if v == "" {
		return defaultRetryAfter
	}
	if n, err := strconv.Atoi(v); err == nil {
		return max(1, n)
	}
	if t, err := http.ParseTime(v); err == nil {
		return max(1, int(t.Sub(now).Round(time.Second).Seconds()))
	}
	return defaultRetryAfter
}
