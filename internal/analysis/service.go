package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/contentguard/contentguard/internal/explain"
	"github.com/contentguard/contentguard/internal/identity"
	"github.com/contentguard/contentguard/internal/ledger"
	"github.com/contentguard/contentguard/internal/metrics"
	inats "github.com/contentguard/contentguard/internal/nats"
	"github.com/contentguard/contentguard/internal/tokenbudget"
)

// Ledger is the part of the usage ledger an analysis needs.
type Ledger interface {
	CheckAllowed(ctx context.Context, id identity.Identity, tier ledger.Tier) (ledger.Decision, error)
	RecordCall(ctx context.Context, id identity.Identity, tier ledger.Tier) (ledger.Counters, error)
	StartCooldown(ctx context.Context, id identity.Identity, seconds int) (time.Time, error)
	Snapshot(ctx context.Context, id identity.Identity) (*ledger.UsageStats, error)
	Limit(id identity.Identity, tier ledger.Tier) int
}

// EventPublisher receives usage events. It may be nil.
type EventPublisher interface {
	PublishUsageEvent(ctx context.Context, event inats.UsageEvent) error
}

// Input is one analysis request.
type Input struct {
	Tier     ledger.Tier
	Text     string
	Comments []string
	Explain  bool
}

// TruncationInfo describes what budget enforcement did to the request.
type TruncationInfo struct {
	Truncated         bool    `json:"truncated"`
	PostTruncated     bool    `json:"post_truncated"`
	CommentsTruncated int     `json:"comments_truncated"`
	CommentsDropped   int     `json:"comments_dropped"`
	Attempts          int     `json:"attempts"`
	Fraction          float64 `json:"fraction"`
	TotalTokens       int     `json:"total_tokens"`
	Summary           string  `json:"summary"`
}

// RateLimit is the per-identity quota state after a call.
type RateLimit struct {
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Output is a completed analysis. Phrase offsets refer to AnalyzedText.
type Output struct {
	*Result
	Model            ledger.Tier        `json:"model"`
	AnalyzedText     string             `json:"analyzed_text"`
	AnalyzedComments []string           `json:"analyzed_comments,omitempty"`
	Explainability   *explain.Summary   `json:"explainability,omitempty"`
	Segments         []explain.Segment  `json:"segments,omitempty"`
	Truncation       TruncationInfo     `json:"truncation"`
	Usage            *ledger.UsageStats `json:"usage,omitempty"`

	RateLimit RateLimit `json:"-"`
}

// Service runs the check, attempt, record-on-success flow.
type Service struct {
	ledger    Ledger
	tokens    *tokenbudget.Manager
	budget    tokenbudget.Budget
	providers map[ledger.Tier]Provider
	matcher   *explain.Matcher
	events    EventPublisher
}

// NewService creates a new analysis Service. events may be nil.
func NewService(l Ledger, tokens *tokenbudget.Manager, budget tokenbudget.Budget, providers map[ledger.Tier]Provider, matcher *explain.Matcher, events EventPublisher) *Service {
	return &Service{
		ledger:    l,
		tokens:    tokens,
		budget:    budget,
		providers: providers,
		matcher:   matcher,
		events:    events,
	}
}

// Analyze meters and runs one analysis for id. Usage is booked only when a
// provider returned a verdict.
func (s *Service) Analyze(ctx context.Context, id identity.Identity, in Input) (*Output, error) {
	provider, ok := s.providers[in.Tier]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ledger.ErrInvalidTier, in.Tier)
	}

	d, err := s.ledger.CheckAllowed(ctx, id, in.Tier)
	if err != nil {
		return nil, fmt.Errorf("checking quota: %w", err)
	}
	if !d.Allowed() {
		s.publish(ctx, id, in.Tier, inats.EventAnalysisDenied, func(e *inats.UsageEvent) {
			e.Scope = d.Scope
			e.Details = d.Outcome.String()
		})
		metrics.AnalysesTotal.WithLabelValues(string(in.Tier), "denied").Inc()
		return nil, ledger.Deny(id, d)
	}

	res, batch, attempts, err := s.attempt(ctx, provider, in)
	metrics.TruncationAttempts.WithLabelValues(string(in.Tier)).Observe(float64(attempts))
	if err != nil {
		return nil, s.fail(ctx, id, in.Tier, attempts, err)
	}

	counters, recErr := s.ledger.RecordCall(ctx, id, in.Tier)
	if recErr != nil {
		slog.Error("recording analysis usage", "error", recErr, "identity", id.Key(), "tier", in.Tier)
	}
	metrics.AnalysesTotal.WithLabelValues(string(in.Tier), "ok").Inc()

	out := &Output{
		Result:           res,
		Model:            in.Tier,
		AnalyzedText:     batch.Post,
		AnalyzedComments: batch.Comments,
		Truncation: TruncationInfo{
			Truncated:         batch.Truncated(),
			PostTruncated:     batch.PostTruncated,
			CommentsTruncated: batch.CommentsTruncated,
			CommentsDropped:   batch.CommentsDropped,
			Attempts:          attempts,
			Fraction:          s.tokens.Fraction(attempts - 1),
			TotalTokens:       batch.TotalTokens,
			Summary:           s.tokens.TruncationSummary(in.Text, batch.Post),
		},
		RateLimit: s.rateLimit(id, in.Tier, counters, recErr == nil, d),
	}

	if in.Explain {
		phrases := s.phrases(in, res, batch.Post)
		summary := explain.Summarize(phrases)
		out.Explainability = &summary
		out.Segments = explain.Segments(batch.Post, phrases)
	}

	if stats, err := s.ledger.Snapshot(ctx, id); err != nil {
		slog.Warn("reading usage after analysis", "error", err, "identity", id.Key())
	} else {
		out.Usage = stats
	}

	s.publish(ctx, id, in.Tier, inats.EventAnalysisCompleted, func(e *inats.UsageEvent) {
		e.Attempts = attempts
		e.Truncated = batch.Truncated()
		e.TotalTokens = batch.TotalTokens
	})
	return out, nil
}

// attempt walks the reduction schedule. Only an oversize rejection moves to
// the next step; any other error ends the ladder.
func (s *Service) attempt(ctx context.Context, provider Provider, in Input) (*Result, tokenbudget.BatchResult, int, error) {
	var lastErr error
	var batch tokenbudget.BatchResult
	for attempt := 0; attempt < s.tokens.Attempts(); attempt++ {
		budget := s.budget.Scale(s.tokens.Fraction(attempt))
		prev := batch
		batch = s.tokens.FitBatch(in.Text, in.Comments, budget)
		if attempt > 0 && samePayload(prev, batch) {
			slog.Debug("reduction step left payload unchanged, resending",
				"provider", provider.Name(),
				"attempt", attempt,
				"fraction", s.tokens.Fraction(attempt),
				"total_tokens", batch.TotalTokens,
			)
		}
		if !batch.WithinBudget {
			return nil, batch, attempt + 1, fmt.Errorf("%w: %w", ErrAnalysisFailed, tokenbudget.ErrTruncationExhausted)
		}

		res, err := provider.Analyze(ctx, Request{Text: batch.Post, Comments: batch.Comments, Explain: in.Explain})
		if err == nil {
			return res, batch, attempt + 1, nil
		}
		if !errors.Is(err, ErrOversizedPayload) {
			return nil, batch, attempt + 1, err
		}

		slog.Info("provider rejected payload size, reducing",
			"provider", provider.Name(),
			"attempt", attempt,
			"fraction", s.tokens.Fraction(attempt),
			"total_tokens", batch.TotalTokens,
		)
		lastErr = err
	}
	return nil, batch, s.tokens.Attempts(), fmt.Errorf("%w: %w", ErrAnalysisFailed, lastErr)
}

func samePayload(a, b tokenbudget.BatchResult) bool {
	return a.Post == b.Post && slices.Equal(a.Comments, b.Comments)
}

// fail turns a provider error into what the caller sees. A provider-side
// throttle on the premium tier becomes a ledger cooldown.
func (s *Service) fail(ctx context.Context, id identity.Identity, tier ledger.Tier, attempts int, err error) error {
	metrics.AnalysesTotal.WithLabelValues(string(tier), "failed").Inc()

	var rl *RateLimitedError
	if errors.As(err, &rl) && tier == ledger.TierPremium && !id.Admin {
		endsAt, cerr := s.ledger.StartCooldown(ctx, id, rl.RetryAfter)
		if cerr != nil {
			slog.Error("starting cooldown", "error", cerr, "identity", id.Key())
		} else {
			s.publish(ctx, id, tier, inats.EventCooldownStarted, func(e *inats.UsageEvent) {
				e.Scope = ledger.ScopeCooldown
				e.Details = fmt.Sprintf("%ds", rl.RetryAfter)
			})
			slog.Info("cooldown started", "identity", id.Key(), "ends_at", endsAt)
			return ledger.Deny(id, ledger.Decision{
				Outcome:          ledger.DenyCooldown,
				Tier:             tier,
				Scope:            ledger.ScopeCooldown,
				SecondsRemaining: rl.RetryAfter,
				Limit:            s.ledger.Limit(id, tier),
				ResetAt:          endsAt,
			})
		}
	}

	switch {
	case errors.Is(err, ErrAnalysisFailed):
		slog.Warn("analysis failed after reduction ladder", "error", err, "tier", tier, "attempts", attempts)
	case errors.Is(err, ErrProviderUnavailable):
		slog.Warn("analysis provider unavailable", "error", err, "tier", tier)
	case errors.As(err, &rl):
		slog.Warn("analysis provider throttled", "error", err, "tier", tier)
		err = fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	default:
		slog.Error("analysis provider call failed", "error", err, "tier", tier, "attempts", attempts)
		err = fmt.Errorf("%w: %w", ErrProviderFailed, err)
	}
	s.publish(ctx, id, tier, inats.EventAnalysisFailed, func(e *inats.UsageEvent) {
		e.Attempts = attempts
		e.Details = err.Error()
	})
	return err
}

// phrases returns highlight phrases with offsets into analyzed. The standard
// tier matches keywords on the original text and maps them across the
// truncation; the premium tier trusts the provider's phrases after
// validation.
func (s *Service) phrases(in Input, res *Result, analyzed string) []tokenbudget.Phrase {
	if in.Tier == ledger.TierStandard {
		if s.matcher == nil {
			return nil
		}
		return tokenbudget.AdjustPhrasePositions(s.matcher.Find(in.Text), in.Text, analyzed)
	}
	return explain.Validate(analyzed, res.Phrases)
}

// rateLimit reports quota after this call. When the call could not be
// recorded, c is unknown and the pre-call decision minus this call is used.
func (s *Service) rateLimit(id identity.Identity, tier ledger.Tier, c ledger.Counters, recorded bool, d ledger.Decision) RateLimit {
	limit := s.ledger.Limit(id, tier)
	rl := RateLimit{Limit: limit, Remaining: ledger.Unlimited, ResetAt: d.ResetAt}
	switch {
	case limit == ledger.Unlimited:
	case recorded:
		rl.Remaining = max(0, limit-c.CallsToday)
	default:
		rl.Remaining = max(0, d.Remaining-1)
	}
	return rl
}

func (s *Service) publish(ctx context.Context, id identity.Identity, tier ledger.Tier, eventType string, fill func(*inats.UsageEvent)) {
	if s.events == nil {
		return
	}
	e := inats.UsageEvent{
		ID:          uuid.New(),
		IdentityKey: id.Key(),
		Tier:        string(tier),
		EventType:   eventType,
		Timestamp:   time.Now().UTC(),
	}
	if !id.IsAnonymous() {
		userID := id.UserID
		e.UserID = &userID
	}
	if fill != nil {
		fill(&e)
	}
	if err := s.events.PublishUsageEvent(ctx, e); err != nil {
		slog.Warn("publishing usage event", "error", err, "event_type", eventType)
	}
}
