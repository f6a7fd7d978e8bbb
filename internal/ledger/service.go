package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/contentguard/contentguard/internal/config"
	"github.com/contentguard/contentguard/internal/identity"
	"github.com/contentguard/contentguard/internal/metrics"
)

// cooldownGrace keeps a cooldown key around a little past its end so a
// request racing the expiry still reads it.
const cooldownGrace = time.Minute

// Service is the usage ledger. Users are metered in Postgres, anonymous IPs
// in Redis; cooldowns, the burst window and the global premium counter live
// in Redis for both.
type Service struct {
	users     CounterStore
	anonymous CounterStore
	cooldowns CooldownStore
	global    GlobalCounter
	burst     *BurstWindow
	cfg       config.LimitsConfig
	now       func() time.Time
}

// NewService creates a new ledger Service. burst may be nil to disable the
// anonymous premium burst limit.
func NewService(users CounterStore, rs *RedisStore, burst *BurstWindow, cfg config.LimitsConfig) *Service {
	return &Service{
		users:     users,
		anonymous: rs,
		cooldowns: rs,
		global:    rs,
		burst:     burst,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) counters(id identity.Identity) CounterStore {
	if id.IsAnonymous() {
		return s.anonymous
	}
	return s.users
}

// Limit returns the daily limit that applies to id on tier.
func (s *Service) Limit(id identity.Identity, tier Tier) int {
	if id.Admin {
		return Unlimited
	}
	if id.IsAnonymous() {
		if tier == TierPremium {
			return s.cfg.AnonPremiumDaily
		}
		return s.cfg.AnonStandardDaily
	}
	if tier == TierPremium {
		if id.PremiumLimit != nil {
			return *id.PremiumLimit
		}
		return s.cfg.UserPremiumDaily
	}
	if id.StandardLimit != nil {
		return *id.StandardLimit
	}
	return s.cfg.UserStandardDaily
}

// CheckAllowed decides whether id may make one more call on tier. It may
// reset a stale day counter but never increments anything.
func (s *Service) CheckAllowed(ctx context.Context, id identity.Identity, tier Tier) (Decision, error) {
	if !tier.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	now := s.now()
	dayStart, nextReset := dayBounds(now)
	limit := s.Limit(id, tier)

	d := Decision{Tier: tier, Limit: limit, Remaining: Unlimited, ResetAt: nextReset}
	if id.Admin {
		return s.decide(d), nil
	}

	store := s.counters(id)
	key := id.Key()
	if _, err := store.ResetIfStale(ctx, key, tier, dayStart); err != nil {
		return Decision{}, err
	}
	c, err := store.Get(ctx, key, tier)
	if err != nil {
		return Decision{}, err
	}
	calls := c.Today(now)
	d.Remaining = remaining(limit, calls)

	if tier == TierPremium {
		if endsAt := s.cooldownEndsAt(ctx, id, now); now.Before(endsAt) {
			d.Outcome = DenyCooldown
			d.Scope = ScopeCooldown
			d.SecondsRemaining = secondsUntil(now, endsAt)
			return s.decide(d), nil
		}
		if frees, blocked := s.burstBlocked(ctx, id, now); blocked {
			d.Outcome = DenyCooldown
			d.Scope = ScopeBurst
			d.SecondsRemaining = secondsUntil(now, frees)
			return s.decide(d), nil
		}
	}

	if limit != Unlimited && calls >= limit {
		d.Outcome = DenyExhausted
		d.Scope = ScopeIdentity
		d.SecondsRemaining = secondsUntil(now, nextReset)
		return s.decide(d), nil
	}

	if tier == TierPremium && s.cfg.PremiumGlobal > 0 {
		used, err := s.global.GlobalCalls(ctx, tier, dayStart.Format(time.DateOnly))
		if err != nil {
			slog.Warn("ledger: global counter unavailable, allowing request", "error", err)
		} else if used >= s.cfg.PremiumGlobal {
			d.Outcome = DenyExhausted
			d.Scope = ScopeGlobal
			d.SecondsRemaining = secondsUntil(now, nextReset)
			return s.decide(d), nil
		}
	}

	return s.decide(d), nil
}

func (s *Service) decide(d Decision) Decision {
	metrics.LedgerDecisionsTotal.WithLabelValues(string(d.Tier), d.Outcome.String()).Inc()
	return d
}

// cooldownEndsAt fails open: a Redis error reads as no cooldown.
func (s *Service) cooldownEndsAt(ctx context.Context, id identity.Identity, now time.Time) time.Time {
	endsAt, err := s.cooldowns.CooldownEndsAt(ctx, id.Key(), TierPremium)
	if err != nil {
		slog.Warn("ledger: cooldown lookup failed, allowing request", "error", err, "identity", id.Key())
		return time.Time{}
	}
	return endsAt
}

func (s *Service) burstBlocked(ctx context.Context, id identity.Identity, now time.Time) (time.Time, bool) {
	if s.burst == nil || !id.IsAnonymous() || s.cfg.AnonPremiumBurst <= 0 {
		return time.Time{}, false
	}
	count, frees, err := s.burst.Usage(ctx, id.Key(), s.cfg.Cooldown, now)
	if err != nil {
		slog.Warn("ledger: burst window unavailable, allowing request", "error", err, "identity", id.Key())
		return time.Time{}, false
	}
	return frees, count >= s.cfg.AnonPremiumBurst
}

// RecordCall books one successful call. Call it only after CheckAllowed
// returned Allow and the downstream call succeeded.
func (s *Service) RecordCall(ctx context.Context, id identity.Identity, tier Tier) (Counters, error) {
	if !tier.Valid() {
		return Counters{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}

	now := s.now()
	c, err := s.counters(id).Increment(ctx, id.Key(), tier, now)
	if err != nil {
		return Counters{}, err
	}

	if tier != TierPremium || id.Admin {
		return c, nil
	}

	if s.cfg.PremiumGlobal > 0 {
		dayStart, nextReset := dayBounds(now)
		if _, err := s.global.IncrGlobal(ctx, tier, dayStart.Format(time.DateOnly), nextReset.Add(time.Hour)); err != nil {
			slog.Warn("ledger: incrementing global counter", "error", err)
		}
	}
	if s.burst != nil && id.IsAnonymous() && s.cfg.AnonPremiumBurst > 0 {
		if err := s.burst.Add(ctx, id.Key(), s.cfg.Cooldown, now); err != nil {
			slog.Warn("ledger: recording burst entry", "error", err, "identity", id.Key())
		}
	}
	return c, nil
}

// StartCooldown blocks the premium tier of id for the given number of
// seconds from now. Admins are never put in cooldown.
func (s *Service) StartCooldown(ctx context.Context, id identity.Identity, seconds int) (time.Time, error) {
	if id.Admin || seconds <= 0 {
		return time.Time{}, nil
	}
	d := time.Duration(seconds) * time.Second
	endsAt := s.now().Add(d)
	if err := s.cooldowns.SetCooldown(ctx, id.Key(), TierPremium, endsAt, d+cooldownGrace); err != nil {
		return time.Time{}, err
	}
	return endsAt, nil
}

// Snapshot reports usage of both tiers. It never writes.
func (s *Service) Snapshot(ctx context.Context, id identity.Identity) (*UsageStats, error) {
	now := s.now()
	dayStart, nextReset := dayBounds(now)
	store := s.counters(id)

	std, err := store.Get(ctx, id.Key(), TierStandard)
	if err != nil {
		return nil, err
	}
	prem, err := store.Get(ctx, id.Key(), TierPremium)
	if err != nil {
		return nil, err
	}

	stats := &UsageStats{
		Identity:          id.Key(),
		IsAdmin:           id.Admin,
		Standard:          newTierUsage(std, s.Limit(id, TierStandard), now),
		Premium:           PremiumUsage{TierUsage: newTierUsage(prem, s.Limit(id, TierPremium), now)},
		SecondsUntilReset: secondsUntil(now, nextReset),
	}
	if id.Admin {
		return stats, nil
	}

	endsAt := s.cooldownEndsAt(ctx, id, now)
	if frees, blocked := s.burstBlocked(ctx, id, now); blocked && frees.After(endsAt) {
		endsAt = frees
	}
	if now.Before(endsAt) {
		stats.Premium.Cooldown = CooldownStatus{
			Active:           true,
			SecondsRemaining: secondsUntil(now, endsAt),
			EndsAt:           &endsAt,
		}
	}

	if s.cfg.PremiumGlobal > 0 {
		used, err := s.global.GlobalCalls(ctx, TierPremium, dayStart.Format(time.DateOnly))
		if err != nil {
			slog.Warn("ledger: global counter unavailable", "error", err)
		} else {
			left := max(0, s.cfg.PremiumGlobal-used)
			stats.Premium.GlobalRemaining = &left
		}
	}
	return stats, nil
}

// ResetDaily zeroes today's counters of id on both tiers and lifts any
// cooldown. Lifetime totals are kept.
func (s *Service) ResetDaily(ctx context.Context, id identity.Identity) error {
	if err := s.counters(id).ResetToday(ctx, id.Key()); err != nil {
		return err
	}
	if err := s.cooldowns.ClearCooldowns(ctx, id.Key()); err != nil {
		return err
	}
	if s.burst != nil {
		if err := s.burst.Clear(ctx, id.Key()); err != nil {
			return err
		}
	}
	return nil
}

// Deny wraps a deny Decision for id as an error.
func Deny(id identity.Identity, d Decision) error {
	if d.Allowed() {
		return nil
	}
	return &DeniedError{Decision: d, Anonymous: id.IsAnonymous()}
}
