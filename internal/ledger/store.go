package ledger

import (
	"context"
	"time"
)

// CounterStore persists Counters per (identity key, tier). Every write is a
// single atomic operation in the backing store, so concurrent requests from
// the same identity never lose an increment.
type CounterStore interface {
	// Get returns the stored counters, or zero Counters if none exist.
	Get(ctx context.Context, key string, tier Tier) (Counters, error)
	// ResetIfStale zeroes calls_today when the last call precedes dayStart.
	// It is a compare-and-set: a concurrent Increment for today wins.
	ResetIfStale(ctx context.Context, key string, tier Tier, dayStart time.Time) (bool, error)
	// Increment bumps calls_today and calls_lifetime and sets last_call_at.
	// A stale calls_today restarts at 1 in the same operation.
	Increment(ctx context.Context, key string, tier Tier, now time.Time) (Counters, error)
	// ResetToday zeroes calls_today on every tier of key.
	ResetToday(ctx context.Context, key string) error
}

// CooldownStore holds premium-tier cooldown windows.
type CooldownStore interface {
	SetCooldown(ctx context.Context, key string, tier Tier, endsAt time.Time, ttl time.Duration) error
	// CooldownEndsAt returns the zero time when no cooldown is stored.
	CooldownEndsAt(ctx context.Context, key string, tier Tier) (time.Time, error)
	// ClearCooldowns removes the cooldowns of key on every tier.
	ClearCooldowns(ctx context.Context, key string) error
}

// GlobalCounter counts calls per tier per UTC day across all identities.
type GlobalCounter interface {
	GlobalCalls(ctx context.Context, tier Tier, day string) (int, error)
	IncrGlobal(ctx context.Context, tier Tier, day string, expireAt time.Time) (int, error)
}
