package ledger

import (
	"fmt"
	"math"
	"time"
)

// Tier is one of the two independently metered usage budgets.
type Tier string

const (
	// TierStandard is the high-volume tier served by the local classifier.
	TierStandard Tier = "huggingface"
	// TierPremium is the constrained LLM tier with an extra cooldown window.
	TierPremium Tier = "gemini"
)

// Unlimited is the daily limit sentinel for identities without a cap.
const Unlimited = -1

func (t Tier) Valid() bool {
	return t == TierStandard || t == TierPremium
}

func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// Counters matches one usage_counters row.
type Counters struct {
	CallsToday    int        `json:"calls_today"`
	CallsLifetime int64      `json:"calls_lifetime"`
	LastCallAt    *time.Time `json:"last_call_at,omitempty"`
}

// Today returns calls_today as observed at now. Counts from an earlier UTC
// day read as zero.
func (c Counters) Today(now time.Time) int {
	if c.LastCallAt == nil {
		return 0
	}
	start, _ := dayBounds(now)
	if c.LastCallAt.Before(start) {
		return 0
	}
	return c.CallsToday
}

type Outcome int

const (
	Allow Outcome = iota
	DenyExhausted
	DenyCooldown
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case DenyExhausted:
		return "deny_exhausted"
	case DenyCooldown:
		return "deny_cooldown"
	default:
		return "unknown"
	}
}

// Denial scopes.
const (
	ScopeIdentity = "identity"
	ScopeGlobal   = "global"
	ScopeCooldown = "cooldown"
	ScopeBurst    = "burst"
)

// Decision is the result of CheckAllowed. SecondsRemaining is the cooldown
// left for DenyCooldown and the time to the next UTC midnight for
// DenyExhausted.
type Decision struct {
	Outcome          Outcome   `json:"-"`
	Tier             Tier      `json:"tier"`
	Scope            string    `json:"scope,omitempty"`
	SecondsRemaining int       `json:"seconds_remaining"`
	Limit            int       `json:"limit"`
	Remaining        int       `json:"remaining"`
	ResetAt          time.Time `json:"reset_at"`
}

func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

// TierUsage is the per-tier part of a usage snapshot.
type TierUsage struct {
	CallsToday     int        `json:"calls_today"`
	DailyLimit     int        `json:"daily_limit"`
	Remaining      int        `json:"remaining"`
	PercentageUsed float64    `json:"percentage_used"`
	TotalCalls     int64      `json:"total_calls"`
	LastCallAt     *time.Time `json:"last_call_at,omitempty"`
}

type CooldownStatus struct {
	Active           bool       `json:"active"`
	SecondsRemaining int        `json:"seconds_remaining"`
	EndsAt           *time.Time `json:"ends_at,omitempty"`
}

type PremiumUsage struct {
	TierUsage
	Cooldown        CooldownStatus `json:"cooldown"`
	GlobalRemaining *int           `json:"global_remaining,omitempty"`
}

// UsageStats is the read-only usage snapshot of one identity.
type UsageStats struct {
	Identity          string       `json:"identity"`
	IsAdmin           bool         `json:"is_admin,omitempty"`
	Standard          TierUsage    `json:"huggingface"`
	Premium           PremiumUsage `json:"gemini"`
	SecondsUntilReset int          `json:"seconds_until_reset"`
}

func newTierUsage(c Counters, limit int, now time.Time) TierUsage {
	calls := c.Today(now)
	return TierUsage{
		CallsToday:     calls,
		DailyLimit:     limit,
		Remaining:      remaining(limit, calls),
		PercentageUsed: percentageUsed(limit, calls),
		TotalCalls:     c.CallsLifetime,
		LastCallAt:     c.LastCallAt,
	}
}

func remaining(limit, calls int) int {
	if limit == Unlimited {
		return Unlimited
	}
	return max(0, limit-calls)
}

func percentageUsed(limit, calls int) float64 {
	switch {
	case limit == Unlimited:
		return 0
	case limit == 0:
		return 100
	}
	return math.Round(float64(calls)/float64(limit)*1000) / 10
}

// dayBounds returns the start of now's UTC day and the next UTC midnight.
func dayBounds(now time.Time) (time.Time, time.Time) {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 0, 1)
}

// secondsUntil rounds up so a countdown never shows zero while still
// blocked.
func secondsUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Seconds()))
}
