package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrQuotaExhausted = errors.New("daily quota exhausted")
	ErrCooldownActive = errors.New("cooldown active")
	ErrInvalidTier    = errors.New("invalid quota tier")
)

// DeniedError carries a deny Decision. It unwraps to ErrQuotaExhausted or
// ErrCooldownActive.
type DeniedError struct {
	Decision  Decision
	Anonymous bool
}

func (e *DeniedError) Error() string {
	if e.Decision.Outcome == DenyCooldown {
		return fmt.Sprintf("%s tier cooldown active: retry in %ds", e.Decision.Tier, e.Decision.SecondsRemaining)
	}
	if e.Decision.Scope == ScopeGlobal {
		return fmt.Sprintf("%s tier global daily limit reached: resets in %ds", e.Decision.Tier, e.Decision.SecondsRemaining)
	}
	return fmt.Sprintf("%s tier daily limit of %d reached: resets in %ds", e.Decision.Tier, e.Decision.Limit, e.Decision.SecondsRemaining)
}

func (e *DeniedError) Unwrap() error {
	if e.Decision.Outcome == DenyCooldown {
		return ErrCooldownActive
	}
	return ErrQuotaExhausted
}

// ThrottleCode is the machine-readable denial code rendered to clients.
func (e *DeniedError) ThrottleCode() string {
	if e.Decision.Outcome == DenyCooldown {
		return "cooldown_active"
	}
	return "quota_exhausted"
}

func (e *DeniedError) RetryAfterSeconds() int {
	return e.Decision.SecondsRemaining
}

func (e *DeniedError) ThrottleHint() string {
	d := e.Decision
	switch {
	case d.Outcome == DenyCooldown && e.Anonymous:
		return fmt.Sprintf("Please wait %s before making another premium request. Sign in to raise your daily limits.", formatWait(d.SecondsRemaining))
	case d.Outcome == DenyCooldown:
		return fmt.Sprintf("Please wait %s before making another premium request.", formatWait(d.SecondsRemaining))
	case d.Scope == ScopeGlobal:
		return "The premium model has reached its daily quota. Please try the standard model or try again tomorrow."
	case e.Anonymous:
		return "Sign in for higher daily limits."
	default:
		return fmt.Sprintf("You have used all %d %s requests for today. Try the other model or wait until tomorrow.", d.Limit, d.Tier)
	}
}

// OfferSignup reports whether the client should be pointed at login/signup.
func (e *DeniedError) OfferSignup() bool {
	return e.Anonymous && e.Decision.Scope != ScopeGlobal
}

func formatWait(seconds int) string {
	if seconds < 60 {
		return fmt.Sprintf("%d seconds", seconds)
	}
	m, s := seconds/60, seconds%60
	if s == 0 {
		return fmt.Sprintf("%d minutes", m)
	}
	return fmt.Sprintf("%d minutes %d seconds", m, s)
}
