package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate checks Config for production-critical problems.
// It collects all errors into a single joined error.
func (c *Config) Validate() error {
	var errs []string

	// JWT secrets
	if len(c.JWT.AccessSecret) < 32 {
		errs = append(errs, "JWT_ACCESS_SECRET must be at least 32 characters")
	}
	if len(c.JWT.RefreshSecret) < 32 {
		errs = append(errs, "JWT_REFRESH_SECRET must be at least 32 characters")
	}
	if c.JWT.AccessSecret != "" && c.JWT.RefreshSecret != "" && c.JWT.AccessSecret == c.JWT.RefreshSecret {
		errs = append(errs, "JWT_ACCESS_SECRET and JWT_REFRESH_SECRET must differ")
	}

	// DB password
	if c.DB.Password == "" {
		errs = append(errs, "DB_PASSWORD is required")
	}

	// Port ranges
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("SERVER_PORT must be 1-65535, got %d", c.Server.Port))
	}
	if c.DB.Port < 1 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Sprintf("DB_PORT must be 1-65535, got %d", c.DB.Port))
	}
	if c.Redis.Port < 1 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Sprintf("REDIS_PORT must be 1-65535, got %d", c.Redis.Port))
	}

	// Usage limits: -1 means unlimited, anything else must be non-negative.
	limits := map[string]int{
		"LIMITS_ANON_STANDARD_DAILY": c.Limits.AnonStandardDaily,
		"LIMITS_ANON_PREMIUM_DAILY":  c.Limits.AnonPremiumDaily,
		"LIMITS_USER_STANDARD_DAILY": c.Limits.UserStandardDaily,
		"LIMITS_USER_PREMIUM_DAILY":  c.Limits.UserPremiumDaily,
	}
	for name, v := range limits {
		if v < -1 {
			errs = append(errs, fmt.Sprintf("%s must be -1 (unlimited) or >= 0, got %d", name, v))
		}
	}
	if c.Limits.PremiumGlobal < 0 {
		errs = append(errs, "LIMITS_PREMIUM_GLOBAL must be >= 0 (0 disables the global cap)")
	}
	if c.Limits.AnonPremiumBurst < 0 {
		errs = append(errs, "LIMITS_ANON_PREMIUM_BURST must be >= 0")
	}
	if c.Limits.Cooldown <= 0 {
		errs = append(errs, "LIMITS_COOLDOWN must be positive")
	}

	// Token budget
	if c.Budget.MaxTokensPost <= 0 || c.Budget.MaxTokensComment <= 0 {
		errs = append(errs, "BUDGET_MAX_TOKENS_POST and BUDGET_MAX_TOKENS_COMMENT must be positive")
	}
	if c.Budget.MaxTokensTotal <= c.Budget.PromptOverheadTokens {
		errs = append(errs, "BUDGET_MAX_TOKENS_TOTAL must exceed BUDGET_PROMPT_OVERHEAD")
	}
	if c.Budget.SafetyMargin <= 0 || c.Budget.SafetyMargin > 1 {
		errs = append(errs, fmt.Sprintf("BUDGET_SAFETY_MARGIN must be in (0, 1], got %g", c.Budget.SafetyMargin))
	}
	if c.Budget.StepDown <= 0 || c.Budget.StepDown >= 1 {
		errs = append(errs, fmt.Sprintf("BUDGET_STEP_DOWN must be in (0, 1), got %g", c.Budget.StepDown))
	}
	if len(c.Budget.Schedule) == 0 {
		errs = append(errs, "BUDGET_SCHEDULE must list at least one fraction")
	}
	for i, f := range c.Budget.Schedule {
		if f <= 0 || f > 1 {
			errs = append(errs, fmt.Sprintf("BUDGET_SCHEDULE entry %d must be in (0, 1], got %g", i, f))
		}
		if i > 0 && f > c.Budget.Schedule[i-1] {
			errs = append(errs, "BUDGET_SCHEDULE must be non-increasing")
		}
	}

	// Providers: warn only, the service still answers usage queries.
	if c.Server.WriteTimeout > 0 && c.Server.WriteTimeout <= c.Providers.Premium.Timeout {
		slog.Warn("SERVER_WRITE_TIMEOUT does not cover one premium provider call",
			"write_timeout", c.Server.WriteTimeout, "provider_timeout", c.Providers.Premium.Timeout)
	}
	if c.Providers.Standard.URL == "" {
		slog.Warn("PROVIDER_STANDARD_URL is empty, huggingface analysis will fail")
	}
	if c.Providers.Premium.URL == "" {
		slog.Warn("PROVIDER_PREMIUM_URL is empty, gemini analysis will fail")
	}

	if len(errs) > 0 {
		return errors.New("config validation failed:\n  " + strings.Join(errs, "\n  "))
	}
	return nil
}
