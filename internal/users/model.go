package users

import (
	"time"

	"github.com/google/uuid"
)

// User matches the users table. DailyLimit and PremiumDailyLimit override
// the configured per-user limits when set; -1 means unlimited.
type User struct {
	ID                uuid.UUID `json:"id"`
	Email             string    `json:"email"`
	PasswordHash      string    `json:"-"`
	IsAdmin           bool      `json:"is_admin"`
	DailyLimit        *int      `json:"daily_limit,omitempty"`
	PremiumDailyLimit *int      `json:"premium_daily_limit,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// LimitsUpdate is the admin payload for per-user limit overrides. A nil
// field clears the override.
type LimitsUpdate struct {
	DailyLimit        *int `json:"daily_limit" validate:"omitempty,min=-1"`
	PremiumDailyLimit *int `json:"premium_daily_limit" validate:"omitempty,min=-1"`
}
