package audit

import (
	"time"

	"github.com/google/uuid"

	inats "github.com/contentguard/contentguard/internal/nats"
)

// UsageRecord matches the usage_events table schema.
type UsageRecord struct {
	ID          uuid.UUID  `json:"id"`
	IdentityKey string     `json:"identity_key"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	Tier        string     `json:"tier"`
	EventType   string     `json:"event_type"`
	Scope       string     `json:"scope,omitempty"`
	Attempts    int        `json:"attempts"`
	Truncated   bool       `json:"truncated"`
	TotalTokens int        `json:"total_tokens"`
	Details     string     `json:"details,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// ListParams holds pagination and filtering parameters for usage history
// queries.
type ListParams struct {
	Tier      string
	EventType string
	From      *time.Time
	To        *time.Time
	Page      int
	PageSize  int
}

// DefaultListParams returns sensible defaults.
func DefaultListParams() ListParams {
	return ListParams{
		Page:     1,
		PageSize: 20,
	}
}

// recordFromEvent converts a published event into a row. Events without an
// id get a fresh one; a zero timestamp becomes now.
func recordFromEvent(e inats.UsageEvent) *UsageRecord {
	rec := &UsageRecord{
		ID:          e.ID,
		IdentityKey: e.IdentityKey,
		UserID:      e.UserID,
		Tier:        e.Tier,
		EventType:   e.EventType,
		Scope:       e.Scope,
		Attempts:    e.Attempts,
		Truncated:   e.Truncated,
		TotalTokens: e.TotalTokens,
		Details:     e.Details,
		CreatedAt:   e.Timestamp,
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec
}
