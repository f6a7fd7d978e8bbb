package nats

import (
	"time"

	"github.com/google/uuid"
)

// FetchTimeout is the default timeout for batch fetching messages from consumers.
const FetchTimeout = 2 * time.Second

// Stream names.
const (
	StreamEvents = "CONTENTGUARD_EVENTS"
)

// Subject constants.
const (
	SubjectEvents     = "contentguard.events.>"
	SubjectUsageEvent = "contentguard.events.usage"
)

// Usage event types.
const (
	EventAnalysisCompleted = "analysis_completed"
	EventAnalysisDenied    = "analysis_denied"
	EventAnalysisFailed    = "analysis_failed"
	EventCooldownStarted   = "cooldown_started"
)

// UsageEvent is published for every metered analysis outcome. UserID is nil
// for anonymous identities.
type UsageEvent struct {
	ID          uuid.UUID  `json:"id"`
	IdentityKey string     `json:"identity_key"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	Tier        string     `json:"tier"`
	EventType   string     `json:"event_type"`
	Scope       string     `json:"scope,omitempty"` // denial scope
	Attempts    int        `json:"attempts,omitempty"`
	Truncated   bool       `json:"truncated,omitempty"`
	TotalTokens int        `json:"total_tokens,omitempty"`
	Details     string     `json:"details,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}
