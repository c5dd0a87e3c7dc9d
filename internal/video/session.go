package video

import (
	"encoding/json"
	"regexp"
	"time"
)

// Status tracks a conversation session through its lifecycle.
type Status string

const (
	StatusStarting Status = "starting"
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusEnded    Status = "ended"
	StatusFailed   Status = "failed"
)

// IsTerminal reports whether the session can no longer transition.
func (s Status) IsTerminal() bool {
	return s == StatusEnded || s == StatusFailed
}

// Session is the local record of one hosted conversation tied to a demo.
// ExternalConversationID and ExternalURL are set and cleared together.
type Session struct {
	ID                     string          `json:"id"`
	DemoID                 string          `json:"demo_id"`
	ExternalConversationID string          `json:"external_conversation_id,omitempty"`
	ExternalURL            string          `json:"external_url,omitempty"`
	Status                 Status          `json:"status"`
	StartedAt              time.Time       `json:"started_at"`
	CompletedAt            *time.Time      `json:"completed_at,omitempty"`
	DurationSeconds        *int            `json:"duration_seconds,omitempty"`
	Transcript             json.RawMessage `json:"transcript,omitempty"`
	PerceptionAnalysis     json.RawMessage `json:"perception_analysis,omitempty"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

// HasExternalRef reports whether the session still points at a provider room.
func (s *Session) HasExternalRef() bool {
	return s != nil && s.ExternalConversationID != "" && s.ExternalURL != ""
}

// Provider rooms live on daily.co subdomains.
var roomURLPattern = regexp.MustCompile(`^https://[a-z0-9][a-z0-9-]*\.daily\.co/[A-Za-z0-9_-]+$`)

// ValidRoomURL reports whether url matches the provider's room URL shape.
func ValidRoomURL(url string) bool {
	return roomURLPattern.MatchString(url)
}
