package tavusclient

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Conversation statuses reported by the provider. Anything outside the
// active set means the room cannot accept participants.
const (
	StatusStarting = "starting"
	StatusWaiting  = "waiting"
	StatusActive   = "active"
	StatusEnded    = "ended"
	StatusError    = "error"
)

// IsActiveStatus reports whether a live room can still be joined.
func IsActiveStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusStarting, StatusWaiting, StatusActive:
		return true
	}
	return false
}

// CreateConversationRequest provisions a conversation room.
type CreateConversationRequest struct {
	ReplicaID        string                  `json:"replica_id"`
	PersonaID        string                  `json:"persona_id,omitempty"`
	ConversationName string                  `json:"conversation_name,omitempty"`
	CallbackURL      string                  `json:"callback_url,omitempty"`
	CustomGreeting   string                  `json:"custom_greeting,omitempty"`
	Properties       *ConversationProperties `json:"properties,omitempty"`
}

// ConversationProperties tunes room behavior.
type ConversationProperties struct {
	MaxCallDuration    int  `json:"max_call_duration,omitempty"`
	ParticipantTimeout int  `json:"participant_left_timeout,omitempty"`
	EnableRecording    bool `json:"enable_recording,omitempty"`
}

func (r CreateConversationRequest) validate() error {
	if strings.TrimSpace(r.ReplicaID) == "" {
		return errors.New("tavusclient: replica id required")
	}
	return nil
}

// Conversation is the provider's status record for one room.
type Conversation struct {
	ConversationID   string    `json:"conversation_id"`
	ConversationName string    `json:"conversation_name,omitempty"`
	ConversationURL  string    `json:"conversation_url,omitempty"`
	Status           string    `json:"status"`
	CreatedAt        time.Time `json:"created_at,omitempty"`
}

// VerboseConversation includes the post-call event history.
type VerboseConversation struct {
	Conversation
	Events []ConversationEvent `json:"events,omitempty"`
}

// ConversationEvent is one entry in the verbose event history. Properties is
// left raw because shapes differ per event type.
type ConversationEvent struct {
	EventType  string          `json:"event_type"`
	Timestamp  time.Time       `json:"timestamp,omitempty"`
	Properties json.RawMessage `json:"properties,omitempty"`
}
