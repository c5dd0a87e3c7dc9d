package objectives

import (
	"encoding/json"
	"time"
)

// Every objective row carries the webhook delivery that produced it:
// the event type, the raw payload for audit, and the receive time.

// ContactCapture is a lead captured mid-conversation by the capture_contact tool.
type ContactCapture struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	Phone          string          `json:"phone"`
	Company        string          `json:"company"`
	EventType      string          `json:"event_type"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// ProductInterest records a product or feature the visitor asked about.
type ProductInterest struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Product        string          `json:"product"`
	Detail         string          `json:"detail"`
	EventType      string          `json:"event_type"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// VideoShowcase tracks the set of demo videos surfaced during one
// conversation. Titles form a set: showing the same video twice leaves
// the row unchanged.
type VideoShowcase struct {
	ConversationID string          `json:"conversation_id"`
	Titles         []string        `json:"titles"`
	EventType      string          `json:"event_type"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CTAClick records a call-to-action the agent triggered for the visitor.
type CTAClick struct {
	ID             int64           `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Label          string          `json:"label"`
	Target         string          `json:"target"`
	EventType      string          `json:"event_type"`
	RawPayload     json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
}
