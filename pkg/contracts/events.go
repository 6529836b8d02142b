package contracts

import (
	"encoding/json"
	"time"
)

// CanonicalEvent is the provider-independent wire shape of a reconciled event.
type CanonicalEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EventIngested is published after a webhook was stored for the first time.
type EventIngested struct {
	ProviderEventID string    `json:"provider_event_id"`
	Provider        string    `json:"provider"`
	EventType       string    `json:"event_type,omitempty"`
	ReceivedAt      time.Time `json:"received_at"`
}
