package bus

import "murmursync/pkg/models"

// NoticeKind discriminates delivery-state notices.
type NoticeKind string

const (
	// NoticeStateChanged fires whenever a message's delivery state
	// moves (pending -> sent -> confirmed, or -> failed).
	NoticeStateChanged NoticeKind = "state_changed"
	// NoticeMessageArrived fires for a fresh inbound message from
	// another author.
	NoticeMessageArrived NoticeKind = "message_arrived"
)

type Notice struct {
	Kind           NoticeKind           `json:"kind"`
	Conversation   string               `json:"conversation"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
	ServerID       string               `json:"server_id,omitempty"`
	State          models.DeliveryState `json:"state,omitempty"`
}

// Status is the coarse user-visible connection state. Raw error detail
// never travels on the bus.
type Status struct {
	// Coarse is "connected", "connecting" or "offline".
	Coarse string `json:"coarse"`
}

// Ephemeral carries typing/presence blips from the feed. Never
// persisted.
type Ephemeral struct {
	Type         models.EventType `json:"type"`
	Conversation string           `json:"conversation"`
	Identity     string           `json:"identity,omitempty"`
	Payload      []byte           `json:"payload,omitempty"`
}
