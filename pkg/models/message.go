package models

// DeliveryState tracks a message's progress through the write pipeline.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySent      DeliveryState = "sent"
	DeliveryConfirmed DeliveryState = "confirmed"
	DeliveryFailed    DeliveryState = "failed"
)

// Kind enumerates message payload kinds.
type Kind string

const (
	KindText   Kind = "text"
	KindPoll   Kind = "poll"
	KindImage  Kind = "image"
	KindSystem Kind = "system"
)

type Message struct {
	// ID is the server-assigned identifier; empty until confirmed and
	// immutable once set.
	ID string `json:"id,omitempty"`
	// ClientID and IdempotencyKey are retained permanently, also after
	// the server id is assigned.
	ClientID       string `json:"client_id"`
	IdempotencyKey string `json:"idempotency_key"`
	Conversation   string `json:"conversation"`
	// Author is an opaque identity id; empty for anonymous senders.
	Author string `json:"author,omitempty"`
	Body   string `json:"body,omitempty"`
	Kind   Kind   `json:"kind"`
	// ReplyTo is the optional parent message id for threaded replies.
	ReplyTo string `json:"reply_to,omitempty"`
	// CreatedTS (ns). Client-assigned provisional value until the server
	// confirms, then server-authoritative.
	CreatedTS int64         `json:"created_ts"`
	State     DeliveryState `json:"state"`
	// ReplyCount and ReplyPreview are denormalized onto the parent; the
	// preview keeps at most the first three reply ids.
	ReplyCount   int      `json:"reply_count,omitempty"`
	ReplyPreview []string `json:"reply_preview,omitempty"`
	// Deleted marks a soft-deleted message (tombstone kept in place).
	Deleted bool `json:"deleted,omitempty"`
}

// Confirmed reports whether the message carries a server id.
func (m *Message) Confirmed() bool {
	return m.State == DeliveryConfirmed && m.ID != ""
}

// MaxReplyPreview is the number of replies retained in the denormalized
// preview list on a parent message. Full replies are fetched on demand.
const MaxReplyPreview = 3
