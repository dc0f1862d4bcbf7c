package models

import "encoding/json"

// EventType discriminates inbound change-feed envelopes. Durable row
// events flow through the reconciliation engine; ephemeral events
// (typing, presence) are surfaced to subscribers without touching the
// store.
type EventType string

const (
	EventMessageInsert  EventType = "message.insert"
	EventMessageUpdate  EventType = "message.update"
	EventMessageDelete  EventType = "message.delete"
	EventReactionUpsert EventType = "reaction.upsert"
	EventReactionDelete EventType = "reaction.delete"
	EventVoteUpsert     EventType = "vote.upsert"
	EventTyping         EventType = "typing"
	EventPresence       EventType = "presence"
)

// Ephemeral reports whether the event type never reaches the store.
func (t EventType) Ephemeral() bool {
	return t == EventTyping || t == EventPresence
}

// Event is the wire envelope for change-feed and delta-sync items.
type Event struct {
	Type         EventType       `json:"type"`
	Conversation string          `json:"conversation"`
	// TS is the server timestamp (ns) of the change; delta-sync cursors
	// advance to the last merged event's TS.
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// MessagePayload decodes the payload of a message.* event.
func (e *Event) MessagePayload() (Message, error) {
	var m Message
	err := json.Unmarshal(e.Payload, &m)
	return m, err
}

// ReactionPayload decodes the payload of a reaction.* event.
func (e *Event) ReactionPayload() (Reaction, error) {
	var r Reaction
	err := json.Unmarshal(e.Payload, &r)
	return r, err
}

// VotePayload decodes the payload of a vote.* event.
func (e *Event) VotePayload() (Vote, error) {
	var v Vote
	err := json.Unmarshal(e.Payload, &v)
	return v, err
}
