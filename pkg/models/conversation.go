package models

type Conversation struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
	// UnreadCount is maintained by the reconciliation engine; inbound
	// inserts from other authors increment it, MarkRead resets it.
	UnreadCount int `json:"unread_count,omitempty"`
	// LastActivityTS (ns) - last time a message landed in the conversation.
	LastActivityTS int64 `json:"last_activity_ts,omitempty"`
	// MessageCount counts locally known rows, confirmed or pending.
	MessageCount int `json:"message_count,omitempty"`
}

// SyncCursor records the newest server timestamp durably merged for a
// conversation. Monotonically non-decreasing; advanced only after the
// corresponding inbound batch has been persisted.
type SyncCursor struct {
	Conversation    string `json:"conversation"`
	LastConfirmedTS int64  `json:"last_confirmed_ts"`
}

// Reaction is one identity's reaction to a message. One row per
// (message, identity); re-sending replaces the value.
type Reaction struct {
	MessageID string `json:"message_id"`
	Identity  string `json:"identity"`
	Value     string `json:"value"`
	TS        int64  `json:"ts,omitempty"`
}

// Vote is one identity's vote on a poll. One row per (poll, voter).
type Vote struct {
	PollID string `json:"poll_id"`
	Voter  string `json:"voter"`
	Option int    `json:"option"`
	TS     int64  `json:"ts,omitempty"`
}
