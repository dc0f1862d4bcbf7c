package models

// OutboxEntry is a durable not-yet-confirmed write. An entry exists if
// and only if its message is pending or failed-retryable; it is removed
// atomically with confirmation or abandonment.
type OutboxEntry struct {
	IdempotencyKey string `json:"idempotency_key"`
	Conversation   string `json:"conversation"`
	// Payload is the opaque serialized write as handed to the remote
	// endpoint.
	Payload       []byte `json:"payload"`
	AttemptCount  int    `json:"attempt_count"`
	NextAttemptTS int64  `json:"next_attempt_ts"`
	CreatedTS     int64  `json:"created_ts"`
}
