package keys

import (
	"fmt"

	"github.com/google/uuid"
)

// Partial key format constants for prefix scans (incomplete keys)
const (
	// all messages of a conversation, ordered by created ts
	ConversationMessagePrefix = "c:%s:m:"

	// all outbox entries of a conversation, FIFO by created ts
	ConversationOutboxPrefix = "ob:%s:"

	// all conversation meta rows
	ConversationMetaPrefix = "c:"

	// every outbox entry, across conversations
	OutboxPrefix = "ob:"

	// all reactions on a message
	MessageReactionPrefix = "rx:%s:"

	// all votes on a poll
	PollVotePrefix = "vote:%s:"
)

func PadTS(ts int64) string {
	return fmt.Sprintf("%0*d", TSPadWidth, ts)
}

func PadSeq(seq uint64) string {
	return fmt.Sprintf("%0*d", SeqPadWidth, seq)
}

// NewClientID returns a fresh client-side identifier. Also used for
// idempotency keys when the caller does not supply one.
func NewClientID() string {
	return uuid.NewString()
}

func GenConversationKey(conv string) string {
	return fmt.Sprintf(ConversationKey, conv)
}

func GenMessageKey(conv string, ts int64, seq uint64) string {
	return fmt.Sprintf(MessageKey, conv, PadTS(ts), PadSeq(seq))
}

func GenOutboxKey(conv string, ts int64, ikey string) string {
	return fmt.Sprintf(OutboxKey, conv, PadTS(ts), ikey)
}

func GenCursorKey(conv string) string {
	return fmt.Sprintf(CursorKey, conv)
}

func GenReactionKey(msgID, identity string) string {
	return fmt.Sprintf(ReactionKey, msgID, identity)
}

func GenVoteKey(pollID, voter string) string {
	return fmt.Sprintf(VoteKey, pollID, voter)
}

func GenIdemIndexKey(ikey string) string {
	return fmt.Sprintf(IdemIndexKey, ikey)
}

func GenIDIndexKey(serverID string) string {
	return fmt.Sprintf(IDIndexKey, serverID)
}

func GenOutboxIndexKey(ikey string) string {
	return fmt.Sprintf(OutboxIndexKey, ikey)
}

func GenConversationMessagePrefix(conv string) string {
	return fmt.Sprintf(ConversationMessagePrefix, conv)
}

func GenConversationOutboxPrefix(conv string) string {
	return fmt.Sprintf(ConversationOutboxPrefix, conv)
}

func GenMessageReactionPrefix(msgID string) string {
	return fmt.Sprintf(MessageReactionPrefix, msgID)
}

func GenPollVotePrefix(pollID string) string {
	return fmt.Sprintf(PollVotePrefix, pollID)
}
