package keys

const (
	// notation dictionary for key formats:
	// c    = conversation
	// m    = message
	// ob   = outbox
	// cur  = sync cursor
	// rx   = reaction
	// vote = poll vote
	// idx  = index
	// ik   = idempotency key
	// All keys are lowercase; segments are separated by ":"
	// <...> = variable segment (e.g. <conv>, <ikey>)

	// primary storage key formats
	ConversationKey = "c:%s"          // c:<conv>
	MessageKey      = "c:%s:m:%s:%s"  // c:<conv>:m:<ts20>:<seq6>
	OutboxKey       = "ob:%s:%s:%s"   // ob:<conv>:<ts20>:<ikey>
	CursorKey       = "cur:%s"        // cur:<conv>
	ReactionKey     = "rx:%s:%s"      // rx:<msg_id>:<identity>
	VoteKey         = "vote:%s:%s"    // vote:<poll_id>:<voter>

	// indexes resolving stable identifiers to the current positional key
	IdemIndexKey   = "idx:ik:%s" // idx:ik:<ikey> -> message key (permanent)
	IDIndexKey     = "idx:id:%s" // idx:id:<server_id> -> message key
	OutboxIndexKey = "idx:ob:%s" // idx:ob:<ikey> -> outbox key

	// padding widths (fixed for lexicographic ordering)
	TSPadWidth  = 20 // %020d
	SeqPadWidth = 6  // %06d

	// system keys
	SchemaVersionKey = "system:schema_version"
)
