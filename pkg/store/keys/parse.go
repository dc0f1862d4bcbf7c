package keys

import (
	"fmt"
	"strconv"
	"strings"
)

type MessageKeyParts struct {
	Conversation string
	TS           int64
	Seq          uint64
}

type OutboxKeyParts struct {
	Conversation   string
	TS             int64
	IdempotencyKey string
}

func parsePaddedInt(s string, width int) (int64, error) {
	if len(s) == 0 || len(s) > width {
		return 0, fmt.Errorf("length invalid: %s", s)
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseInt(trimmed, 10, 64)
}

func parsePaddedUint(s string, width int) (uint64, error) {
	if len(s) == 0 || len(s) > width {
		return 0, fmt.Errorf("length invalid: %s", s)
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return 0, nil
	}
	return strconv.ParseUint(trimmed, 10, 64)
}

func ParseMessageKey(key string) (*MessageKeyParts, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 5 || parts[0] != "c" || parts[2] != "m" {
		return nil, fmt.Errorf("invalid message storage key: %s", key)
	}
	ts, err := parsePaddedInt(parts[3], TSPadWidth)
	if err != nil {
		return nil, fmt.Errorf("invalid message key ts: %s", key)
	}
	seq, err := parsePaddedUint(parts[4], SeqPadWidth)
	if err != nil {
		return nil, fmt.Errorf("invalid message key seq: %s", key)
	}
	return &MessageKeyParts{
		Conversation: parts[1],
		TS:           ts,
		Seq:          seq,
	}, nil
}

func ParseOutboxKey(key string) (*OutboxKeyParts, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[0] != "ob" {
		return nil, fmt.Errorf("invalid outbox storage key: %s", key)
	}
	ts, err := parsePaddedInt(parts[2], TSPadWidth)
	if err != nil {
		return nil, fmt.Errorf("invalid outbox key ts: %s", key)
	}
	return &OutboxKeyParts{
		Conversation:   parts[1],
		TS:             ts,
		IdempotencyKey: parts[3],
	}, nil
}

// ParseCursorKey extracts the conversation id from a cursor key.
func ParseCursorKey(key string) (string, error) {
	rest, ok := strings.CutPrefix(key, "cur:")
	if !ok || rest == "" {
		return "", fmt.Errorf("invalid cursor storage key: %s", key)
	}
	return rest, nil
}
