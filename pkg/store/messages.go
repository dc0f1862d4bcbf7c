package store

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"

	"murmursync/pkg/models"
	"murmursync/pkg/store/keys"
)

// PutMessage stages a message row at its positional key plus the
// idempotency-key index (permanent) and, when a server id is present,
// the id index. Returns the positional key.
func (s *Store) PutMessage(b *pebble.Batch, msg *models.Message) (string, error) {
	if msg.Conversation == "" || msg.IdempotencyKey == "" {
		return "", fmt.Errorf("message missing conversation or idempotency key")
	}
	key := keys.GenMessageKey(msg.Conversation, msg.CreatedTS, s.nextSeq())
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := b.Set([]byte(key), data, nil); err != nil {
		return "", err
	}
	if err := b.Set([]byte(keys.GenIdemIndexKey(msg.IdempotencyKey)), []byte(key), nil); err != nil {
		return "", err
	}
	if msg.ID != "" {
		if err := b.Set([]byte(keys.GenIDIndexKey(msg.ID)), []byte(key), nil); err != nil {
			return "", err
		}
	}
	return key, nil
}

// UpdateMessageAt stages a message row in place at an existing
// positional key. Used for state flips and denormalized counter updates
// that do not move the row.
func (s *Store) UpdateMessageAt(b *pebble.Batch, key string, msg *models.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.Set([]byte(key), data, nil)
}

// ReplaceMessage moves a row from oldKey to the position implied by the
// (new, authoritative) CreatedTS, keeping the idempotency-key index
// pointed at the surviving row. Staged on one batch so the swap is
// atomic: at no point do two rows exist for the same idempotency key.
func (s *Store) ReplaceMessage(b *pebble.Batch, oldKey string, msg *models.Message) (string, error) {
	if err := b.Delete([]byte(oldKey), nil); err != nil {
		return "", err
	}
	return s.PutMessage(b, msg)
}

// GetMessageByKey reads a committed message row by positional key.
func (s *Store) GetMessageByKey(key string) (*models.Message, error) {
	return s.messageByKey(s.db, key)
}

func (s *Store) messageByKey(r reader, key string) (*models.Message, error) {
	data, err := s.getFrom(r, key)
	if err != nil {
		return nil, err
	}
	var m models.Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("corrupt message row %s: %w", key, err)
	}
	return &m, nil
}

// GetMessageByIdem resolves a committed message through the
// idempotency-key index. Returns the row and its positional key.
func (s *Store) GetMessageByIdem(ikey string) (*models.Message, string, error) {
	return s.messageByIdem(s.db, ikey)
}

// ReadMessageByIdem is GetMessageByIdem reading through an indexed
// batch: rows staged earlier in the same transaction resolve too.
func (s *Store) ReadMessageByIdem(b *pebble.Batch, ikey string) (*models.Message, string, error) {
	return s.messageByIdem(b, ikey)
}

func (s *Store) messageByIdem(r reader, ikey string) (*models.Message, string, error) {
	pos, err := s.getFrom(r, keys.GenIdemIndexKey(ikey))
	if err != nil {
		return nil, "", err
	}
	m, err := s.messageByKey(r, string(pos))
	if err != nil {
		return nil, "", err
	}
	return m, string(pos), nil
}

// GetMessageByID resolves a committed message through the server-id
// index.
func (s *Store) GetMessageByID(serverID string) (*models.Message, string, error) {
	return s.messageByID(s.db, serverID)
}

// ReadMessageByID is GetMessageByID reading through an indexed batch.
func (s *Store) ReadMessageByID(b *pebble.Batch, serverID string) (*models.Message, string, error) {
	return s.messageByID(b, serverID)
}

func (s *Store) messageByID(r reader, serverID string) (*models.Message, string, error) {
	pos, err := s.getFrom(r, keys.GenIDIndexKey(serverID))
	if err != nil {
		return nil, "", err
	}
	m, err := s.messageByKey(r, string(pos))
	if err != nil {
		return nil, "", err
	}
	return m, string(pos), nil
}

// ListMessages returns up to limit messages of a conversation ending at
// the newest, in ascending created-ts order. Confirmed rows sort by
// authoritative timestamp; pending rows sit at their provisional
// position until the confirmation splice moves them.
func (s *Store) ListMessages(conv string, limit int) ([]models.Message, error) {
	if !s.Ready() {
		return nil, ErrUnavailable
	}
	iter, err := s.db.NewIter(prefixIterOptions(keys.GenConversationMessagePrefix(conv)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()

	var out []models.Message
	for ok := iter.Last(); ok && (limit <= 0 || len(out) < limit); ok = iter.Prev() {
		var m models.Message
		if uerr := json.Unmarshal(iter.Value(), &m); uerr != nil {
			return nil, fmt.Errorf("corrupt message row %s: %w", string(iter.Key()), uerr)
		}
		out = append(out, m)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	// iterated newest-first; present ascending
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedTS < out[j].CreatedTS })
	return out, nil
}

// MaxMessageTS returns the newest confirmed created-ts known locally for
// a conversation, or 0 when none exists. Cold-start fallback for the
// delta-sync cursor.
func (s *Store) MaxMessageTS(conv string) (int64, error) {
	var max int64
	err := s.scanPrefix(keys.GenConversationMessagePrefix(conv), func(key string, val []byte) bool {
		var m models.Message
		if json.Unmarshal(val, &m) != nil {
			return true
		}
		if m.Confirmed() && m.CreatedTS > max {
			max = m.CreatedTS
		}
		return true
	})
	return max, err
}
