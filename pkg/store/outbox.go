package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"murmursync/pkg/models"
	"murmursync/pkg/store/keys"
)

// AddOutboxEntry stages a new outbox entry plus its idempotency-key
// index. The caller stages the optimistic message row on the same batch
// so the pair commits atomically.
func (s *Store) AddOutboxEntry(b *pebble.Batch, e *models.OutboxEntry) error {
	if e.Conversation == "" || e.IdempotencyKey == "" {
		return fmt.Errorf("outbox entry missing conversation or idempotency key")
	}
	key := keys.GenOutboxKey(e.Conversation, e.CreatedTS, e.IdempotencyKey)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox entry: %w", err)
	}
	if err := b.Set([]byte(key), data, nil); err != nil {
		return err
	}
	return b.Set([]byte(keys.GenOutboxIndexKey(e.IdempotencyKey)), []byte(key), nil)
}

// UpdateOutboxEntry rewrites an existing entry in place (attempt count
// and next-attempt bookkeeping). The key is derived from the immutable
// conversation/created-ts fields so the FIFO position is preserved.
func (s *Store) UpdateOutboxEntry(b *pebble.Batch, e *models.OutboxEntry) error {
	key := keys.GenOutboxKey(e.Conversation, e.CreatedTS, e.IdempotencyKey)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox entry: %w", err)
	}
	return b.Set([]byte(key), data, nil)
}

// RemoveOutboxEntry stages deletion of an entry and its index. The
// index read goes through the batch so a removal staged earlier in the
// same transaction is seen. Missing entries are a no-op so confirmation
// paths stay idempotent.
func (s *Store) RemoveOutboxEntry(b *pebble.Batch, ikey string) error {
	pos, err := s.getFrom(b, keys.GenOutboxIndexKey(ikey))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if err := b.Delete(pos, nil); err != nil {
		return err
	}
	return b.Delete([]byte(keys.GenOutboxIndexKey(ikey)), nil)
}

// GetOutboxEntry resolves an entry by idempotency key.
func (s *Store) GetOutboxEntry(ikey string) (*models.OutboxEntry, error) {
	pos, err := s.get(keys.GenOutboxIndexKey(ikey))
	if err != nil {
		return nil, err
	}
	data, err := s.get(string(pos))
	if err != nil {
		return nil, err
	}
	var e models.OutboxEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("corrupt outbox entry %s: %w", string(pos), err)
	}
	return &e, nil
}

// ListOutbox returns a conversation's entries oldest-first (storage
// order is already FIFO by created ts).
func (s *Store) ListOutbox(conv string) ([]models.OutboxEntry, error) {
	var out []models.OutboxEntry
	err := s.scanPrefix(keys.GenConversationOutboxPrefix(conv), func(key string, val []byte) bool {
		var e models.OutboxEntry
		if json.Unmarshal(val, &e) == nil {
			out = append(out, e)
		}
		return true
	})
	return out, err
}

// ListOutboxAll returns every pending entry grouped per conversation,
// each group oldest-first.
func (s *Store) ListOutboxAll() (map[string][]models.OutboxEntry, error) {
	out := make(map[string][]models.OutboxEntry)
	err := s.scanPrefix(keys.OutboxPrefix, func(key string, val []byte) bool {
		var e models.OutboxEntry
		if json.Unmarshal(val, &e) == nil {
			out[e.Conversation] = append(out[e.Conversation], e)
		}
		return true
	})
	return out, err
}

// OutboxSize counts pending entries across all conversations.
func (s *Store) OutboxSize() (int, error) {
	n := 0
	err := s.scanPrefix(keys.OutboxPrefix, func(string, []byte) bool {
		n++
		return true
	})
	return n, err
}
