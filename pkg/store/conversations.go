package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"murmursync/pkg/models"
	"murmursync/pkg/store/keys"
)

// GetConversation reads a committed conversation meta row. Returns a
// zero-valued row (not ErrNotFound) for unknown conversations so
// counter paths can upsert naturally.
func (s *Store) GetConversation(conv string) (*models.Conversation, error) {
	return s.conversation(s.db, conv)
}

// ReadConversation is GetConversation reading through an indexed batch:
// counter updates staged earlier in the same transaction resolve, so a
// multi-event merge accumulates instead of clobbering.
func (s *Store) ReadConversation(b *pebble.Batch, conv string) (*models.Conversation, error) {
	return s.conversation(b, conv)
}

func (s *Store) conversation(r reader, conv string) (*models.Conversation, error) {
	data, err := s.getFrom(r, keys.GenConversationKey(conv))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &models.Conversation{ID: conv}, nil
		}
		return nil, err
	}
	var c models.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("corrupt conversation row %s: %w", conv, err)
	}
	return &c, nil
}

// PutConversation stages a conversation meta row.
func (s *Store) PutConversation(b *pebble.Batch, c *models.Conversation) error {
	if c.ID == "" {
		return fmt.Errorf("conversation missing id")
	}
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	return b.Set([]byte(keys.GenConversationKey(c.ID)), data, nil)
}

// ListConversations returns every known conversation meta row.
func (s *Store) ListConversations() ([]models.Conversation, error) {
	var out []models.Conversation
	err := s.scanPrefix(keys.ConversationMetaPrefix, func(key string, val []byte) bool {
		// skip message rows sharing the c: prefix
		if _, perr := keys.ParseMessageKey(key); perr == nil {
			return true
		}
		var c models.Conversation
		if json.Unmarshal(val, &c) == nil && c.ID != "" {
			out = append(out, c)
		}
		return true
	})
	return out, err
}
