package store

import (
	"encoding/json"
	"fmt"

	"github.com/cockroachdb/pebble"

	"murmursync/pkg/models"
	"murmursync/pkg/store/keys"
)

// UpsertReaction stages a reaction row. One row per (message, identity);
// re-applying the same event overwrites in place, so inbound reaction
// events are idempotent.
func (s *Store) UpsertReaction(b *pebble.Batch, r *models.Reaction) error {
	if r.MessageID == "" || r.Identity == "" {
		return fmt.Errorf("reaction missing message id or identity")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal reaction: %w", err)
	}
	return b.Set([]byte(keys.GenReactionKey(r.MessageID, r.Identity)), data, nil)
}

// DeleteReaction stages removal of one identity's reaction.
func (s *Store) DeleteReaction(b *pebble.Batch, msgID, identity string) error {
	return b.Delete([]byte(keys.GenReactionKey(msgID, identity)), nil)
}

// ListReactions returns all reactions on a message.
func (s *Store) ListReactions(msgID string) ([]models.Reaction, error) {
	var out []models.Reaction
	err := s.scanPrefix(keys.GenMessageReactionPrefix(msgID), func(key string, val []byte) bool {
		var r models.Reaction
		if json.Unmarshal(val, &r) == nil {
			out = append(out, r)
		}
		return true
	})
	return out, err
}

// UpsertVote stages a poll vote. One row per (poll, voter); a repeated
// or replayed vote event replaces the previous row.
func (s *Store) UpsertVote(b *pebble.Batch, v *models.Vote) error {
	if v.PollID == "" || v.Voter == "" {
		return fmt.Errorf("vote missing poll id or voter")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal vote: %w", err)
	}
	return b.Set([]byte(keys.GenVoteKey(v.PollID, v.Voter)), data, nil)
}

// ListVotes returns all votes on a poll.
func (s *Store) ListVotes(pollID string) ([]models.Vote, error) {
	var out []models.Vote
	err := s.scanPrefix(keys.GenPollVotePrefix(pollID), func(key string, val []byte) bool {
		var v models.Vote
		if json.Unmarshal(val, &v) == nil {
			out = append(out, v)
		}
		return true
	})
	return out, err
}
