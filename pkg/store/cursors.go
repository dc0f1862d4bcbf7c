package store

import (
	"errors"
	"strconv"

	"github.com/cockroachdb/pebble"

	"murmursync/pkg/store/keys"
)

// GetCursor returns the persisted delta-sync cursor for a conversation,
// or 0 when none has been written yet.
func (s *Store) GetCursor(conv string) (int64, error) {
	return s.cursor(s.db, conv)
}

func (s *Store) cursor(r reader, conv string) (int64, error) {
	data, err := s.getFrom(r, keys.GenCursorKey(conv))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	ts, perr := strconv.ParseInt(string(data), 10, 64)
	if perr != nil {
		return 0, perr
	}
	return ts, nil
}

// AdvanceCursor stages a cursor write when ts moves it forward. Cursors
// are monotonically non-decreasing; a stale ts is silently dropped so
// redundant delta-sync runs cannot regress the cursor. The read goes
// through the batch so an advance staged earlier in the transaction
// counts.
func (s *Store) AdvanceCursor(b *pebble.Batch, conv string, ts int64) error {
	cur, err := s.cursor(b, conv)
	if err != nil {
		return err
	}
	if ts <= cur {
		return nil
	}
	return b.Set([]byte(keys.GenCursorKey(conv)), []byte(strconv.FormatInt(ts, 10)), nil)
}
