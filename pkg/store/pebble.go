// Package store is the durable source of truth for the sync core: messages,
// conversations, the outbox, sync cursors, reactions and votes, all held in
// a single pebble keyspace. Every multi-row mutation is staged on one
// pebble batch and applied with a synced write so it is atomic and survives
// process death.
package store

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/dustin/go-humanize"

	"murmursync/pkg/logger"
)

// ErrUnavailable is returned when the store cannot accept a transaction.
// Callers treat it as fatal and surface it to the host for recovery.
var ErrUnavailable = errors.New("store unavailable")

// ErrNotFound is returned by point lookups that miss.
var ErrNotFound = errors.New("not found")

// Store owns the pebble handle. It is constructed once at startup and
// passed by reference; there is no package-level database state.
type Store struct {
	db   *pebble.DB
	path string

	// seq avoids key collisions when two rows land on the same
	// nanosecond timestamp.
	seq uint64

	convLocks map[string]*sync.Mutex
	locksMu   sync.Mutex
}

// Open opens or creates the pebble database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return &Store{
		db:        db,
		path:      path,
		convLocks: make(map[string]*sync.Mutex),
	}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	s.db = nil
	return nil
}

// Ready reports whether the store can accept transactions.
func (s *Store) Ready() bool {
	return s != nil && s.db != nil
}

// NewBatch stages a transaction. The batch is indexed: rows staged on
// it are visible to the Read* lookups, so multi-event transactions can
// dedup against their own earlier writes. Callers must finish with
// Apply or the batch's Close.
func (s *Store) NewBatch() *pebble.Batch {
	return s.db.NewIndexedBatch()
}

// Apply commits a staged batch with a synced write.
func (s *Store) Apply(batch *pebble.Batch) error {
	if !s.Ready() {
		return ErrUnavailable
	}
	if err := s.db.Apply(batch, pebble.Sync); err != nil {
		logger.Error("pebble_apply_batch_failed", "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// nextSeq returns a process-unique sequence for key disambiguation.
func (s *Store) nextSeq() uint64 {
	return atomic.AddUint64(&s.seq, 1)
}

// LockConversation returns the mutex serializing writers of a single
// conversation (creates it on first use). The reconciliation engine and
// write pipeline hold it across their read-modify-write transactions.
func (s *Store) LockConversation(conv string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.convLocks[conv]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.convLocks[conv] = l
	return l
}

// reader is a point-lookup source: the open database, or an indexed
// batch whose staged rows must resolve mid-transaction.
type reader interface {
	Get(key []byte) (value []byte, closer io.Closer, err error)
}

// get reads a single committed value. The returned slice is a copy and
// safe to retain after the call.
func (s *Store) get(key string) ([]byte, error) {
	return s.getFrom(s.db, key)
}

// getFrom reads a single value through r, so lookups against an indexed
// batch observe rows staged earlier in the same transaction.
func (s *Store) getFrom(r reader, key string) ([]byte, error) {
	if !s.Ready() {
		return nil, ErrUnavailable
	}
	v, closer, err := r.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	if cerr := closer.Close(); cerr != nil {
		return nil, cerr
	}
	return cp, nil
}

// scanPrefix visits every key with the given prefix in lexicographic
// order. The visitor receives copies; returning false stops the scan.
func (s *Store) scanPrefix(prefix string, visit func(key string, val []byte) bool) error {
	if !s.Ready() {
		return ErrUnavailable
	}
	iter, err := s.db.NewIter(prefixIterOptions(prefix))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		if !visit(string(iter.Key()), val) {
			break
		}
	}
	return iter.Error()
}

// prefixIterOptions bounds an iterator to keys sharing prefix.
func prefixIterOptions(prefix string) *pebble.IterOptions {
	lower := []byte(prefix)
	upper := make([]byte, len(lower))
	copy(upper, lower)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] < 0xff {
			upper[i]++
			upper = upper[:i+1]
			return &pebble.IterOptions{LowerBound: lower, UpperBound: upper}
		}
	}
	return &pebble.IterOptions{LowerBound: lower}
}

// LogStats emits a one-line size summary for the open database.
func (s *Store) LogStats() {
	if !s.Ready() {
		return
	}
	m := s.db.Metrics()
	logger.Info("store_stats",
		"path", s.path,
		"disk_usage", humanize.Bytes(m.DiskSpaceUsage()),
		"wal_size", humanize.Bytes(m.WAL.Size),
	)
}
