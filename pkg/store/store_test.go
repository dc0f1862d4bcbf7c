package store

import (
	"errors"
	"testing"

	"github.com/cockroachdb/pebble"

	"murmursync/pkg/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustApply(t *testing.T, s *Store, stage func(b *pebble.Batch) error) {
	t.Helper()
	b := s.NewBatch()
	if err := stage(b); err != nil {
		b.Close()
		t.Fatalf("stage failed: %v", err)
	}
	if err := s.Apply(b); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
}

func TestPutAndGetMessage(t *testing.T) {
	s := newTestStore(t)
	msg := models.Message{
		ClientID:       "cid-1",
		IdempotencyKey: "ik-1",
		Conversation:   "grp",
		Author:         "alice",
		Body:           "hello",
		Kind:           models.KindText,
		CreatedTS:      100,
		State:          models.DeliveryPending,
	}
	mustApply(t, s, func(b *pebble.Batch) error {
		_, err := s.PutMessage(b, &msg)
		return err
	})

	got, key, err := s.GetMessageByIdem("ik-1")
	if err != nil {
		t.Fatalf("GetMessageByIdem failed: %v", err)
	}
	if got.Body != "hello" || got.State != models.DeliveryPending {
		t.Fatalf("unexpected row: %+v", got)
	}
	if key == "" {
		t.Fatalf("expected positional key")
	}

	// no server id yet, so no id index
	if _, _, err := s.GetMessageByID("srv-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown server id, got %v", err)
	}
}

func TestReplaceMessageMovesRowKeepsOneRow(t *testing.T) {
	s := newTestStore(t)
	msg := models.Message{
		ClientID:       "cid-1",
		IdempotencyKey: "ik-1",
		Conversation:   "grp",
		Body:           "provisional",
		Kind:           models.KindText,
		CreatedTS:      100,
		State:          models.DeliveryPending,
	}
	mustApply(t, s, func(b *pebble.Batch) error {
		_, err := s.PutMessage(b, &msg)
		return err
	})
	_, oldKey, _ := s.GetMessageByIdem("ik-1")

	confirmed := msg
	confirmed.ID = "srv-9"
	confirmed.CreatedTS = 500
	confirmed.State = models.DeliveryConfirmed
	mustApply(t, s, func(b *pebble.Batch) error {
		_, err := s.ReplaceMessage(b, oldKey, &confirmed)
		return err
	})

	got, newKey, err := s.GetMessageByIdem("ik-1")
	if err != nil {
		t.Fatalf("GetMessageByIdem after replace failed: %v", err)
	}
	if newKey == oldKey {
		t.Fatalf("expected positional key to move with the new ts")
	}
	if got.ID != "srv-9" || got.CreatedTS != 500 || !got.Confirmed() {
		t.Fatalf("unexpected confirmed row: %+v", got)
	}
	if _, err := s.GetMessageByKey(oldKey); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old positional row must be gone, got %v", err)
	}
	byID, _, err := s.GetMessageByID("srv-9")
	if err != nil {
		t.Fatalf("GetMessageByID failed: %v", err)
	}
	if byID.IdempotencyKey != "ik-1" {
		t.Fatalf("id index points at wrong row: %+v", byID)
	}

	msgs, err := s.ListMessages("grp", 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one row after swap, got %d", len(msgs))
	}
}

func TestListMessagesOrderAndLimit(t *testing.T) {
	s := newTestStore(t)
	for i, ts := range []int64{300, 100, 200, 500, 400} {
		m := models.Message{
			ClientID:       "cid",
			IdempotencyKey: "ik-" + string(rune('a'+i)),
			Conversation:   "grp",
			Kind:           models.KindText,
			CreatedTS:      ts,
			State:          models.DeliveryConfirmed,
			ID:             "srv-" + string(rune('a'+i)),
		}
		mustApply(t, s, func(b *pebble.Batch) error {
			_, err := s.PutMessage(b, &m)
			return err
		})
	}

	msgs, err := s.ListMessages("grp", 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 rows, got %d", len(msgs))
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i-1].CreatedTS > msgs[i].CreatedTS {
			t.Fatalf("rows not ascending: %d before %d", msgs[i-1].CreatedTS, msgs[i].CreatedTS)
		}
	}

	// a limited read returns the newest window, still ascending
	tail, err := s.ListMessages("grp", 2)
	if err != nil {
		t.Fatalf("ListMessages limited failed: %v", err)
	}
	if len(tail) != 2 || tail[0].CreatedTS != 400 || tail[1].CreatedTS != 500 {
		t.Fatalf("expected newest window [400 500], got %+v", tail)
	}
}

func TestSameTimestampKeepsBothRows(t *testing.T) {
	s := newTestStore(t)
	for _, ik := range []string{"ik-1", "ik-2"} {
		m := models.Message{
			ClientID:       "cid",
			IdempotencyKey: ik,
			Conversation:   "grp",
			Kind:           models.KindText,
			CreatedTS:      777,
			State:          models.DeliveryPending,
		}
		mustApply(t, s, func(b *pebble.Batch) error {
			_, err := s.PutMessage(b, &m)
			return err
		})
	}
	msgs, err := s.ListMessages("grp", 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("seq must disambiguate identical timestamps, got %d rows", len(msgs))
	}
}

func TestMaxMessageTSIgnoresPending(t *testing.T) {
	s := newTestStore(t)
	rows := []models.Message{
		{IdempotencyKey: "ik-1", ClientID: "c", Conversation: "grp", Kind: models.KindText, CreatedTS: 100, State: models.DeliveryConfirmed, ID: "srv-1"},
		{IdempotencyKey: "ik-2", ClientID: "c", Conversation: "grp", Kind: models.KindText, CreatedTS: 900, State: models.DeliveryPending},
	}
	for i := range rows {
		m := rows[i]
		mustApply(t, s, func(b *pebble.Batch) error {
			_, err := s.PutMessage(b, &m)
			return err
		})
	}
	max, err := s.MaxMessageTS("grp")
	if err != nil {
		t.Fatalf("MaxMessageTS failed: %v", err)
	}
	if max != 100 {
		t.Fatalf("pending provisional ts must not drive the fallback cursor, got %d", max)
	}
}

func TestOutboxFIFOAndRemoveIdempotent(t *testing.T) {
	s := newTestStore(t)
	for _, e := range []models.OutboxEntry{
		{IdempotencyKey: "ik-b", Conversation: "grp", Payload: []byte("{}"), CreatedTS: 200},
		{IdempotencyKey: "ik-a", Conversation: "grp", Payload: []byte("{}"), CreatedTS: 100},
		{IdempotencyKey: "ik-c", Conversation: "other", Payload: []byte("{}"), CreatedTS: 50},
	} {
		entry := e
		mustApply(t, s, func(b *pebble.Batch) error {
			return s.AddOutboxEntry(b, &entry)
		})
	}

	pending, err := s.ListOutbox("grp")
	if err != nil {
		t.Fatalf("ListOutbox failed: %v", err)
	}
	if len(pending) != 2 || pending[0].IdempotencyKey != "ik-a" || pending[1].IdempotencyKey != "ik-b" {
		t.Fatalf("expected FIFO [ik-a ik-b], got %+v", pending)
	}

	all, err := s.ListOutboxAll()
	if err != nil {
		t.Fatalf("ListOutboxAll failed: %v", err)
	}
	if len(all) != 2 || len(all["grp"]) != 2 || len(all["other"]) != 1 {
		t.Fatalf("unexpected grouping: %+v", all)
	}

	mustApply(t, s, func(b *pebble.Batch) error {
		return s.RemoveOutboxEntry(b, "ik-a")
	})
	if _, err := s.GetOutboxEntry("ik-a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected removed entry to be gone, got %v", err)
	}
	// removing again is a no-op
	mustApply(t, s, func(b *pebble.Batch) error {
		return s.RemoveOutboxEntry(b, "ik-a")
	})

	n, err := s.OutboxSize()
	if err != nil {
		t.Fatalf("OutboxSize failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 remaining entries, got %d", n)
	}
}

func TestCursorMonotonic(t *testing.T) {
	s := newTestStore(t)
	cur, err := s.GetCursor("grp")
	if err != nil || cur != 0 {
		t.Fatalf("fresh cursor must be 0, got %d err %v", cur, err)
	}

	mustApply(t, s, func(b *pebble.Batch) error {
		return s.AdvanceCursor(b, "grp", 500)
	})
	// a stale advance is silently dropped
	mustApply(t, s, func(b *pebble.Batch) error {
		return s.AdvanceCursor(b, "grp", 200)
	})
	cur, _ = s.GetCursor("grp")
	if cur != 500 {
		t.Fatalf("cursor regressed: got %d, want 500", cur)
	}

	mustApply(t, s, func(b *pebble.Batch) error {
		return s.AdvanceCursor(b, "grp", 900)
	})
	cur, _ = s.GetCursor("grp")
	if cur != 900 {
		t.Fatalf("cursor did not advance: got %d", cur)
	}
}

func TestConversationMetaAndList(t *testing.T) {
	s := newTestStore(t)

	// unknown conversation reads as a zero row, not an error
	meta, err := s.GetConversation("grp")
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if meta.ID != "grp" || meta.UnreadCount != 0 {
		t.Fatalf("unexpected zero row: %+v", meta)
	}

	meta.UnreadCount = 3
	meta.MessageCount = 7
	mustApply(t, s, func(b *pebble.Batch) error {
		return s.PutConversation(b, meta)
	})

	// a message row under the same c: prefix must not leak into the
	// conversation list
	m := models.Message{ClientID: "c", IdempotencyKey: "ik", Conversation: "grp", Kind: models.KindText, CreatedTS: 1, State: models.DeliveryPending}
	mustApply(t, s, func(b *pebble.Batch) error {
		_, err := s.PutMessage(b, &m)
		return err
	})

	convs, err := s.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "grp" || convs[0].UnreadCount != 3 {
		t.Fatalf("unexpected conversation list: %+v", convs)
	}
}

func TestReactionsAndVotes(t *testing.T) {
	s := newTestStore(t)
	r := models.Reaction{MessageID: "srv-1", Identity: "alice", Value: "up", TS: 10}
	mustApply(t, s, func(b *pebble.Batch) error {
		return s.UpsertReaction(b, &r)
	})
	// upsert replaces, never duplicates
	r.Value = "down"
	mustApply(t, s, func(b *pebble.Batch) error {
		return s.UpsertReaction(b, &r)
	})
	got, err := s.ListReactions("srv-1")
	if err != nil {
		t.Fatalf("ListReactions failed: %v", err)
	}
	if len(got) != 1 || got[0].Value != "down" {
		t.Fatalf("expected single replaced reaction, got %+v", got)
	}

	mustApply(t, s, func(b *pebble.Batch) error {
		return s.DeleteReaction(b, "srv-1", "alice")
	})
	got, _ = s.ListReactions("srv-1")
	if len(got) != 0 {
		t.Fatalf("expected no reactions after delete, got %+v", got)
	}

	v := models.Vote{PollID: "poll-1", Voter: "bob", Option: 2, TS: 20}
	mustApply(t, s, func(b *pebble.Batch) error {
		return s.UpsertVote(b, &v)
	})
	v.Option = 3
	mustApply(t, s, func(b *pebble.Batch) error {
		return s.UpsertVote(b, &v)
	})
	votes, err := s.ListVotes("poll-1")
	if err != nil {
		t.Fatalf("ListVotes failed: %v", err)
	}
	if len(votes) != 1 || votes[0].Option != 3 {
		t.Fatalf("expected single replaced vote, got %+v", votes)
	}
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	m := models.Message{ClientID: "c", IdempotencyKey: "ik", Conversation: "grp", Body: "survives", Kind: models.KindText, CreatedTS: 1, State: models.DeliveryPending}
	b := s.NewBatch()
	if _, err := s.PutMessage(b, &m); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Apply(b); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s2.Close()
	got, _, err := s2.GetMessageByIdem("ik")
	if err != nil {
		t.Fatalf("row missing after reopen: %v", err)
	}
	if got.Body != "survives" {
		t.Fatalf("unexpected row after reopen: %+v", got)
	}
}

func TestBatchReadsSeeStagedRows(t *testing.T) {
	s := newTestStore(t)
	b := s.NewBatch()
	defer b.Close()

	msg := models.Message{ClientID: "c-1", IdempotencyKey: "ik-1", ID: "srv-1", Conversation: "grp", Body: "staged", Kind: models.KindText, CreatedTS: 100, State: models.DeliveryConfirmed}
	if _, err := s.PutMessage(b, &msg); err != nil {
		t.Fatalf("PutMessage failed: %v", err)
	}
	meta := models.Conversation{ID: "grp", MessageCount: 1}
	if err := s.PutConversation(b, &meta); err != nil {
		t.Fatalf("PutConversation failed: %v", err)
	}

	// uncommitted rows resolve through the batch but not the DB
	if got, _, err := s.ReadMessageByIdem(b, "ik-1"); err != nil || got.Body != "staged" {
		t.Fatalf("staged row not visible by ikey: %+v %v", got, err)
	}
	if got, _, err := s.ReadMessageByID(b, "srv-1"); err != nil || got.Body != "staged" {
		t.Fatalf("staged row not visible by id: %+v %v", got, err)
	}
	if got, err := s.ReadConversation(b, "grp"); err != nil || got.MessageCount != 1 {
		t.Fatalf("staged meta not visible: %+v %v", got, err)
	}
	if _, _, err := s.GetMessageByIdem("ik-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("uncommitted row leaked into committed reads: %v", err)
	}
}

func TestAdvanceCursorSeesStagedAdvance(t *testing.T) {
	s := newTestStore(t)
	mustApply(t, s, func(b *pebble.Batch) error {
		if err := s.AdvanceCursor(b, "grp", 100); err != nil {
			return err
		}
		// the second advance in the same transaction reads the staged
		// value, so a stale ts is still dropped
		return s.AdvanceCursor(b, "grp", 50)
	})
	cur, err := s.GetCursor("grp")
	if err != nil {
		t.Fatalf("GetCursor failed: %v", err)
	}
	if cur != 100 {
		t.Fatalf("expected cursor 100, got %d", cur)
	}
}
