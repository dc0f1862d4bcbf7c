// Package reconcile merges inbound change-feed events, delta-sync
// backfill and outbound delivery confirmations into the durable store
// and cache. It is the only mutator of the store: the write pipeline and
// both sync paths funnel through it, which is what makes redundant
// delivery and replayed events harmless.
package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"

	"murmursync/pkg/bus"
	"murmursync/pkg/cache"
	"murmursync/pkg/logger"
	"murmursync/pkg/models"
	"murmursync/pkg/remote"
	"murmursync/pkg/store"
	"murmursync/pkg/telemetry"
)

// Engine applies inbound events and delivery outcomes. Idempotent and
// order-tolerant: dedup is by server id first, then idempotency key,
// and counters move only when a genuinely new row is inserted.
type Engine struct {
	store *store.Store
	cache *cache.Cache
	bus   *bus.Bus
	// self is the local identity; inbound rows from self never bump
	// unread counts.
	self string
	// window is the cache rebuild size.
	window int
}

func NewEngine(s *store.Store, c *cache.Cache, b *bus.Bus, self string, window int) *Engine {
	if window <= 0 {
		window = cache.DefaultWindow
	}
	return &Engine{store: s, cache: c, bus: b, self: self, window: window}
}

// ApplyInbound applies one live-feed event. Durable row events commit
// in their own transaction; the cursor advances in the same batch so a
// crash never leaves the cursor ahead of the data. Ephemeral events go
// straight to the bus.
func (e *Engine) ApplyInbound(ctx context.Context, ev models.Event) error {
	if ev.Type.Ephemeral() {
		e.publishEphemeral(ev)
		return nil
	}
	lock := e.store.LockConversation(ev.Conversation)
	lock.Lock()
	defer lock.Unlock()

	b := e.store.NewBatch()
	notices, err := e.applyEvent(b, ev)
	if err != nil {
		b.Close()
		return err
	}
	if err := e.store.AdvanceCursor(b, ev.Conversation, ev.TS); err != nil {
		b.Close()
		return err
	}
	if err := e.store.Apply(b); err != nil {
		return err
	}
	telemetry.InboundEvents.WithLabelValues(string(ev.Type)).Inc()
	e.afterCommit(ctx, ev.Conversation, notices)
	return nil
}

// ApplyBatch merges a delta-sync batch for one conversation inside a
// single transaction and advances the cursor to the last item's
// timestamp. All-or-nothing: a failure anywhere leaves the cursor and
// every row untouched, so the batch can be refetched safely.
func (e *Engine) ApplyBatch(ctx context.Context, conv string, events []models.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	lock := e.store.LockConversation(conv)
	lock.Lock()
	defer lock.Unlock()

	b := e.store.NewBatch()
	var all []bus.Notice
	merged := 0
	var lastTS int64
	for _, ev := range events {
		if ev.Type.Ephemeral() {
			continue
		}
		if ev.Conversation != conv {
			b.Close()
			return 0, fmt.Errorf("batch event for conversation %q inside %q batch", ev.Conversation, conv)
		}
		notices, err := e.applyEvent(b, ev)
		if err != nil {
			b.Close()
			return 0, err
		}
		all = append(all, notices...)
		merged++
		if ev.TS > lastTS {
			lastTS = ev.TS
		}
	}
	if merged == 0 {
		b.Close()
		return 0, nil
	}
	if err := e.store.AdvanceCursor(b, conv, lastTS); err != nil {
		b.Close()
		return 0, err
	}
	if err := e.store.Apply(b); err != nil {
		return 0, err
	}
	e.afterCommit(ctx, conv, all)
	return merged, nil
}

// ConfirmDelivery records a successful send: the provisional row is
// swapped in place for the confirmed one (server id, authoritative
// created_ts) and the outbox entry removed, atomically. Safe to call
// again for the same key: once the id is set, a replay is a no-op.
func (e *Engine) ConfirmDelivery(ctx context.Context, ikey string, ack *remote.WriteAck) error {
	local, oldKey, err := e.store.GetMessageByIdem(ikey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Warn("confirm_unknown_idempotency_key", "ikey", ikey)
			return nil
		}
		return err
	}
	lock := e.store.LockConversation(local.Conversation)
	lock.Lock()
	defer lock.Unlock()

	// re-read under the lock; a concurrent feed event may have
	// confirmed it first
	local, oldKey, err = e.store.GetMessageByIdem(ikey)
	if err != nil {
		return err
	}
	b := e.store.NewBatch()
	if !local.Confirmed() {
		confirmed := *local
		confirmed.ID = ack.ID
		confirmed.CreatedTS = ack.CreatedTS
		confirmed.State = models.DeliveryConfirmed
		if _, err := e.store.ReplaceMessage(b, oldKey, &confirmed); err != nil {
			b.Close()
			return err
		}
	}
	if err := e.store.RemoveOutboxEntry(b, ikey); err != nil {
		b.Close()
		return err
	}
	if err := e.store.Apply(b); err != nil {
		return err
	}
	e.afterCommit(ctx, local.Conversation, []bus.Notice{{
		Kind:           bus.NoticeStateChanged,
		Conversation:   local.Conversation,
		IdempotencyKey: ikey,
		ServerID:       ack.ID,
		State:          models.DeliveryConfirmed,
	}})
	return nil
}

// MarkFailed records a terminal delivery failure: the message flips to
// failed (visible, with a retry affordance upstream) and the outbox
// entry is removed so the processor stops retrying it.
func (e *Engine) MarkFailed(ctx context.Context, ikey string) error {
	local, key, err := e.store.GetMessageByIdem(ikey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	lock := e.store.LockConversation(local.Conversation)
	lock.Lock()
	defer lock.Unlock()

	local, key, err = e.store.GetMessageByIdem(ikey)
	if err != nil {
		return err
	}
	b := e.store.NewBatch()
	if !local.Confirmed() {
		failed := *local
		failed.State = models.DeliveryFailed
		if err := e.store.UpdateMessageAt(b, key, &failed); err != nil {
			b.Close()
			return err
		}
	}
	if err := e.store.RemoveOutboxEntry(b, ikey); err != nil {
		b.Close()
		return err
	}
	if err := e.store.Apply(b); err != nil {
		return err
	}
	e.afterCommit(ctx, local.Conversation, []bus.Notice{{
		Kind:           bus.NoticeStateChanged,
		Conversation:   local.Conversation,
		IdempotencyKey: ikey,
		State:          models.DeliveryFailed,
	}})
	return nil
}

// MarkRead resets a conversation's unread count.
func (e *Engine) MarkRead(ctx context.Context, conv string) error {
	lock := e.store.LockConversation(conv)
	lock.Lock()
	defer lock.Unlock()

	meta, err := e.store.GetConversation(conv)
	if err != nil {
		return err
	}
	if meta.UnreadCount == 0 {
		return nil
	}
	meta.UnreadCount = 0
	b := e.store.NewBatch()
	if err := e.store.PutConversation(b, meta); err != nil {
		b.Close()
		return err
	}
	return e.store.Apply(b)
}

// applyEvent stages one durable event on the batch. Caller holds the
// conversation lock and commits.
func (e *Engine) applyEvent(b *pebble.Batch, ev models.Event) ([]bus.Notice, error) {
	switch ev.Type {
	case models.EventMessageInsert, models.EventMessageUpdate:
		return e.applyMessage(b, ev)
	case models.EventMessageDelete:
		return e.applyMessageDelete(b, ev)
	case models.EventReactionUpsert:
		r, err := ev.ReactionPayload()
		if err != nil {
			return nil, fmt.Errorf("bad reaction payload: %w", err)
		}
		return nil, e.store.UpsertReaction(b, &r)
	case models.EventReactionDelete:
		r, err := ev.ReactionPayload()
		if err != nil {
			return nil, fmt.Errorf("bad reaction payload: %w", err)
		}
		return nil, e.store.DeleteReaction(b, r.MessageID, r.Identity)
	case models.EventVoteUpsert:
		v, err := ev.VotePayload()
		if err != nil {
			return nil, fmt.Errorf("bad vote payload: %w", err)
		}
		return nil, e.store.UpsertVote(b, &v)
	default:
		logger.Warn("inbound_event_unknown_type", "type", string(ev.Type))
		return nil, nil
	}
}

// applyMessage is the idempotent message upsert. Dedup priority: server
// id first, then idempotency key; only a genuinely fresh insert moves
// reply and unread counters.
func (e *Engine) applyMessage(b *pebble.Batch, ev models.Event) ([]bus.Notice, error) {
	in, err := ev.MessagePayload()
	if err != nil {
		return nil, fmt.Errorf("bad message payload: %w", err)
	}
	in.Conversation = ev.Conversation

	// already known by server id (committed or staged earlier in this
	// batch): refresh in place, no counters
	if in.ID != "" {
		if existing, key, gerr := e.store.ReadMessageByID(b, in.ID); gerr == nil {
			merged := mergeServerRow(existing, &in)
			return nil, e.store.UpdateMessageAt(b, key, merged)
		} else if !errors.Is(gerr, store.ErrNotFound) {
			return nil, gerr
		}
	}

	// local optimistic row awaiting confirmation: swap in place, no
	// counters (they moved at optimistic insert time)
	if in.IdempotencyKey != "" {
		if local, oldKey, gerr := e.store.ReadMessageByIdem(b, in.IdempotencyKey); gerr == nil {
			merged := mergeServerRow(local, &in)
			merged.State = models.DeliveryConfirmed
			if _, rerr := e.store.ReplaceMessage(b, oldKey, merged); rerr != nil {
				return nil, rerr
			}
			// the confirmation supersedes any pending outbox entry
			if rerr := e.store.RemoveOutboxEntry(b, in.IdempotencyKey); rerr != nil {
				return nil, rerr
			}
			return []bus.Notice{{
				Kind:           bus.NoticeStateChanged,
				Conversation:   ev.Conversation,
				IdempotencyKey: in.IdempotencyKey,
				ServerID:       merged.ID,
				State:          models.DeliveryConfirmed,
			}}, nil
		} else if !errors.Is(gerr, store.ErrNotFound) {
			return nil, gerr
		}
	}

	// fresh insert
	fresh := in
	fresh.State = models.DeliveryConfirmed
	if fresh.IdempotencyKey == "" {
		// server rows always dedup by id; synthesize a stable key so
		// the one-row-per-key invariant holds for locally built indexes
		fresh.IdempotencyKey = "srv-" + fresh.ID
	}
	if _, err := e.store.PutMessage(b, &fresh); err != nil {
		return nil, err
	}
	if err := e.bumpCounters(b, &fresh); err != nil {
		return nil, err
	}
	return []bus.Notice{{
		Kind:         bus.NoticeMessageArrived,
		Conversation: ev.Conversation,
		ServerID:     fresh.ID,
		State:        models.DeliveryConfirmed,
	}}, nil
}

func (e *Engine) applyMessageDelete(b *pebble.Batch, ev models.Event) ([]bus.Notice, error) {
	in, err := ev.MessagePayload()
	if err != nil {
		return nil, fmt.Errorf("bad message payload: %w", err)
	}
	existing, key, gerr := e.store.ReadMessageByID(b, in.ID)
	if gerr != nil {
		if errors.Is(gerr, store.ErrNotFound) {
			return nil, nil
		}
		return nil, gerr
	}
	if existing.Deleted {
		return nil, nil
	}
	tomb := *existing
	tomb.Deleted = true
	tomb.Body = ""
	return nil, e.store.UpdateMessageAt(b, key, &tomb)
}

// bumpCounters moves unread/reply/meta counters for one fresh insert.
// Reads go through the batch so N fresh inserts in one transaction
// accumulate N increments instead of rewriting the same baseline.
func (e *Engine) bumpCounters(b *pebble.Batch, m *models.Message) error {
	meta, err := e.store.ReadConversation(b, m.Conversation)
	if err != nil {
		return err
	}
	meta.MessageCount++
	if m.CreatedTS > meta.LastActivityTS {
		meta.LastActivityTS = m.CreatedTS
	}
	if m.Author != e.self {
		meta.UnreadCount++
	}
	if err := e.store.PutConversation(b, meta); err != nil {
		return err
	}
	if m.ReplyTo != "" {
		parent, pkey, gerr := e.store.ReadMessageByID(b, m.ReplyTo)
		if gerr != nil {
			if errors.Is(gerr, store.ErrNotFound) {
				// reply to a parent we have not seen yet; delta-sync
				// will bring the parent and its counts
				return nil
			}
			return gerr
		}
		parent.ReplyCount++
		if len(parent.ReplyPreview) < models.MaxReplyPreview {
			// keyed by idempotency key so the entry survives the
			// provisional-to-confirmed swap unchanged
			parent.ReplyPreview = append(parent.ReplyPreview, m.IdempotencyKey)
		}
		if err := e.store.UpdateMessageAt(b, pkey, parent); err != nil {
			return err
		}
	}
	return nil
}

// mergeServerRow folds server-authoritative fields onto the local row
// while preserving the permanent client identifiers.
func mergeServerRow(local *models.Message, in *models.Message) *models.Message {
	merged := *local
	if in.ID != "" {
		merged.ID = in.ID
	}
	if in.CreatedTS != 0 {
		merged.CreatedTS = in.CreatedTS
	}
	if in.Body != "" {
		merged.Body = in.Body
	}
	if in.Kind != "" {
		merged.Kind = in.Kind
	}
	if in.Author != "" {
		merged.Author = in.Author
	}
	if in.Deleted {
		merged.Deleted = true
	}
	return &merged
}

// afterCommit refreshes the cache window from the store and publishes
// notices. Runs outside the batch: the store is already authoritative.
func (e *Engine) afterCommit(ctx context.Context, conv string, notices []bus.Notice) {
	msgs, err := e.store.ListMessages(conv, e.window)
	if err != nil {
		logger.Warn("cache_rebuild_failed", "conversation", conv, "error", err)
		e.cache.Invalidate(conv)
	} else {
		e.cache.Put(conv, msgs)
	}
	for _, n := range notices {
		if err := e.bus.PublishNotice(ctx, n); err != nil {
			return
		}
	}
}

func (e *Engine) publishEphemeral(ev models.Event) {
	e.bus.PublishEphemeral(bus.Ephemeral{
		Type:         ev.Type,
		Conversation: ev.Conversation,
		Payload:      ev.Payload,
	})
}
