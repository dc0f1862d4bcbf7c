// Package pipeline is the entry point for user-authored writes. A
// submitted write becomes visible locally (store + cache) before any
// network attempt, with a durable outbox entry created in the same
// transaction; delivery is then attempted asynchronously and never
// blocks the caller.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"murmursync/pkg/bus"
	"murmursync/pkg/cache"
	"murmursync/pkg/logger"
	"murmursync/pkg/models"
	"murmursync/pkg/store"
	"murmursync/pkg/store/keys"
)

// SubmitRequest is one user-authored write.
type SubmitRequest struct {
	Conversation string
	// IdempotencyKey must be globally unique per logical write; leave
	// empty to have one generated. Re-submitting the same key returns
	// the existing row instead of creating a second one.
	IdempotencyKey string
	Body           string
	Kind           models.Kind
	ReplyTo        string
}

// wirePayload is the opaque serialized write handed to the remote
// endpoint via the outbox.
type wirePayload struct {
	ClientID       string      `json:"client_id"`
	IdempotencyKey string      `json:"idempotency_key"`
	Body           string      `json:"body"`
	Kind           models.Kind `json:"kind"`
	ReplyTo        string      `json:"reply_to,omitempty"`
	ClientTS       int64       `json:"client_ts"`
}

// Pipeline performs the optimistic local apply. The delivery kick is a
// hook into the outbox processor's fast-track lane, injected at wiring
// time so the pipeline never imports network code.
type Pipeline struct {
	store  *store.Store
	cache  *cache.Cache
	bus    *bus.Bus
	self   string
	window int
	now    func() time.Time

	// kick fast-tracks delivery of one idempotency key. May be nil in
	// tests; Submit never waits on it.
	kick func(ikey string)
}

func New(s *store.Store, c *cache.Cache, b *bus.Bus, self string, window int) *Pipeline {
	if window <= 0 {
		window = cache.DefaultWindow
	}
	return &Pipeline{store: s, cache: c, bus: b, self: self, window: window, now: time.Now}
}

// SetDeliveryKick registers the fast-track hook. Called once at wiring.
func (p *Pipeline) SetDeliveryKick(kick func(ikey string)) {
	p.kick = kick
}

// Submit applies a write optimistically and schedules delivery. Returns
// the provisional message, already visible in store and cache. The only
// failure mode is store.ErrUnavailable; network state never fails a
// submit.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*models.Message, error) {
	if req.Conversation == "" {
		return nil, fmt.Errorf("submit: missing conversation")
	}
	ikey := req.IdempotencyKey
	if ikey == "" {
		ikey = keys.NewClientID()
	}
	if req.Kind == "" {
		req.Kind = models.KindText
	}

	lock := p.store.LockConversation(req.Conversation)
	lock.Lock()
	defer lock.Unlock()

	// exactly one row per idempotency key: a repeated submit returns
	// the original row
	if existing, _, err := p.store.GetMessageByIdem(ikey); err == nil {
		return existing, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := p.now().UnixNano()
	msg := models.Message{
		ClientID:       keys.NewClientID(),
		IdempotencyKey: ikey,
		Conversation:   req.Conversation,
		Author:         p.self,
		Body:           req.Body,
		Kind:           req.Kind,
		ReplyTo:        req.ReplyTo,
		CreatedTS:      now,
		State:          models.DeliveryPending,
	}
	payload, err := json.Marshal(wirePayload{
		ClientID:       msg.ClientID,
		IdempotencyKey: ikey,
		Body:           req.Body,
		Kind:           req.Kind,
		ReplyTo:        req.ReplyTo,
		ClientTS:       now,
	})
	if err != nil {
		return nil, fmt.Errorf("submit: marshal payload: %w", err)
	}
	entry := models.OutboxEntry{
		IdempotencyKey: ikey,
		Conversation:   req.Conversation,
		Payload:        payload,
		NextAttemptTS:  now,
		CreatedTS:      now,
	}

	b := p.store.NewBatch()
	if _, err := p.store.PutMessage(b, &msg); err != nil {
		b.Close()
		return nil, err
	}
	if err := p.store.AddOutboxEntry(b, &entry); err != nil {
		b.Close()
		return nil, err
	}
	if err := p.bumpCounters(b, &msg); err != nil {
		b.Close()
		return nil, err
	}
	if err := p.store.Apply(b); err != nil {
		return nil, err
	}

	p.refreshCache(req.Conversation)
	if perr := p.bus.PublishNotice(ctx, bus.Notice{
		Kind:           bus.NoticeStateChanged,
		Conversation:   req.Conversation,
		IdempotencyKey: ikey,
		State:          models.DeliveryPending,
	}); perr != nil {
		logger.Debug("submit_notice_dropped", "error", perr)
	}

	if p.kick != nil {
		// async by construction: the fast-track lane is buffered and
		// the processor owns the network attempt
		p.kick(ikey)
	}
	return &msg, nil
}

// bumpCounters mirrors the reconciliation engine's fresh-insert counter
// moves. The confirmation swap later does not bump again, so each
// logical write counts exactly once. Own writes never touch unread.
func (p *Pipeline) bumpCounters(b *pebble.Batch, m *models.Message) error {
	meta, err := p.store.ReadConversation(b, m.Conversation)
	if err != nil {
		return err
	}
	meta.MessageCount++
	if m.CreatedTS > meta.LastActivityTS {
		meta.LastActivityTS = m.CreatedTS
	}
	if err := p.store.PutConversation(b, meta); err != nil {
		return err
	}
	if m.ReplyTo != "" {
		parent, pkey, gerr := p.store.ReadMessageByID(b, m.ReplyTo)
		if gerr != nil {
			if errors.Is(gerr, store.ErrNotFound) {
				return nil
			}
			return gerr
		}
		parent.ReplyCount++
		if len(parent.ReplyPreview) < models.MaxReplyPreview {
			parent.ReplyPreview = append(parent.ReplyPreview, m.IdempotencyKey)
		}
		if err := p.store.UpdateMessageAt(b, pkey, parent); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) refreshCache(conv string) {
	msgs, err := p.store.ListMessages(conv, p.window)
	if err != nil {
		p.cache.Invalidate(conv)
		return
	}
	p.cache.Put(conv, msgs)
}
