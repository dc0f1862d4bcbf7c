// Package outbox drains the durable outbox: conversation-FIFO delivery
// with per-key in-flight guards, exponential backoff, and a fast-track
// lane for writes submitted while online. Network errors are classified
// here and never propagate past this boundary.
package outbox

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"murmursync/pkg/logger"
	"murmursync/pkg/models"
	"murmursync/pkg/remote"
	"murmursync/pkg/store"
	"murmursync/pkg/telemetry"
)

// Sender delivers one entry to the remote idempotent write endpoint.
type Sender interface {
	SendMessage(ctx context.Context, e *models.OutboxEntry) (*remote.WriteAck, error)
}

// Reconciler records delivery outcomes in the store.
type Reconciler interface {
	ConfirmDelivery(ctx context.Context, ikey string, ack *remote.WriteAck) error
	MarkFailed(ctx context.Context, ikey string) error
}

type Config struct {
	// TickInterval is the periodic drain schedule.
	TickInterval time.Duration
	// Backoff: base 1s, factor 2, jittered, capped at Ceiling.
	BackoffBase    time.Duration
	BackoffFactor  float64
	BackoffCeiling time.Duration
	// MaxAttempts is the abandonment ceiling; past it the write is
	// marked failed (visible, never silently dropped).
	MaxAttempts int
	// Concurrency bounds how many conversations drain in parallel.
	// Entries within one conversation always go oldest-first, one at a
	// time.
	Concurrency int
	// AttemptTimeout bounds a single delivery attempt.
	AttemptTimeout time.Duration
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 15 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.BackoffFactor <= 1 {
		c.BackoffFactor = 2
	}
	if c.BackoffCeiling <= 0 {
		c.BackoffCeiling = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = 15 * time.Second
	}
}

type Processor struct {
	cfg    Config
	store  *store.Store
	sender Sender
	rec    Reconciler

	fast    chan string
	trigger chan string

	mu       sync.Mutex
	inflight map[string]struct{}
	convBusy map[string]bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
	now    func() time.Time
}

func NewProcessor(cfg Config, s *store.Store, sender Sender, rec Reconciler) *Processor {
	cfg.defaults()
	return &Processor{
		cfg:      cfg,
		store:    s,
		sender:   sender,
		rec:      rec,
		fast:     make(chan string, 64),
		trigger:  make(chan string, 8),
		inflight: make(map[string]struct{}),
		convBusy: make(map[string]bool),
		now:      time.Now,
	}
}

// Start launches the drain loop. Stop cancels it and waits for
// in-flight attempts to finish.
func (p *Processor) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *Processor) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// FastTrack schedules one specific entry ahead of the periodic tick.
// Non-blocking; a full lane falls back to the next tick.
func (p *Processor) FastTrack(ikey string) {
	select {
	case p.fast <- ikey:
	default:
	}
}

// TriggerFlush asks for an immediate full drain (reconnect, credential
// refresh, app resume). Coalesced; non-blocking.
func (p *Processor) TriggerFlush(reason string) {
	select {
	case p.trigger <- reason:
	default:
	}
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.flush(ctx)
		case reason := <-p.trigger:
			logger.Debug("outbox_flush_triggered", "reason", reason)
			p.flush(ctx)
		case ikey := <-p.fast:
			p.fastAttempt(ctx, ikey)
		}
	}
}

// flush drains every conversation with due entries, each conversation
// on its own worker, bounded by Concurrency.
func (p *Processor) flush(ctx context.Context) {
	byConv, err := p.store.ListOutboxAll()
	if err != nil {
		logger.Error("outbox_list_failed", "error", err)
		return
	}
	depth := 0
	for _, entries := range byConv {
		depth += len(entries)
	}
	telemetry.OutboxDepth.Set(float64(depth))
	if depth == 0 {
		return
	}

	sem := make(chan struct{}, p.cfg.Concurrency)
	var wg sync.WaitGroup
	for conv, entries := range byConv {
		if !p.claimConversation(conv) {
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(conv string, entries []models.OutboxEntry) {
			defer wg.Done()
			defer func() { <-sem }()
			defer p.releaseConversation(conv)
			p.drainConversation(ctx, entries)
		}(conv, entries)
	}
	wg.Wait()
}

// drainConversation attempts entries oldest-first. A head entry still
// in backoff blocks the rest of its conversation so delivery order is
// preserved.
func (p *Processor) drainConversation(ctx context.Context, entries []models.OutboxEntry) {
	for i := range entries {
		if ctx.Err() != nil {
			return
		}
		e := entries[i]
		if e.NextAttemptTS > p.now().UnixNano() {
			return
		}
		if !p.attempt(ctx, &e) {
			return
		}
	}
}

// fastAttempt delivers one specific entry immediately if it is the
// oldest pending entry of its conversation; otherwise it falls back to
// a full conversation drain so FIFO order holds.
func (p *Processor) fastAttempt(ctx context.Context, ikey string) {
	e, err := p.store.GetOutboxEntry(ikey)
	if err != nil {
		// already confirmed or abandoned
		return
	}
	pending, err := p.store.ListOutbox(e.Conversation)
	if err != nil || len(pending) == 0 {
		return
	}
	if !p.claimConversation(e.Conversation) {
		return
	}
	defer p.releaseConversation(e.Conversation)
	if pending[0].IdempotencyKey == ikey {
		p.attempt(ctx, e)
		return
	}
	p.drainConversation(ctx, pending)
}

// attempt performs one delivery. Returns true when the conversation may
// proceed to its next entry (confirmed or terminally failed), false
// when the entry stays queued (retryable failure or in-flight guard).
func (p *Processor) attempt(ctx context.Context, e *models.OutboxEntry) bool {
	if !p.claimKey(e.IdempotencyKey) {
		// never two concurrent attempts for the same key
		return false
	}
	defer p.releaseKey(e.IdempotencyKey)

	actx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	ack, err := p.sender.SendMessage(actx, e)
	if err == nil {
		if cerr := p.rec.ConfirmDelivery(ctx, e.IdempotencyKey, ack); cerr != nil {
			logger.Error("outbox_confirm_failed", "ikey", e.IdempotencyKey, "error", cerr)
			return false
		}
		telemetry.DeliveryAttempts.WithLabelValues("confirmed").Inc()
		logger.Info("outbox_delivery_confirmed", "ikey", e.IdempotencyKey, "server_id", ack.ID, "attempts", e.AttemptCount+1)
		return true
	}

	if remote.IsTerminal(err) {
		telemetry.DeliveryAttempts.WithLabelValues("terminal").Inc()
		logger.Warn("outbox_delivery_terminal", "ikey", e.IdempotencyKey, "error", err)
		if ferr := p.rec.MarkFailed(ctx, e.IdempotencyKey); ferr != nil {
			logger.Error("outbox_mark_failed_error", "ikey", e.IdempotencyKey, "error", ferr)
		}
		return true
	}

	// retryable
	telemetry.DeliveryAttempts.WithLabelValues("retryable").Inc()
	e.AttemptCount++
	if e.AttemptCount >= p.cfg.MaxAttempts {
		logger.Warn("outbox_delivery_abandoned", "ikey", e.IdempotencyKey, "attempts", e.AttemptCount, "error", err)
		if ferr := p.rec.MarkFailed(ctx, e.IdempotencyKey); ferr != nil {
			logger.Error("outbox_mark_failed_error", "ikey", e.IdempotencyKey, "error", ferr)
		}
		return true
	}
	e.NextAttemptTS = p.now().Add(p.backoff(e.AttemptCount)).UnixNano()
	b := p.store.NewBatch()
	if uerr := p.store.UpdateOutboxEntry(b, e); uerr != nil {
		b.Close()
		logger.Error("outbox_update_failed", "ikey", e.IdempotencyKey, "error", uerr)
		return false
	}
	if aerr := p.store.Apply(b); aerr != nil {
		logger.Error("outbox_update_failed", "ikey", e.IdempotencyKey, "error", aerr)
		return false
	}
	logger.Debug("outbox_delivery_retry_scheduled", "ikey", e.IdempotencyKey, "attempts", e.AttemptCount, "error", err)
	return false
}

// backoff computes the jittered exponential delay for the given attempt
// count (1-based).
func (p *Processor) backoff(attempts int) time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < attempts; i++ {
		d = time.Duration(float64(d) * p.cfg.BackoffFactor)
		if d >= p.cfg.BackoffCeiling {
			d = p.cfg.BackoffCeiling
			break
		}
	}
	// +-20% jitter so parked retries do not thunder together
	jitter := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * jitter)
}

func (p *Processor) claimKey(ikey string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[ikey]; busy {
		return false
	}
	p.inflight[ikey] = struct{}{}
	return true
}

func (p *Processor) releaseKey(ikey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, ikey)
}

func (p *Processor) claimConversation(conv string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.convBusy[conv] {
		return false
	}
	p.convBusy[conv] = true
	return true
}

func (p *Processor) releaseConversation(conv string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.convBusy, conv)
}
