// Package bus is the explicit message-passing seam between the sync
// core and its embedder. Delivery-state changes, coarse connection
// status and ephemeral feed events are published here; presentation
// code consumes them instead of reaching into component internals.
package bus

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned when publishing to a closed Bus.
var ErrBusClosed = errors.New("event bus closed")

type Bus struct {
	notices   chan Notice
	status    chan Status
	ephemeral chan Ephemeral
	done      chan struct{}
	closed    atomic.Bool
}

func New() *Bus {
	return &Bus{
		notices:   make(chan Notice, 100),
		status:    make(chan Status, 16),
		ephemeral: make(chan Ephemeral, 100),
		done:      make(chan struct{}),
	}
}

func (b *Bus) PublishNotice(ctx context.Context, n Notice) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.notices <- n:
		return nil
	case <-b.done:
		return ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bus) ConsumeNotice(ctx context.Context) (Notice, bool) {
	select {
	case n, ok := <-b.notices:
		return n, ok
	case <-b.done:
		return Notice{}, false
	case <-ctx.Done():
		return Notice{}, false
	}
}

// PublishStatus never blocks: a slow consumer sees the newest coarse
// status, not a backlog of stale ones.
func (b *Bus) PublishStatus(s Status) {
	if b.closed.Load() {
		return
	}
	for {
		select {
		case b.status <- s:
			return
		case <-b.done:
			return
		default:
			select {
			case <-b.status:
			default:
			}
		}
	}
}

func (b *Bus) ConsumeStatus(ctx context.Context) (Status, bool) {
	select {
	case s, ok := <-b.status:
		return s, ok
	case <-b.done:
		return Status{}, false
	case <-ctx.Done():
		return Status{}, false
	}
}

// PublishEphemeral drops on a full buffer; typing and presence blips
// are not worth backpressure.
func (b *Bus) PublishEphemeral(e Ephemeral) {
	if b.closed.Load() {
		return
	}
	select {
	case b.ephemeral <- e:
	case <-b.done:
	default:
	}
}

func (b *Bus) ConsumeEphemeral(ctx context.Context) (Ephemeral, bool) {
	select {
	case e, ok := <-b.ephemeral:
		return e, ok
	case <-b.done:
		return Ephemeral{}, false
	case <-ctx.Done():
		return Ephemeral{}, false
	}
}

func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
