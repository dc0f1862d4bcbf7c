// Package lifecycle receives coarse host signals (app pause/resume,
// network connectivity changes) and fans them out to the components
// that care. The host platform calls these from its own main thread;
// handlers must not block.
package lifecycle

import (
	"sync"
	"sync/atomic"

	"murmursync/pkg/logger"
)

type Hooks struct {
	// Pause quiesces live work: the feed is torn down without side
	// effects and delivery attempts stop claiming new entries.
	Pause func()
	// Resume reconnects the feed, flushes the outbox and closes the
	// offline gap with a delta sync.
	Resume func()
	// NetworkChanged reports host connectivity.
	NetworkChanged func(online bool)
}

type Coordinator struct {
	mu     sync.Mutex
	hooks  []Hooks
	paused atomic.Bool
	online atomic.Bool
}

func NewCoordinator() *Coordinator {
	c := &Coordinator{}
	c.online.Store(true)
	return c
}

// Register adds a hook set. Nil members are skipped at dispatch.
func (c *Coordinator) Register(h Hooks) {
	c.mu.Lock()
	c.hooks = append(c.hooks, h)
	c.mu.Unlock()
}

func (c *Coordinator) snapshot() []Hooks {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Hooks(nil), c.hooks...)
}

// Pause is idempotent; a second call while paused is a no-op.
func (c *Coordinator) Pause() {
	if !c.paused.CompareAndSwap(false, true) {
		return
	}
	logger.Info("lifecycle_pause")
	for _, h := range c.snapshot() {
		if h.Pause != nil {
			h.Pause()
		}
	}
}

func (c *Coordinator) Resume() {
	if !c.paused.CompareAndSwap(true, false) {
		return
	}
	logger.Info("lifecycle_resume")
	for _, h := range c.snapshot() {
		if h.Resume != nil {
			h.Resume()
		}
	}
}

// NetworkChanged drops duplicate reports of the same connectivity.
func (c *Coordinator) NetworkChanged(online bool) {
	if c.online.Load() == online {
		return
	}
	c.online.Store(online)
	logger.Info("lifecycle_network_changed", "online", online)
	if c.paused.Load() {
		// deferred until resume; the resume path reconnects anyway
		return
	}
	for _, h := range c.snapshot() {
		if h.NetworkChanged != nil {
			h.NetworkChanged(online)
		}
	}
}

// Paused reports whether the app is currently backgrounded.
func (c *Coordinator) Paused() bool { return c.paused.Load() }

// Online reports last known connectivity.
func (c *Coordinator) Online() bool { return c.online.Load() }
