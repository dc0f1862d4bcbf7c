// Package subscription owns the live change-feed connection: one
// logical feed per active conversation set, driven by an explicit state
// machine (Disconnected, Connecting, Connected, Degraded, Reconnecting)
// with generation-stamped attempts, a connect watchdog, periodic health
// probing, a fixed backoff schedule, one hard rebuild of the transport,
// and a degraded-polling fallback that substitutes delta-sync for live
// updates until a reconnect succeeds.
package subscription

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"murmursync/pkg/bus"
	"murmursync/pkg/logger"
	"murmursync/pkg/models"
	"murmursync/pkg/remote"
	"murmursync/pkg/telemetry"
)

// SessionChecker is the lightweight probe run from Degraded before
// deciding whether a full reconnect is needed.
type SessionChecker interface {
	SessionCheck(ctx context.Context) error
}

// Applier feeds inbound events into the reconciliation engine.
type Applier interface {
	ApplyInbound(ctx context.Context, ev models.Event) error
}

// Poller is the degraded-mode substitute for live updates.
type Poller interface {
	SyncAll(ctx context.Context) (int, error)
}

type Config struct {
	// Backoff is the fixed escalating retry schedule.
	Backoff []time.Duration
	// DialTimeout is the connect watchdog.
	DialTimeout time.Duration
	// ProbeInterval drives the liveness ping; StaleThreshold is how
	// long the feed may stay silent before the manager degrades.
	ProbeInterval  time.Duration
	StaleThreshold time.Duration
	// PollInterval drives the degraded-polling fallback.
	PollInterval time.Duration
	// CheckTimeout bounds the Degraded-state session check.
	CheckTimeout time.Duration
}

func (c *Config) defaults() {
	if len(c.Backoff) == 0 {
		c.Backoff = []time.Duration{3 * time.Second, 6 * time.Second, 12 * time.Second, 24 * time.Second}
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = 15 * time.Second
	}
	if c.StaleThreshold <= 0 {
		c.StaleThreshold = 45 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 5 * time.Second
	}
}

type Manager struct {
	cfg     Config
	dialer  Dialer
	tokens  remote.TokenSource
	checker SessionChecker
	applier Applier
	poller  Poller
	bus     *bus.Bus

	// onConnected runs after every successful (re)connect; wiring
	// installs the outbox flush plus a delta-sync catch-up here so a
	// reconnect never loses the gap.
	onConnected func()

	// gen stamps every connection attempt; callbacks from a superseded
	// attempt compare against it and drop themselves.
	gen uint64

	lastInbound int64 // unixnano, atomic

	mu      sync.Mutex
	state   State
	convs   []string
	retry   int
	rebuilt bool
	feed    Feed

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewManager(cfg Config, dialer Dialer, tokens remote.TokenSource, checker SessionChecker, applier Applier, poller Poller, b *bus.Bus) *Manager {
	cfg.defaults()
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		tokens:  tokens,
		checker: checker,
		applier: applier,
		poller:  poller,
		bus:     b,
		state:   Disconnected,
	}
}

// SetOnConnected installs the post-connect hook. Called once at wiring.
func (m *Manager) SetOnConnected(fn func()) {
	m.onConnected = fn
}

// Start binds the manager lifetime to ctx and registers for credential
// changes: a refreshed token is re-applied by forcing a reconnect
// rather than waiting for the next failure.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx, m.cancel = context.WithCancel(ctx)
	m.tokens.OnChange(func() {
		m.ForceReconnect("token_changed")
	})
}

// Stop tears everything down and waits for attempt goroutines.
func (m *Manager) Stop() {
	m.Unsubscribe()
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Generation exposes the current attempt stamp (tests assert that a
// Degraded->Connected recovery does not burn a generation).
func (m *Manager) Generation() uint64 {
	return atomic.LoadUint64(&m.gen)
}

// Subscribe replaces the active conversation set and connects. A feed
// serving the previous set is torn down first so its read loop exits
// instead of draining into a dead channel.
func (m *Manager) Subscribe(convs []string) {
	// stamp first so the old read loop cannot schedule its own retry
	atomic.AddUint64(&m.gen, 1)
	m.mu.Lock()
	if m.feed != nil {
		m.feed.Close()
		m.feed = nil
	}
	m.convs = append([]string(nil), convs...)
	m.retry = 0
	m.rebuilt = false
	m.mu.Unlock()
	m.startAttempt()
}

// Unsubscribe tears the feed down without side effects and clears the
// generation stamp so any late callback is discarded.
func (m *Manager) Unsubscribe() {
	atomic.AddUint64(&m.gen, 1)
	m.mu.Lock()
	if m.feed != nil {
		m.feed.Close()
		m.feed = nil
	}
	m.convs = nil
	m.retry = 0
	m.mu.Unlock()
	m.setState(Disconnected)
}

// ForceReconnect abandons the current attempt and reconnects from a
// clean retry count. Used on token refresh, network-online and resume.
func (m *Manager) ForceReconnect(reason string) {
	// stamp first so the old read loop cannot schedule its own retry
	atomic.AddUint64(&m.gen, 1)
	m.mu.Lock()
	active := len(m.convs) > 0
	m.retry = 0
	m.rebuilt = false
	if m.feed != nil {
		m.feed.Close()
		m.feed = nil
	}
	m.mu.Unlock()
	if !active {
		return
	}
	logger.Info("feed_force_reconnect", "reason", reason)
	m.startAttempt()
}

// NetworkChanged reacts to the host's connectivity signal.
func (m *Manager) NetworkChanged(online bool) {
	if online {
		m.ForceReconnect("network_online")
		return
	}
	// stale the in-flight attempt; reconnect waits for network_online
	atomic.AddUint64(&m.gen, 1)
	m.mu.Lock()
	if m.feed != nil {
		m.feed.Close()
		m.feed = nil
	}
	m.mu.Unlock()
	m.setState(Disconnected)
}

// startAttempt stamps a fresh generation and connects. At most one
// attempt is in flight: the new stamp invalidates every prior one.
func (m *Manager) startAttempt() {
	gen := atomic.AddUint64(&m.gen, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.connect(gen)
	}()
}

func (m *Manager) current(gen uint64) bool {
	return atomic.LoadUint64(&m.gen) == gen
}

func (m *Manager) connect(gen uint64) {
	if m.runCtx == nil || m.runCtx.Err() != nil || !m.current(gen) {
		return
	}
	m.setState(Connecting)
	telemetry.Reconnects.Inc()

	m.mu.Lock()
	convs := append([]string(nil), m.convs...)
	m.mu.Unlock()
	if len(convs) == 0 {
		m.setState(Disconnected)
		return
	}

	dctx, cancel := context.WithTimeout(m.runCtx, m.cfg.DialTimeout)
	defer cancel()

	token, err := m.tokens.Token(dctx)
	if err != nil {
		logger.Warn("feed_token_unavailable", "error", err)
		m.scheduleRetry(gen)
		return
	}
	feed, err := m.dialer.Dial(dctx, convs, token)
	if err != nil {
		logger.Warn("feed_connect_failed", "error", err, "generation", gen)
		m.scheduleRetry(gen)
		return
	}
	if !m.current(gen) {
		// superseded while dialing; discard without side effects
		feed.Close()
		return
	}

	m.mu.Lock()
	if m.feed != nil {
		// a superseded feed nobody closed yet must not outlive its
		// generation
		m.feed.Close()
	}
	m.feed = feed
	m.retry = 0
	m.rebuilt = false
	m.mu.Unlock()
	atomic.StoreInt64(&m.lastInbound, time.Now().UnixNano())
	m.setState(Connected)
	logger.Info("feed_connected", "conversations", len(convs), "generation", gen)

	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		m.readLoop(gen, feed)
	}()
	go func() {
		defer m.wg.Done()
		m.probeLoop(gen, feed)
	}()

	if m.onConnected != nil {
		// flush the outbox and close the offline gap
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.onConnected()
		}()
	}
}

func (m *Manager) readLoop(gen uint64, feed Feed) {
	for ev := range feed.Events() {
		if !m.current(gen) {
			return
		}
		atomic.StoreInt64(&m.lastInbound, time.Now().UnixNano())
		if err := m.applier.ApplyInbound(m.runCtx, ev); err != nil {
			logger.Error("feed_apply_failed", "type", string(ev.Type), "error", err)
		}
	}
	// channel closed: connection lost
	if m.current(gen) && m.runCtx.Err() == nil {
		m.scheduleRetry(gen)
	}
}

func (m *Manager) probeLoop(gen uint64, feed Feed) {
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-ticker.C:
		}
		if !m.current(gen) {
			return
		}
		if err := feed.Ping(m.runCtx); err != nil {
			logger.Debug("feed_ping_failed", "error", err)
		}
		silent := time.Since(time.Unix(0, atomic.LoadInt64(&m.lastInbound)))
		if silent <= m.cfg.StaleThreshold {
			continue
		}
		if m.State() != Connected {
			continue
		}
		// believed connected but silent too long
		m.setState(Degraded)
		logger.Warn("feed_degraded", "silent", silent.String())
		cctx, cancel := context.WithTimeout(m.runCtx, m.cfg.CheckTimeout)
		err := m.checker.SessionCheck(cctx)
		cancel()
		if !m.current(gen) {
			return
		}
		if err == nil {
			// session is fine; resume without a reconnect (and without
			// burning a generation)
			atomic.StoreInt64(&m.lastInbound, time.Now().UnixNano())
			m.setState(Connected)
			logger.Info("feed_degraded_recovered")
			continue
		}
		logger.Warn("feed_session_check_failed", "error", err)
		// closing the feed ends the read loop, which schedules the retry
		feed.Close()
		return
	}
}

// scheduleRetry walks the fixed backoff schedule. Exhausting it earns
// one hard rebuild of the transport; a second exhaustion drops into the
// degraded-polling fallback.
func (m *Manager) scheduleRetry(gen uint64) {
	if !m.current(gen) || m.runCtx.Err() != nil {
		return
	}
	m.mu.Lock()
	if m.feed != nil {
		m.feed.Close()
		m.feed = nil
	}
	m.retry++
	retry := m.retry
	schedule := m.cfg.Backoff
	if retry > len(schedule) {
		if !m.rebuilt {
			m.rebuilt = true
			m.retry = len(schedule)
			m.mu.Unlock()
			if rb, ok := m.dialer.(Rebuilder); ok {
				logger.Warn("feed_hard_rebuild")
				rb.Rebuild()
			}
			m.retryAfter(gen, schedule[len(schedule)-1])
			return
		}
		m.mu.Unlock()
		m.enterFallback(gen)
		return
	}
	m.mu.Unlock()
	m.setState(Reconnecting)
	m.retryAfter(gen, schedule[retry-1])
}

func (m *Manager) retryAfter(gen uint64, delay time.Duration) {
	m.setState(Reconnecting)
	logger.Info("feed_retry_scheduled", "delay", delay.String())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-m.runCtx.Done():
			return
		case <-time.After(delay):
		}
		if !m.current(gen) {
			return
		}
		m.startAttempt()
	}()
}

// enterFallback substitutes slow periodic delta-sync polling for live
// updates until an explicit reconnect succeeds.
func (m *Manager) enterFallback(gen uint64) {
	m.setState(Disconnected)
	logger.Warn("feed_fallback_polling", "interval", m.cfg.PollInterval.String())
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.runCtx.Done():
				return
			case <-ticker.C:
			}
			if !m.current(gen) {
				// an explicit reconnect superseded the fallback
				return
			}
			if n, err := m.poller.SyncAll(m.runCtx); err != nil {
				logger.Warn("feed_fallback_sync_failed", "error", err)
			} else if n > 0 {
				logger.Info("feed_fallback_synced", "events", n)
			}
		}
	}()
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	changed := m.state != s
	m.state = s
	m.mu.Unlock()
	if !changed {
		return
	}
	telemetry.FeedState.Set(float64(s))
	if m.bus != nil {
		m.bus.PublishStatus(bus.Status{Coarse: s.Coarse()})
	}
}
