package subscription

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"murmursync/pkg/bus"
	"murmursync/pkg/models"
	"murmursync/pkg/remote"
)

type fakeFeed struct {
	events chan models.Event
	once   sync.Once
	pings  atomic.Int64
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{events: make(chan models.Event, 16)}
}

func (f *fakeFeed) Events() <-chan models.Event { return f.events }

func (f *fakeFeed) Ping(ctx context.Context) error {
	f.pings.Add(1)
	return nil
}

func (f *fakeFeed) Close() error {
	f.once.Do(func() { close(f.events) })
	return nil
}

type fakeDialer struct {
	mu       sync.Mutex
	failing  bool
	dials    int
	rebuilds int
	tokens   []string
	feeds    []*fakeFeed
}

func (d *fakeDialer) Dial(ctx context.Context, convs []string, token string) (Feed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.tokens = append(d.tokens, token)
	if d.failing {
		return nil, errors.New("dial refused")
	}
	f := newFakeFeed()
	d.feeds = append(d.feeds, f)
	return f, nil
}

func (d *fakeDialer) Rebuild() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rebuilds++
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failing = v
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) rebuildCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rebuilds
}

func (d *fakeDialer) lastFeed() *fakeFeed {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.feeds) == 0 {
		return nil
	}
	return d.feeds[len(d.feeds)-1]
}

func (d *fakeDialer) lastToken() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.tokens) == 0 {
		return ""
	}
	return d.tokens[len(d.tokens)-1]
}

type fakeChecker struct {
	err atomic.Value // error
	n   atomic.Int64
}

func (c *fakeChecker) SessionCheck(ctx context.Context) error {
	c.n.Add(1)
	if v := c.err.Load(); v != nil {
		if err, ok := v.(error); ok && err != nil {
			return err
		}
	}
	return nil
}

type fakeApplier struct {
	mu     sync.Mutex
	events []models.Event
}

func (a *fakeApplier) ApplyInbound(ctx context.Context, ev models.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, ev)
	return nil
}

func (a *fakeApplier) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

type fakePoller struct {
	n atomic.Int64
}

func (p *fakePoller) SyncAll(ctx context.Context) (int, error) {
	p.n.Add(1)
	return 0, nil
}

func newTestManager(t *testing.T, cfg Config, dialer Dialer) (*Manager, *remote.StaticTokenSource, *fakeChecker, *fakeApplier, *fakePoller) {
	t.Helper()
	tokens := remote.NewStaticTokenSource("tok-1")
	checker := &fakeChecker{}
	applier := &fakeApplier{}
	poller := &fakePoller{}
	b := bus.New()
	t.Cleanup(b.Close)
	m := NewManager(cfg, dialer, tokens, checker, applier, poller, b)
	m.Start(context.Background())
	t.Cleanup(m.Stop)
	return m, tokens, checker, applier, poller
}

func waitState(t *testing.T, m *Manager, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return m.State() == want },
		2*time.Second, 5*time.Millisecond, "never reached state %s, stuck in %s", want, m.State())
}

func TestSubscribeConnectsAndAppliesEvents(t *testing.T) {
	d := &fakeDialer{}
	m, _, _, applier, _ := newTestManager(t, Config{}, d)

	var connected atomic.Int64
	m.SetOnConnected(func() { connected.Add(1) })

	m.Subscribe([]string{"grp"})
	waitState(t, m, Connected)
	require.Equal(t, 1, d.dialCount())
	require.Equal(t, "tok-1", d.lastToken())
	require.Eventually(t, func() bool { return connected.Load() == 1 }, time.Second, 5*time.Millisecond)

	d.lastFeed().events <- models.Event{Type: models.EventMessageInsert, Conversation: "grp", TS: 1}
	require.Eventually(t, func() bool { return applier.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestReconnectAfterFeedDrop(t *testing.T) {
	d := &fakeDialer{}
	m, _, _, _, _ := newTestManager(t, Config{
		Backoff: []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
	}, d)

	m.Subscribe([]string{"grp"})
	waitState(t, m, Connected)
	gen := m.Generation()

	// server drops the connection; wait for the redial before asserting
	// the reconnected state
	d.lastFeed().Close()
	require.Eventually(t, func() bool { return d.dialCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, m, Connected)
	require.Equal(t, 2, d.dialCount())
	require.Greater(t, m.Generation(), gen, "a reconnect must burn a generation")
}

// feedClosed reports whether the fake feed's channel has been closed.
func feedClosed(f *fakeFeed) bool {
	select {
	case _, ok := <-f.events:
		return !ok
	default:
		return false
	}
}

func TestResubscribeClosesPreviousFeed(t *testing.T) {
	d := &fakeDialer{}
	m, _, _, applier, _ := newTestManager(t, Config{}, d)

	m.Subscribe([]string{"grp"})
	waitState(t, m, Connected)
	old := d.lastFeed()

	// replacing the conversation set must tear the live feed down, not
	// leave its read loop draining into a dead channel
	m.Subscribe([]string{"grp", "side"})
	require.Eventually(t, func() bool { return d.dialCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, m, Connected)
	require.Eventually(t, func() bool { return feedClosed(old) }, 2*time.Second, 5*time.Millisecond)

	// the closed feed must not schedule a retry of its own
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 2, d.dialCount())

	// events flow on the replacement feed
	d.lastFeed().events <- models.Event{Type: models.EventMessageInsert, Conversation: "side", TS: 1}
	require.Eventually(t, func() bool { return applier.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDegradedRecoversWithoutReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, _, checker, _, _ := newTestManager(t, Config{
		ProbeInterval:  10 * time.Millisecond,
		StaleThreshold: time.Millisecond,
	}, d)

	m.Subscribe([]string{"grp"})
	waitState(t, m, Connected)
	gen := m.Generation()

	// a silent feed with a healthy session recovers in place
	require.Eventually(t, func() bool { return checker.n.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, m, Connected)
	require.Equal(t, 1, d.dialCount(), "healthy session must not redial")
	require.Equal(t, gen, m.Generation(), "in-place recovery must not burn a generation")
	require.Greater(t, d.lastFeed().pings.Load(), int64(0))
}

func TestDegradedDeadSessionReconnects(t *testing.T) {
	d := &fakeDialer{}
	m, _, checker, _, _ := newTestManager(t, Config{
		ProbeInterval:  10 * time.Millisecond,
		StaleThreshold: time.Millisecond,
		Backoff:        []time.Duration{time.Millisecond, time.Millisecond},
	}, d)
	checker.err.Store(errors.New("session gone"))

	m.Subscribe([]string{"grp"})
	waitState(t, m, Connected)

	// the dead session forces a full reconnect path
	require.Eventually(t, func() bool { return d.dialCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestBackoffExhaustionRebuildThenFallbackPolling(t *testing.T) {
	d := &fakeDialer{failing: true}
	m, _, _, _, poller := newTestManager(t, Config{
		Backoff:      []time.Duration{time.Millisecond, 2 * time.Millisecond},
		PollInterval: 5 * time.Millisecond,
	}, d)

	m.Subscribe([]string{"grp"})

	// schedule exhausted: one hard rebuild, one last try, then polling
	require.Eventually(t, func() bool { return d.rebuildCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, m, Disconnected)
	require.Equal(t, 4, d.dialCount())
	require.Eventually(t, func() bool { return poller.n.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)

	// an explicit reconnect ends the fallback
	d.setFailing(false)
	m.ForceReconnect("test")
	waitState(t, m, Connected)
	polled := poller.n.Load()
	time.Sleep(30 * time.Millisecond)
	require.LessOrEqual(t, poller.n.Load(), polled+1, "polling must stop after reconnect")
}

func TestTokenChangeForcesReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, tokens, _, _, _ := newTestManager(t, Config{}, d)

	m.Subscribe([]string{"grp"})
	waitState(t, m, Connected)
	require.Equal(t, 1, d.dialCount())

	tokens.SetToken("tok-2")
	require.Eventually(t, func() bool { return d.dialCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	waitState(t, m, Connected)
	require.Equal(t, "tok-2", d.lastToken(), "reconnect must carry the refreshed credential")
}

func TestUnsubscribeQuiesces(t *testing.T) {
	d := &fakeDialer{}
	m, _, _, _, _ := newTestManager(t, Config{}, d)

	m.Subscribe([]string{"grp"})
	waitState(t, m, Connected)

	m.Unsubscribe()
	require.Equal(t, Disconnected, m.State())

	time.Sleep(20 * time.Millisecond)
	// the closed feed must not trigger a retry without a subscription
	require.Equal(t, 1, d.dialCount())
	require.Equal(t, Disconnected, m.State())
}

func TestNetworkOfflineThenOnline(t *testing.T) {
	d := &fakeDialer{}
	m, _, _, _, _ := newTestManager(t, Config{}, d)

	m.Subscribe([]string{"grp"})
	waitState(t, m, Connected)

	m.NetworkChanged(false)
	require.Equal(t, Disconnected, m.State())

	m.NetworkChanged(true)
	waitState(t, m, Connected)
	require.Equal(t, 2, d.dialCount())
}

func TestStateCoarseMapping(t *testing.T) {
	require.Equal(t, "connected", Connected.Coarse())
	require.Equal(t, "connected", Degraded.Coarse())
	require.Equal(t, "connecting", Connecting.Coarse())
	require.Equal(t, "connecting", Reconnecting.Coarse())
	require.Equal(t, "offline", Disconnected.Coarse())
}
