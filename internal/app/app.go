// Package app wires the sync core together: the durable store, the
// recency cache, the event bus, the write pipeline, the outbox
// processor, the delta-sync engine and the live-feed subscription
// manager, with lifecycle signal routing and ordered teardown.
package app

import (
	"context"
	"fmt"
	"os"
	"sync"

	"murmursync/pkg/bus"
	"murmursync/pkg/cache"
	"murmursync/pkg/config"
	"murmursync/pkg/deltasync"
	"murmursync/pkg/lifecycle"
	"murmursync/pkg/logger"
	"murmursync/pkg/outbox"
	"murmursync/pkg/pipeline"
	"murmursync/pkg/reconcile"
	"murmursync/pkg/remote"
	"murmursync/pkg/store"
	"murmursync/pkg/subscription"
)

// App groups the sync core's components.
type App struct {
	eff     config.EffectiveConfigResult
	version string
	commit  string

	store  *store.Store
	cache  *cache.Cache
	bus    *bus.Bus
	tokens *remote.StaticTokenSource
	client *remote.Client
	engine *reconcile.Engine
	pipe   *pipeline.Pipeline
	proc   *outbox.Processor
	sync   *deltasync.Engine
	mgr    *subscription.Manager
	life   *lifecycle.Coordinator

	mu          sync.Mutex
	activeConvs []string

	metricsStop func(ctx context.Context) error
}

// New sets up every component but starts nothing. Call Run to start
// background work and block for the lifecycle.
func New(eff config.EffectiveConfigResult, version, commit string) (*App, error) {
	cfg := eff.Config

	self := cfg.Identity.Self
	if self == "" {
		return nil, fmt.Errorf("identity.self not configured")
	}

	st, err := store.Open(eff.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", eff.DBPath, err)
	}

	ch := cache.New(cfg.Cache.Capacity, cfg.Cache.TTL.Duration(), cfg.Cache.Window)
	eb := bus.New()

	tokens := remote.NewStaticTokenSource(os.Getenv("MURMURSYNC_TOKEN"))
	client := remote.NewClient(remote.ClientConfig{
		BaseURL:        cfg.Remote.BaseURL,
		RequestTimeout: cfg.Remote.RequestTimeout.Duration(),
		WriteRPS:       cfg.Remote.WriteRPS,
		WriteBurst:     cfg.Remote.WriteBurst,
	}, tokens)

	window := cfg.Cache.Window
	engine := reconcile.NewEngine(st, ch, eb, self, window)
	pipe := pipeline.New(st, ch, eb, self, window)

	proc := outbox.NewProcessor(outbox.Config{
		TickInterval:   cfg.Outbox.TickInterval.Duration(),
		BackoffBase:    cfg.Outbox.BackoffBase.Duration(),
		BackoffCeiling: cfg.Outbox.BackoffCeiling.Duration(),
		MaxAttempts:    cfg.Outbox.MaxAttempts,
		Concurrency:    cfg.Outbox.Concurrency,
		AttemptTimeout: cfg.Outbox.AttemptTimeout.Duration(),
	}, st, client, engine)
	pipe.SetDeliveryKick(proc.FastTrack)

	dsEngine := deltasync.New(deltasync.Config{
		BatchLimit:   cfg.Sync.BatchLimit,
		FetchTimeout: cfg.Sync.FetchTimeout.Duration(),
	}, st, client, engine)

	feedURL := cfg.Remote.FeedURL
	if feedURL == "" {
		feedURL = cfg.Remote.BaseURL
	}
	dialer := subscription.NewWSDialer(feedURL, cfg.Feed.DialTimeout.Duration())
	mgr := subscription.NewManager(subscription.Config{
		DialTimeout:    cfg.Feed.DialTimeout.Duration(),
		ProbeInterval:  cfg.Feed.ProbeInterval.Duration(),
		StaleThreshold: cfg.Feed.StaleThreshold.Duration(),
		PollInterval:   cfg.Feed.PollInterval.Duration(),
		CheckTimeout:   cfg.Feed.CheckTimeout.Duration(),
	}, dialer, tokens, client, engine, dsEngine, eb)

	a := &App{
		eff:     eff,
		version: version,
		commit:  commit,
		store:   st,
		cache:   ch,
		bus:     eb,
		tokens:  tokens,
		client:  client,
		engine:  engine,
		pipe:    pipe,
		proc:    proc,
		sync:    dsEngine,
		mgr:     mgr,
		life:    lifecycle.NewCoordinator(),
	}

	// a reconnect always flushes queued writes and closes the offline gap
	mgr.SetOnConnected(func() {
		proc.TriggerFlush("feed_connected")
		if n, err := dsEngine.SyncAll(context.Background()); err != nil {
			logger.Warn("reconnect_sync_failed", "error", err)
		} else if n > 0 {
			logger.Info("reconnect_synced", "events", n)
		}
	})

	a.life.Register(lifecycle.Hooks{
		Pause: func() {
			a.mgr.Unsubscribe()
		},
		Resume: func() {
			a.mgr.Subscribe(a.subscribedConvs())
			a.proc.TriggerFlush("resume")
		},
		NetworkChanged: func(online bool) {
			a.mgr.NetworkChanged(online)
			if online {
				a.proc.TriggerFlush("network_online")
			}
		},
	})

	return a, nil
}

// Pipeline exposes the write entry point to the host UI layer.
func (a *App) Pipeline() *pipeline.Pipeline { return a.pipe }

// Engine exposes read-side operations (mark read, inbound apply).
func (a *App) Engine() *reconcile.Engine { return a.engine }

// Bus exposes the change notification bus to the host UI layer.
func (a *App) Bus() *bus.Bus { return a.bus }

// Store exposes the durable store for read queries.
func (a *App) Store() *store.Store { return a.store }

// Lifecycle exposes the host signal surface.
func (a *App) Lifecycle() *lifecycle.Coordinator { return a.life }

// SetToken installs or replaces the session credential. A change while
// subscribed forces a feed reconnect with the new token.
func (a *App) SetToken(token string) {
	a.tokens.SetToken(token)
}

// Subscribe replaces the active conversation set on the live feed.
func (a *App) Subscribe(convs []string) {
	a.mu.Lock()
	a.activeConvs = append([]string(nil), convs...)
	a.mu.Unlock()
	a.mgr.Subscribe(convs)
}

func (a *App) subscribedConvs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.activeConvs...)
}

// Run starts background work and blocks until ctx cancellation.
func (a *App) Run(ctx context.Context) error {
	a.printBanner()
	a.store.LogStats()

	a.proc.Start(ctx)
	a.proc.StartSweep(ctx, outbox.SweepConfig{
		Cron:   a.eff.Config.Outbox.SweepCron,
		MaxAge: a.eff.Config.Outbox.SweepMaxAge.Duration(),
	})
	a.mgr.Start(ctx)

	if a.eff.Config.Metrics.Enabled {
		stop, err := a.startMetrics(a.eff.Config.Metrics.Addr)
		if err != nil {
			return err
		}
		a.metricsStop = stop
	}

	// subscribe to every locally known conversation
	convs, err := a.store.ListConversations()
	if err != nil {
		logger.Warn("startup_conversation_list_failed", "error", err)
	} else if len(convs) > 0 {
		ids := make([]string, 0, len(convs))
		for _, c := range convs {
			ids = append(ids, c.ID)
		}
		a.Subscribe(ids)
	}

	// drain anything queued while the app was closed
	a.proc.TriggerFlush("startup")

	<-ctx.Done()
	return nil
}

// Shutdown tears components down in dependency order: feed first so no
// new events arrive, then delivery, then the bus, then the store.
func (a *App) Shutdown(ctx context.Context) error {
	a.mgr.Stop()
	a.proc.Stop()
	if a.metricsStop != nil {
		_ = a.metricsStop(ctx)
	}
	a.bus.Close()
	if err := a.store.Close(); err != nil {
		logger.Error("store_close_failed", "error", err)
		return err
	}
	logger.Info("shutdown_complete")
	return nil
}

func (a *App) printBanner() {
	logger.Info("murmursync_starting",
		"version", a.version,
		"commit", a.commit,
		"store", a.eff.DBPath,
		"server", a.eff.Config.Remote.BaseURL,
		"config_source", a.eff.Source,
	)
}
