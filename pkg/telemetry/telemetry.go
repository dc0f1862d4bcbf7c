// Package telemetry registers the sync core's prometheus collectors.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OutboxDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "murmursync_outbox_depth",
		Help: "Number of durable outbox entries awaiting confirmation.",
	})

	DeliveryAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "murmursync_delivery_attempts_total",
		Help: "Delivery attempts by outcome (confirmed, retryable, terminal).",
	}, []string{"outcome"})

	InboundEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "murmursync_inbound_events_total",
		Help: "Inbound change-feed events applied, by type.",
	}, []string{"type"})

	Reconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "murmursync_feed_reconnects_total",
		Help: "Subscription reconnect attempts.",
	})

	FeedState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "murmursync_feed_state",
		Help: "Connection state (0 disconnected, 1 connecting, 2 connected, 3 degraded, 4 reconnecting).",
	})

	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "murmursync_cache_hits_total",
		Help: "Conversation cache hits.",
	})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "murmursync_cache_misses_total",
		Help: "Conversation cache misses, including TTL expiries.",
	})

	DeltaSyncBatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "murmursync_deltasync_batches_total",
		Help: "Delta-sync batches merged.",
	})

	DeltaSyncEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "murmursync_deltasync_events_total",
		Help: "Delta-sync events merged.",
	})
)

func init() {
	prometheus.MustRegister(
		OutboxDepth,
		DeliveryAttempts,
		InboundEvents,
		Reconnects,
		FeedState,
		CacheHits,
		CacheMisses,
		DeltaSyncBatches,
		DeltaSyncEvents,
	)
}
