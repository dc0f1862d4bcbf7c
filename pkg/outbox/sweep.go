package outbox

import (
	"context"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"

	"murmursync/pkg/logger"
)

// SweepConfig schedules the periodic abandonment sweep. Entries older
// than MaxAge that are still queued get marked failed so nothing stays
// invisible in the outbox forever.
type SweepConfig struct {
	Cron   string
	MaxAge time.Duration
}

func (c *SweepConfig) defaults() {
	if c.Cron == "" {
		c.Cron = "0 3 * * *"
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
}

// StartSweep runs the cron-scheduled sweep until ctx is cancelled.
func (p *Processor) StartSweep(ctx context.Context, cfg SweepConfig) {
	cfg.defaults()
	logger.Info("outbox_sweep_enabled", "cron", cfg.Cron, "max_age", cfg.MaxAge.String())
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			now := time.Now()
			next, err := gronx.NextTickAfter(cfg.Cron, now, false)
			if err != nil {
				logger.Error("outbox_sweep_nexttick_failed", "cron", cfg.Cron, "error", err)
				select {
				case <-time.After(30 * time.Second):
				case <-ctx.Done():
					return
				}
				continue
			}
			select {
			case <-time.After(time.Until(next)):
				p.runSweep(ctx, cfg)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (p *Processor) runSweep(ctx context.Context, cfg SweepConfig) {
	byConv, err := p.store.ListOutboxAll()
	if err != nil {
		logger.Error("outbox_sweep_list_failed", "error", err)
		return
	}
	cutoff := p.now().Add(-cfg.MaxAge).UnixNano()
	scanned, abandoned, payloadBytes := 0, 0, 0
	for _, entries := range byConv {
		for i := range entries {
			e := entries[i]
			scanned++
			payloadBytes += len(e.Payload)
			if e.CreatedTS >= cutoff {
				continue
			}
			if ferr := p.rec.MarkFailed(ctx, e.IdempotencyKey); ferr != nil {
				logger.Error("outbox_sweep_mark_failed_error", "ikey", e.IdempotencyKey, "error", ferr)
				continue
			}
			abandoned++
		}
	}
	logger.Info("outbox_sweep_done",
		"scanned", humanize.Comma(int64(scanned)),
		"abandoned", humanize.Comma(int64(abandoned)),
		"payload_bytes", humanize.Bytes(uint64(payloadBytes)),
	)
}
