package syncer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/roach88/invsync/internal/connectivity"
)

// Trigger asks Run for a sync. Never blocks; triggers that arrive while one
// is already waiting are coalesced.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run is the trigger loop. It syncs on Trigger, on every Offline to Online
// transition and, when SyncInterval is set, periodically. It blocks until ctx
// is cancelled.
//
// ERROR HANDLING: a failed run is logged and the loop keeps waiting; the
// mutations it could not finish stay queued for the next trigger.
func (c *Coordinator) Run(ctx context.Context) error {
	slog.Info("sync coordinator starting",
		"sync_interval", c.cfg.SyncInterval,
		"wifi_only", c.cfg.WifiOnly,
	)

	unsubscribe := c.monitor.OnTransition(func(tr connectivity.Transition) {
		c.metrics.Online(tr.To == connectivity.Online)
		if tr.To == connectivity.Online {
			c.Trigger()
		}
	})
	defer unsubscribe()
	c.metrics.Online(!c.offline())

	var tick <-chan time.Time
	if c.cfg.SyncInterval > 0 {
		ticker := time.NewTicker(c.cfg.SyncInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Drain whatever a previous process left behind.
	c.Trigger()

	for {
		select {
		case <-ctx.Done():
			slog.Info("sync coordinator stopping: context cancelled")
			return ctx.Err()
		case <-c.trigger:
		case <-tick:
		}
		c.runTriggered(ctx)
	}
}

func (c *Coordinator) runTriggered(ctx context.Context) {
	if reason := c.skipReason(); reason != "" {
		slog.Debug("sync skipped", "reason", reason)
		return
	}

	out, err := c.Sync(ctx)
	switch {
	case err == nil:
	case IsOfflineError(err):
		slog.Info("sync stopped: offline", "run_id", out.RunID, "remaining", out.Remaining)
	case errors.Is(err, context.Canceled), IsCancelled(err):
		// Shutting down.
	default:
		slog.Error("sync failed", "run_id", out.RunID, "error", err)
	}
}

// skipReason explains why a triggered sync should not run, or returns "".
func (c *Coordinator) skipReason() string {
	snap := c.monitor.Snapshot()
	if snap.State == connectivity.Offline {
		return "offline"
	}
	if c.cfg.WifiOnly && (snap.Type == connectivity.ConnectionCellular || snap.Expensive) {
		return "wifi only"
	}
	s := c.queue.Summary()
	if s.Pending == 0 && s.Conflicted == 0 {
		return "queue empty"
	}
	return ""
}
