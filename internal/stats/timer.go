package stats

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jmehta/fraudwatch/internal/metrics"
	"github.com/jmehta/fraudwatch/internal/txn"
)

// Broadcaster pushes a stats snapshot to all connected clients.
type Broadcaster interface {
	BroadcastStats(Snapshot)
}

// ResyncTimer periodically recounts the source tables and replaces the
// aggregator's running state, then broadcasts the fresh snapshot. This is
// the self-healing path for events missed while a watcher was down.
type ResyncTimer struct {
	agg       *Aggregator
	store     txn.Store
	broadcast Broadcaster
	interval  time.Duration
	logger    *slog.Logger
	stop      chan struct{}
	running   atomic.Bool
}

// NewResyncTimer creates a stats re-sync timer.
func NewResyncTimer(agg *Aggregator, store txn.Store, broadcast Broadcaster, interval time.Duration, logger *slog.Logger) *ResyncTimer {
	return &ResyncTimer{
		agg:       agg,
		store:     store,
		broadcast: broadcast,
		interval:  interval,
		logger:    logger,
		stop:      make(chan struct{}),
	}
}

// Running reports whether the timer loop is active.
func (t *ResyncTimer) Running() bool {
	return t.running.Load()
}

// Start begins the re-sync loop. Call in a goroutine.
func (t *ResyncTimer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.resync(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *ResyncTimer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *ResyncTimer) resync(ctx context.Context) {
	recountCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	totals, err := t.store.Recount(recountCtx)
	if err != nil {
		// Keep the running counters; the next tick retries.
		t.logger.Warn("stats resync failed", "error", err)
		return
	}

	snap := t.agg.Resync(totals)
	metrics.StatsResyncsTotal.Inc()
	if t.broadcast != nil {
		t.broadcast.BroadcastStats(snap)
	}
	t.logger.Debug("stats resynced",
		"total", snap.Total,
		"fraud", snap.Fraud,
		"legitimate", snap.Legitimate,
	)
}
