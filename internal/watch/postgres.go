package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/jmehta/fraudwatch/internal/metrics"
	"github.com/jmehta/fraudwatch/internal/txn"
)

const (
	minReconnectInterval = 10 * time.Second
	maxReconnectInterval = time.Minute
	pingInterval         = 90 * time.Second
)

// PGWatcher subscribes to the insert-notify channel of one source table.
// The notify trigger fires only on INSERT, so updates and deletes are never
// observed; the payload is the full row as JSON.
type PGWatcher struct {
	source   txn.Source
	dsn      string
	logger   *slog.Logger
	events   chan txn.Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
	started  bool
}

// NewPGWatcher creates a watcher for one source table. It does not connect
// until Start.
func NewPGWatcher(dsn string, source txn.Source, logger *slog.Logger) *PGWatcher {
	return &PGWatcher{
		source: source,
		dsn:    dsn,
		logger: logger.With("source", string(source)),
		events: make(chan txn.Event, eventBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Channel returns the LISTEN channel name for this watcher's source.
func (w *PGWatcher) Channel() string {
	return w.source.Table() + "_insert"
}

// Start connects the listener and begins streaming events. It returns an
// error only if the initial LISTEN fails; later failures terminate the
// stream and are reported through Err.
func (w *PGWatcher) Start(ctx context.Context) error {
	if w.started {
		return fmt.Errorf("watcher for %s already started", w.source)
	}
	w.started = true

	// Connection state changes are logged here; loss of the subscription is
	// detected in the run loop via the nil notification pq emits after a
	// reconnect.
	listener := pq.NewListener(w.dsn, minReconnectInterval, maxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				w.logger.Warn("listener event", "event", ev, "error", err)
			}
		})

	if err := listener.Listen(w.Channel()); err != nil {
		_ = listener.Close()
		return fmt.Errorf("listen %s: %w", w.Channel(), err)
	}

	w.logger.Info("change watcher started", "channel", w.Channel())
	go w.run(ctx, listener)
	return nil
}

// Events returns the outbound event channel.
func (w *PGWatcher) Events() <-chan txn.Event {
	return w.events
}

// Err reports why the stream ended.
func (w *PGWatcher) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Stop terminates the watcher and waits until its resources are released.
// Safe to call more than once.
func (w *PGWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *PGWatcher) setErr(err error) {
	w.errMu.Lock()
	w.err = err
	w.errMu.Unlock()
}

func (w *PGWatcher) run(ctx context.Context, listener *pq.Listener) {
	defer close(w.done)
	defer close(w.events)
	defer func() {
		if err := listener.Close(); err != nil {
			w.logger.Warn("listener close failed", "error", err)
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case n := <-listener.Notify:
			// pq delivers a nil notification after an internal reconnect,
			// meaning notifications may have been dropped. The subscription
			// contract is broken at that point: die distinguishably and let
			// the boundary recreate us.
			if n == nil {
				w.setErr(fmt.Errorf("%w: connection reset on %s", ErrSubscriptionLost, w.Channel()))
				return
			}
			w.handle(ctx, []byte(n.Extra))

		case <-ping.C:
			if err := listener.Ping(); err != nil {
				w.setErr(fmt.Errorf("%w: ping failed: %v", ErrSubscriptionLost, err))
				return
			}
		}
	}
}

// handle decodes one notification payload and emits it if valid. Malformed
// records are dropped and logged, never emitted.
func (w *PGWatcher) handle(ctx context.Context, payload []byte) {
	t, err := txn.DecodeRow(payload)
	if err != nil {
		w.logger.Warn("dropping undecodable notification", "error", err)
		metrics.MalformedRecordsTotal.WithLabelValues(string(w.source)).Inc()
		return
	}
	if err := t.Validate(); err != nil {
		w.logger.Warn("dropping malformed record", "id", t.ID, "error", err)
		metrics.MalformedRecordsTotal.WithLabelValues(string(w.source)).Inc()
		return
	}

	ev := txn.Event{Source: w.source, Tx: txn.Normalize(t)}
	metrics.TransactionsObservedTotal.WithLabelValues(string(w.source)).Inc()

	select {
	case w.events <- ev:
	case <-ctx.Done():
	case <-w.stop:
	}
}
