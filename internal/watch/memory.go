package watch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jmehta/fraudwatch/internal/metrics"
	"github.com/jmehta/fraudwatch/internal/txn"
)

// MemoryWatcher streams inserts from a MemoryStore. It mirrors the Postgres
// watcher's contract so the pipeline above it cannot tell them apart, which
// keeps the no-database configuration and the tests honest.
type MemoryWatcher struct {
	source   txn.Source
	store    *txn.MemoryStore
	logger   *slog.Logger
	events   chan txn.Event
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	errMu    sync.Mutex
	err      error
	started  bool
}

func NewMemoryWatcher(store *txn.MemoryStore, source txn.Source, logger *slog.Logger) *MemoryWatcher {
	return &MemoryWatcher{
		source: source,
		store:  store,
		logger: logger.With("source", string(source)),
		events: make(chan txn.Event, eventBuffer),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start subscribes to the store's insert feed and begins streaming.
func (w *MemoryWatcher) Start(ctx context.Context) error {
	if w.started {
		return fmt.Errorf("watcher for %s already started", w.source)
	}
	w.started = true

	feed, cancel := w.store.Watch(w.source)
	w.logger.Info("change watcher started", "table", w.source.Table())
	go w.run(ctx, feed, cancel)
	return nil
}

func (w *MemoryWatcher) Events() <-chan txn.Event {
	return w.events
}

func (w *MemoryWatcher) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

// Stop terminates the watcher and waits for it to finish. Safe to call more
// than once.
func (w *MemoryWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *MemoryWatcher) setErr(err error) {
	w.errMu.Lock()
	w.err = err
	w.errMu.Unlock()
}

func (w *MemoryWatcher) run(ctx context.Context, feed <-chan txn.Transaction, cancel func()) {
	defer close(w.done)
	defer close(w.events)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return

		case t, ok := <-feed:
			// The store closes the feed when the subscription is cancelled
			// from its side. Same contract as a lost connection.
			if !ok {
				w.setErr(fmt.Errorf("%w: feed closed for %s", ErrSubscriptionLost, w.source.Table()))
				return
			}
			w.handle(ctx, t)
		}
	}
}

func (w *MemoryWatcher) handle(ctx context.Context, t txn.Transaction) {
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
