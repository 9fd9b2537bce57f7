// Package watch turns inserts on the append-only source tables into a
// stream of normalized transaction events.
//
// A watcher observes exactly one source and is non-restartable: when the
// underlying subscription is lost the events channel closes and Err reports
// the cause. Reconnection policy lives at the boundary (the server restarts
// watchers with backoff); the periodic stats re-sync heals anything missed
// while a watcher was down.
package watch

import (
	"context"
	"errors"

	"github.com/jmehta/fraudwatch/internal/txn"
)

// ErrSubscriptionLost marks a watcher terminated by a broken subscription,
// as opposed to a clean context shutdown.
var ErrSubscriptionLost = errors.New("watch subscription lost")

// Watcher is a lazy, unbounded stream of insert events from one source.
type Watcher interface {
	// Start begins watching. The events channel closes when the watcher
	// dies or the context is cancelled.
	Start(ctx context.Context) error

	// Events returns the outbound event channel.
	Events() <-chan txn.Event

	// Err reports why the events channel closed: nil for a clean shutdown,
	// an error wrapping ErrSubscriptionLost otherwise. Valid only after
	// the events channel is closed.
	Err() error

	// Stop shuts the watcher down and waits for it to finish.
	Stop()
}

// eventBuffer is the capacity of a watcher's outbound channel. The consumer
// (the relay pipeline) never blocks for long, so a small buffer only absorbs
// scheduling jitter.
const eventBuffer = 64
