// Package snapshot serves read-only views over the transaction tables: the
// merged latest-N listing behind /api/transactions and the current stats
// behind /api/stats. It never writes and never touches the push path.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmehta/fraudwatch/internal/stats"
	"github.com/jmehta/fraudwatch/internal/txn"
)

const (
	// DefaultLimit is the per-source row cap when the caller supplies none.
	DefaultLimit = 50
	// MaxLimit bounds the caller-supplied limit.
	MaxLimit = 200
)

// Service answers snapshot queries from the store and the live aggregator.
type Service struct {
	store        txn.Store
	agg          *stats.Aggregator
	defaultLimit int
	logger       *slog.Logger
}

// NewService creates a snapshot service. defaultLimit <= 0 selects
// DefaultLimit.
func NewService(store txn.Store, agg *stats.Aggregator, defaultLimit int, logger *slog.Logger) *Service {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	return &Service{
		store:        store,
		agg:          agg,
		defaultLimit: defaultLimit,
		logger:       logger,
	}
}

// ClampLimit normalizes a caller-supplied limit: non-positive selects the
// default, anything above MaxLimit is capped.
func (s *Service) ClampLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// Latest returns up to limit transactions drawn from both source tables,
// filtered, sorted, and capped. Both tables contribute their own latest
// rows before the merge so one busy source cannot crowd out the other
// entirely at the store level.
func (s *Service) Latest(ctx context.Context, limit int, f Filter, sp SortSpec) ([]txn.Transaction, error) {
	limit = s.ClampLimit(limit)

	merged := make([]txn.Transaction, 0, 2*limit)
	for _, src := range txn.Sources {
		rows, err := s.store.LatestBySource(ctx, src, limit)
		if err != nil {
			return nil, fmt.Errorf("latest %s: %w", src, err)
		}
		merged = append(merged, rows...)
	}

	merged = f.Apply(merged)
	sp.Apply(merged)

	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// CurrentStats returns the live statistics snapshot. If the aggregator was
// never initialized (startup recount failed), it recounts from the store
// and seeds the aggregator before answering.
func (s *Service) CurrentStats(ctx context.Context) (stats.Snapshot, error) {
	if s.agg.Initialized() {
		return s.agg.Snapshot(), nil
	}

	totals, err := s.store.Recount(ctx)
	if err != nil {
		return stats.Snapshot{}, fmt.Errorf("recount: %w", err)
	}
	s.agg.Initialize(totals)
	s.logger.Info("stats aggregator seeded lazily",
		"fraud", totals.Fraud, "legit", totals.Legit)
	return s.agg.Snapshot(), nil
}
