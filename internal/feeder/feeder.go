// Package feeder consumes raw transactions from a Redis stream, scores
// them, and writes them to the matching source table. The relay picks the
// inserts up through its normal notify path; the feeder never talks to the
// hub directly.
package feeder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/jmehta/fraudwatch/internal/metrics"
	"github.com/jmehta/fraudwatch/internal/retry"
	"github.com/jmehta/fraudwatch/internal/txn"
)

// DefaultStreamKey is the stream the upstream producer writes to.
const DefaultStreamKey = "transactions"

// readBlock bounds each XREAD so shutdown is observed promptly even on an
// idle stream.
const readBlock = 5 * time.Second

// Store insert retry policy.
const (
	insertAttempts   = 3
	insertRetryDelay = 200 * time.Millisecond
)

// Feeder reads stream entries, scores them, and inserts the results.
type Feeder struct {
	rdb       *redis.Client
	store     txn.Store
	scorer    Scorer
	streamKey string
	lastID    string
	logger    *slog.Logger
}

func New(rdb *redis.Client, store txn.Store, scorer Scorer, streamKey string, logger *slog.Logger) *Feeder {
	if streamKey == "" {
		streamKey = DefaultStreamKey
	}
	return &Feeder{
		rdb:       rdb,
		store:     store,
		scorer:    scorer,
		streamKey: streamKey,
		lastID:    "0-0",
		logger:    logger,
	}
}

// Run consumes the stream until the context is cancelled. Entries observed
// before startup are replayed (consumption starts at 0-0) so a feeder
// restart never silently skips backlog.
func (f *Feeder) Run(ctx context.Context) error {
	f.logger.Info("feeder started", "stream", f.streamKey, "last_id", f.lastID)

	for {
		if err := ctx.Err(); err != nil {
			f.logger.Info("feeder stopped")
			return nil
		}

		res, err := f.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{f.streamKey, f.lastID},
			Count:   16,
			Block:   readBlock,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // idle stream
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				f.logger.Info("feeder stopped")
				return nil
			}
			f.logger.Warn("stream read failed, retrying", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				f.process(ctx, msg)
				f.lastID = msg.ID
			}
		}
	}
}

// process scores one entry and inserts it. Malformed entries are skipped
// and logged, mirroring the relay's malformed-record policy.
func (f *Feeder) process(ctx context.Context, msg redis.XMessage) {
	feats, err := parseFeatures(msg.Values)
	if err != nil {
		f.logger.Warn("skipping malformed stream entry", "stream_id", msg.ID, "error", err)
		metrics.FeederTransactionsTotal.WithLabelValues("skipped").Inc()
		return
	}

	pred, prob := f.scorer.Score(feats)

	amount, err := decimal.NewFromString(stringValue(msg.Values["Amount"]))
	if err != nil {
		f.logger.Warn("skipping entry with unparseable amount", "stream_id", msg.ID, "error", err)
		metrics.FeederTransactionsTotal.WithLabelValues("skipped").Inc()
		return
	}

	t := txn.Transaction{
		ID:                 uuid.NewString(),
		Amount:             amount,
		PaymentMethod:      paymentCode(msg.Values["Payment_Method"]),
		DeviceType:         paymentCode(msg.Values["Device_Type"]),
		StreamID:           msg.ID,
		ProcessedTimestamp: float64(time.Now().UnixNano()) / 1e9,
		FraudPrediction:    pred,
		FraudProbability:   prob,
	}

	src := txn.SourceLegit
	verdict := "legit"
	if pred == 1 {
		src = txn.SourceFraud
		verdict = "fraud"
		token, err := f.store.NextFraudToken(ctx)
		if err != nil {
			f.logger.Error("fraud token allocation failed", "stream_id", msg.ID, "error", err)
			return
		}
		t.FraudToken = token
	} else {
		t.LegitToken = strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	t = txn.Normalize(t)

	// Transient insert failures are retried; a duplicate id never succeeds
	// on retry, so it aborts immediately.
	err = retry.Do(ctx, insertAttempts, insertRetryDelay, func() error {
		insertErr := f.store.Insert(ctx, src, t)
		if errors.Is(insertErr, txn.ErrDuplicateID) {
			return retry.Permanent(insertErr)
		}
		return insertErr
	})
	if err != nil {
		if errors.Is(err, txn.ErrDuplicateID) {
			f.logger.Warn("duplicate transaction id", "id", t.ID, "stream_id", msg.ID)
			return
		}
		f.logger.Error("insert failed", "id", t.ID, "stream_id", msg.ID, "error", err)
		return
	}

	metrics.FeederTransactionsTotal.WithLabelValues(verdict).Inc()
	f.logger.Info("transaction scored",
		"id", t.ID,
		"stream_id", msg.ID,
		"verdict", verdict,
		"probability", fmt.Sprintf("%.2f", prob),
		"amount", t.AmountString(),
	)
}

// parseFeatures validates that every feature column is present and numeric.
func parseFeatures(values map[string]interface{}) (Features, error) {
	nums := make(map[string]float64, len(FeatureCols))
	for _, col := range FeatureCols {
		raw, ok := values[col]
		if !ok {
			return Features{}, fmt.Errorf("missing feature %s", col)
		}
		v, err := strconv.ParseFloat(stringValue(raw), 64)
		if err != nil {
			return Features{}, fmt.Errorf("feature %s: %w", col, err)
		}
		nums[col] = v
	}

	return Features{
		Amount:                  nums["Amount"],
		ActiveLoans:             nums["Active_Loans"],
		SessionTime:             nums["Session_Time"],
		TransactionsPerUnitTime: nums["Transactions_Per_Unit_Time"],
		Velocity:                nums["Velocity"],
		HighValueTransaction:    nums["High_Value_Transaction"],
		LargeTransactionFreq:    nums["Large_Transaction_Freq"],
		PaymentMethod:           nums["Payment_Method"],
		DeviceType:              nums["Device_Type"],
	}, nil
}

// paymentCode renders a categorical code as its integer string form, so
// "1.0" and "1" store identically.
func paymentCode(raw interface{}) string {
	s := stringValue(raw)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return strconv.Itoa(int(v))
	}
	return s
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}
