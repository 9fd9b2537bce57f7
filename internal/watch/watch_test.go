package watch

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehta/fraudwatch/internal/txn"
)

func testTx(id string, fraud int) txn.Transaction {
	return txn.Transaction{
		ID:                 id,
		Amount:             decimal.NewFromFloat(42.50),
		PaymentMethod:      "1",
		DeviceType:         "0",
		ProcessedTimestamp: float64(time.Now().UnixNano()) / 1e9,
		FraudPrediction:    fraud,
		FraudProbability:   0.5,
	}
}

func startMemoryWatcher(t *testing.T, store *txn.MemoryStore, src txn.Source) *MemoryWatcher {
	t.Helper()
	w := NewMemoryWatcher(store, src, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	return w
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestMemoryWatcherEmitsInserts(t *testing.T) {
	store := txn.NewMemoryStore()
	w := startMemoryWatcher(t, store, txn.SourceFraud)

	require.NoError(t, store.Insert(context.Background(), txn.SourceFraud, testTx("tx-1", 1)))

	select {
	case ev := <-w.Events():
		assert.Equal(t, txn.SourceFraud, ev.Source)
		assert.Equal(t, "tx-1", ev.Tx.ID)
		assert.Equal(t, txn.StatusFailed, ev.Tx.Status)
		assert.NotEmpty(t, ev.Tx.CreatedAt)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestMemoryWatcherObservesOnlyItsSource(t *testing.T) {
	store := txn.NewMemoryStore()
	w := startMemoryWatcher(t, store, txn.SourceLegit)

	require.NoError(t, store.Insert(context.Background(), txn.SourceFraud, testTx("fraud-1", 1)))
	require.NoError(t, store.Insert(context.Background(), txn.SourceLegit, testTx("legit-1", 0)))

	select {
	case ev := <-w.Events():
		assert.Equal(t, "legit-1", ev.Tx.ID)
		assert.Equal(t, txn.StatusComplete, ev.Tx.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryWatcherDropsMalformedRecords(t *testing.T) {
	store := txn.NewMemoryStore()
	w := startMemoryWatcher(t, store, txn.SourceFraud)

	bad := testTx("bad-1", 7)
	require.NoError(t, store.Insert(context.Background(), txn.SourceFraud, bad))
	require.NoError(t, store.Insert(context.Background(), txn.SourceFraud, testTx("good-1", 1)))

	select {
	case ev := <-w.Events():
		assert.Equal(t, "good-1", ev.Tx.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestMemoryWatcherStopIsCleanAndIdempotent(t *testing.T) {
	store := txn.NewMemoryStore()
	w := NewMemoryWatcher(store, txn.SourceFraud, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	require.NoError(t, w.Start(context.Background()))

	w.Stop()
	w.Stop()

	_, open := <-w.Events()
	assert.False(t, open)
	assert.NoError(t, w.Err())
}

func TestMemoryWatcherStartTwiceFails(t *testing.T) {
	store := txn.NewMemoryStore()
	w := startMemoryWatcher(t, store, txn.SourceFraud)
	assert.Error(t, w.Start(context.Background()))
}

func TestPGWatcherChannelName(t *testing.T) {
	w := NewPGWatcher("postgres://ignored", txn.SourceFraud, slog.Default())
	assert.Equal(t, "fraud_transactions_insert", w.Channel())

	w = NewPGWatcher("postgres://ignored", txn.SourceLegit, slog.Default())
	assert.Equal(t, "legit_transactions_insert", w.Channel())
}

func TestSubscriptionLostWhenFeedCloses(t *testing.T) {
	store := txn.NewMemoryStore()
	w := NewMemoryWatcher(store, txn.SourceFraud, slog.New(slog.NewTextHandler(testWriter{t}, nil)))
	require.NoError(t, w.Start(context.Background()))
	defer w.Stop()

	store.CloseFeeds()

	select {
	case _, open := <-w.Events():
		assert.False(t, open)
	case <-time.After(2 * time.Second):
		t.Fatal("events channel never closed")
	}
	assert.ErrorIs(t, w.Err(), ErrSubscriptionLost)
}
