package txn

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var ErrDuplicateID = errors.New("transaction id already exists")

// Totals is an authoritative recount of both source tables, used to seed or
// re-sync the stats aggregator.
type Totals struct {
	Fraud       int64
	Legit       int64
	AmountTotal decimal.Decimal
	FraudAmount decimal.Decimal
}

// Store persists classified transactions. The relay only reads; the feeder
// is the sole writer.
type Store interface {
	// Insert appends a transaction to the given source table.
	Insert(ctx context.Context, src Source, t Transaction) error

	// LatestBySource returns up to limit transactions from one source,
	// most recent first by processed timestamp (id breaks ties).
	LatestBySource(ctx context.Context, src Source, limit int) ([]Transaction, error)

	// Recount computes authoritative totals across both sources.
	Recount(ctx context.Context) (Totals, error)

	// NextFraudToken returns the next value of the sequential fraud token.
	NextFraudToken(ctx context.Context) (int64, error)
}
