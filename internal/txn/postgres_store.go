package txn

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

// PostgresStore implements Store with PostgreSQL. Goose migrations in
// migrations/ are the source of truth for the schema; Migrate exists so
// fresh development databases work without running the migrate command.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed transaction store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the source tables, the fraud token sequence, and the
// insert-notify triggers the change watchers listen on.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS fraud_transactions (
			id                  TEXT PRIMARY KEY,
			amount              NUMERIC(14,2) NOT NULL,
			payment_method      TEXT NOT NULL DEFAULT '',
			device_type         TEXT NOT NULL DEFAULT '',
			stream_id           TEXT NOT NULL DEFAULT '',
			processed_timestamp DOUBLE PRECISION NOT NULL,
			fraud_prediction    SMALLINT NOT NULL,
			fraud_probability   DOUBLE PRECISION NOT NULL,
			fraud_token         BIGINT,
			legit_token         TEXT,
			status              TEXT NOT NULL DEFAULT '',
			inserted_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS legit_transactions (
			id                  TEXT PRIMARY KEY,
			amount              NUMERIC(14,2) NOT NULL,
			payment_method      TEXT NOT NULL DEFAULT '',
			device_type         TEXT NOT NULL DEFAULT '',
			stream_id           TEXT NOT NULL DEFAULT '',
			processed_timestamp DOUBLE PRECISION NOT NULL,
			fraud_prediction    SMALLINT NOT NULL,
			fraud_probability   DOUBLE PRECISION NOT NULL,
			fraud_token         BIGINT,
			legit_token         TEXT,
			status              TEXT NOT NULL DEFAULT '',
			inserted_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE SEQUENCE IF NOT EXISTS fraud_token_seq;

		CREATE INDEX IF NOT EXISTS idx_fraud_processed ON fraud_transactions(processed_timestamp DESC);
		CREATE INDEX IF NOT EXISTS idx_legit_processed ON legit_transactions(processed_timestamp DESC);

		CREATE OR REPLACE FUNCTION notify_transaction_insert() RETURNS trigger AS $fn$
		BEGIN
			PERFORM pg_notify(TG_TABLE_NAME || '_insert', row_to_json(NEW)::text);
			RETURN NEW;
		END;
		$fn$ LANGUAGE plpgsql;

		DROP TRIGGER IF EXISTS fraud_transactions_notify ON fraud_transactions;
		CREATE TRIGGER fraud_transactions_notify
			AFTER INSERT ON fraud_transactions
			FOR EACH ROW EXECUTE FUNCTION notify_transaction_insert();

		DROP TRIGGER IF EXISTS legit_transactions_notify ON legit_transactions;
		CREATE TRIGGER legit_transactions_notify
			AFTER INSERT ON legit_transactions
			FOR EACH ROW EXECUTE FUNCTION notify_transaction_insert();
	`)
	return err
}

func (p *PostgresStore) Insert(ctx context.Context, src Source, t Transaction) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (
			id, amount, payment_method, device_type, stream_id,
			processed_timestamp, fraud_prediction, fraud_probability,
			fraud_token, legit_token, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, pq.QuoteIdentifier(src.Table()))

	var fraudToken sql.NullInt64
	if t.FraudToken != 0 {
		fraudToken = sql.NullInt64{Int64: t.FraudToken, Valid: true}
	}
	var legitToken sql.NullString
	if t.LegitToken != "" {
		legitToken = sql.NullString{String: t.LegitToken, Valid: true}
	}

	_, err := p.db.ExecContext(ctx, query,
		t.ID, t.Amount.StringFixed(2), t.PaymentMethod, t.DeviceType, t.StreamID,
		t.ProcessedTimestamp, t.FraudPrediction, t.FraudProbability,
		fraudToken, legitToken, string(t.Status),
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateID
		}
		return fmt.Errorf("insert %s: %w", src.Table(), err)
	}
	return nil
}

func (p *PostgresStore) LatestBySource(ctx context.Context, src Source, limit int) ([]Transaction, error) {
	query := fmt.Sprintf(`
		SELECT id, amount, payment_method, device_type, stream_id,
		       processed_timestamp, fraud_prediction, fraud_probability,
		       COALESCE(fraud_token, 0), COALESCE(legit_token, ''), status
		FROM %s
		ORDER BY processed_timestamp DESC, id DESC
		LIMIT $1
	`, pq.QuoteIdentifier(src.Table()))

	rows, err := p.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", src.Table(), err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		var amount string
		if err := rows.Scan(
			&t.ID, &amount, &t.PaymentMethod, &t.DeviceType, &t.StreamID,
			&t.ProcessedTimestamp, &t.FraudPrediction, &t.FraudProbability,
			&t.FraudToken, &t.LegitToken, &t.Status,
		); err != nil {
			return nil, err
		}
		t.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount %q: %w", amount, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Recount(ctx context.Context) (Totals, error) {
	var totals Totals
	var fraudAmount, legitAmount string

	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM fraud_transactions
	`).Scan(&totals.Fraud, &fraudAmount)
	if err != nil {
		return Totals{}, fmt.Errorf("recount fraud: %w", err)
	}

	var legitCount int64
	err = p.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(amount), 0) FROM legit_transactions
	`).Scan(&legitCount, &legitAmount)
	if err != nil {
		return Totals{}, fmt.Errorf("recount legit: %w", err)
	}
	totals.Legit = legitCount

	totals.FraudAmount, err = decimal.NewFromString(fraudAmount)
	if err != nil {
		return Totals{}, err
	}
	legit, err := decimal.NewFromString(legitAmount)
	if err != nil {
		return Totals{}, err
	}
	totals.AmountTotal = totals.FraudAmount.Add(legit)
	return totals, nil
}

func (p *PostgresStore) NextFraudToken(ctx context.Context) (int64, error) {
	var token int64
	err := p.db.QueryRowContext(ctx, `SELECT nextval('fraud_token_seq')`).Scan(&token)
	if err != nil {
		return 0, fmt.Errorf("next fraud token: %w", err)
	}
	return token, nil
}
