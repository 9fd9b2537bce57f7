// Package txn defines the transaction domain model shared by the relay,
// the snapshot API, and the feeder.
//
// Transactions arrive pre-classified from the upstream scorer and are
// write-once: both source tables are append-only, and the relay never
// mutates them.
package txn

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrMissingID        = errors.New("transaction missing id")
	ErrMissingTimestamp = errors.New("transaction missing processed timestamp")
	ErrBadPrediction    = errors.New("fraud prediction must be 0 or 1")
)

// Source identifies which append-only table a transaction came from.
type Source string

const (
	SourceFraud Source = "fraud"
	SourceLegit Source = "legit"
)

// Sources lists all watched sources.
var Sources = []Source{SourceFraud, SourceLegit}

// Table returns the backing table name for a source.
func (s Source) Table() string {
	if s == SourceFraud {
		return "fraud_transactions"
	}
	return "legit_transactions"
}

// Status of a transaction as shown in the dashboard.
type Status string

const (
	StatusPending  Status = "pending"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// displayTimeLayout matches the format the dashboard renders.
const displayTimeLayout = "2006-01-02 15:04:05"

// Transaction is one classified payment transaction. JSON field names follow
// the upstream scorer's document shape, which the dashboard consumes as-is.
type Transaction struct {
	ID                 string          `json:"_id"`
	Amount             decimal.Decimal `json:"Amount"`
	PaymentMethod      string          `json:"Payment_Method"`
	DeviceType         string          `json:"Device_Type"`
	StreamID           string          `json:"stream_id,omitempty"`
	ProcessedTimestamp float64         `json:"processed_timestamp"`
	FraudPrediction    int             `json:"fraud_prediction"`
	FraudProbability   float64         `json:"fraud_probability"`
	FraudToken         int64           `json:"fraud_token,omitempty"`
	LegitToken         string          `json:"legit_token,omitempty"`
	Status             Status          `json:"status,omitempty"`
	CreatedAt          string          `json:"created_at,omitempty"`
}

// Event is one normalized insert observed on a source.
type Event struct {
	Source Source
	Tx     Transaction
}

// IsFraud reports whether the scorer flagged the transaction.
func (t Transaction) IsFraud() bool {
	return t.FraudPrediction == 1
}

// ProcessedTime converts the scorer's epoch-seconds timestamp.
func (t Transaction) ProcessedTime() time.Time {
	sec := int64(t.ProcessedTimestamp)
	nsec := int64((t.ProcessedTimestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC()
}

// AmountString returns the amount as the dashboard displays it.
func (t Transaction) AmountString() string {
	return t.Amount.StringFixed(2)
}

// Validate rejects records missing required fields. Invalid records are
// dropped by the caller, never broadcast.
func (t Transaction) Validate() error {
	if t.ID == "" {
		return ErrMissingID
	}
	if t.ProcessedTimestamp <= 0 {
		return ErrMissingTimestamp
	}
	if t.FraudPrediction != 0 && t.FraudPrediction != 1 {
		return fmt.Errorf("%w: got %d", ErrBadPrediction, t.FraudPrediction)
	}
	return nil
}

// Normalize derives the display fields the scorer leaves unset:
// a fraud prediction forces status "failed", otherwise an unset status
// becomes "complete"; created_at is rendered from the processed timestamp.
func Normalize(t Transaction) Transaction {
	if t.IsFraud() {
		t.Status = StatusFailed
	} else if t.Status == "" {
		t.Status = StatusComplete
	}
	if t.CreatedAt == "" && t.ProcessedTimestamp > 0 {
		t.CreatedAt = t.ProcessedTime().Format(displayTimeLayout)
	}
	t.Amount = t.Amount.Round(2)
	return t
}
