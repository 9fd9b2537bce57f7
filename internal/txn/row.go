package txn

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// rowRecord mirrors one row of either source table as Postgres serializes it
// with row_to_json in the insert-notify trigger.
type rowRecord struct {
	ID                 string          `json:"id"`
	Amount             decimal.Decimal `json:"amount"`
	PaymentMethod      string          `json:"payment_method"`
	DeviceType         string          `json:"device_type"`
	StreamID           string          `json:"stream_id"`
	ProcessedTimestamp float64         `json:"processed_timestamp"`
	FraudPrediction    int             `json:"fraud_prediction"`
	FraudProbability   float64         `json:"fraud_probability"`
	FraudToken         *int64          `json:"fraud_token"`
	LegitToken         *string         `json:"legit_token"`
	Status             string          `json:"status"`
}

// DecodeRow parses a notification payload (one table row as JSON) into a
// Transaction. The result is not yet normalized or validated.
func DecodeRow(payload []byte) (Transaction, error) {
	var row rowRecord
	if err := json.Unmarshal(payload, &row); err != nil {
		return Transaction{}, fmt.Errorf("decode row: %w", err)
	}

	t := Transaction{
		ID:                 row.ID,
		Amount:             row.Amount,
		PaymentMethod:      row.PaymentMethod,
		DeviceType:         row.DeviceType,
		StreamID:           row.StreamID,
		ProcessedTimestamp: row.ProcessedTimestamp,
		FraudPrediction:    row.FraudPrediction,
		FraudProbability:   row.FraudProbability,
		Status:             Status(row.Status),
	}
	if row.FraudToken != nil {
		t.FraudToken = *row.FraudToken
	}
	if row.LegitToken != nil {
		t.LegitToken = *row.LegitToken
	}
	return t, nil
}
