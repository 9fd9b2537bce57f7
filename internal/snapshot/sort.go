package snapshot

import (
	"fmt"
	"sort"

	"github.com/jmehta/fraudwatch/internal/txn"
)

// Sort field names accepted from the query string.
const (
	SortByTimestamp   = "processed_timestamp"
	SortByAmount      = "amount"
	SortByID          = "_id"
	SortByStatus      = "status"
	SortByPayment     = "payment_method"
	SortByProbability = "fraud_probability"
)

// Order directions.
const (
	OrderAsc  = "asc"
	OrderDesc = "desc"
)

// SortSpec selects a field and direction. The zero value is replaced by the
// default ordering (most recent first).
type SortSpec struct {
	Field string
	Order string
}

// ParseSort validates query-string sort parameters. Empty values take the
// defaults.
func ParseSort(field, order string) (SortSpec, error) {
	if field == "" {
		field = SortByTimestamp
	}
	switch field {
	case SortByTimestamp, SortByAmount, SortByID, SortByStatus, SortByPayment, SortByProbability:
	default:
		return SortSpec{}, fmt.Errorf("unknown sort field %q", field)
	}

	if order == "" {
		if field == SortByTimestamp {
			order = OrderDesc
		} else {
			order = OrderAsc
		}
	}
	if order != OrderAsc && order != OrderDesc {
		return SortSpec{}, fmt.Errorf("unknown sort order %q", order)
	}
	return SortSpec{Field: field, Order: order}, nil
}

// Apply sorts in place. The sort is stable so records comparing equal keep
// their prior relative order.
func (s SortSpec) Apply(rows []txn.Transaction) {
	field := s.Field
	if field == "" {
		field = SortByTimestamp
	}
	order := s.Order
	if order == "" {
		order = OrderDesc
	}

	less := func(a, b txn.Transaction) bool {
		switch field {
		case SortByAmount:
			return a.Amount.LessThan(b.Amount)
		case SortByID:
			return a.ID < b.ID
		case SortByStatus:
			return a.Status < b.Status
		case SortByPayment:
			return a.PaymentMethod < b.PaymentMethod
		case SortByProbability:
			return a.FraudProbability < b.FraudProbability
		default:
			return a.ProcessedTimestamp < b.ProcessedTimestamp
		}
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if order == OrderDesc {
			return less(rows[j], rows[i])
		}
		return less(rows[i], rows[j])
	})
}
