package snapshot

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/jmehta/fraudwatch/internal/txn"
)

const dateLayout = "2006-01-02"

// Filter is a conjunction of optional predicates over transactions. Zero
// fields are unconstrained.
type Filter struct {
	StartDate     *time.Time
	EndDate       *time.Time
	MinAmount     *decimal.Decimal
	MaxAmount     *decimal.Decimal
	PaymentMethod string
	Status        string
	Search        string
}

// ParseFilter builds a Filter from raw query parameters. Empty values mean
// no constraint. Dates are day-granular and inclusive at both ends.
func ParseFilter(startDate, endDate, minAmount, maxAmount, paymentMethod, status, search string) (Filter, error) {
	var f Filter

	if startDate != "" {
		d, err := time.Parse(dateLayout, startDate)
		if err != nil {
			return f, fmt.Errorf("invalid startDate %q: %w", startDate, err)
		}
		f.StartDate = &d
	}
	if endDate != "" {
		d, err := time.Parse(dateLayout, endDate)
		if err != nil {
			return f, fmt.Errorf("invalid endDate %q: %w", endDate, err)
		}
		// Inclusive: anything before the next midnight matches.
		d = d.AddDate(0, 0, 1)
		f.EndDate = &d
	}
	if minAmount != "" {
		v, err := decimal.NewFromString(minAmount)
		if err != nil {
			return f, fmt.Errorf("invalid minAmount %q: %w", minAmount, err)
		}
		f.MinAmount = &v
	}
	if maxAmount != "" {
		v, err := decimal.NewFromString(maxAmount)
		if err != nil {
			return f, fmt.Errorf("invalid maxAmount %q: %w", maxAmount, err)
		}
		f.MaxAmount = &v
	}
	f.PaymentMethod = paymentMethod
	f.Status = status
	f.Search = strings.TrimSpace(search)
	return f, nil
}

// Empty reports whether the filter constrains nothing.
func (f Filter) Empty() bool {
	return f.StartDate == nil && f.EndDate == nil &&
		f.MinAmount == nil && f.MaxAmount == nil &&
		f.PaymentMethod == "" && f.Status == "" && f.Search == ""
}

// Matches applies every supplied predicate; all must hold.
func (f Filter) Matches(t txn.Transaction) bool {
	if f.StartDate != nil || f.EndDate != nil {
		ts := t.ProcessedTime()
		if f.StartDate != nil && ts.Before(*f.StartDate) {
			return false
		}
		if f.EndDate != nil && !ts.Before(*f.EndDate) {
			return false
		}
	}
	if f.MinAmount != nil && t.Amount.LessThan(*f.MinAmount) {
		return false
	}
	if f.MaxAmount != nil && t.Amount.GreaterThan(*f.MaxAmount) {
		return false
	}
	if f.PaymentMethod != "" && t.PaymentMethod != f.PaymentMethod {
		return false
	}
	if f.Status != "" && string(t.Status) != f.Status {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		if !strings.Contains(strings.ToLower(t.ID), needle) &&
			!strings.Contains(t.AmountString(), needle) &&
			!strings.Contains(strings.ToLower(t.PaymentMethod), needle) {
			return false
		}
	}
	return true
}

// Apply returns the transactions matching the filter, preserving input order.
func (f Filter) Apply(in []txn.Transaction) []txn.Transaction {
	if f.Empty() {
		return in
	}
	out := make([]txn.Transaction, 0, len(in))
	for _, t := range in {
		if f.Matches(t) {
			out = append(out, t)
		}
	}
	return out
}
