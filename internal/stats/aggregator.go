// Package stats maintains the running aggregate counters the dashboard
// header displays: totals, fraud/legit split, amount sums, detection rate.
//
// The aggregator is seeded from an authoritative store recount, updated
// incrementally as inserts flow through the relay, and periodically re-synced
// against the store to heal any drift from missed events.
package stats

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/jmehta/fraudwatch/internal/txn"
)

// Snapshot is one consistent view of the aggregate counters.
type Snapshot struct {
	Total            int64           `json:"total"`
	Fraud            int64           `json:"fraud"`
	Legitimate       int64           `json:"legitimate"`
	AmountTotal      decimal.Decimal `json:"amountTotal"`
	FraudAmountTotal decimal.Decimal `json:"fraudAmountTotal"`
	DetectionRate    float64         `json:"detectionRate"`
}

// Aggregator owns the mutable stats state. Apply is the only steady-state
// mutation path; Initialize and Resync replace the state wholesale from an
// authoritative recount. All methods are safe for concurrent use, and a
// reader always sees either the pre-update or fully-post-update state.
type Aggregator struct {
	mu          sync.RWMutex
	initialized bool
	fraud       int64
	legit       int64
	amountTotal decimal.Decimal
	fraudAmount decimal.Decimal
}

// New creates an uninitialized aggregator.
func New() *Aggregator {
	return &Aggregator{
		amountTotal: decimal.Zero,
		fraudAmount: decimal.Zero,
	}
}

// Initialized reports whether a baseline has been set.
func (a *Aggregator) Initialized() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.initialized
}

// Initialize sets the baseline from an authoritative recount.
func (a *Aggregator) Initialize(t txn.Totals) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(t)
}

// Resync replaces the running state with a fresh authoritative recount.
func (a *Aggregator) Resync(t txn.Totals) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.set(t)
	return a.snapshotLocked()
}

func (a *Aggregator) set(t txn.Totals) {
	a.initialized = true
	a.fraud = t.Fraud
	a.legit = t.Legit
	a.amountTotal = t.AmountTotal
	a.fraudAmount = t.FraudAmount
}

// Apply updates every counter by exactly the delta implied by one new
// transaction and returns the resulting snapshot.
func (a *Aggregator) Apply(t txn.Transaction) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	amount := t.Amount.Round(2)
	if t.IsFraud() {
		a.fraud++
		a.fraudAmount = a.fraudAmount.Add(amount)
	} else {
		a.legit++
	}
	a.amountTotal = a.amountTotal.Add(amount)
	return a.snapshotLocked()
}

// Snapshot returns the current counters.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}

// snapshotLocked builds a Snapshot; callers hold at least the read lock.
// The detection rate is always recomputed from the counts, never carried
// incrementally.
func (a *Aggregator) snapshotLocked() Snapshot {
	total := a.fraud + a.legit
	rate := 0.0
	if total > 0 {
		rate = float64(a.fraud) / float64(total) * 100
	}
	return Snapshot{
		Total:            total,
		Fraud:            a.fraud,
		Legitimate:       a.legit,
		AmountTotal:      a.amountTotal,
		FraudAmountTotal: a.fraudAmount,
		DetectionRate:    rate,
	}
}
