package txn

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-memory transaction store for demo/development mode
// and tests. It also provides the insert feed the in-memory change watcher
// subscribes to.
type MemoryStore struct {
	mu         sync.RWMutex
	rows       map[Source][]Transaction
	ids        map[string]bool
	fraudToken int64
	feeds      map[Source]map[int]chan Transaction
	nextFeedID int
}

// NewMemoryStore creates a new in-memory transaction store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rows: map[Source][]Transaction{
			SourceFraud: {},
			SourceLegit: {},
		},
		ids: make(map[string]bool),
		feeds: map[Source]map[int]chan Transaction{
			SourceFraud: {},
			SourceLegit: {},
		},
	}
}

func (m *MemoryStore) Insert(ctx context.Context, src Source, t Transaction) error {
	m.mu.Lock()
	if m.ids[t.ID] {
		m.mu.Unlock()
		return ErrDuplicateID
	}
	m.ids[t.ID] = true
	m.rows[src] = append(m.rows[src], t)

	// Snapshot feed channels so inserts don't block under the lock.
	feeds := make([]chan Transaction, 0, len(m.feeds[src]))
	for _, ch := range m.feeds[src] {
		feeds = append(feeds, ch)
	}
	m.mu.Unlock()

	for _, ch := range feeds {
		select {
		case ch <- t:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryStore) LatestBySource(ctx context.Context, src Source, limit int) ([]Transaction, error) {
	m.mu.RLock()
	out := make([]Transaction, len(m.rows[src]))
	copy(out, m.rows[src])
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ProcessedTimestamp != out[j].ProcessedTimestamp {
			return out[i].ProcessedTimestamp > out[j].ProcessedTimestamp
		}
		return out[i].ID > out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) Recount(ctx context.Context) (Totals, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := Totals{AmountTotal: decimal.Zero, FraudAmount: decimal.Zero}
	for _, t := range m.rows[SourceFraud] {
		totals.Fraud++
		totals.AmountTotal = totals.AmountTotal.Add(t.Amount)
		totals.FraudAmount = totals.FraudAmount.Add(t.Amount)
	}
	for _, t := range m.rows[SourceLegit] {
		totals.Legit++
		totals.AmountTotal = totals.AmountTotal.Add(t.Amount)
	}
	return totals, nil
}

func (m *MemoryStore) NextFraudToken(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fraudToken++
	return m.fraudToken, nil
}

// Watch subscribes to inserts on one source. The returned cancel function
// must be called to release the feed; the channel is closed on cancel.
func (m *MemoryStore) Watch(src Source) (<-chan Transaction, func()) {
	ch := make(chan Transaction, 64)

	m.mu.Lock()
	id := m.nextFeedID
	m.nextFeedID++
	m.feeds[src][id] = ch
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		if _, ok := m.feeds[src][id]; ok {
			delete(m.feeds[src], id)
			close(ch)
		}
		m.mu.Unlock()
	}
	return ch, cancel
}

// CloseFeeds closes every active feed, as if the store dropped its
// subscribers. Watchers observe this as a lost subscription.
func (m *MemoryStore) CloseFeeds() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, feeds := range m.feeds {
		for id, ch := range feeds {
			delete(feeds, id)
			close(ch)
		}
	}
}
