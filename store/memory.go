package store

import (
	"context"
	"sync"
	"time"

	"github.com/pulsepay/ingress/health"
	"github.com/shopspring/decimal"
)

// record is an in-memory stand-in for a transactions row.
type record struct {
	correlationID string
	amount        decimal.Decimal
	route         health.Route
	insertedAt    time.Time
}

// MemoryStore is a Store fake for tests and for local development
// without a Postgres instance, mirroring PostgresStore's semantics
// exactly (same amount/requestedAt extraction) so behavior under test
// matches production.
type MemoryStore struct {
	mu      sync.Mutex
	records []record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) StoreSuccess(ctx context.Context, payload map[string]any, route health.Route) {
	amount, ok := extractAmount(payload)
	if !ok {
		return
	}
	insertedAt, ok := extractRequestedAt(payload)
	if !ok {
		insertedAt = time.Now().UTC()
	}
	correlationID, _ := extractCorrelationID(payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record{
		correlationID: correlationID,
		amount:        amount,
		route:         route,
		insertedAt:    insertedAt,
	})
}

func (m *MemoryStore) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out Summary
	for _, r := range m.records {
		if r.insertedAt.Before(from) || !r.insertedAt.Before(to) {
			continue
		}
		amt, _ := r.amount.Float64()
		switch r.route {
		case health.RouteDefault:
			out.Default.TotalRequests++
			out.Default.TotalAmount += amt
		case health.RouteFallback:
			out.Fallback.TotalRequests++
			out.Fallback.TotalAmount += amt
		}
	}
	return out, nil
}

func (m *MemoryStore) Purge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}

func (m *MemoryStore) Close() {}

// CountByCorrelation returns how many rows exist for correlationID,
// used by tests asserting exactly-once persistence (spec.md 8,
// property 5).
func (m *MemoryStore) CountByCorrelation(correlationID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.records {
		if r.correlationID == correlationID {
			n++
		}
	}
	return n
}
