// Package store implements the transaction recorder (spec component
// C6): best-effort persistence of successful dispatches and windowed
// summary aggregation, plus a supplemented correlation-id dedup layer.
package store

import (
	"context"
	"time"

	"github.com/pulsepay/ingress/health"
)

// RouteSummary is one route's totals within a summary window.
type RouteSummary struct {
	TotalRequests int64   `json:"totalRequests"`
	TotalAmount   float64 `json:"totalAmount"`
}

// Summary is the windowed aggregation C7's summary handler serves.
type Summary struct {
	Default  RouteSummary `json:"default"`
	Fallback RouteSummary `json:"fallback"`
}

// Store is the capability interface the gateway and HTTP handlers
// depend on, so tests can substitute MemoryStore for PostgresStore.
type Store interface {
	// StoreSuccess persists a successful dispatch. Best-effort: it
	// never returns an error because the gateway must never fail a
	// dispatch it has already confirmed succeeded with the processor.
	// PostgresStore logs its failures; MemoryStore drops a payload
	// without a usable amount silently.
	StoreSuccess(ctx context.Context, payload map[string]any, route health.Route)

	// Summary aggregates totals over the half-open interval [from, to).
	Summary(ctx context.Context, from, to time.Time) (Summary, error)

	// Purge clears all persisted transactions. Used only by the
	// ADMIN_ENABLED-gated reset endpoint.
	Purge(ctx context.Context) error

	// Close releases the store's resources.
	Close()
}
