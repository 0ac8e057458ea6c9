package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pulsepay/ingress/apperr"
	"github.com/pulsepay/ingress/config"
	"github.com/pulsepay/ingress/health"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS transactions (
	id bigserial PRIMARY KEY,
	correlation_id uuid,
	amount numeric(18,2) NOT NULL,
	route text NOT NULL,
	inserted_at timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS transactions_inserted_at_idx ON transactions (inserted_at);
CREATE INDEX IF NOT EXISTS transactions_route_idx ON transactions (route);
`

// PostgresStore is the production Store backed by pgxpool, grounded on
// the pack's own use of jackc/pgx/v5 for relational persistence in
// similarly shaped routing services.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
	dedup  *DedupCache // nil when Redis is unavailable; all calls degrade to no-op
}

// NewPostgresStore connects to cfg.DatabaseURL, applies the schema if
// missing, and wires up the optional dedup cache.
func NewPostgresStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger, dedup *DedupCache) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.DBPoolSize)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	s := &PostgresStore{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
		dedup:  dedup,
	}

	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return s, nil
}

// StoreSuccess is best-effort: it logs and returns on any failure
// rather than propagating an error, per spec.md 4.5.
func (s *PostgresStore) StoreSuccess(ctx context.Context, payload map[string]any, route health.Route) {
	amount, ok := extractAmount(payload)
	if !ok {
		s.logger.Warn().Interface("payload", payload).Msg("store_success: missing or invalid amount, skipping persistence")
		return
	}

	insertedAt, ok := extractRequestedAt(payload)
	if !ok {
		insertedAt = time.Now().UTC()
	}

	var correlationID *uuid.UUID
	if raw, ok := extractCorrelationID(payload); ok {
		if parsed, err := uuid.Parse(raw); err == nil {
			correlationID = &parsed
		}
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (correlation_id, amount, route, inserted_at) VALUES ($1, $2, $3, $4)`,
		correlationID, amount, string(route), insertedAt,
	)
	if err != nil {
		s.logger.Error().Err(err).Msg("store_success: insert failed")
	}
}

// Summary aggregates over [from, to) grouped by route.
func (s *PostgresStore) Summary(ctx context.Context, from, to time.Time) (Summary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT route, count(*), coalesce(sum(amount), 0) FROM transactions
		 WHERE inserted_at >= $1 AND inserted_at < $2
		 GROUP BY route`,
		from, to,
	)
	if err != nil {
		return Summary{}, apperr.ErrStoreUnavailable
	}
	defer rows.Close()

	var out Summary
	for rows.Next() {
		var route string
		var count int64
		var total decimal.Decimal
		if err := rows.Scan(&route, &count, &total); err != nil {
			return Summary{}, apperr.ErrStoreUnavailable
		}
		amt, _ := total.Float64()
		rs := RouteSummary{TotalRequests: count, TotalAmount: amt}
		switch health.Route(route) {
		case health.RouteDefault:
			out.Default = rs
		case health.RouteFallback:
			out.Fallback = rs
		}
	}
	if err := rows.Err(); err != nil {
		return Summary{}, apperr.ErrStoreUnavailable
	}
	return out, nil
}

// Purge truncates the transactions table. Only reachable behind the
// ADMIN_ENABLED-gated endpoint.
func (s *PostgresStore) Purge(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "TRUNCATE transactions")
	return err
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

func extractAmount(payload map[string]any) (decimal.Decimal, bool) {
	v, ok := payload["amount"]
	if !ok {
		return decimal.Decimal{}, false
	}
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n), true
	case string:
		d, err := decimal.NewFromString(n)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case int:
		return decimal.NewFromInt(int64(n)), true
	default:
		return decimal.Decimal{}, false
	}
}

func extractCorrelationID(payload map[string]any) (string, bool) {
	if v, ok := payload["correlationId"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := payload["correlation_id"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

func extractRequestedAt(payload map[string]any) (time.Time, bool) {
	raw, ok := payload["requestedAt"].(string)
	if !ok {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), true
	}
	return time.Time{}, false
}
