// Package gateway implements the gateway router (spec component C4):
// per-payload routing between the default and fallback processors,
// chosen from the current health snapshot, with a per-request deadline
// and a shared, tuned outbound connection pool per route. Grounded on
// the teacher's provider.ConnectionPool (per-provider *http.Transport
// caching) generalized to this system's two fixed routes.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/pulsepay/ingress/apperr"
	"github.com/pulsepay/ingress/config"
	"github.com/pulsepay/ingress/health"
	"github.com/rs/zerolog"
)

// Recorder is the capability interface the router uses to persist a
// successful dispatch. store.Store satisfies it; tests can supply a
// stub.
type Recorder interface {
	StoreSuccess(ctx context.Context, payload map[string]any, route health.Route)
}

// Dedup is the capability interface backing the supplemented
// correlation-id dedup feature. store.DedupCache satisfies it.
// SeenBefore is a read-only existence check consulted before dispatch;
// MarkSeen claims the correlation id and must only be called once
// delivery is confirmed, never on a mere attempt.
type Dedup interface {
	SeenBefore(ctx context.Context, correlationID string) bool
	MarkSeen(ctx context.Context, correlationID string)
}

// Option configures optional Router behavior.
type Option func(*Router)

// WithDedup enables the best-effort correlation-id dedup check before
// every dispatch. Omit it (or pass a nil Dedup) to disable dedup
// entirely — the router degrades to always dispatching.
func WithDedup(d Dedup) Option {
	return func(r *Router) { r.dedup = d }
}

// SuccessStatuses is the set of HTTP status codes a processor response
// counts as success. Exposed as a variable, not a constant, so tests
// can narrow or widen it; production wiring leaves it at the default.
var SuccessStatuses = func(code int) bool {
	return (code >= 200 && code <= 299) || code == http.StatusConflict
}

// Router dispatches a payload to whichever route the current health
// snapshot favors, per the decision table in spec.md 4.3.
type Router struct {
	cache    *health.Cache
	recorder Recorder
	logger   zerolog.Logger

	slowThreshold time.Duration
	requestDeadline time.Duration
	connectDeadline time.Duration // only applied when debug is set
	debug           bool

	clients map[health.Route]*routeClient
	dedup   Dedup
}

type routeClient struct {
	baseURL string
	http    *http.Client
}

// New builds a Router with a dedicated, tuned HTTP client per route,
// grounded on provider.ConnectionPool.createTransport but simplified to
// the two fixed routes this system dispatches to.
func New(cfg *config.Config, cache *health.Cache, recorder Recorder, logger zerolog.Logger, opts ...Option) *Router {
	logger = logger.With().Str("component", "gateway").Logger()

	var connectTimeout time.Duration // zero: no dial timeout beyond the request deadline
	if cfg.Debug {
		connectTimeout = cfg.ConnectTimeout
	}

	r := &Router{
		cache:           cache,
		recorder:        recorder,
		logger:          logger,
		slowThreshold:   cfg.HealthSlowThreshold,
		requestDeadline: cfg.RequestTimeout,
		connectDeadline: cfg.ConnectTimeout,
		debug:           cfg.Debug,
		clients: map[health.Route]*routeClient{
			health.RouteDefault:  {baseURL: cfg.DefaultBaseURL, http: newRouteClient(cfg, connectTimeout)},
			health.RouteFallback: {baseURL: cfg.FallbackBaseURL, http: newRouteClient(cfg, connectTimeout)},
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func newRouteClient(cfg *config.Config, connectTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		MaxIdleConns:        cfg.HTTPPoolSize,
		MaxIdleConnsPerHost: cfg.HTTPPoolSize,
		MaxConnsPerHost:     cfg.HTTPPoolSize * cfg.HTTPPoolCount,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport}
}

// Dispatch attempts to deliver payload to default and/or fallback per
// the decision table, stamping a fresh requestedAt on every attempt.
// On success it records the transaction exactly once via Recorder
// before returning.
func (r *Router) Dispatch(ctx context.Context, payload map[string]any) (health.Route, error) {
	if id, ok := correlationID(payload); ok && r.dedup != nil && r.dedup.SeenBefore(ctx, id) {
		r.logger.Debug().Str("correlation_id", id).Msg("duplicate correlation id within dedup window, skipping dispatch")
		return "", nil
	}

	snap := r.cache.Get()
	defaultHealthy := health.IsHealthy(snap.Default, r.slowThreshold)
	fallbackHealthy := health.IsHealthy(snap.Fallback, r.slowThreshold)

	if !defaultHealthy && !fallbackHealthy {
		return "", apperr.ErrGatewaysUnavailable
	}

	if !defaultHealthy {
		if err := r.attempt(ctx, health.RouteFallback, payload); err != nil {
			return "", &apperr.FallbackFailed{
				Default:  apperr.RouteDetail{Route: string(health.RouteDefault), Err: fmt.Errorf("route unhealthy")},
				Fallback: toRouteDetail(health.RouteFallback, err),
			}
		}
		return health.RouteFallback, nil
	}

	defaultErr := r.attempt(ctx, health.RouteDefault, payload)
	if defaultErr == nil {
		return health.RouteDefault, nil
	}

	if !fallbackHealthy {
		return "", &apperr.FallbackFailed{
			Default:  toRouteDetail(health.RouteDefault, defaultErr),
			Fallback: apperr.RouteDetail{Route: string(health.RouteFallback), Err: fmt.Errorf("route unhealthy")},
		}
	}

	fallbackErr := r.attempt(ctx, health.RouteFallback, payload)
	if fallbackErr == nil {
		return health.RouteFallback, nil
	}

	return "", &apperr.FallbackFailed{
		Default:  toRouteDetail(health.RouteDefault, defaultErr),
		Fallback: toRouteDetail(health.RouteFallback, fallbackErr),
	}
}

func correlationID(payload map[string]any) (string, bool) {
	if v, ok := payload["correlationId"].(string); ok && v != "" {
		return v, true
	}
	if v, ok := payload["correlation_id"].(string); ok && v != "" {
		return v, true
	}
	return "", false
}

func toRouteDetail(route health.Route, err error) apperr.RouteDetail {
	if us, ok := err.(*apperr.UnexpectedStatus); ok {
		return apperr.RouteDetail{Route: string(route), StatusCode: us.StatusCode}
	}
	return apperr.RouteDetail{Route: string(route), Err: err}
}

// attempt issues a single POST to route and records success. Returns a
// *apperr.RequestError or *apperr.UnexpectedStatus on any retryable
// failure.
func (r *Router) attempt(ctx context.Context, route health.Route, payload map[string]any) error {
	client, ok := r.clients[route]
	if !ok {
		return &apperr.RequestError{Route: string(route), Err: fmt.Errorf("route not configured")}
	}

	deadline := r.requestDeadline
	if r.debug && r.connectDeadline > 0 && r.connectDeadline < deadline {
		deadline = r.connectDeadline
	}
	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	body := stampRequestedAt(payload)
	encoded, err := json.Marshal(body)
	if err != nil {
		return &apperr.RequestError{Route: string(route), Err: err}
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, client.baseURL+"/payments", bytes.NewReader(encoded))
	if err != nil {
		return &apperr.RequestError{Route: string(route), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.http.Do(req)
	if err != nil {
		return &apperr.RequestError{Route: string(route), Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if !SuccessStatuses(resp.StatusCode) {
		return &apperr.UnexpectedStatus{Route: string(route), StatusCode: resp.StatusCode}
	}

	r.recorder.StoreSuccess(ctx, body, route)
	if r.dedup != nil {
		if id, ok := correlationID(body); ok {
			r.dedup.MarkSeen(ctx, id)
		}
	}
	return nil
}

// stampRequestedAt returns a shallow copy of payload with requestedAt
// set to the current UTC instant, never mutating the caller's map —
// the worker pool may still hold a reference to it for requeue.
func stampRequestedAt(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["requestedAt"] = time.Now().UTC().Format(time.RFC3339Nano)
	return out
}
