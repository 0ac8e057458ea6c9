package gateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pulsepay/ingress/apperr"
	"github.com/pulsepay/ingress/config"
	"github.com/pulsepay/ingress/gateway"
	"github.com/pulsepay/ingress/health"
	"github.com/rs/zerolog"
)

type recordedCall struct {
	route   health.Route
	payload map[string]any
}

type stubRecorder struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (s *stubRecorder) StoreSuccess(ctx context.Context, payload map[string]any, route health.Route) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordedCall{route: route, payload: payload})
}

func (s *stubRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type stubDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newStubDedup() *stubDedup {
	return &stubDedup{seen: map[string]bool{}}
}

func (d *stubDedup) SeenBefore(ctx context.Context, correlationID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[correlationID]
}

func (d *stubDedup) MarkSeen(ctx context.Context, correlationID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[correlationID] = true
}

func newTestConfig(defaultURL, fallbackURL string) *config.Config {
	return &config.Config{
		DefaultBaseURL:      defaultURL,
		FallbackBaseURL:     fallbackURL,
		RequestTimeout:      time.Second,
		ConnectTimeout:      500 * time.Millisecond,
		HealthSlowThreshold: 30 * time.Millisecond,
		HTTPPoolSize:        8,
		HTTPPoolCount:       2,
	}
}

func healthySnapshot() health.Snapshot {
	ok := health.Record{Failing: false, MinResponseTimeMs: 1}
	return health.Snapshot{Default: ok, Fallback: ok}
}

func TestDispatchHappyDefault(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cache := health.NewCache()
	cache.Set(healthySnapshot())

	rec := &stubRecorder{}
	cfg := newTestConfig(srv.URL, "http://unused")
	r := gateway.New(cfg, cache, rec, zerolog.Nop())

	route, err := r.Dispatch(context.Background(), map[string]any{"correlationId": "abc", "amount": 19.9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route != health.RouteDefault {
		t.Fatalf("expected default route, got %s", route)
	}
	if rec.count() != 1 {
		t.Fatalf("expected exactly one store call, got %d", rec.count())
	}
	_ = gotBody
}

func TestDispatchFallsBackOnDefault500(t *testing.T) {
	defaultSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer defaultSrv.Close()
	fallbackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer fallbackSrv.Close()

	cache := health.NewCache()
	cache.Set(healthySnapshot())

	rec := &stubRecorder{}
	cfg := newTestConfig(defaultSrv.URL, fallbackSrv.URL)
	r := gateway.New(cfg, cache, rec, zerolog.Nop())

	route, err := r.Dispatch(context.Background(), map[string]any{"correlationId": "xyz"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route != health.RouteFallback {
		t.Fatalf("expected fallback route, got %s", route)
	}
	if rec.count() != 1 {
		t.Fatalf("expected exactly one store call, got %d", rec.count())
	}
}

func TestDispatchHealthGatesDefault(t *testing.T) {
	var defaultHits, fallbackHits int
	defaultSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defaultHits++
		w.WriteHeader(http.StatusOK)
	}))
	defer defaultSrv.Close()
	fallbackSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fallbackHits++
		w.WriteHeader(http.StatusNoContent)
	}))
	defer fallbackSrv.Close()

	cache := health.NewCache()
	cache.Set(health.Snapshot{
		Default:  health.Record{Failing: true, MinResponseTimeMs: 1},
		Fallback: health.Record{Failing: false, MinResponseTimeMs: 1},
	})

	rec := &stubRecorder{}
	cfg := newTestConfig(defaultSrv.URL, fallbackSrv.URL)
	r := gateway.New(cfg, cache, rec, zerolog.Nop())

	route, err := r.Dispatch(context.Background(), map[string]any{"correlationId": "gated"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if route != health.RouteFallback {
		t.Fatalf("expected fallback route, got %s", route)
	}
	if defaultHits != 0 {
		t.Fatalf("expected default to receive zero requests, got %d", defaultHits)
	}
	if fallbackHits != 1 {
		t.Fatalf("expected fallback to receive exactly one request, got %d", fallbackHits)
	}
}

func TestDispatchBothUnhealthyNoHTTPCall(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	cache := health.NewCache()
	cache.Set(health.Snapshot{
		Default:  health.Record{Failing: true, MinResponseTimeMs: 1},
		Fallback: health.Record{Failing: true, MinResponseTimeMs: 1},
	})

	rec := &stubRecorder{}
	cfg := newTestConfig(srv.URL, srv.URL)
	r := gateway.New(cfg, cache, rec, zerolog.Nop())

	_, err := r.Dispatch(context.Background(), map[string]any{"correlationId": "none"})
	if err != apperr.ErrGatewaysUnavailable {
		t.Fatalf("expected ErrGatewaysUnavailable, got %v", err)
	}
	if hits != 0 {
		t.Fatalf("expected zero HTTP calls, got %d", hits)
	}
}

func TestDispatchBothFailReturnsFallbackFailed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := health.NewCache()
	cache.Set(healthySnapshot())

	rec := &stubRecorder{}
	cfg := newTestConfig(srv.URL, srv.URL)
	r := gateway.New(cfg, cache, rec, zerolog.Nop())

	_, err := r.Dispatch(context.Background(), map[string]any{"correlationId": "dead"})
	var ff *apperr.FallbackFailed
	if !errorsAs(err, &ff) {
		t.Fatalf("expected *apperr.FallbackFailed, got %v (%T)", err, err)
	}
	if rec.count() != 0 {
		t.Fatalf("expected no store calls on failure, got %d", rec.count())
	}
}

func TestDispatchNeverStoresOnNonSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"parseable":true}`))
	}))
	defer srv.Close()

	cache := health.NewCache()
	cache.Set(health.Snapshot{
		Default:  health.Record{Failing: false, MinResponseTimeMs: 1},
		Fallback: health.Record{Failing: true, MinResponseTimeMs: 1},
	})

	rec := &stubRecorder{}
	cfg := newTestConfig(srv.URL, srv.URL)
	r := gateway.New(cfg, cache, rec, zerolog.Nop())

	_, err := r.Dispatch(context.Background(), map[string]any{"correlationId": "bad"})
	if err == nil {
		t.Fatalf("expected an error")
	}
	if rec.count() != 0 {
		t.Fatalf("expected zero store calls for a parseable-but-non-success body, got %d", rec.count())
	}
}

// TestDispatchRequeueAfterFailedAttemptIsNotTreatedAsDuplicate covers
// the worker-requeue path: a payload that never actually reached a
// processor must not be silently skipped as a duplicate on its next
// dispatch attempt, even with dedup enabled.
func TestDispatchRequeueAfterFailedAttemptIsNotTreatedAsDuplicate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cache := health.NewCache()
	cache.Set(healthySnapshot())

	rec := &stubRecorder{}
	dedup := newStubDedup()
	cfg := newTestConfig(srv.URL, srv.URL)
	r := gateway.New(cfg, cache, rec, zerolog.Nop(), gateway.WithDedup(dedup))

	payload := map[string]any{"correlationId": "requeued", "amount": 1.0}

	_, err := r.Dispatch(context.Background(), payload)
	var ff *apperr.FallbackFailed
	if !errorsAs(err, &ff) {
		t.Fatalf("expected first attempt to fail with *apperr.FallbackFailed, got %v", err)
	}

	// Simulate the worker requeuing the same payload and the gateway
	// dispatching it again. It was never delivered, so dedup must not
	// treat this second attempt as a duplicate.
	_, err = r.Dispatch(context.Background(), payload)
	if !errorsAs(err, &ff) {
		t.Fatalf("expected requeued attempt to be retried, not skipped as a duplicate; got %v", err)
	}
	if rec.count() != 0 {
		t.Fatalf("expected no store calls across either failed attempt, got %d", rec.count())
	}
}

// TestDispatchSkipsGenuineDuplicateAfterConfirmedSuccess covers the
// intended dedup behavior: once a payload has actually been delivered
// and recorded, a second dispatch for the same correlation id is
// skipped without a further HTTP call or store write.
func TestDispatchSkipsGenuineDuplicateAfterConfirmedSuccess(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cache := health.NewCache()
	cache.Set(healthySnapshot())

	rec := &stubRecorder{}
	dedup := newStubDedup()
	cfg := newTestConfig(srv.URL, "http://unused")
	r := gateway.New(cfg, cache, rec, zerolog.Nop(), gateway.WithDedup(dedup))

	payload := map[string]any{"correlationId": "delivered-once", "amount": 1.0}

	route, err := r.Dispatch(context.Background(), payload)
	if err != nil || route != health.RouteDefault {
		t.Fatalf("expected successful default dispatch, got route=%s err=%v", route, err)
	}

	route, err = r.Dispatch(context.Background(), payload)
	if err != nil {
		t.Fatalf("expected duplicate dispatch to be skipped without error, got %v", err)
	}
	if route != "" {
		t.Fatalf("expected no route chosen for a skipped duplicate, got %s", route)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one HTTP call across both dispatches, got %d", hits)
	}
	if rec.count() != 1 {
		t.Fatalf("expected exactly one store call across both dispatches, got %d", rec.count())
	}
}

func errorsAs(err error, target **apperr.FallbackFailed) bool {
	ff, ok := err.(*apperr.FallbackFailed)
	if !ok {
		return false
	}
	*target = ff
	return true
}
