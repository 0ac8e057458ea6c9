// Package httpapi implements the thin HTTP adapter layer (spec
// component C7): POST /payments, GET /payments-summary, GET /health,
// plus the supplemented admin purge endpoint. Grounded on the
// teacher's router.NewRouter middleware chain, trimmed to the handful
// of concerns this system actually needs.
package httpapi

import (
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/pulsepay/ingress/apperr"
	"github.com/pulsepay/ingress/config"
	"github.com/pulsepay/ingress/health"
	"github.com/pulsepay/ingress/queue"
	"github.com/pulsepay/ingress/store"
	"github.com/rs/zerolog"
)

// maxPaymentBodyBytes is the body size cap from spec.md 6.
const maxPaymentBodyBytes = 8 * 1024

// staticSummaryFallback is served on GET /payments-summary when the
// store is unreachable, per spec.md 6.
const staticSummaryFallback = `{"default":{"totalRequests":0,"totalAmount":0},"fallback":{"totalRequests":0,"totalAmount":0}}`

// New builds the chi-routed http.Handler for the service.
func New(cfg *config.Config, buffer *queue.Buffer, cache *health.Cache, st store.Store, logger zerolog.Logger) http.Handler {
	logger = logger.With().Str("component", "httpapi").Logger()

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(requestLogger(logger))

	h := &handlers{buffer: buffer, cache: cache, store: st, logger: logger, cfg: cfg}

	r.Post("/payments", h.postPayments)
	r.Get("/payments-summary", h.getSummary)
	r.Get("/health", h.getHealth)
	if cfg.AdminEnabled {
		r.Get("/payments-purge", h.getPurge)
	}
	r.NotFound(notFound)

	return r
}

type handlers struct {
	buffer *queue.Buffer
	cache  *health.Cache
	store  store.Store
	logger zerolog.Logger
	cfg    *config.Config
}

func (h *handlers) postPayments(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxPaymentBodyBytes)

	var payload map[string]any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		// The payments handler does not validate the payload per
		// spec.md 4.6; a body that isn't even valid JSON is treated
		// the same as an empty payload rather than rejected.
		payload = map[string]any{}
	}

	if err := h.buffer.Enqueue(payload); err != nil {
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"error": "queue_full"})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) getSummary(w http.ResponseWriter, r *http.Request) {
	fromStr := r.URL.Query().Get("from")
	toStr := r.URL.Query().Get("to")

	from, err := time.Parse(time.RFC3339, fromStr)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	to, err := time.Parse(time.RFC3339, toStr)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	summary, err := h.store.Summary(r.Context(), from, to)
	if err != nil {
		if err == apperr.ErrStoreUnavailable {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(staticSummaryFallback))
			return
		}
		writeJSONStatus(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	writeJSONStatus(w, http.StatusOK, summary)
}

func (h *handlers) getHealth(w http.ResponseWriter, r *http.Request) {
	stats := h.buffer.Stats()
	snap := h.cache.Get()

	routes := map[string]any{}
	for name, rec := range map[string]health.Record{"default": snap.Default, "fallback": snap.Fallback} {
		var minMs any = rec.MinResponseTimeMs
		if math.IsInf(rec.MinResponseTimeMs, 0) {
			minMs = nil // encoding/json cannot encode ±Inf; an unknown minimum is reported as null
		}
		routes[name] = map[string]any{"Failing": rec.Failing, "MinResponseTimeMs": minMs, "CheckedAt": rec.CheckedAt, "Source": rec.Source}
	}

	writeJSONStatus(w, http.StatusOK, map[string]any{
		"status": "ok",
		"queue": map[string]int64{
			"queue_size": stats.QueueSize,
			"in_flight":  stats.InFlight,
		},
		"routes": routes,
	})
}

// getPurge truncates the store and drains the queue. Reachable only
// when ADMIN_ENABLED=true — a supplemented test-support feature, inert
// in production by default.
func (h *handlers) getPurge(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Purge(r.Context()); err != nil {
		h.logger.Error().Err(err).Msg("admin purge: store purge failed")
	}
	for {
		if _, _, ok := h.buffer.Dequeue(); !ok {
			break
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeJSONStatus(w, http.StatusNotFound, map[string]string{"error": "not_found"})
}

func writeJSONStatus(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(rw, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("req_id", chimw.GetReqID(r.Context())).
				Int("status", rw.Status()).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}
