// Package health implements the health cache (spec component C2) and
// the background health poller (C3), grounded on the teacher
// gateway's provider.HealthPoller: a ticker-driven goroutine that
// refreshes an atomically-swapped snapshot. Every failed poll is
// logged; status transitions are not tracked separately.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

var errUnsupportedMinResponseTime = errors.New("health: unsupported minResponseTime type")

// Route identifies one of the two processor endpoints.
type Route string

const (
	RouteDefault  Route = "default"
	RouteFallback Route = "fallback"
)

// Source records how a Record was produced.
type Source string

const (
	SourceOK    Source = "ok"
	SourceError Source = "error"
)

// Record is one route's health state at a point in time.
type Record struct {
	Failing           bool
	MinResponseTimeMs float64 // +Inf when unknown/failing
	CheckedAt         time.Time
	Source            Source
}

// Snapshot is the atomic, immutable pair of per-route records. Readers
// obtain the whole snapshot without locking; the poller installs a new
// Snapshot value atomically so readers never see a partially-updated
// route.
type Snapshot struct {
	Default  Record
	Fallback Record
}

// Get returns the record for the given route.
func (s Snapshot) Get(r Route) Record {
	if r == RouteDefault {
		return s.Default
	}
	return s.Fallback
}

// With returns a copy of s with route replaced by rec, leaving the
// other route untouched.
func (s Snapshot) With(route Route, rec Record) Snapshot {
	next := s
	if route == RouteDefault {
		next.Default = rec
	} else {
		next.Fallback = rec
	}
	return next
}

// IsHealthy is pure over the given record: healthy iff not failing and
// the minimum observed response time is under the slow threshold.
func IsHealthy(rec Record, slowThreshold time.Duration) bool {
	return !rec.Failing && rec.MinResponseTimeMs < float64(slowThreshold.Milliseconds())
}

// Cache is a single-writer, multi-reader atomic snapshot cell (spec
// C2). The zero value is not usable; use NewCache.
type Cache struct {
	snap atomic.Pointer[Snapshot]
}

// NewCache creates a Cache pre-populated with an optimistic snapshot:
// both routes healthy so the system dispatches before the first poll
// completes, per spec.md 4.2.
func NewCache() *Cache {
	c := &Cache{}
	now := time.Now()
	optimistic := Record{Failing: false, MinResponseTimeMs: 0, CheckedAt: now, Source: SourceOK}
	c.snap.Store(&Snapshot{Default: optimistic, Fallback: optimistic})
	return c
}

// Get returns the current snapshot.
func (c *Cache) Get() Snapshot {
	return *c.snap.Load()
}

// Set atomically replaces the whole snapshot.
func (c *Cache) Set(s Snapshot) {
	c.snap.Store(&s)
}

// SetRoute atomically replaces a single route's record, leaving the
// other route's record untouched — a convenience built on Get+Set,
// safe against the poller being the sole writer (single-task C3).
func (c *Cache) SetRoute(route Route, rec Record) {
	c.Set(c.Get().With(route, rec))
}

// healthResponse is the wire shape returned by a processor's
// GET <base>/payments/service-health endpoint.
type healthResponse struct {
	Failing         bool        `json:"failing"`
	MinResponseTime interface{} `json:"minResponseTime"`
}

// Poller is the background task described by spec.md C3: a
// single-task periodic poller that refreshes a Cache. Modeled after
// the teacher's provider.HealthPoller ticker loop and graceful
// Start/Stop lifecycle.
type Poller struct {
	cache    *Cache
	logger   zerolog.Logger
	interval time.Duration
	client   *http.Client

	routes map[Route]string // route -> health check URL

	cancel context.CancelFunc
	done   chan struct{}
}

// NewPoller creates a poller that checks both routes' health URLs
// every interval (minimum 1 second, to keep tests fast while
// preventing a runaway busy loop in production misconfiguration).
func NewPoller(cache *Cache, logger zerolog.Logger, interval time.Duration, defaultURL, fallbackURL string) *Poller {
	if interval < time.Second {
		interval = time.Second
	}
	return &Poller{
		cache:    cache,
		logger:   logger.With().Str("component", "health_poller").Logger(),
		interval: interval,
		client:   &http.Client{Timeout: interval},
		routes: map[Route]string{
			RouteDefault:  defaultURL,
			RouteFallback: fallbackURL,
		},
		done: make(chan struct{}),
	}
}

// Start begins the background polling loop. Call Stop to shut it down.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.logger.Info().Dur("interval", p.interval).Msg("starting health poller")

	go p.pollLoop(ctx)
}

// Stop cancels the poller and waits for the loop to exit.
func (p *Poller) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
	p.logger.Info().Msg("health poller stopped")
}

func (p *Poller) pollLoop(ctx context.Context) {
	defer close(p.done)

	p.pollAll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollAll(ctx)
		}
	}
}

func (p *Poller) pollAll(ctx context.Context) {
	for route, url := range p.routes {
		p.pollOne(ctx, route, url)
	}
}

func (p *Poller) pollOne(ctx context.Context, route Route, url string) {
	prev := p.cache.Get().Get(route)

	reqCtx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		p.cache.SetRoute(route, errorRecord(prev))
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Warn().Str("route", string(route)).Err(err).Msg("health check transport error")
		p.cache.SetRoute(route, errorRecord(prev))
		return
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		rec, err := decodeHealthBody(resp.Body)
		if err != nil {
			p.logger.Warn().Str("route", string(route)).Err(err).Msg("health check decode error")
			p.cache.SetRoute(route, errorRecord(prev))
			return
		}
		p.cache.SetRoute(route, rec)
	case http.StatusTooManyRequests:
		p.logger.Warn().Str("route", string(route)).Msg("health check rate limited")
		p.cache.SetRoute(route, errorRecord(prev))
	default:
		p.logger.Warn().Str("route", string(route)).Int("status", resp.StatusCode).Msg("health check unexpected status")
		p.cache.SetRoute(route, errorRecord(prev))
	}
}

// errorRecord builds the "failing" record per spec.md 4.2: checked_at
// carries forward from prev (or now if prev is zero) so a failing
// route doesn't appear to have just been checked on every failed poll.
func errorRecord(prev Record) Record {
	checkedAt := prev.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	return Record{
		Failing:           true,
		MinResponseTimeMs: math.Inf(1),
		CheckedAt:         checkedAt,
		Source:            SourceError,
	}
}

func decodeHealthBody(r io.Reader) (Record, error) {
	var body healthResponse
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return Record{}, err
	}
	ms, err := toFloat(body.MinResponseTime)
	if err != nil {
		return Record{}, err
	}
	return Record{
		Failing:           body.Failing,
		MinResponseTimeMs: ms,
		CheckedAt:         time.Now(),
		Source:            SourceOK,
	}, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	case int:
		return float64(n), nil
	default:
		return 0, errUnsupportedMinResponseTime
	}
}
