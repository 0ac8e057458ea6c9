// Package worker implements the worker pool (spec component C5): a
// fixed-size set of supervised long-lived workers that drain the
// ingest buffer, dispatch through the gateway router, and requeue on
// retryable failure. Grounded on the teacher's analytics.Pipeline
// supervision shape (context-cancellable goroutines tracked by a
// sync.WaitGroup) generalized with a respawn loop so a panicking
// worker doesn't shrink the live pool.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/pulsepay/ingress/apperr"
	"github.com/pulsepay/ingress/config"
	"github.com/pulsepay/ingress/health"
	"github.com/pulsepay/ingress/queue"
	"github.com/rs/zerolog"
)

// Dispatcher is the capability interface a worker invokes per payload.
// gateway.Router satisfies it.
type Dispatcher interface {
	Dispatch(ctx context.Context, payload map[string]any) (health.Route, error)
}

// Pool runs config.MaxConcurrency supervised workers against a shared
// queue.Buffer.
type Pool struct {
	buffer     *queue.Buffer
	dispatcher Dispatcher
	logger     zerolog.Logger

	concurrency     int
	idleSleep       time.Duration
	requeueCooldown time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool builds a Pool ready to Start.
func NewPool(cfg *config.Config, buffer *queue.Buffer, dispatcher Dispatcher, logger zerolog.Logger) *Pool {
	return &Pool{
		buffer:          buffer,
		dispatcher:      dispatcher,
		logger:          logger.With().Str("component", "worker_pool").Logger(),
		concurrency:     cfg.MaxConcurrency,
		idleSleep:       cfg.WorkerIdleSleep,
		requeueCooldown: cfg.RequeueCooldown,
	}
}

// Start launches the pool's workers. Call Stop to shut them down.
func (p *Pool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.logger.Info().Int("workers", p.concurrency).Msg("starting worker pool")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.supervise(ctx, i)
	}
}

// Stop cancels the pool's context and waits for every worker to return
// after finishing its current dispatch.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

// supervise keeps exactly one worker alive for slot id: if the worker
// goroutine exits (panic recovered), it is immediately restarted,
// unless the context is already done. This is the supervisor described
// by spec.md 4.4 — "exactly N workers live at steady state."
func (p *Pool) supervise(ctx context.Context, id int) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if p.runWorker(ctx, id) {
			return
		}
		p.logger.Warn().Int("worker", id).Msg("worker exited unexpectedly, respawning")
	}
}

// runWorker is the body of a single worker's lifetime. Returns true
// when it exited because ctx was cancelled (clean shutdown), false if
// it exited due to a recovered panic (the supervisor should respawn).
func (p *Pool) runWorker(ctx context.Context, id int) (clean bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Int("worker", id).Interface("panic", r).Msg("worker panicked")
			clean = false
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return true
		default:
		}

		payload, waitMs, ok := p.buffer.Dequeue()
		if !ok {
			sleep(ctx, p.idleSleep)
			continue
		}

		p.buffer.WorkerStarted()
		p.runPayload(ctx, payload, waitMs)
	}
}

// runPayload wraps processPayload with a WorkerFinished that still
// runs if the dispatch path panics, so in_flight is decremented on
// worker exit regardless of outcome (spec.md 4.4) — the panic itself
// is re-raised afterward for runWorker's recover to catch and trigger
// a respawn.
func (p *Pool) runPayload(ctx context.Context, payload map[string]any, waitMs int64) {
	defer p.buffer.WorkerFinished()
	p.processPayload(ctx, payload, waitMs)
}

// processPayload implements the outcome table in spec.md 4.4.
func (p *Pool) processPayload(ctx context.Context, payload map[string]any, waitMs int64) {
	route, err := p.dispatcher.Dispatch(ctx, payload)
	if err == nil {
		p.logger.Debug().Str("route", string(route)).Int64("wait_ms", waitMs).Msg("dispatch succeeded")
		return
	}

	switch err.(type) {
	case *apperr.FallbackFailed:
		p.requeue(payload)
	default:
		if err == apperr.ErrGatewaysUnavailable {
			p.requeue(payload)
			return
		}
		p.logger.Error().Err(err).Msg("dispatch failed terminally, dropping payload")
	}
}

// requeue returns payload to the tail of the buffer, stripping any
// requestedAt augmentation so the next attempt stamps a fresh one
// (spec.md 8, property 7). The payload map the worker holds was never
// mutated by the gateway (it stamps a copy), so there is nothing to
// strip in practice, but the delete is kept as an explicit invariant
// guard in case a future caller changes that contract.
func (p *Pool) requeue(payload map[string]any) {
	delete(payload, "requestedAt")
	if err := p.buffer.Enqueue(payload); err != nil {
		p.logger.Warn().Err(err).Msg("requeue failed, payload lost")
	}
	sleep(context.Background(), p.requeueCooldown)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
