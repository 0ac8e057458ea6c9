package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pulsepay/ingress/config"
	"github.com/pulsepay/ingress/gateway"
	"github.com/pulsepay/ingress/health"
	"github.com/pulsepay/ingress/httpapi"
	"github.com/pulsepay/ingress/logger"
	"github.com/pulsepay/ingress/queue"
	"github.com/pulsepay/ingress/store"
	"github.com/pulsepay/ingress/worker"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("pulsepay ingress starting")

	buffer := queue.New(cfg.MaxQueueSize)

	cache := health.NewCache()
	poller := health.NewPoller(cache, log, cfg.HealthPollInterval,
		cfg.DefaultBaseURL+"/payments/service-health",
		cfg.FallbackBaseURL+"/payments/service-health")
	poller.Start()

	dedup, err := store.NewDedupCache(cfg, log)
	if err != nil {
		log.Warn().Err(err).Msg("dedup cache init failed — continuing without dedup")
		dedup = nil
	} else {
		log.Info().Msg("dedup cache connected")
	}

	pg, err := store.NewPostgresStore(context.Background(), cfg, log, dedup)
	var persistence store.Store
	if err != nil {
		log.Error().Err(err).Msg("postgres store init failed — falling back to in-memory store")
		persistence = store.NewMemoryStore()
	} else {
		persistence = pg
	}

	router := gateway.New(cfg, cache, persistence, log, gateway.WithDedup(dedup))

	pool := worker.NewPool(cfg, buffer, router, log)
	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	pool.Start(workerCtx)

	handler := httpapi.New(cfg, buffer, cache, persistence, log)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("ingress listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	poller.Stop()
	cancelWorkers()
	pool.Stop()
	persistence.Close()
	if dedup != nil {
		dedup.Close()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("ingress stopped gracefully")
	}
}
