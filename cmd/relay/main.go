package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cargomesh/eventcore/internal/application/relay"
	"github.com/cargomesh/eventcore/internal/bootstrap"
	"github.com/cargomesh/eventcore/internal/handler"
	infraRedis "github.com/cargomesh/eventcore/internal/infrastructure/redis"
	"github.com/cargomesh/eventcore/internal/publisher"
	"github.com/cargomesh/eventcore/internal/repository/postgres"
	"github.com/cargomesh/eventcore/pkg/breaker"
	"github.com/cargomesh/eventcore/pkg/retry"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "eventcore-relay", "eventcore_relay")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config

	// --- Stores ---
	outboxRepo := postgres.NewOutboxRepository(app.Pool)
	txManager := postgres.NewTxManager(app.Pool)

	// --- Delivery pipeline ---
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts:     uint(cfg.Relay.RetryMaxAttempts),
		BaseDelay:       cfg.Relay.RetryBaseDelay,
		Multiplier:      cfg.Relay.RetryMultiplier,
		RetryableStatus: retry.DefaultConfig().RetryableStatus,
		TransientCodes:  retry.DefaultConfig().TransientCodes,
	})
	breakers := breaker.NewRegistry(
		breaker.Config{
			FailureThreshold: uint32(cfg.Relay.BreakerFailureThreshold),
			OpenTimeout:      cfg.Relay.BreakerOpenTimeout,
		},
		app.Logger,
		breaker.WithStateChange(func(resource string, _, to breaker.State) {
			app.Metrics.CircuitBreakerState.WithLabelValues(resource).Set(float64(to))
		}),
	)
	var pub publisher.Publisher = infraRedis.NewStreamPublisher(app.Redis, infraRedis.EventStream)
	if cfg.Relay.Transport == "mock" {
		// Local fault-injection transport for exercising retry and breaker
		// behavior without a downstream.
		pub = publisher.NewMockPublisher("mock-transport",
			publisher.WithFailureRate(0.2),
			publisher.WithTimeoutRate(0.05),
			publisher.WithLatency(50*time.Millisecond),
		)
		app.Logger.Warn().Msg("Using mock transport, events are not delivered anywhere")
	}
	dispatchLock := infraRedis.NewDispatchLock(app.Redis, "outbox-dispatch", cfg.Relay.LockTTL)

	dispatcher := relay.NewDispatcher(
		outboxRepo,
		txManager,
		pub,
		breakers,
		policy,
		app.Logger,
		app.Metrics,
		relay.Config{
			BatchSize:      cfg.Relay.BatchSize,
			PublishTimeout: cfg.Relay.PublishTimeout,
		},
		relay.WithLock(dispatchLock),
	)

	// --- Enqueue entry point ---
	enqueueUC := relay.NewEnqueueUseCase(outboxRepo, cfg.Relay.MaxAttempts)
	enqueueHandler := handler.NewEnqueueHandler(enqueueUC, txManager, app.Logger)

	// --- Ops HTTP listener ---
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())
	router.Post("/events", enqueueHandler.Handle)

	opsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	// 1. Outbox dispatcher (polls outbox table, relays to the event stream).
	g.Go(func() error {
		app.Logger.Info().
			Dur("poll_interval", cfg.Relay.PollInterval).
			Int("batch_size", cfg.Relay.BatchSize).
			Msg("Outbox dispatcher started")
		return dispatcher.Run(gCtx, cfg.Relay.PollInterval)
	})

	// 2. Ops HTTP server (health + metrics).
	g.Go(func() error {
		app.Logger.Info().Int("port", cfg.Server.Port).Msg("Ops listener started")
		if err := opsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		return opsServer.Shutdown(shutdownCtx)
	})

	// 3. Wait for shutdown signal.
	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down relay...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Relay error")
	}
	app.Logger.Info().Msg("Relay exited")
}
