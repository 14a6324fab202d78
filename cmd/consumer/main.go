package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cargomesh/eventcore/internal/application/consume"
	"github.com/cargomesh/eventcore/internal/bootstrap"
	infraRedis "github.com/cargomesh/eventcore/internal/infrastructure/redis"
	"github.com/cargomesh/eventcore/internal/publisher"
	"github.com/cargomesh/eventcore/internal/repository/postgres"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.New(ctx, "eventcore-consumer", "eventcore_consumer")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config

	// --- Inbox-guarded processing pipeline ---
	inboxRepo := postgres.NewInboxRepository(app.Pool)

	// Reference handler: downstream services embed consume.EventProcessor
	// with their own Handler in place of this one.
	handler := func(ctx context.Context, event publisher.Event) error {
		app.Logger.Info().
			Str("event_id", event.ID).
			Str("event_name", event.Name).
			Str("aggregate_id", event.AggregateID).
			Msg("Event received")
		return nil
	}

	processor := consume.NewEventProcessor(inboxRepo, handler, app.Logger, app.Metrics)
	streamConsumer := infraRedis.NewStreamConsumer(
		app.Redis,
		infraRedis.EventStream,
		cfg.Consumer.Group,
		cfg.InstanceID,
		cfg.Consumer.BatchSize,
		cfg.Consumer.BlockDuration,
	)
	worker := consume.NewStreamWorker(streamConsumer, processor, app.Logger, app.Metrics, consume.WorkerConfig{
		ClaimInterval: cfg.Consumer.ClaimInterval,
		ClaimMinIdle:  cfg.Consumer.ClaimMinIdle,
	})

	// --- Ops HTTP listener ---
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Handle("/metrics", promhttp.Handler())

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

	g.Go(func() error {
		app.Logger.Info().
			Str("group", cfg.Consumer.Group).
			Str("consumer", cfg.InstanceID).
			Msg("Stream consumer started")
		return worker.Run(gCtx)
	})

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

	g.Go(func() error {
		select {
		case <-gCtx.Done():
			return gCtx.Err()
		case <-quit:
			app.Logger.Info().Msg("Shutting down consumer...")
			cancel()
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Consumer error")
	}
	app.Logger.Info().Msg("Consumer exited")
}
