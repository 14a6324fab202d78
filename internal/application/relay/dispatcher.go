package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/cargomesh/eventcore/internal/domain/outbox"
	"github.com/cargomesh/eventcore/internal/infrastructure/observability"
	"github.com/cargomesh/eventcore/internal/publisher"
	"github.com/cargomesh/eventcore/pkg/breaker"
	"github.com/cargomesh/eventcore/pkg/retry"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TxRunner runs a function inside a database transaction. Satisfied by
// postgres.TxManager.
type TxRunner interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// Locker guards a dispatch run across relay instances. Satisfied by
// redis.DispatchLock. Optional: a nil Locker means single-instance mode.
// Extend is heartbeated between deliveries: a batch full of slow, retried
// publishes can outlive the lock TTL, and a lapsed lock would let a second
// instance start dispatching the same rows.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Extend(ctx context.Context) error
	Release(ctx context.Context) error
}

// Config holds dispatcher settings.
type Config struct {
	// BatchSize caps how many pending messages one run picks up.
	BatchSize int
	// PublishTimeout bounds each Publisher invocation. Exceeding it is a
	// timeout error and flows through the retry and circuit logic like any
	// other failure.
	PublishTimeout time.Duration
}

// Result is the aggregate outcome of one dispatch run.
type Result struct {
	Sent   int
	Failed int
}

// Dispatcher drives delivery of pending outbox messages. Each run fetches
// the oldest pending batch, pushes every message through the circuit
// breaker and retry policy to the Publisher, and records the outcome on
// the message. At most one run is active at a time: a tick that fires
// while a run is still executing is skipped, not queued.
type Dispatcher struct {
	repo     outbox.Repository
	tx       TxRunner
	pub      publisher.Publisher
	breakers *breaker.Registry
	policy   *retry.Policy
	lock     Locker
	logger   zerolog.Logger
	metrics  *observability.Metrics
	tracer   trace.Tracer
	cfg      Config

	runMu sync.Mutex
}

func NewDispatcher(
	repo outbox.Repository,
	tx TxRunner,
	pub publisher.Publisher,
	breakers *breaker.Registry,
	policy *retry.Policy,
	logger zerolog.Logger,
	metrics *observability.Metrics,
	cfg Config,
	opts ...DispatcherOption,
) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	d := &Dispatcher{
		repo:     repo,
		tx:       tx,
		pub:      pub,
		breakers: breakers,
		policy:   policy,
		logger:   logger,
		metrics:  metrics,
		tracer:   otel.Tracer("eventcore/relay"),
		cfg:      cfg,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type DispatcherOption func(*Dispatcher)

// WithLock adds a cross-instance run lock.
func WithLock(lock Locker) DispatcherOption {
	return func(d *Dispatcher) { d.lock = lock }
}

// Run polls on the given interval until ctx is done. Overlap is impossible:
// RunOnce skips when the previous run is still active.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if _, err := d.RunOnce(ctx); err != nil {
			d.logger.Error().Err(err).Msg("Dispatch run failed")
		}
	}
}

// RunOnce executes a single dispatch pass and reports how many messages
// were sent and how many failed. It is safe to invoke concurrently with
// itself: overlapping invocations return immediately with a zero Result.
func (d *Dispatcher) RunOnce(ctx context.Context) (Result, error) {
	if !d.runMu.TryLock() {
		d.metrics.DispatchRunsSkipped.Inc()
		d.logger.Debug().Msg("Dispatch run still active, skipping tick")
		return Result{}, nil
	}
	defer d.runMu.Unlock()

	if d.lock != nil {
		acquired, err := d.lock.Acquire(ctx)
		if err != nil {
			return Result{}, err
		}
		if !acquired {
			d.metrics.DispatchRunsSkipped.Inc()
			d.logger.Debug().Msg("Another instance holds the dispatch lock, skipping")
			return Result{}, nil
		}
		defer func() {
			if err := d.lock.Release(ctx); err != nil {
				d.logger.Warn().Err(err).Msg("Failed to release dispatch lock")
			}
		}()
	}

	runCtx, span := d.tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	start := time.Now()
	var result Result

	err := d.tx.WithTransaction(runCtx, func(txCtx context.Context) error {
		batch, err := d.repo.FetchPendingBatch(txCtx, d.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, msg := range batch {
			d.extendLock(txCtx)
			// One message's failure never aborts the rest of the batch.
			if err := d.deliver(txCtx, msg); err != nil {
				result.Failed++
				if markErr := d.repo.MarkFailed(txCtx, msg.ID, err.Error()); markErr != nil {
					return markErr
				}
				d.metrics.OutboxDispatched.WithLabelValues(msg.EventName, "failed").Inc()
				d.logger.Warn().
					Err(err).
					Str("message_id", msg.ID.String()).
					Str("event_name", msg.EventName).
					Int("attempts", msg.Attempts+1).
					Msg("Outbox delivery failed")
				continue
			}
			result.Sent++
			if markErr := d.repo.MarkSent(txCtx, msg.ID); markErr != nil {
				return markErr
			}
			d.metrics.OutboxDispatched.WithLabelValues(msg.EventName, "sent").Inc()
		}
		return nil
	})

	elapsed := time.Since(start)
	d.metrics.DispatchRunDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("outbox.sent", result.Sent),
		attribute.Int("outbox.failed", result.Failed),
	)
	if err != nil {
		return result, err
	}

	if result.Sent > 0 || result.Failed > 0 {
		d.logger.Info().
			Int("sent", result.Sent).
			Int("failed", result.Failed).
			Dur("duration", elapsed).
			Msg("Dispatch run finished")
	}
	return result, nil
}

// extendLock refreshes the cross-instance lock TTL. Best effort: a failed
// refresh is logged, and the next Acquire elsewhere resolves ownership.
func (d *Dispatcher) extendLock(ctx context.Context) {
	if d.lock == nil {
		return
	}
	if err := d.lock.Extend(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to extend dispatch lock")
	}
}

// deliver pushes one message through the circuit breaker and retry policy.
// The breaker decides whether the downstream is attempted at all; the
// policy decides, for an attempted-and-failed call, whether to try again
// and with what delay. A circuit-open rejection is an immediate failure
// that never contacts the Publisher.
func (d *Dispatcher) deliver(ctx context.Context, msg *outbox.Message) error {
	event := publisher.Event{
		ID:          msg.ID.String(),
		Name:        msg.EventName,
		AggregateID: msg.AggregateID,
		Payload:     msg.Payload,
	}
	resource := d.pub.Name()

	var calls int
	_, err := d.breakers.Execute(resource, func() (any, error) {
		return nil, d.policy.Do(ctx, func() error {
			calls++
			pubCtx, cancel := context.WithTimeout(ctx, d.cfg.PublishTimeout)
			defer cancel()
			return d.pub.Publish(pubCtx, event)
		})
	})
	if calls > 1 {
		d.metrics.PublishRetries.WithLabelValues(resource).Add(float64(calls - 1))
	}

	switch {
	case err == nil:
		d.metrics.CircuitBreakerRequests.WithLabelValues(resource, "success").Inc()
		return nil
	case errors.Is(err, domainErrors.ErrCircuitOpen):
		d.metrics.CircuitBreakerRequests.WithLabelValues(resource, "rejected").Inc()
		return err
	default:
		d.metrics.CircuitBreakerRequests.WithLabelValues(resource, "failure").Inc()
		return err
	}
}
