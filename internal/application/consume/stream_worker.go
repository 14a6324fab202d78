package consume

import (
	"context"
	"time"

	"github.com/cargomesh/eventcore/internal/infrastructure/observability"
	infraRedis "github.com/cargomesh/eventcore/internal/infrastructure/redis"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// StreamSource is the consumer-group surface the worker pumps from.
// Satisfied by redis.StreamConsumer.
type StreamSource interface {
	CreateGroup(ctx context.Context) error
	Read(ctx context.Context) ([]redis.XStream, error)
	Ack(ctx context.Context, messageID string) error
	ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error)
}

// WorkerConfig tunes the redelivery claim pass.
type WorkerConfig struct {
	// ClaimInterval is how often the worker sweeps the pending-entries
	// list for stale deliveries.
	ClaimInterval time.Duration
	// ClaimMinIdle is how long an unacked entry must sit idle before the
	// sweep takes it over.
	ClaimMinIdle time.Duration
}

// StreamWorker pumps relayed events from a Redis Stream consumer group
// into an EventProcessor. Entries that fail processing are not acked;
// they stay on the group's pending list and the periodic claim pass picks
// them up again once they have been idle for ClaimMinIdle, so a transient
// handler failure delays an event instead of losing it. The inbox guard
// keeps the redelivery safe.
type StreamWorker struct {
	consumer  StreamSource
	processor *EventProcessor
	logger    zerolog.Logger
	metrics   *observability.Metrics
	cfg       WorkerConfig
}

func NewStreamWorker(consumer StreamSource, processor *EventProcessor, logger zerolog.Logger, metrics *observability.Metrics, cfg WorkerConfig) *StreamWorker {
	if cfg.ClaimInterval <= 0 {
		cfg.ClaimInterval = 30 * time.Second
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = time.Minute
	}
	return &StreamWorker{consumer: consumer, processor: processor, logger: logger, metrics: metrics, cfg: cfg}
}

func (w *StreamWorker) Run(ctx context.Context) error {
	if err := w.consumer.CreateGroup(ctx); err != nil {
		return err
	}
	lastClaim := time.Now()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if time.Since(lastClaim) >= w.cfg.ClaimInterval {
			w.claimStale(ctx)
			lastClaim = time.Now()
		}

		streams, err := w.consumer.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error().Err(err).Msg("Failed to read from stream")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(1 * time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				w.handleEntry(ctx, msg)
			}
		}
	}
}

// claimStale re-reads entries whose previous delivery was never acked and
// runs them through the same processing path as fresh reads.
func (w *StreamWorker) claimStale(ctx context.Context) {
	messages, err := w.consumer.ClaimStale(ctx, w.cfg.ClaimMinIdle)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error().Err(err).Msg("Failed to claim stale stream entries")
		}
		return
	}
	if len(messages) > 0 {
		w.logger.Info().Int("count", len(messages)).Msg("Reclaimed stale stream entries")
	}
	for _, msg := range messages {
		w.handleEntry(ctx, msg)
	}
}

func (w *StreamWorker) handleEntry(ctx context.Context, msg redis.XMessage) {
	event, err := infraRedis.ParseEvent(msg)
	if err != nil {
		// Malformed entries can never succeed; ack to drop them.
		w.logger.Error().Err(err).Str("stream_id", msg.ID).Msg("Unparseable stream entry")
		w.ack(ctx, msg.ID)
		w.metrics.ConsumerMessagesProcessed.WithLabelValues("malformed").Inc()
		return
	}

	if err := w.processor.Process(ctx, event); err != nil {
		w.logger.Error().Err(err).Str("event_id", event.ID).Msg("Failed to process event")
		w.metrics.ConsumerMessagesProcessed.WithLabelValues("error").Inc()
		return
	}
	w.ack(ctx, msg.ID)
	w.metrics.ConsumerMessagesProcessed.WithLabelValues("success").Inc()
}

func (w *StreamWorker) ack(ctx context.Context, messageID string) {
	if err := w.consumer.Ack(ctx, messageID); err != nil {
		w.logger.Warn().Err(err).Str("stream_id", messageID).Msg("Failed to ack stream entry")
	}
}
