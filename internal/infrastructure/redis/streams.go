package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/cargomesh/eventcore/internal/publisher"
	"github.com/redis/go-redis/v9"
)

// EventStream is the default stream outbox events are relayed to.
const EventStream = "eventcore:events"

// StreamPublisher delivers outbox events to a Redis Stream. It is the
// default Publisher wired by the relay binary; the surrounding application
// can swap in any other transport behind the same port.
type StreamPublisher struct {
	client *redis.Client
	stream string
}

func NewStreamPublisher(client *redis.Client, stream string) *StreamPublisher {
	if stream == "" {
		stream = EventStream
	}
	return &StreamPublisher{client: client, stream: stream}
}

func (p *StreamPublisher) Name() string {
	return "redis-stream:" + p.stream
}

func (p *StreamPublisher) Publish(ctx context.Context, event publisher.Event) error {
	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"event_id":     event.ID,
			"event_name":   event.Name,
			"aggregate_id": event.AggregateID,
			"payload":      string(event.Payload),
			"timestamp":    time.Now().Unix(),
		},
	}
	if err := p.client.XAdd(ctx, args).Err(); err != nil {
		return domainErrors.NewPublishError(0, transportCode(err), fmt.Errorf("xadd to %s: %w", p.stream, err))
	}
	return nil
}

// transportCode maps go-redis errors onto the transient-network codes the
// retry policy classifies on.
func transportCode(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return "ECONNREFUSED"
	case strings.Contains(msg, "connection reset"):
		return "ECONNRESET"
	case strings.Contains(msg, "i/o timeout"):
		return "ETIMEDOUT"
	case strings.Contains(msg, "no such host"):
		return "ENOTFOUND"
	default:
		return ""
	}
}

// StreamConsumer reads relayed events from a consumer group.
type StreamConsumer struct {
	client        *redis.Client
	stream        string
	group         string
	consumer      string
	batchSize     int64
	blockDuration time.Duration
}

func NewStreamConsumer(
	client *redis.Client,
	stream string,
	group string,
	consumer string,
	batchSize int64,
	blockDuration time.Duration,
) *StreamConsumer {
	if stream == "" {
		stream = EventStream
	}
	return &StreamConsumer{
		client:        client,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		batchSize:     batchSize,
		blockDuration: blockDuration,
	}
}

func (c *StreamConsumer) CreateGroup(ctx context.Context) error {
	// Create stream if it doesn't exist
	const busyGroupMsg = "BUSYGROUP"
	err := c.client.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), busyGroupMsg) {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

func (c *StreamConsumer) Read(ctx context.Context) ([]redis.XStream, error) {
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    c.batchSize,
		Block:    c.blockDuration,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			// No new messages
			return nil, nil
		}
		return nil, fmt.Errorf("read from stream: %w", err)
	}
	return streams, nil
}

func (c *StreamConsumer) Ack(ctx context.Context, messageID string) error {
	if err := c.client.XAck(ctx, c.stream, c.group, messageID).Err(); err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// ClaimStale takes over entries that were delivered but sat unacked for
// longer than minIdle, whether they were left behind by a crashed instance
// or by a failed handler in this one. XREADGROUP with ">" never returns
// such entries again, so this is the only path by which they come back.
func (c *StreamConsumer) ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error) {
	messages, _, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    c.batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("claim stale messages: %w", err)
	}
	return messages, nil
}

// ParseEvent decodes a stream entry written by StreamPublisher.
func ParseEvent(msg redis.XMessage) (publisher.Event, error) {
	id, _ := msg.Values["event_id"].(string)
	if id == "" {
		return publisher.Event{}, fmt.Errorf("stream entry %s has no event_id", msg.ID)
	}
	name, _ := msg.Values["event_name"].(string)
	aggregateID, _ := msg.Values["aggregate_id"].(string)
	payload, _ := msg.Values["payload"].(string)
	return publisher.Event{
		ID:          id,
		Name:        name,
		AggregateID: aggregateID,
		Payload:     json.RawMessage(payload),
	}, nil
}
