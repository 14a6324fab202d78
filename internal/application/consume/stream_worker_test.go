package consume

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cargomesh/eventcore/internal/infrastructure/observability"
	"github.com/cargomesh/eventcore/internal/publisher"
	"github.com/cargomesh/eventcore/internal/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStreamSource mimics a consumer group: Read hands out fresh entries
// exactly once, unacked entries move to a pending list, and only
// ClaimStale surfaces pending entries again.
type fakeStreamSource struct {
	mu      sync.Mutex
	fresh   []redis.XMessage
	pending map[string]redis.XMessage
	acked   map[string]bool
}

func newFakeStreamSource(entries ...redis.XMessage) *fakeStreamSource {
	return &fakeStreamSource{
		fresh:   entries,
		pending: make(map[string]redis.XMessage),
		acked:   make(map[string]bool),
	}
}

func (f *fakeStreamSource) CreateGroup(ctx context.Context) error { return nil }

func (f *fakeStreamSource) Read(ctx context.Context) ([]redis.XStream, error) {
	f.mu.Lock()
	if len(f.fresh) == 0 {
		f.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
		return nil, nil
	}
	batch := f.fresh
	f.fresh = nil
	for _, msg := range batch {
		f.pending[msg.ID] = msg
	}
	f.mu.Unlock()
	return []redis.XStream{{Stream: "events", Messages: batch}}, nil
}

func (f *fakeStreamSource) Ack(ctx context.Context, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pending, messageID)
	f.acked[messageID] = true
	return nil
}

func (f *fakeStreamSource) ClaimStale(ctx context.Context, minIdle time.Duration) ([]redis.XMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []redis.XMessage
	for _, msg := range f.pending {
		out = append(out, msg)
	}
	return out, nil
}

func (f *fakeStreamSource) isAcked(messageID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acked[messageID]
}

func streamEntry(streamID, eventID string) redis.XMessage {
	return redis.XMessage{
		ID: streamID,
		Values: map[string]any{
			"event_id":     eventID,
			"event_name":   "order.created",
			"aggregate_id": "order-1",
			"payload":      `{"total":100}`,
		},
	}
}

func runWorker(t *testing.T, source StreamSource, handler Handler) (cancel func()) {
	t.Helper()
	metrics := observability.NewMetrics("test", prometheus.NewRegistry())
	processor := NewEventProcessor(testutil.NewMockInboxRepository(), handler, zerolog.Nop(), metrics)
	worker := NewStreamWorker(source, processor, zerolog.Nop(), metrics, WorkerConfig{
		ClaimInterval: 5 * time.Millisecond,
		ClaimMinIdle:  time.Millisecond,
	})

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = worker.Run(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func TestStreamWorker_AcksProcessedEntries(t *testing.T) {
	source := newFakeStreamSource(streamEntry("1-0", "evt-1"))

	var mu sync.Mutex
	var handled []string
	cancel := runWorker(t, source, func(ctx context.Context, event publisher.Event) error {
		mu.Lock()
		handled = append(handled, event.ID)
		mu.Unlock()
		return nil
	})
	defer cancel()

	require.Eventually(t, func() bool { return source.isAcked("1-0") }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"evt-1"}, handled)
}

func TestStreamWorker_FailedEntryRedeliveredViaClaim(t *testing.T) {
	source := newFakeStreamSource(streamEntry("1-0", "evt-1"))

	var mu sync.Mutex
	var attempts int
	errFlaky := errors.New("downstream hiccup")
	cancel := runWorker(t, source, func(ctx context.Context, event publisher.Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return errFlaky
		}
		return nil
	})
	defer cancel()

	// the first delivery fails and is left pending; only the claim pass
	// can bring it back, and it does
	require.Eventually(t, func() bool { return source.isAcked("1-0") }, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2)
}

func TestStreamWorker_AckedEntriesAreNotReclaimed(t *testing.T) {
	source := newFakeStreamSource(streamEntry("1-0", "evt-1"))

	var mu sync.Mutex
	var attempts int
	cancel := runWorker(t, source, func(ctx context.Context, event publisher.Event) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return nil
	})

	require.Eventually(t, func() bool { return source.isAcked("1-0") }, time.Second, time.Millisecond)
	// let several claim intervals elapse before stopping
	time.Sleep(25 * time.Millisecond)
	cancel()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestStreamWorker_MalformedEntryAckedAndDropped(t *testing.T) {
	malformed := redis.XMessage{ID: "1-0", Values: map[string]any{"garbage": "x"}}
	source := newFakeStreamSource(malformed, streamEntry("1-1", "evt-1"))

	var mu sync.Mutex
	var handled []string
	cancel := runWorker(t, source, func(ctx context.Context, event publisher.Event) error {
		mu.Lock()
		handled = append(handled, event.ID)
		mu.Unlock()
		return nil
	})
	defer cancel()

	require.Eventually(t, func() bool {
		return source.isAcked("1-0") && source.isAcked("1-1")
	}, time.Second, time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"evt-1"}, handled)
}
