package publisher

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
)

// MockPublisher simulates a downstream channel with configurable latency,
// failure rate and timeout rate. Used in local runs and tests.
type MockPublisher struct {
	name        string
	failureRate float64 // 0.0 to 1.0
	timeoutRate float64 // 0.0 to 1.0
	latency     time.Duration

	mu        sync.Mutex
	published []Event
}

type MockPublisherOption func(*MockPublisher)

func WithFailureRate(rate float64) MockPublisherOption {
	return func(p *MockPublisher) { p.failureRate = rate }
}

func WithTimeoutRate(rate float64) MockPublisherOption {
	return func(p *MockPublisher) { p.timeoutRate = rate }
}

func WithLatency(d time.Duration) MockPublisherOption {
	return func(p *MockPublisher) { p.latency = d }
}

func NewMockPublisher(name string, opts ...MockPublisherOption) *MockPublisher {
	p := &MockPublisher{
		name:    name,
		latency: 50 * time.Millisecond,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *MockPublisher) Name() string { return p.name }

func (p *MockPublisher) Publish(ctx context.Context, event Event) error {
	select {
	case <-time.After(p.latency):
	case <-ctx.Done():
		return ctx.Err()
	}

	if rand.Float64() < p.timeoutRate {
		return domainErrors.NewPublishError(0, "ETIMEDOUT", errors.New("simulated timeout"))
	}
	if rand.Float64() < p.failureRate {
		return domainErrors.NewPublishError(503, "", errors.New("simulated downstream failure"))
	}

	p.mu.Lock()
	p.published = append(p.published, event)
	p.mu.Unlock()
	return nil
}

// Published returns a copy of the successfully delivered events.
func (p *MockPublisher) Published() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.published))
	copy(out, p.published)
	return out
}
