package consume

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cargomesh/eventcore/internal/domain/inbox"
	"github.com/cargomesh/eventcore/internal/infrastructure/observability"
	"github.com/cargomesh/eventcore/internal/publisher"
	"github.com/rs/zerolog"
)

// Handler performs the consumer's side effect for one event. Redelivery is
// expected under at-least-once transport; the inbox guard in front of the
// handler makes the effect happen at most once per event id, provided the
// handler is idempotent or transactional with the mark.
type Handler func(ctx context.Context, event publisher.Event) error

// EventProcessor applies the inbox pattern around a Handler: check, handle,
// then mark. Marking happens after the side effect succeeds, so a crash
// between the two re-runs the handler rather than losing the event.
type EventProcessor struct {
	inbox   inbox.Repository
	handler Handler
	logger  zerolog.Logger
	metrics *observability.Metrics
}

func NewEventProcessor(repo inbox.Repository, handler Handler, logger zerolog.Logger, metrics *observability.Metrics) *EventProcessor {
	return &EventProcessor{inbox: repo, handler: handler, logger: logger, metrics: metrics}
}

func (p *EventProcessor) Process(ctx context.Context, event publisher.Event) error {
	seen, err := p.inbox.HasProcessed(ctx, event.ID)
	if err != nil {
		return fmt.Errorf("inbox check for %s: %w", event.ID, err)
	}
	if seen {
		p.metrics.InboxDuplicatesSkipped.Inc()
		p.logger.Debug().Str("event_id", event.ID).Msg("Duplicate delivery, skipping")
		return nil
	}

	if err := p.handler(ctx, event); err != nil {
		return fmt.Errorf("handle event %s: %w", event.ID, err)
	}

	metadata, _ := json.Marshal(map[string]string{
		"event_name":   event.Name,
		"aggregate_id": event.AggregateID,
	})
	// MarkProcessed is a silent no-op if a concurrent delivery got there
	// first; the ledger ends up with exactly one record either way.
	if err := p.inbox.MarkProcessed(ctx, event.ID, metadata); err != nil {
		return fmt.Errorf("mark event %s processed: %w", event.ID, err)
	}
	return nil
}
