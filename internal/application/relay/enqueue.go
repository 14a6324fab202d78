package relay

import (
	"context"
	"encoding/json"

	"github.com/cargomesh/eventcore/internal/domain/outbox"
)

// EnqueueInput describes an event to queue for delivery.
type EnqueueInput struct {
	EventName   string
	AggregateID string
	Payload     json.RawMessage
}

// EnqueueUseCase appends events to the outbox. It is the entry point for
// business transactions: called with a ctx carrying the caller's
// transaction, the append commits or rolls back together with the business
// mutation, so no event can be recorded without its state change or
// vice versa.
type EnqueueUseCase struct {
	repo        outbox.Repository
	maxAttempts int
}

func NewEnqueueUseCase(repo outbox.Repository, maxAttempts int) *EnqueueUseCase {
	if maxAttempts <= 0 {
		maxAttempts = outbox.DefaultMaxAttempts
	}
	return &EnqueueUseCase{repo: repo, maxAttempts: maxAttempts}
}

func (uc *EnqueueUseCase) Execute(ctx context.Context, input EnqueueInput) (*outbox.Message, error) {
	msg, err := outbox.NewMessage(input.EventName, input.AggregateID, input.Payload)
	if err != nil {
		return nil, err
	}
	msg.MaxAttempts = uc.maxAttempts

	if err := uc.repo.Append(ctx, msg); err != nil {
		// Surface the failure so the enclosing transaction aborts; an event
		// must never be silently dropped.
		return nil, err
	}
	return msg, nil
}
