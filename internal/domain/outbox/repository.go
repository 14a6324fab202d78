package outbox

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// Append inserts a new pending message. It participates in the caller's
	// transaction when one is carried on ctx, so a rollback of the business
	// mutation also discards the message.
	Append(ctx context.Context, msg *Message) error

	// FetchPendingBatch returns up to limit pending messages, oldest first.
	FetchPendingBatch(ctx context.Context, limit int) ([]*Message, error)

	// MarkSent records a successful delivery: status sent, sent_at set once,
	// attempts incremented, last_error cleared. Calling it on a non-pending
	// message is a no-op.
	MarkSent(ctx context.Context, id uuid.UUID) error

	// MarkFailed records a failed delivery attempt: attempts incremented and
	// the error text stored. The message reverts to pending until attempts
	// reaches max_attempts, then becomes terminally failed. Calling it on a
	// non-pending message is a no-op.
	MarkFailed(ctx context.Context, id uuid.UUID, deliveryErr string) error

	// Get returns a message by id, ErrMessageNotFound if absent.
	Get(ctx context.Context, id uuid.UUID) (*Message, error)
}
