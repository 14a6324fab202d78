package postgres

import (
	"context"
	"fmt"

	domainErrors "github.com/cargomesh/eventcore/internal/domain/errors"
	"github.com/cargomesh/eventcore/internal/domain/outbox"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// Append inserts a pending message. When ctx carries a transaction the
// insert joins it, so rolling back the business mutation also drops the
// message.
func (r *OutboxRepository) Append(ctx context.Context, msg *outbox.Message) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO outbox_messages (id, event_name, aggregate_id, payload, status, attempts, max_attempts, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		msg.ID, msg.EventName, msg.AggregateID, []byte(msg.Payload),
		string(msg.Status), msg.Attempts, msg.MaxAttempts, msg.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append outbox message: %w", err)
	}
	return nil
}

// FetchPendingBatch returns up to limit pending messages, oldest first.
// Rows are claimed with FOR UPDATE SKIP LOCKED so concurrent dispatcher
// instances pull disjoint batches.
func (r *OutboxRepository) FetchPendingBatch(ctx context.Context, limit int) ([]*outbox.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, event_name, aggregate_id, payload, status, attempts, max_attempts, last_error, created_at, sent_at
		 FROM outbox_messages WHERE status = 'pending'
		 ORDER BY created_at ASC
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("fetch pending outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []*outbox.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MarkSent flips a pending message to sent, stamping sent_at exactly once,
// counting the delivery attempt and clearing last_error. Non-pending rows
// are left untouched, which makes redelivery of an already-terminal
// message a no-op.
func (r *OutboxRepository) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_messages
		 SET status = 'sent', sent_at = NOW(), attempts = attempts + 1, last_error = NULL
		 WHERE id = $1 AND status = 'pending'`, id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message sent: %w", err)
	}
	return nil
}

// MarkFailed counts a failed delivery attempt and records the error text.
// The row stays pending, and therefore eligible for future runs, until the
// attempt count reaches max_attempts; then it becomes terminally failed
// for dead-letter handling. Non-pending rows are left untouched.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, deliveryErr string) error {
	_, err := r.db(ctx).Exec(ctx,
		`UPDATE outbox_messages
		 SET attempts = attempts + 1,
		     last_error = $2,
		     status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'pending' END
		 WHERE id = $1 AND status = 'pending'`, id, deliveryErr,
	)
	if err != nil {
		return fmt.Errorf("mark outbox message failed: %w", err)
	}
	return nil
}

func (r *OutboxRepository) Get(ctx context.Context, id uuid.UUID) (*outbox.Message, error) {
	row := r.db(ctx).QueryRow(ctx,
		`SELECT id, event_name, aggregate_id, payload, status, attempts, max_attempts, last_error, created_at, sent_at
		 FROM outbox_messages WHERE id = $1`, id,
	)
	m, err := scanMessage(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, domainErrors.ErrMessageNotFound
		}
		return nil, err
	}
	return m, nil
}

func scanMessage(row pgx.Row) (*outbox.Message, error) {
	m := &outbox.Message{}
	var payload []byte
	var status string
	var lastError *string
	if err := row.Scan(&m.ID, &m.EventName, &m.AggregateID, &payload, &status,
		&m.Attempts, &m.MaxAttempts, &lastError, &m.CreatedAt, &m.SentAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan outbox message: %w", err)
	}
	m.Payload = payload
	m.Status = outbox.Status(status)
	if lastError != nil {
		m.LastError = *lastError
	}
	return m, nil
}
