package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InboxRepository is the consumer-side deduplication ledger. Idempotency of
// MarkProcessed rests on the primary-key conflict-ignore insert, not on a
// prior existence check, so concurrent deliveries of the same event id
// cannot both record it.
type InboxRepository struct {
	pool *pgxpool.Pool
}

func NewInboxRepository(pool *pgxpool.Pool) *InboxRepository {
	return &InboxRepository{pool: pool}
}

func (r *InboxRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

func (r *InboxRepository) HasProcessed(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db(ctx).QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM inbox_records WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check inbox record: %w", err)
	}
	return exists, nil
}

func (r *InboxRepository) MarkProcessed(ctx context.Context, id string, metadata json.RawMessage) error {
	_, err := r.db(ctx).Exec(ctx,
		`INSERT INTO inbox_records (id, metadata, processed_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		id, []byte(metadata), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("mark inbox record processed: %w", err)
	}
	return nil
}
