package postgres

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	"github.com/lorrc/opsgraph-realtime/internal/core/ports"
)

const (
	// Claimed rows are marked published immediately; Requeue reverts a row
	// whose relay failed.
	dequeueOutboxSQL = `
UPDATE event_outbox
SET published = TRUE
WHERE event_id IN (
    SELECT event_id
    FROM event_outbox
    WHERE published = FALSE AND try_count < $2
    ORDER BY event_id
    FOR UPDATE SKIP LOCKED
    LIMIT $1
)
RETURNING event_id, aggregate, aggregate_id, type, payload, try_count, created_at`

	requeueOutboxSQL = `
UPDATE event_outbox
SET published = FALSE, try_count = try_count + 1
WHERE event_id = $1`

	pendingOutboxSQL = `SELECT COUNT(*) FROM event_outbox WHERE published = FALSE`

	enqueueOutboxSQL = `
INSERT INTO event_outbox (aggregate, aggregate_id, type, payload)
VALUES ($1, $2, $3, $4)
RETURNING event_id, try_count, created_at`
)

// OutboxRepository is the secondary adapter for the event outbox table.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

var _ ports.OutboxRepository = (*OutboxRepository)(nil)

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Enqueue writes an event. Called inside WithTransaction it commits or
// rolls back together with the caller's other writes.
func (r *OutboxRepository) Enqueue(ctx context.Context, event *domain.OutboxEvent) error {
	payload := event.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	row := getDBTX(ctx, r.pool).QueryRow(ctx, enqueueOutboxSQL,
		event.Aggregate, event.AggregateID, event.Type, []byte(payload))
	if err := row.Scan(&event.ID, &event.TryCount, &event.CreatedAt); err != nil {
		return fmt.Errorf("enqueue outbox event: %w", err)
	}
	return nil
}

// DequeueBatch claims up to limit unpublished rows in id order.
func (r *OutboxRepository) DequeueBatch(ctx context.Context, limit, maxAttempts int) ([]*domain.OutboxEvent, error) {
	rows, err := getDBTX(ctx, r.pool).Query(ctx, dequeueOutboxSQL, limit, maxAttempts)
	if err != nil {
		return nil, err
	}

	events, err := pgx.CollectRows(rows, scanOutboxEvent)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the subquery's order.
	sortByID(events)
	return events, nil
}

// Requeue marks a claimed row unpublished again and bumps its try count.
func (r *OutboxRepository) Requeue(ctx context.Context, id int64) error {
	_, err := getDBTX(ctx, r.pool).Exec(ctx, requeueOutboxSQL, id)
	return err
}

// PendingCount returns the number of unpublished rows.
func (r *OutboxRepository) PendingCount(ctx context.Context) (int64, error) {
	var n int64
	err := getDBTX(ctx, r.pool).QueryRow(ctx, pendingOutboxSQL).Scan(&n)
	return n, err
}

func scanOutboxEvent(row pgx.CollectableRow) (*domain.OutboxEvent, error) {
	var (
		e       domain.OutboxEvent
		payload []byte
	)
	if err := row.Scan(&e.ID, &e.Aggregate, &e.AggregateID, &e.Type, &payload, &e.TryCount, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}

func sortByID(events []*domain.OutboxEvent) {
	slices.SortFunc(events, func(a, b *domain.OutboxEvent) int {
		return cmp.Compare(a.ID, b.ID)
	})
}
