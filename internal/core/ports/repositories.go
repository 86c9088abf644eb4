package ports

import (
	"context"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
)

// OutboxRepository defines the port for the transactional outbox.
type OutboxRepository interface {
	// DequeueBatch claims up to limit unpublished rows that have been tried
	// fewer than maxAttempts times and marks them published.
	DequeueBatch(ctx context.Context, limit, maxAttempts int) ([]*domain.OutboxEvent, error)
	// Requeue marks a row unpublished again and bumps its try count.
	Requeue(ctx context.Context, id int64) error
	// PendingCount returns the number of unpublished rows.
	PendingCount(ctx context.Context) (int64, error)
}
