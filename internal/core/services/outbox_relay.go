package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lorrc/opsgraph-realtime/internal/core/ports"
	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/metrics"
)

// OutboxRelayConfig controls polling of the outbox table.
type OutboxRelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// MaxAttempts bounds how often a failing row is retried before it is
	// left alone for manual inspection.
	MaxAttempts int
}

// OutboxRelay drains the transactional outbox into the notifier.
type OutboxRelay struct {
	repo     ports.OutboxRepository
	notifier ports.Notifier
	clock    clockwork.Clock
	cfg      OutboxRelayConfig
	logger   *slog.Logger
}

// NewOutboxRelay creates a relay.
func NewOutboxRelay(repo ports.OutboxRepository, notifier ports.Notifier, clk clockwork.Clock, cfg OutboxRelayConfig, logger *slog.Logger) *OutboxRelay {
	return &OutboxRelay{
		repo:     repo,
		notifier: notifier,
		clock:    clk,
		cfg:      cfg,
		logger:   logger.With("component", "outbox_relay"),
	}
}

// Backoff is the wait after the attempt-th consecutive poll failure,
// capped at one minute.
func Backoff(attempt int) time.Duration {
	secs := math.Pow(2, float64(attempt)) + 0.5*float64(attempt)
	return time.Duration(math.Min(60, secs) * float64(time.Second))
}

// ProcessBatch relays one batch and returns the number of rows claimed.
// Rows that fail to decode or publish are requeued; only repository
// errors are returned.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	rows, err := r.repo.DequeueBatch(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("dequeue outbox batch: %w", err)
	}

	for _, row := range rows {
		payload, err := row.DecodedPayload()
		if err == nil {
			err = r.notifier.NotifyKGUpdate(ctx, row.Type, payload, row.Target())
		}
		if err == nil {
			metrics.OutboxEvents.WithLabelValues("published").Inc()
			r.logger.Debug("outbox event relayed", "event_id", row.ID, "event_type", row.Type)
			continue
		}

		r.logger.Warn("failed to relay outbox event, requeueing",
			"event_id", row.ID,
			"event_type", row.Type,
			"try_count", row.TryCount,
			"error", err,
		)
		if rqErr := r.repo.Requeue(ctx, row.ID); rqErr != nil {
			metrics.OutboxEvents.WithLabelValues("failed").Inc()
			return len(rows), fmt.Errorf("requeue outbox event %d: %w", row.ID, rqErr)
		}
		metrics.OutboxEvents.WithLabelValues("requeued").Inc()
	}

	if pending, err := r.repo.PendingCount(ctx); err == nil {
		metrics.OutboxPending.Set(float64(pending))
	}

	return len(rows), nil
}

// Run polls until ctx is done. An empty poll waits PollInterval, a full
// one polls again immediately, and a failing one backs off.
func (r *OutboxRelay) Run(ctx context.Context) {
	r.logger.Info("outbox relay started",
		"poll_interval", r.cfg.PollInterval.String(),
		"batch_size", r.cfg.BatchSize,
	)
	defer r.logger.Info("outbox relay stopped")

	attempt := 0
	for {
		n, err := r.ProcessBatch(ctx)

		var wait time.Duration
		switch {
		case ctx.Err() != nil:
			return
		case err != nil:
			wait = Backoff(attempt)
			attempt++
			r.logger.Error("outbox poll failed", "error", err, "retry_in", wait.String())
		case n == 0:
			wait = r.cfg.PollInterval
			attempt = 0
		default:
			attempt = 0
		}

		if wait > 0 && !r.sleep(ctx, wait) {
			return
		}
	}
}

// sleep waits for d on the relay clock. It returns false if ctx ended first.
func (r *OutboxRelay) sleep(ctx context.Context, d time.Duration) bool {
	timer := r.clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
