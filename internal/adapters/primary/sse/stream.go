// Package sse adapts a streaming HTTP response to the realtime hub.
package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/realtime"
	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
)

// DefaultHeartbeat is how often an idle stream gets a heartbeat frame.
const DefaultHeartbeat = 30 * time.Second

// Stream is one SSE connection. The hub writes to the embedded queue and
// Pump copies queued frames to the response.
type Stream struct {
	*realtime.Queue

	ID        string
	clock     clockwork.Clock
	heartbeat time.Duration
	logger    *slog.Logger
}

// NewStream creates a stream with a bounded send queue.
func NewStream(id string, sendBuffer int, clk clockwork.Clock, heartbeat time.Duration, logger *slog.Logger) *Stream {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Stream{
		Queue:     realtime.NewQueue(sendBuffer),
		ID:        id,
		clock:     clk,
		heartbeat: heartbeat,
		logger:    logger.With("client_id", id),
	}
}

// Pump writes frames and heartbeats to w, calling flush after each one,
// until ctx is cancelled, the stream is closed, or a write fails. The
// stream is closed on return.
func (s *Stream) Pump(ctx context.Context, w io.Writer, flush func() error) error {
	ticker := s.clock.NewTicker(s.heartbeat)
	defer func() {
		ticker.Stop()
		_ = s.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-s.Done():
			return nil

		case frame := <-s.Frames():
			if err := writeFrame(w, flush, frame); err != nil {
				return fmt.Errorf("write event: %w", err)
			}

		case <-ticker.Chan():
			hb, err := json.Marshal(domain.OutgoingEvent{
				Type:      domain.EventHeartbeat,
				Timestamp: domain.FormatTimestamp(s.clock.Now()),
			})
			if err != nil {
				return fmt.Errorf("marshal heartbeat: %w", err)
			}
			if err := writeFrame(w, flush, hb); err != nil {
				return fmt.Errorf("write heartbeat: %w", err)
			}
			s.logger.Debug("heartbeat sent")
		}
	}
}

// writeFrame emits one "data:" record.
func writeFrame(w io.Writer, flush func() error, frame []byte) error {
	if _, err := fmt.Fprintf(w, "data: %s\n\n", frame); err != nil {
		return err
	}
	return flush()
}
