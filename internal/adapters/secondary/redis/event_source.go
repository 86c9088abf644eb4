package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	"github.com/lorrc/opsgraph-realtime/internal/core/ports"
	"github.com/lorrc/opsgraph-realtime/internal/core/services"
)

var errSubscriptionClosed = errors.New("subscription channel closed")

// DefaultChannel is the Pub/Sub channel used when none is configured.
const DefaultChannel = "opsgraph:events"

// Envelope is the wire format of an event published on the channel.
type Envelope struct {
	Type    string                  `json:"type"`
	Payload json.RawMessage         `json:"payload,omitempty"`
	Target  domain.TargetAttributes `json:"target"`
}

// EventSource relays events published on a Redis channel by other services
// into the local notifier.
type EventSource struct {
	client   *goredis.Client
	channel  string
	notifier ports.Notifier
	clock    clockwork.Clock
	backoff  func(attempt int) time.Duration
	logger   *slog.Logger
}

// NewClient parses a redis:// URL into a client.
func NewClient(url string) (*goredis.Client, error) {
	opt, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return goredis.NewClient(opt), nil
}

// NewEventSource creates an event source on channel.
func NewEventSource(client *goredis.Client, channel string, notifier ports.Notifier, clk clockwork.Clock, logger *slog.Logger) *EventSource {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventSource{
		client:   client,
		channel:  channel,
		notifier: notifier,
		clock:    clk,
		backoff:  services.Backoff,
		logger:   logger.With("component", "redis_event_source", "channel", channel),
	}
}

// Run subscribes and relays messages until ctx is done. A subscription
// that cannot be established, for example because Redis is down at boot,
// is retried with backoff; once subscribed, go-redis re-establishes the
// connection by itself. Run only returns when ctx ends.
func (s *EventSource) Run(ctx context.Context) error {
	attempt := 0
	for {
		subscribed, err := s.listen(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			attempt = 0
		}

		wait := s.backoff(attempt)
		attempt++
		s.logger.Error("redis event source interrupted", "error", err, "attempt", attempt, "retry_in", wait.String())

		timer := s.clock.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.Chan():
		}
	}
}

// listen runs one subscription. It reports whether the subscription was
// confirmed before it ended.
func (s *EventSource) listen(ctx context.Context) (bool, error) {
	ps := s.client.Subscribe(ctx, s.channel)
	defer ps.Close()

	// Wait for the subscription confirmation so early publishes are not lost.
	if _, err := ps.Receive(ctx); err != nil {
		return false, fmt.Errorf("subscribe to %s: %w", s.channel, err)
	}
	s.logger.Info("redis event source subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return true, errSubscriptionClosed
			}
			s.handleMessage(ctx, msg.Payload)
		}
	}
}

func (s *EventSource) handleMessage(ctx context.Context, raw string) {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Warn("discarding malformed event", "error", err)
		return
	}

	var payload any = map[string]any{}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &payload); err != nil {
			s.logger.Warn("discarding event with malformed payload", "event_type", env.Type, "error", err)
			return
		}
	}

	if err := s.notifier.NotifyKGUpdate(ctx, env.Type, payload, env.Target); err != nil {
		s.logger.Warn("failed to relay event", "event_type", env.Type, "error", err)
	}
}

// Publish sends an event to every instance listening on the channel.
func Publish(ctx context.Context, client *goredis.Client, channel string, env Envelope) error {
	if channel == "" {
		channel = DefaultChannel
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}
