package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/lorrc/opsgraph-realtime/internal/adapters/secondary/postgres"
	"github.com/lorrc/opsgraph-realtime/internal/adapters/secondary/redis"
	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
)

var (
	publishType    string
	publishTicket  int64
	publishSite    int64
	publishAsset   int64
	publishPayload string
	publishVia     string
)

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Inject an event through Redis or the outbox table",
	Long: `Publish one event. With --via redis it goes to the Pub/Sub channel every
server instance listens on; with --via outbox it is written to event_outbox
and delivered by the relay.`,
	Example: `  opsgraph-listen publish --type ticket_updated --ticket 5 --site 9
  opsgraph-listen publish --via outbox --type asset_failure --asset 3 --payload '{"reason":"offline"}'`,
	RunE: runPublish,
}

func init() {
	publishCmd.Flags().StringVar(&publishType, "type", "", "event type (required)")
	publishCmd.Flags().Int64Var(&publishTicket, "ticket", 0, "target ticket id")
	publishCmd.Flags().Int64Var(&publishSite, "site", 0, "target site id")
	publishCmd.Flags().Int64Var(&publishAsset, "asset", 0, "target asset id")
	publishCmd.Flags().StringVar(&publishPayload, "payload", "{}", "JSON payload")
	publishCmd.Flags().StringVar(&publishVia, "via", "redis", "transport: redis or outbox")
	_ = publishCmd.MarkFlagRequired("type")
}

func runPublish(cmd *cobra.Command, _ []string) error {
	prof, err := LoadProfile(profilePath)
	if err != nil {
		return err
	}

	env, err := buildEnvelope(publishType, publishTicket, publishSite, publishAsset, publishPayload)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	switch publishVia {
	case "redis":
		err = publishRedis(ctx, prof, env)
	case "outbox":
		err = publishOutbox(ctx, prof, env)
	default:
		return fmt.Errorf("unknown --via %q (want redis or outbox)", publishVia)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "published %s via %s\n", env.Type, publishVia)
	return nil
}

func buildEnvelope(eventType string, ticketID, siteID, assetID int64, payload string) (redis.Envelope, error) {
	if eventType == "" {
		return redis.Envelope{}, errors.New("event type is required")
	}
	if !json.Valid([]byte(payload)) {
		return redis.Envelope{}, fmt.Errorf("payload is not valid JSON: %q", payload)
	}

	env := redis.Envelope{Type: eventType, Payload: json.RawMessage(payload)}
	if ticketID > 0 {
		env.Target.TicketID = domain.Int64(ticketID)
	}
	if siteID > 0 {
		env.Target.SiteID = domain.Int64(siteID)
	}
	if assetID > 0 {
		env.Target.AssetID = domain.Int64(assetID)
	}
	return env, nil
}

func publishRedis(ctx context.Context, prof *Profile, env redis.Envelope) error {
	if prof.RedisURL == "" {
		return errors.New("no redis_url in profile or REDIS_URL")
	}
	client, err := redis.NewClient(prof.RedisURL)
	if err != nil {
		return err
	}
	defer client.Close()

	return redis.Publish(ctx, client, prof.RedisChannel, env)
}

func publishOutbox(ctx context.Context, prof *Profile, env redis.Envelope) error {
	if prof.DatabaseURL == "" {
		return errors.New("no database_url in profile or DATABASE_URL")
	}
	event, err := outboxEvent(env)
	if err != nil {
		return err
	}

	pool, err := pgxpool.New(ctx, prof.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	repo := postgres.NewOutboxRepository(pool)
	return postgres.NewTransactionManager(pool).WithTransaction(ctx, func(ctx context.Context) error {
		return repo.Enqueue(ctx, event)
	})
}

// outboxEvent stores the most specific target as the aggregate and folds
// the remaining dimensions into the payload, where the relay picks them up.
func outboxEvent(env redis.Envelope) (*domain.OutboxEvent, error) {
	event := &domain.OutboxEvent{Type: env.Type, Payload: env.Payload}

	var extra map[string]int64
	switch t := env.Target; {
	case t.TicketID != nil:
		event.Aggregate, event.AggregateID = domain.AggregateTicket, t.TicketID
		extra = optionalIDs(map[string]*int64{"siteId": t.SiteID, "assetId": t.AssetID})
	case t.SiteID != nil:
		event.Aggregate, event.AggregateID = domain.AggregateSite, t.SiteID
		extra = optionalIDs(map[string]*int64{"assetId": t.AssetID})
	case t.AssetID != nil:
		event.Aggregate, event.AggregateID = domain.AggregateAsset, t.AssetID
	}
	if len(extra) == 0 {
		return event, nil
	}

	var body map[string]any
	if err := json.Unmarshal(env.Payload, &body); err != nil || body == nil {
		return nil, errors.New("payload must be a JSON object to carry more than one target")
	}
	for k, v := range extra {
		if _, ok := body[k]; !ok {
			body[k] = v
		}
	}
	merged, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	event.Payload = merged
	return event, nil
}

func optionalIDs(ids map[string]*int64) map[string]int64 {
	out := make(map[string]int64)
	for k, v := range ids {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}
