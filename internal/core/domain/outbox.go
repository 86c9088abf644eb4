package domain

import (
	"encoding/json"
	"time"
)

// Aggregate kinds recognised when deriving a broadcast target from an
// outbox row.
const (
	AggregateTicket = "ticket"
	AggregateSite   = "site"
	AggregateAsset  = "asset"
)

// OutboxEvent is a domain event written transactionally by the rest of the
// application and relayed to connected clients.
type OutboxEvent struct {
	ID          int64
	Aggregate   string
	AggregateID *int64
	Type        string
	Payload     json.RawMessage
	TryCount    int
	CreatedAt   time.Time
}

// Target derives filter attributes from the aggregate and from any
// ticketId/siteId/assetId keys in the payload. The aggregate wins when both
// name the same dimension.
func (e *OutboxEvent) Target() TargetAttributes {
	var target TargetAttributes
	if len(e.Payload) > 0 {
		// Payloads that are not objects simply carry no target keys.
		_ = json.Unmarshal(e.Payload, &target)
	}

	if e.AggregateID != nil {
		id := *e.AggregateID
		switch e.Aggregate {
		case AggregateTicket:
			target.TicketID = &id
		case AggregateSite:
			target.SiteID = &id
		case AggregateAsset:
			target.AssetID = &id
		}
	}
	return target
}

// DecodedPayload returns the payload as a generic JSON value.
func (e *OutboxEvent) DecodedPayload() (any, error) {
	if len(e.Payload) == 0 {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal(e.Payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}
