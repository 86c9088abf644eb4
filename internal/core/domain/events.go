package domain

import "time"

// Event types emitted by the fan-out layer.
const (
	EventConnected      = "connected"
	EventHeartbeat      = "heartbeat"
	EventFiltersUpdated = "filters_updated"
	EventSubscribed     = "subscribed"
	EventUnsubscribed   = "unsubscribed"
	EventPong           = "pong"

	// Knowledge-graph and asset events.
	EventKGNodeUpdated      = "kg_node_updated"
	EventKGEdgeUpdated      = "kg_edge_updated"
	EventAssetFailure       = "asset_failure"
	EventAssetRecovery      = "asset_recovery"
	EventTicketUpdated      = "ticket_updated"
	EventKGAnalyticsUpdated = "kg_analytics_updated"

	// Ticket socket events.
	EventTicketUpdate       = "ticket_update"
	EventTicketComment      = "ticket_comment"
	EventTicketStatusChange = "ticket_status_change"
	EventTicketAssignment   = "ticket_assignment"
)

// OutgoingEvent is the JSON frame written to every transport.
type OutgoingEvent struct {
	Type     string `json:"type"`
	Payload  any    `json:"payload,omitempty"`
	TicketID *int64 `json:"ticketId,omitempty"`
	SiteID   *int64 `json:"siteId,omitempty"`
	// Filters is set on filters_updated acknowledgements.
	Filters   *SubscriptionView `json:"filters,omitempty"`
	Timestamp string            `json:"timestamp"`
}

// NewEvent builds an event stamped with now.
func NewEvent(eventType string, payload any, now time.Time) OutgoingEvent {
	return OutgoingEvent{
		Type:      eventType,
		Payload:   payload,
		Timestamp: FormatTimestamp(now),
	}
}

// FormatTimestamp renders t the way every frame carries it.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
