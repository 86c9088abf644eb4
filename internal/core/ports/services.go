package ports

import (
	"context"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
)

// EventBroadcaster fans an event out to every live connection whose
// subscription matches target. Delivery is best effort; failures are
// handled per connection and never reported to the caller.
type EventBroadcaster interface {
	Broadcast(event domain.OutgoingEvent, target domain.TargetAttributes)
	ClientCount() int
}

// TicketNotification is the input of the ticket socket notify endpoint.
type TicketNotification struct {
	Kind     string
	TicketID int64
	SiteID   *int64
	Payload  any
}

// Ticket notification kinds accepted by Notifier.NotifyTicket.
const (
	TicketNotificationUpdate       = "update"
	TicketNotificationComment      = "comment"
	TicketNotificationStatusChange = "status_change"
	TicketNotificationAssignment   = "assignment"
)

// Notifier is the in-process API the rest of the application calls to
// push updates to connected clients.
type Notifier interface {
	NotifyKGUpdate(ctx context.Context, eventType string, payload any, target domain.TargetAttributes) error
	NotifyNodeUpdate(ctx context.Context, nodeID, nodeType string, data any) error
	NotifyEdgeUpdate(ctx context.Context, edgeID, sourceID, targetID, edgeType string) error
	NotifyAssetFailure(ctx context.Context, assetID, siteID int64) error
	NotifyAssetRecovery(ctx context.Context, assetID, siteID int64) error
	NotifyTicketUpdate(ctx context.Context, ticketID, siteID int64) error
	NotifyAnalyticsUpdate(ctx context.Context) error

	BroadcastTicketUpdate(ctx context.Context, ticketID int64, payload any, siteID *int64) error
	BroadcastTicketComment(ctx context.Context, ticketID int64, comment any, siteID *int64) error
	BroadcastTicketStatusChange(ctx context.Context, ticketID int64, change any, siteID *int64) error
	BroadcastTicketAssignment(ctx context.Context, ticketID int64, assignment any, siteID *int64) error
	NotifyTicket(ctx context.Context, n TicketNotification) error
}
