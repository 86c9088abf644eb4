package services

import (
	"context"
	"log/slog"

	"github.com/jonboulle/clockwork"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	apperrors "github.com/lorrc/opsgraph-realtime/internal/core/errors"
	"github.com/lorrc/opsgraph-realtime/internal/core/ports"
	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/logging"
)

// NotificationService turns domain happenings into outgoing events and
// hands them to the broadcaster.
type NotificationService struct {
	broadcaster ports.EventBroadcaster
	clock       clockwork.Clock
	logger      *slog.Logger
}

var _ ports.Notifier = (*NotificationService)(nil)

// NewNotificationService creates a new notification service.
func NewNotificationService(broadcaster ports.EventBroadcaster, clk clockwork.Clock, logger *slog.Logger) *NotificationService {
	return &NotificationService{
		broadcaster: broadcaster,
		clock:       clk,
		logger:      logger.With("component", "notification_service"),
	}
}

// NotifyKGUpdate broadcasts an arbitrary event. An empty target reaches
// every client.
func (s *NotificationService) NotifyKGUpdate(ctx context.Context, eventType string, payload any, target domain.TargetAttributes) error {
	if eventType == "" {
		return apperrors.ErrEventTypeRequired
	}

	s.publish(ctx, domain.NewEvent(eventType, payload, s.clock.Now()), target)
	return nil
}

// NotifyNodeUpdate broadcasts a kg_node_updated event to every client.
func (s *NotificationService) NotifyNodeUpdate(ctx context.Context, nodeID, nodeType string, data any) error {
	return s.NotifyKGUpdate(ctx, domain.EventKGNodeUpdated, domain.NodeUpdate{
		NodeID:   nodeID,
		NodeType: nodeType,
		Data:     data,
	}, domain.TargetAttributes{})
}

// NotifyEdgeUpdate broadcasts a kg_edge_updated event to every client.
func (s *NotificationService) NotifyEdgeUpdate(ctx context.Context, edgeID, sourceID, targetID, edgeType string) error {
	return s.NotifyKGUpdate(ctx, domain.EventKGEdgeUpdated, domain.EdgeUpdate{
		EdgeID:   edgeID,
		SourceID: sourceID,
		TargetID: targetID,
		EdgeType: edgeType,
	}, domain.TargetAttributes{})
}

// NotifyAssetFailure targets the asset and its site.
func (s *NotificationService) NotifyAssetFailure(ctx context.Context, assetID, siteID int64) error {
	return s.notifyAsset(ctx, domain.EventAssetFailure, assetID, siteID)
}

// NotifyAssetRecovery targets the asset and its site.
func (s *NotificationService) NotifyAssetRecovery(ctx context.Context, assetID, siteID int64) error {
	return s.notifyAsset(ctx, domain.EventAssetRecovery, assetID, siteID)
}

func (s *NotificationService) notifyAsset(ctx context.Context, eventType string, assetID, siteID int64) error {
	return s.NotifyKGUpdate(ctx, eventType,
		domain.AssetStatus{AssetID: assetID, SiteID: siteID},
		domain.TargetAttributes{AssetID: domain.Int64(assetID), SiteID: domain.Int64(siteID)},
	)
}

// NotifyTicketUpdate emits the knowledge-graph ticket_updated event for a
// ticket and its site.
func (s *NotificationService) NotifyTicketUpdate(ctx context.Context, ticketID, siteID int64) error {
	return s.NotifyKGUpdate(ctx, domain.EventTicketUpdated,
		domain.TicketRef{TicketID: ticketID, SiteID: siteID},
		domain.TargetAttributes{TicketID: domain.Int64(ticketID), SiteID: domain.Int64(siteID)},
	)
}

// NotifyAnalyticsUpdate tells every client to refresh analytics.
func (s *NotificationService) NotifyAnalyticsUpdate(ctx context.Context) error {
	return s.NotifyKGUpdate(ctx, domain.EventKGAnalyticsUpdated, map[string]any{}, domain.TargetAttributes{})
}

// --- Ticket socket events ---

// BroadcastTicketUpdate sends ticket_update to subscribers of the ticket or
// its site.
func (s *NotificationService) BroadcastTicketUpdate(ctx context.Context, ticketID int64, payload any, siteID *int64) error {
	return s.broadcastTicket(ctx, domain.EventTicketUpdate, ticketID, payload, siteID)
}

// BroadcastTicketComment sends ticket_comment with the comment as payload.
func (s *NotificationService) BroadcastTicketComment(ctx context.Context, ticketID int64, comment any, siteID *int64) error {
	return s.broadcastTicket(ctx, domain.EventTicketComment, ticketID, comment, siteID)
}

// BroadcastTicketStatusChange sends ticket_status_change.
func (s *NotificationService) BroadcastTicketStatusChange(ctx context.Context, ticketID int64, change any, siteID *int64) error {
	return s.broadcastTicket(ctx, domain.EventTicketStatusChange, ticketID, change, siteID)
}

// BroadcastTicketAssignment sends ticket_assignment.
func (s *NotificationService) BroadcastTicketAssignment(ctx context.Context, ticketID int64, assignment any, siteID *int64) error {
	return s.broadcastTicket(ctx, domain.EventTicketAssignment, ticketID, assignment, siteID)
}

// NotifyTicket dispatches a ticket notification by kind.
func (s *NotificationService) NotifyTicket(ctx context.Context, n ports.TicketNotification) error {
	if n.Kind == "" || n.TicketID == 0 {
		return apperrors.ErrTicketIDRequired
	}

	switch n.Kind {
	case ports.TicketNotificationUpdate:
		return s.BroadcastTicketUpdate(ctx, n.TicketID, n.Payload, n.SiteID)
	case ports.TicketNotificationComment:
		return s.BroadcastTicketComment(ctx, n.TicketID, n.Payload, n.SiteID)
	case ports.TicketNotificationStatusChange:
		return s.BroadcastTicketStatusChange(ctx, n.TicketID, n.Payload, n.SiteID)
	case ports.TicketNotificationAssignment:
		return s.BroadcastTicketAssignment(ctx, n.TicketID, n.Payload, n.SiteID)
	default:
		return apperrors.ErrInvalidNotificationType
	}
}

func (s *NotificationService) broadcastTicket(ctx context.Context, eventType string, ticketID int64, payload any, siteID *int64) error {
	if ticketID == 0 {
		return apperrors.ErrTicketIDRequired
	}

	event := domain.NewEvent(eventType, payload, s.clock.Now())
	event.TicketID = domain.Int64(ticketID)
	event.SiteID = siteID

	target := domain.TargetAttributes{TicketID: domain.Int64(ticketID), SiteID: siteID}
	s.publish(ctx, event, target)
	return nil
}

func (s *NotificationService) publish(ctx context.Context, event domain.OutgoingEvent, target domain.TargetAttributes) {
	s.broadcaster.Broadcast(event, target)
	logging.LoggerFromContext(ctx, s.logger).Debug("event published",
		"event_type", event.Type,
		"targeted", !target.IsEmpty(),
	)
}
