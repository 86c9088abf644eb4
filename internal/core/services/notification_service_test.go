package services_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	apperrors "github.com/lorrc/opsgraph-realtime/internal/core/errors"
	"github.com/lorrc/opsgraph-realtime/internal/core/mocks"
	"github.com/lorrc/opsgraph-realtime/internal/core/ports"
	"github.com/lorrc/opsgraph-realtime/internal/core/services"
)

var (
	fixedNow   = time.Date(2026, 5, 4, 10, 30, 0, 0, time.UTC)
	testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func newNotifier() (*services.NotificationService, *mocks.MockEventBroadcaster) {
	b := mocks.NewMockEventBroadcaster()
	return services.NewNotificationService(b, clockwork.NewFakeClockAt(fixedNow), testLogger), b
}

func TestNotificationService_NotifyKGUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("broadcasts with target", func(t *testing.T) {
		svc, b := newNotifier()
		target := domain.TargetAttributes{SiteID: domain.Int64(2)}
		b.On("Broadcast", domain.OutgoingEvent{
			Type:      "custom",
			Payload:   map[string]int{"x": 1},
			Timestamp: domain.FormatTimestamp(fixedNow),
		}, target).Once()

		err := svc.NotifyKGUpdate(ctx, "custom", map[string]int{"x": 1}, target)

		require.NoError(t, err)
		b.AssertExpectations(t)
	})

	t.Run("type is required", func(t *testing.T) {
		svc, b := newNotifier()

		err := svc.NotifyKGUpdate(ctx, "", nil, domain.TargetAttributes{})

		assert.ErrorIs(t, err, apperrors.ErrEventTypeRequired)
		b.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything)
	})
}

func TestNotificationService_Wrappers(t *testing.T) {
	ctx := context.Background()
	ts := domain.FormatTimestamp(fixedNow)

	tests := []struct {
		name   string
		call   func(*services.NotificationService) error
		event  domain.OutgoingEvent
		target domain.TargetAttributes
	}{
		{
			name: "node update is untargeted",
			call: func(s *services.NotificationService) error { return s.NotifyNodeUpdate(ctx, "n1", "asset", "d") },
			event: domain.OutgoingEvent{
				Type:      domain.EventKGNodeUpdated,
				Payload:   domain.NodeUpdate{NodeID: "n1", NodeType: "asset", Data: "d"},
				Timestamp: ts,
			},
		},
		{
			name: "edge update is untargeted",
			call: func(s *services.NotificationService) error { return s.NotifyEdgeUpdate(ctx, "e1", "a", "b", "feeds") },
			event: domain.OutgoingEvent{
				Type:      domain.EventKGEdgeUpdated,
				Payload:   domain.EdgeUpdate{EdgeID: "e1", SourceID: "a", TargetID: "b", EdgeType: "feeds"},
				Timestamp: ts,
			},
		},
		{
			name: "asset failure targets asset and site",
			call: func(s *services.NotificationService) error { return s.NotifyAssetFailure(ctx, 7, 3) },
			event: domain.OutgoingEvent{
				Type:      domain.EventAssetFailure,
				Payload:   domain.AssetStatus{AssetID: 7, SiteID: 3},
				Timestamp: ts,
			},
			target: domain.TargetAttributes{AssetID: domain.Int64(7), SiteID: domain.Int64(3)},
		},
		{
			name: "asset recovery targets asset and site",
			call: func(s *services.NotificationService) error { return s.NotifyAssetRecovery(ctx, 7, 3) },
			event: domain.OutgoingEvent{
				Type:      domain.EventAssetRecovery,
				Payload:   domain.AssetStatus{AssetID: 7, SiteID: 3},
				Timestamp: ts,
			},
			target: domain.TargetAttributes{AssetID: domain.Int64(7), SiteID: domain.Int64(3)},
		},
		{
			name: "ticket updated targets ticket and site",
			call: func(s *services.NotificationService) error { return s.NotifyTicketUpdate(ctx, 5, 9) },
			event: domain.OutgoingEvent{
				Type:      domain.EventTicketUpdated,
				Payload:   domain.TicketRef{TicketID: 5, SiteID: 9},
				Timestamp: ts,
			},
			target: domain.TargetAttributes{TicketID: domain.Int64(5), SiteID: domain.Int64(9)},
		},
		{
			name: "analytics update carries empty payload",
			call: func(s *services.NotificationService) error { return s.NotifyAnalyticsUpdate(ctx) },
			event: domain.OutgoingEvent{
				Type:      domain.EventKGAnalyticsUpdated,
				Payload:   map[string]any{},
				Timestamp: ts,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, b := newNotifier()
			b.On("Broadcast", tt.event, tt.target).Once()

			require.NoError(t, tt.call(svc))
			b.AssertExpectations(t)
		})
	}
}

func TestNotificationService_TicketEvents(t *testing.T) {
	ctx := context.Background()
	site := domain.Int64(4)

	kinds := map[string]string{
		ports.TicketNotificationUpdate:       domain.EventTicketUpdate,
		ports.TicketNotificationComment:      domain.EventTicketComment,
		ports.TicketNotificationStatusChange: domain.EventTicketStatusChange,
		ports.TicketNotificationAssignment:   domain.EventTicketAssignment,
	}

	for kind, eventType := range kinds {
		t.Run(kind, func(t *testing.T) {
			svc, b := newNotifier()
			b.On("Broadcast", domain.OutgoingEvent{
				Type:      eventType,
				Payload:   "p",
				TicketID:  domain.Int64(12),
				SiteID:    site,
				Timestamp: domain.FormatTimestamp(fixedNow),
			}, domain.TargetAttributes{TicketID: domain.Int64(12), SiteID: site}).Once()

			err := svc.NotifyTicket(ctx, ports.TicketNotification{Kind: kind, TicketID: 12, SiteID: site, Payload: "p"})

			require.NoError(t, err)
			b.AssertExpectations(t)
		})
	}

	t.Run("missing ticket id", func(t *testing.T) {
		svc, _ := newNotifier()
		err := svc.NotifyTicket(ctx, ports.TicketNotification{Kind: ports.TicketNotificationUpdate})
		assert.ErrorIs(t, err, apperrors.ErrTicketIDRequired)
	})

	t.Run("missing kind", func(t *testing.T) {
		svc, _ := newNotifier()
		err := svc.NotifyTicket(ctx, ports.TicketNotification{TicketID: 1})
		assert.ErrorIs(t, err, apperrors.ErrTicketIDRequired)
	})

	t.Run("unknown kind", func(t *testing.T) {
		svc, b := newNotifier()
		err := svc.NotifyTicket(ctx, ports.TicketNotification{Kind: "deleted", TicketID: 1})
		assert.ErrorIs(t, err, apperrors.ErrInvalidNotificationType)
		b.AssertNotCalled(t, "Broadcast", mock.Anything, mock.Anything)
	})

	t.Run("site is optional", func(t *testing.T) {
		svc, b := newNotifier()
		b.On("Broadcast", mock.MatchedBy(func(e domain.OutgoingEvent) bool {
			return e.Type == domain.EventTicketComment && e.SiteID == nil && *e.TicketID == 3
		}), domain.TargetAttributes{TicketID: domain.Int64(3)}).Once()

		require.NoError(t, svc.BroadcastTicketComment(ctx, 3, "hi", nil))
		b.AssertExpectations(t)
	})
}
