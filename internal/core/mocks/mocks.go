package mocks

import (
	"context"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	"github.com/lorrc/opsgraph-realtime/internal/core/ports"
	"github.com/stretchr/testify/mock"
)

// MockEventBroadcaster is a mock implementation of ports.EventBroadcaster
type MockEventBroadcaster struct {
	mock.Mock
}

func NewMockEventBroadcaster() *MockEventBroadcaster {
	return &MockEventBroadcaster{}
}

func (m *MockEventBroadcaster) Broadcast(event domain.OutgoingEvent, target domain.TargetAttributes) {
	m.Called(event, target)
}

func (m *MockEventBroadcaster) ClientCount() int {
	args := m.Called()
	return args.Int(0)
}

// MockNotifier is a mock implementation of ports.Notifier
type MockNotifier struct {
	mock.Mock
}

func NewMockNotifier() *MockNotifier {
	return &MockNotifier{}
}

func (m *MockNotifier) NotifyKGUpdate(ctx context.Context, eventType string, payload any, target domain.TargetAttributes) error {
	args := m.Called(ctx, eventType, payload, target)
	return args.Error(0)
}

func (m *MockNotifier) NotifyNodeUpdate(ctx context.Context, nodeID, nodeType string, data any) error {
	args := m.Called(ctx, nodeID, nodeType, data)
	return args.Error(0)
}

func (m *MockNotifier) NotifyEdgeUpdate(ctx context.Context, edgeID, sourceID, targetID, edgeType string) error {
	args := m.Called(ctx, edgeID, sourceID, targetID, edgeType)
	return args.Error(0)
}

func (m *MockNotifier) NotifyAssetFailure(ctx context.Context, assetID, siteID int64) error {
	args := m.Called(ctx, assetID, siteID)
	return args.Error(0)
}

func (m *MockNotifier) NotifyAssetRecovery(ctx context.Context, assetID, siteID int64) error {
	args := m.Called(ctx, assetID, siteID)
	return args.Error(0)
}

func (m *MockNotifier) NotifyTicketUpdate(ctx context.Context, ticketID, siteID int64) error {
	args := m.Called(ctx, ticketID, siteID)
	return args.Error(0)
}

func (m *MockNotifier) NotifyAnalyticsUpdate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockNotifier) BroadcastTicketUpdate(ctx context.Context, ticketID int64, payload any, siteID *int64) error {
	args := m.Called(ctx, ticketID, payload, siteID)
	return args.Error(0)
}

func (m *MockNotifier) BroadcastTicketComment(ctx context.Context, ticketID int64, comment any, siteID *int64) error {
	args := m.Called(ctx, ticketID, comment, siteID)
	return args.Error(0)
}

func (m *MockNotifier) BroadcastTicketStatusChange(ctx context.Context, ticketID int64, change any, siteID *int64) error {
	args := m.Called(ctx, ticketID, change, siteID)
	return args.Error(0)
}

func (m *MockNotifier) BroadcastTicketAssignment(ctx context.Context, ticketID int64, assignment any, siteID *int64) error {
	args := m.Called(ctx, ticketID, assignment, siteID)
	return args.Error(0)
}

func (m *MockNotifier) NotifyTicket(ctx context.Context, n ports.TicketNotification) error {
	args := m.Called(ctx, n)
	return args.Error(0)
}

// MockOutboxRepository is a mock implementation of ports.OutboxRepository
type MockOutboxRepository struct {
	mock.Mock
}

func NewMockOutboxRepository() *MockOutboxRepository {
	return &MockOutboxRepository{}
}

func (m *MockOutboxRepository) DequeueBatch(ctx context.Context, limit, maxAttempts int) ([]*domain.OutboxEvent, error) {
	args := m.Called(ctx, limit, maxAttempts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.OutboxEvent), args.Error(1)
}

func (m *MockOutboxRepository) Requeue(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockOutboxRepository) PendingCount(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

var (
	_ ports.EventBroadcaster = (*MockEventBroadcaster)(nil)
	_ ports.Notifier         = (*MockNotifier)(nil)
	_ ports.OutboxRepository = (*MockOutboxRepository)(nil)
)
