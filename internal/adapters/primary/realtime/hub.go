package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	"github.com/lorrc/opsgraph-realtime/internal/core/ports"
	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/logging"
	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/metrics"
)

// Hub is the connection registry and broadcast engine shared by the SSE
// and WebSocket transports.
type Hub struct {
	// clients maps connection IDs to their records
	clients map[string]*record

	// mu protects the clients map and closed
	mu     sync.RWMutex
	closed bool

	clock  clockwork.Clock
	logger *slog.Logger
}

// record is one registered connection. The filter is guarded by its own
// mutex so acks and broadcasts never need the hub write lock.
type record struct {
	id          string
	transport   domain.Transport
	ownerUserID uuid.UUID
	conn        Conn
	connectedAt time.Time

	mu           sync.Mutex
	filter       domain.Subscription
	lastActivity time.Time
}

func (r *record) snapshot() domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter.Clone()
}

// Stats summarises the registry for diagnostics.
type Stats struct {
	TotalClients         int `json:"totalClients"`
	SSEClients           int `json:"sseClients"`
	WebSocketClients     int `json:"websocketClients"`
	TicketSubscriptions  int `json:"ticketSubscriptions"`
	SiteSubscriptions    int `json:"siteSubscriptions"`
	AssetSubscriptions   int `json:"assetSubscriptions"`
	AllTicketSubscribers int `json:"allTicketSubscribers"`
}

// Ensure Hub implements the EventBroadcaster interface.
var _ ports.EventBroadcaster = (*Hub)(nil)

// NewHub creates an empty registry.
func NewHub(clk clockwork.Clock, logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*record),
		clock:   clk,
		logger:  logger.With("component", "realtime_hub"),
	}
}

// AddClient registers conn under id with an empty filter and sends it the
// connected handshake. A duplicate id replaces the previous record. After
// Shutdown it returns ErrHubClosed and registers nothing.
func (h *Hub) AddClient(id string, transport domain.Transport, conn Conn, ownerUserID uuid.UUID) error {
	now := h.clock.Now()
	rec := &record{
		id:           id,
		transport:    transport,
		ownerUserID:  ownerUserID,
		conn:         conn,
		connectedAt:  now,
		filter:       domain.NewSubscription(),
		lastActivity: now,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	if prev, ok := h.clients[id]; ok {
		metrics.ConnectionsActive.WithLabelValues(string(prev.transport)).Dec()
	}
	h.clients[id] = rec
	total := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectionsActive.WithLabelValues(string(transport)).Inc()
	h.logger.Info("client registered",
		"client_id", id,
		"transport", transport,
		"user_id", ownerUserID,
		"total_clients", total,
	)

	h.send(rec, domain.NewEvent(domain.EventConnected, domain.ConnectedInfo{
		ClientID:    id,
		Transport:   transport,
		ConnectedAt: domain.FormatTimestamp(now),
	}, now))
	return nil
}

// RemoveClient deregisters id and closes its transport. Unknown ids are
// ignored.
func (h *Hub) RemoveClient(id string) {
	h.mu.Lock()
	rec, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	h.closeRecord(rec, CauseGone, "removed")
}

// prune drops rec only if it is still the record registered under its id.
func (h *Hub) prune(rec *record, cause CloseCause, reason string) {
	h.mu.Lock()
	current, ok := h.clients[rec.id]
	if ok && current == rec {
		delete(h.clients, rec.id)
	}
	h.mu.Unlock()

	if ok && current == rec {
		h.closeRecord(rec, cause, reason)
	}
}

func (h *Hub) closeRecord(rec *record, cause CloseCause, reason string) {
	metrics.ConnectionsActive.WithLabelValues(string(rec.transport)).Dec()
	if err := rec.conn.CloseWith(cause); err != nil {
		h.logger.Debug("close on removed client failed", "client_id", rec.id, "error", err)
	}
	h.logger.Info("client unregistered",
		"client_id", rec.id,
		"transport", rec.transport,
		"cause", cause.String(),
		"reason", reason,
	)
}

func (h *Hub) lookup(id string) (*record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.clients[id]
	return rec, ok
}

// UpdateFilters replaces the dimensions present in patch and acknowledges
// with the resulting filter: filters_updated for SSE, subscribed for
// WebSocket. It reports whether id was registered.
func (h *Hub) UpdateFilters(id string, patch domain.FilterPatch) bool {
	rec, ok := h.lookup(id)
	if !ok {
		return false
	}

	rec.mu.Lock()
	rec.filter.Apply(patch)
	view := rec.filter.View()
	rec.mu.Unlock()

	now := h.clock.Now()
	if rec.transport == domain.TransportSSE {
		ack := domain.NewEvent(domain.EventFiltersUpdated, nil, now)
		ack.Filters = &view
		h.send(rec, ack)
	} else {
		h.send(rec, domain.NewEvent(domain.EventSubscribed, view, now))
	}
	return true
}

// Subscribe adds patch's ids to the connection's filter and acknowledges
// with subscribed.
func (h *Hub) Subscribe(id string, patch domain.FilterPatch) bool {
	rec, ok := h.lookup(id)
	if !ok {
		return false
	}

	rec.mu.Lock()
	rec.filter.Merge(patch)
	view := rec.filter.View()
	rec.lastActivity = h.clock.Now()
	rec.mu.Unlock()

	h.send(rec, domain.NewEvent(domain.EventSubscribed, view, h.clock.Now()))
	return true
}

// Unsubscribe clears the whole filter back to default-open and
// acknowledges with unsubscribed.
func (h *Hub) Unsubscribe(id string) bool {
	rec, ok := h.lookup(id)
	if !ok {
		return false
	}

	rec.mu.Lock()
	rec.filter.Clear()
	view := rec.filter.View()
	rec.lastActivity = h.clock.Now()
	rec.mu.Unlock()

	h.send(rec, domain.NewEvent(domain.EventUnsubscribed, view, h.clock.Now()))
	return true
}

// Filters returns a snapshot of a connection's filter.
func (h *Hub) Filters(id string) (domain.SubscriptionView, bool) {
	rec, ok := h.lookup(id)
	if !ok {
		return domain.SubscriptionView{}, false
	}
	return rec.snapshot().View(), true
}

// Touch records inbound activity for the inactivity sweep.
func (h *Hub) Touch(id string) {
	rec, ok := h.lookup(id)
	if !ok {
		return
	}
	rec.mu.Lock()
	rec.lastActivity = h.clock.Now()
	rec.mu.Unlock()
}

// SendTo writes event to a single connection. It reports whether the
// connection was registered and accepted the frame.
func (h *Hub) SendTo(id string, event domain.OutgoingEvent) bool {
	rec, ok := h.lookup(id)
	if !ok {
		return false
	}
	return h.send(rec, event)
}

// ClientCount returns the number of registered connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns per-transport and per-dimension counts.
func (h *Hub) Stats() Stats {
	var s Stats
	for _, rec := range h.records() {
		s.TotalClients++
		if rec.transport == domain.TransportSSE {
			s.SSEClients++
		} else {
			s.WebSocketClients++
		}

		rec.mu.Lock()
		s.TicketSubscriptions += len(rec.filter.TicketIDs)
		s.SiteSubscriptions += len(rec.filter.SiteIDs)
		s.AssetSubscriptions += len(rec.filter.AssetIDs)
		if rec.filter.AllTickets {
			s.AllTicketSubscribers++
		}
		rec.mu.Unlock()
	}
	return s
}

// Broadcast delivers event to every connection whose filter matches
// target. Connections that are closed or reject the write are pruned; one
// failing connection never stops delivery to the rest.
func (h *Hub) Broadcast(event domain.OutgoingEvent, target domain.TargetAttributes) {
	start := time.Now()
	if event.Timestamp == "" {
		event.Timestamp = domain.FormatTimestamp(h.clock.Now())
	}

	frame, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal broadcast event", "event_type", event.Type, "error", err)
		return
	}

	recs := h.records()
	sent := 0
	for _, rec := range recs {
		if !target.IsEmpty() && !domain.Matches(rec.snapshot(), target) {
			metrics.DeliveriesTotal.WithLabelValues(string(rec.transport), "filtered").Inc()
			continue
		}
		if h.deliver(rec, frame) {
			sent++
		}
	}

	metrics.BroadcastsTotal.WithLabelValues(event.Type).Inc()
	metrics.BroadcastDuration.Observe(time.Since(start).Seconds())
	h.logger.Debug("broadcast event",
		"event_type", event.Type,
		"client_count", len(recs),
		"delivered", sent,
	)
}

// send marshals and delivers a single event.
func (h *Hub) send(rec *record, event domain.OutgoingEvent) bool {
	if event.Timestamp == "" {
		event.Timestamp = domain.FormatTimestamp(h.clock.Now())
	}
	frame, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal event", "event_type", event.Type, "client_id", rec.id, "error", err)
		return false
	}
	return h.deliver(rec, frame)
}

// deliver writes frame to rec, pruning it on any failure including a
// panic inside the transport.
func (h *Hub) deliver(rec *record, frame []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logging.LogPanic(h.logger.With("client_id", rec.id), r)
			h.prune(rec, CauseEvicted, "write panic")
			metrics.DeliveriesTotal.WithLabelValues(string(rec.transport), "pruned").Inc()
			ok = false
		}
	}()

	if !rec.conn.IsOpen() {
		h.prune(rec, CauseGone, "connection not open")
		metrics.DeliveriesTotal.WithLabelValues(string(rec.transport), "pruned").Inc()
		return false
	}

	if err := rec.conn.Send(frame); err != nil {
		h.logger.Warn("write to client failed, pruning",
			"client_id", rec.id,
			"transport", rec.transport,
			"error", err,
		)
		h.prune(rec, CauseEvicted, fmt.Sprintf("write failed: %v", err))
		metrics.DeliveriesTotal.WithLabelValues(string(rec.transport), "pruned").Inc()
		return false
	}

	metrics.DeliveriesTotal.WithLabelValues(string(rec.transport), "sent").Inc()
	return true
}

// records copies the registry so callers can iterate without the lock.
func (h *Hub) records() []*record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	recs := make([]*record, 0, len(h.clients))
	for _, rec := range h.clients {
		recs = append(recs, rec)
	}
	return recs
}

// CleanupInactive removes WebSocket connections with no inbound activity
// for longer than timeout and returns how many were removed. SSE streams
// carry no inbound traffic; their heartbeat write detects dead peers.
func (h *Hub) CleanupInactive(timeout time.Duration) int {
	cutoff := h.clock.Now().Add(-timeout)
	removed := 0
	for _, rec := range h.records() {
		if rec.transport != domain.TransportWebSocket {
			continue
		}
		rec.mu.Lock()
		idle := rec.lastActivity.Before(cutoff)
		rec.mu.Unlock()
		if idle {
			h.prune(rec, CauseInactive, "inactive")
			removed++
		}
	}
	if removed > 0 {
		h.logger.Info("removed inactive clients", "removed", removed, "timeout", timeout.String())
	}
	return removed
}

// Run sweeps inactive connections every interval until ctx is done.
func (h *Hub) Run(ctx context.Context, interval, timeout time.Duration) {
	ticker := h.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			h.CleanupInactive(timeout)
		}
	}
}

// Shutdown closes and removes every connection and refuses new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	for _, rec := range h.records() {
		h.prune(rec, CauseShutdown, "shutdown")
	}
}
