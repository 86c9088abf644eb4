package websocket

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/realtime"
	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 4096
)

// Registry is the part of the realtime hub a socket client drives.
type Registry interface {
	RemoveClient(id string)
	Subscribe(id string, patch domain.FilterPatch) bool
	Unsubscribe(id string) bool
	Filters(id string) (domain.SubscriptionView, bool)
	Touch(id string)
	SendTo(id string, event domain.OutgoingEvent) bool
}

// ClientConfig tunes a socket client.
type ClientConfig struct {
	SendBuffer int
	// PingInterval must be less than PongWait.
	PingInterval      time.Duration
	PongWait          time.Duration
	MessagesPerSecond float64
	MessageBurst      int
}

// DefaultClientConfig mirrors the server defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		SendBuffer:        256,
		PingInterval:      54 * time.Second,
		PongWait:          60 * time.Second,
		MessagesPerSecond: 20,
		MessageBurst:      40,
	}
}

// Client is a middleman between the websocket connection and the hub. The
// embedded queue is what the hub writes to; WritePump drains it.
type Client struct {
	*realtime.Queue

	// ID is the registry key for this connection.
	ID string

	// UserID is the authenticated owner, taken from the handshake token.
	UserID uuid.UUID

	conn     *websocket.Conn
	registry Registry
	clock    clockwork.Clock
	cfg      ClientConfig
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewClient wraps an upgraded connection.
func NewClient(conn *websocket.Conn, registry Registry, userID uuid.UUID, clk clockwork.Clock, cfg ClientConfig, logger *slog.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		Queue:    realtime.NewQueue(cfg.SendBuffer),
		ID:       id,
		UserID:   userID,
		conn:     conn,
		registry: registry,
		clock:    clk,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.MessagesPerSecond), cfg.MessageBurst),
		logger:   logger.With("client_id", id, "user_id", userID.String()),
	}
}

// ReadPump pumps messages from the websocket connection to the hub.
// This method runs in its own goroutine.
func (c *Client) ReadPump() {
	defer func() {
		c.registry.RemoveClient(c.ID)
		_ = c.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
		c.logger.Error("failed to set read deadline", "error", err)
		return
	}

	c.conn.SetPongHandler(func(string) error {
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			c.logger.Error("failed to set read deadline in pong handler", "error", err)
		}
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		// Any inbound frame counts as activity, including ones we reject.
		if err := c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongWait)); err != nil {
			c.logger.Error("failed to extend read deadline", "error", err)
			break
		}
		c.registry.Touch(c.ID)
		c.handleIncomingMessage(message)
	}
}

// WritePump pumps queued frames to the websocket connection until the
// queue is closed. This method runs in its own goroutine.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.Frames():
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline", "error", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("failed to write message", "error", err)
				return
			}

		case <-c.Done():
			// The hub removed this client. Send close message.
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			code, reason := CloseCode(c.Cause())
			msg := websocket.FormatCloseMessage(code, reason)
			if err := c.conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
				c.logger.Debug("failed to send close message", "error", err)
			}
			return

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.logger.Error("failed to set write deadline for ping", "error", err)
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
				return
			}
		}
	}
}

// CloseCode maps why the hub dropped a client to the close frame it gets.
// Server-side removals never use 1000, which clients read as a deliberate
// end of session and do not reconnect after.
func CloseCode(cause realtime.CloseCause) (int, string) {
	switch cause {
	case realtime.CauseShutdown:
		return websocket.CloseGoingAway, "Server shutting down"
	case realtime.CauseInactive:
		return websocket.ClosePolicyViolation, "Inactive"
	case realtime.CauseEvicted:
		return websocket.CloseTryAgainLater, "Slow consumer"
	default:
		return websocket.CloseGoingAway, ""
	}
}

// --- Incoming Message Handling ---

// Inbound message types.
const (
	MessageSubscribe   = "subscribe"
	MessageUnsubscribe = "unsubscribe"
	MessagePing        = "ping"
	MessageAuth        = "auth"
)

// ClientMessage is the structure for messages sent from the client. Filter
// fields may appear at the top level or under "filters"; allTickets may
// also arrive under "payload".
type ClientMessage struct {
	Type string `json:"type"`
	domain.FilterPatch
	Filters *domain.FilterPatch `json:"filters,omitempty"`
	Payload json.RawMessage     `json:"payload,omitempty"`
	Token   string              `json:"token,omitempty"`
	TS      int64               `json:"ts,omitempty"`
}

// Patch folds every spelling of the filter fields into one patch.
func (m ClientMessage) Patch() domain.FilterPatch {
	patch := m.FilterPatch
	if m.Filters != nil {
		patch = mergePatches(patch, *m.Filters)
	}
	if len(m.Payload) > 0 && patch.AllTickets == nil {
		var p struct {
			AllTickets *bool `json:"allTickets"`
		}
		if err := json.Unmarshal(m.Payload, &p); err == nil {
			patch.AllTickets = p.AllTickets
		}
	}
	return patch
}

func mergePatches(a, b domain.FilterPatch) domain.FilterPatch {
	if a.TicketID == nil {
		a.TicketID = b.TicketID
	}
	if a.SiteID == nil {
		a.SiteID = b.SiteID
	}
	if a.AssetID == nil {
		a.AssetID = b.AssetID
	}
	if b.TicketIDs != nil {
		a.TicketIDs = append(a.TicketIDs, b.TicketIDs...)
	}
	if b.SiteIDs != nil {
		a.SiteIDs = append(a.SiteIDs, b.SiteIDs...)
	}
	if b.AssetIDs != nil {
		a.AssetIDs = append(a.AssetIDs, b.AssetIDs...)
	}
	if a.AllTickets == nil {
		a.AllTickets = b.AllTickets
	}
	return a
}

// handleIncomingMessage processes messages received from the client
func (c *Client) handleIncomingMessage(message []byte) {
	if !c.limiter.Allow() {
		c.logger.Warn("client message rate exceeded, dropping message")
		metrics.InboundMessages.WithLabelValues("rate_limited").Inc()
		return
	}

	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("failed to unmarshal client message", "error", err)
		metrics.InboundMessages.WithLabelValues("malformed").Inc()
		return
	}

	switch msg.Type {
	case MessageSubscribe:
		c.registry.Subscribe(c.ID, msg.Patch())

	case MessageUnsubscribe:
		// Always clears the whole filter, whatever fields were sent.
		c.registry.Unsubscribe(c.ID)

	case MessagePing:
		c.registry.SendTo(c.ID, domain.NewEvent(domain.EventPong, domain.Pong{TS: c.clock.Now().UnixMilli()}, c.clock.Now()))

	case MessageAuth:
		// The handshake token already authenticated this socket; reply with
		// the current filter so the client can confirm its state.
		if view, ok := c.registry.Filters(c.ID); ok {
			c.registry.SendTo(c.ID, domain.NewEvent(domain.EventSubscribed, view, c.clock.Now()))
		}

	default:
		c.logger.Debug("received unknown message type", "type", msg.Type)
		metrics.InboundMessages.WithLabelValues("unknown").Inc()
		return
	}

	metrics.InboundMessages.WithLabelValues(msg.Type).Inc()
}
