// Package realtimeclient is the Go client for the ticket socket. A Manager
// owns one logical connection: it authenticates, keeps the link alive with
// ping/pong, reconnects with capped exponential backoff and replays the
// caller's subscriptions after every reconnect.
//
// Construct one Manager at the root of the application and hand it to every
// consumer; consumers call Attach and release it with the returned func.
package realtimeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
)

// State is the connection state exposed to observers.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

var (
	// ErrNotConnected is returned by subscription helpers while the socket
	// is not open.
	ErrNotConnected = errors.New("realtime socket is not connected")

	// ErrReconnectExhausted is reported in Status once the reconnect budget
	// is spent.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
)

// Outbound message types.
const (
	msgAuth        = "auth"
	msgPing        = "ping"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
)

// Config tunes a Manager. Zero durations and counts take the defaults of
// DefaultConfig.
type Config struct {
	// BaseURL is the API base, e.g. https://ops.example.com/api.
	BaseURL string
	Token   string

	AutoReconnect        bool
	MaxReconnectAttempts int
	BaseDelay            time.Duration
	MaxDelay             time.Duration

	HeartbeatInterval time.Duration
	// HeartbeatTimeout is how long the last pong may be outstanding before
	// the socket is force-closed.
	HeartbeatTimeout time.Duration

	Clock  clockwork.Clock
	Dialer Dialer
	Logger *slog.Logger
	// Rand returns a value in [0, 1) used for jitter.
	Rand func() float64
}

// DefaultConfig returns the standard client settings.
func DefaultConfig(baseURL, token string) Config {
	return Config{
		BaseURL:              baseURL,
		Token:                token,
		AutoReconnect:        true,
		MaxReconnectAttempts: 10,
		BaseDelay:            time.Second,
		MaxDelay:             30 * time.Second,
		HeartbeatInterval:    10 * time.Second,
		HeartbeatTimeout:     70 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.BaseURL, c.Token)
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = d.MaxReconnectAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Dialer == nil {
		c.Dialer = NewGorillaDialer()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Rand == nil {
		c.Rand = rand.Float64
	}
	return c
}

// ReconnectDelay is the wait before reconnect attempt n (1-based):
// base·2^(n-1) capped at maxDelay, with ±10% jitter derived from r in [0, 1).
func ReconnectDelay(attempt int, base, maxDelay time.Duration, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(base) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}
	jitter := delay * (r*0.2 - 0.1)
	return (time.Duration(delay+jitter) + time.Millisecond/2).Truncate(time.Millisecond)
}

// Message is an inbound frame.
type Message struct {
	Type      string                   `json:"type"`
	TicketID  *int64                   `json:"ticketId,omitempty"`
	SiteID    *int64                   `json:"siteId,omitempty"`
	Payload   json.RawMessage          `json:"payload,omitempty"`
	Filters   *domain.SubscriptionView `json:"filters,omitempty"`
	Timestamp string                   `json:"timestamp,omitempty"`
}

// TicketHandler receives ticket events that carry a ticket id.
type TicketHandler func(ticketID int64, payload json.RawMessage)

type outbound struct {
	Type  string `json:"type"`
	Token string `json:"token,omitempty"`
	TS    int64  `json:"ts,omitempty"`
	domain.FilterPatch
}

// Status is a point-in-time snapshot of the connection.
type Status struct {
	State           State                   `json:"state"`
	Connected       bool                    `json:"connected"`
	LastCloseCode   int                     `json:"lastCloseCode,omitempty"`
	LastCloseReason string                  `json:"lastCloseReason,omitempty"`
	ReconnectDelay  time.Duration           `json:"reconnectDelay,omitempty"`
	Attempts        int                     `json:"attempts"`
	Subscriptions   domain.SubscriptionView `json:"subscriptions"`
	LastError       error                   `json:"-"`
}

type connection struct {
	sock Socket
}

type handlerEntry struct {
	id uint64
	fn func(Message)
}

// Manager owns a single logical ticket-socket connection.
type Manager struct {
	cfg    Config
	clock  clockwork.Clock
	logger *slog.Logger

	mu             sync.Mutex
	state          State
	conn           *connection
	wantConnected  bool
	refs           int
	attempts       int
	reconnectDelay time.Duration
	lastCloseCode  int
	lastClose      string
	lastErr        error
	lastPong       time.Time
	subs           domain.Subscription

	dialGen    uint64
	dialCancel context.CancelFunc
	// Timer callbacks run on their own goroutine and may fire after Stop;
	// each one carries the generation it was armed with.
	reconnect    clockwork.Timer
	reconnectGen uint64
	heartbeat    clockwork.Timer
	heartbeatGen uint64

	nextID    uint64
	handlers  map[string][]handlerEntry
	observers []observerEntry
}

type observerEntry struct {
	id uint64
	fn func(Status)
}

// NewManager builds an idle Manager. Nothing is dialed until Connect or
// the first Attach.
func NewManager(cfg Config) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:      cfg,
		clock:    cfg.Clock,
		logger:   cfg.Logger.With("component", "realtime_client"),
		state:    StateDisconnected,
		subs:     domain.NewSubscription(),
		handlers: make(map[string][]handlerEntry),
	}
}

// --- Lifecycle ---

// Attach registers a consumer. The first consumer connects the socket; the
// returned func detaches, and the last detach disconnects.
func (m *Manager) Attach() (detach func()) {
	m.mu.Lock()
	m.refs++
	first := m.refs == 1
	m.mu.Unlock()

	if first {
		m.Connect()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			m.refs--
			last := m.refs == 0
			m.mu.Unlock()

			if last {
				m.Disconnect()
			}
		})
	}
}

// Connect starts dialing unless a connection is already open or in flight.
// A pending reconnect timer is superseded.
func (m *Manager) Connect() {
	defer m.unlock(m.lock())

	m.wantConnected = true
	if m.state == StateConnecting || m.state == StateConnected {
		return
	}
	if m.state == StateError {
		m.attempts = 0
	}
	m.stopReconnectLocked()
	m.startDialLocked()
}

// Disconnect closes the socket with a normal close code and cancels every
// pending timer. No reconnect follows, and Status reports a clean
// client-initiated close whatever happened before.
func (m *Manager) Disconnect() {
	defer m.unlock(m.lock())

	m.wantConnected = false
	m.stopReconnectLocked()
	m.cancelDialLocked()
	m.stopHeartbeatLocked()

	if m.conn != nil {
		if err := m.conn.sock.Close(CloseNormal, "Client disconnect"); err != nil {
			m.logger.Debug("close on disconnect failed", "error", err)
		}
		m.conn = nil
	}
	m.state = StateDisconnected
	m.attempts = 0
	m.reconnectDelay = 0
	m.lastCloseCode = CloseNormal
	m.lastClose = "Client disconnect"
	m.lastErr = nil
}

func (m *Manager) startDialLocked() {
	m.cancelDialLocked()
	m.state = StateConnecting
	m.dialGen++
	gen := m.dialGen

	ctx, cancel := context.WithCancel(context.Background())
	m.dialCancel = cancel
	go m.dial(ctx, gen)
}

func (m *Manager) cancelDialLocked() {
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.dialGen++
}

func (m *Manager) dial(ctx context.Context, gen uint64) {
	url, err := BuildURL(m.cfg.BaseURL, m.cfg.Token)
	var sock Socket
	if err == nil {
		sock, err = m.cfg.Dialer.Dial(ctx, url)
	}

	defer m.unlock(m.lock())

	if gen != m.dialGen || !m.wantConnected {
		if sock != nil {
			_ = sock.Close(CloseNormal, "Superseded")
		}
		return
	}
	m.dialCancel()
	m.dialCancel = nil

	if err != nil {
		m.logger.Warn("ticket socket dial failed", "error", err, "attempt", m.attempts)
		m.lastErr = err
		m.closedLocked(CloseAbnormal, err.Error())
		return
	}

	m.openLocked(sock)
}

func (m *Manager) openLocked(sock Socket) {
	conn := &connection{sock: sock}
	m.conn = conn
	m.state = StateConnected
	m.attempts = 0
	m.reconnectDelay = 0
	m.lastCloseCode = 0
	m.lastClose = ""
	m.lastErr = nil
	m.lastPong = m.clock.Now()

	m.logger.Info("ticket socket connected")

	if m.cfg.Token != "" {
		if err := m.writeLocked(conn, outbound{Type: msgAuth, Token: m.cfg.Token}); err != nil {
			return
		}
	}
	if !m.subs.IsEmpty() {
		if err := m.writeLocked(conn, outbound{Type: msgSubscribe, FilterPatch: mirrorPatch(m.subs)}); err != nil {
			return
		}
	}

	m.armHeartbeatLocked(conn)
	go m.readLoop(conn)
}

// dropLocked tears down conn after a local failure and takes the close path.
func (m *Manager) dropLocked(conn *connection, code int, reason string) {
	if m.conn != conn {
		return
	}
	if err := conn.sock.Close(code, reason); err != nil {
		m.logger.Debug("close after failure", "error", err)
	}
	m.conn = nil
	m.closedLocked(code, reason)
}

// closedLocked records a closure and schedules a reconnect when the code
// is not a normal close.
func (m *Manager) closedLocked(code int, reason string) {
	m.stopHeartbeatLocked()
	m.state = StateDisconnected
	m.lastCloseCode = code
	m.lastClose = reason

	if code == CloseNormal || !m.wantConnected || !m.cfg.AutoReconnect {
		return
	}

	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.state = StateError
		m.lastErr = ErrReconnectExhausted
		m.reconnectDelay = 0
		m.logger.Error("giving up on ticket socket", "attempts", m.attempts, "last_close_code", code)
		return
	}

	m.attempts++
	delay := ReconnectDelay(m.attempts, m.cfg.BaseDelay, m.cfg.MaxDelay, m.cfg.Rand())
	m.reconnectDelay = delay
	m.logger.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay, "close_code", code)
	m.reconnectGen++
	gen := m.reconnectGen
	m.reconnect = m.clock.AfterFunc(delay, func() { m.fireReconnect(gen) })
}

func (m *Manager) fireReconnect(gen uint64) {
	defer m.unlock(m.lock())

	if gen != m.reconnectGen {
		return
	}
	m.reconnect = nil
	if !m.wantConnected || m.state == StateConnecting || m.state == StateConnected {
		return
	}
	m.startDialLocked()
}

func (m *Manager) stopReconnectLocked() {
	m.reconnectGen++
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// --- Heartbeat ---

func (m *Manager) armHeartbeatLocked(conn *connection) {
	m.stopHeartbeatLocked()
	gen := m.heartbeatGen
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() { m.heartbeatTick(conn, gen) })
}

func (m *Manager) stopHeartbeatLocked() {
	m.heartbeatGen++
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
}

func (m *Manager) heartbeatTick(conn *connection, gen uint64) {
	defer m.unlock(m.lock())

	if m.conn != conn || gen != m.heartbeatGen {
		return
	}

	now := m.clock.Now()
	if now.Sub(m.lastPong) > m.cfg.HeartbeatTimeout {
		m.logger.Warn("heartbeat missed, forcing reconnect", "last_pong", m.lastPong)
		m.dropLocked(conn, CloseHeartbeatMissed, "Heartbeat missed")
		return
	}

	if err := m.writeLocked(conn, outbound{Type: msgPing, TS: now.UnixMilli()}); err != nil {
		return
	}
	m.armHeartbeatLocked(conn)
}

// --- Reading and dispatch ---

func (m *Manager) readLoop(conn *connection) {
	for {
		data, err := conn.sock.ReadMessage()
		if err != nil {
			code, reason := closeInfo(err)
			m.handleClose(conn, code, reason)
			return
		}
		m.handleMessage(conn, data)
	}
}

func (m *Manager) handleClose(conn *connection, code int, reason string) {
	defer m.unlock(m.lock())

	// A connection we already dropped locally reports its own close late.
	if m.conn != conn {
		return
	}
	m.conn = nil
	m.logger.Info("ticket socket closed", "code", code, "reason", reason)
	m.closedLocked(code, reason)
}

func (m *Manager) handleMessage(conn *connection, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		m.logger.Warn("failed to parse ticket socket message", "error", err)
		return
	}

	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	if msg.Type == domain.EventPong {
		m.lastPong = m.clock.Now()
		m.mu.Unlock()
		return
	}
	entries := append([]handlerEntry(nil), m.handlers[msg.Type]...)
	m.mu.Unlock()

	for _, e := range entries {
		e.fn(msg)
	}
}

// On registers fn for every inbound message of the given type. The
// returned func removes it.
func (m *Manager) On(msgType string, fn func(Message)) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.handlers[msgType] = append(m.handlers[msgType], handlerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		entries := m.handlers[msgType]
		for i, e := range entries {
			if e.id == id {
				m.handlers[msgType] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (m *Manager) onTicket(msgType string, fn TicketHandler) func() {
	return m.On(msgType, func(msg Message) {
		if msg.TicketID != nil {
			fn(*msg.TicketID, msg.Payload)
		}
	})
}

// OnTicketUpdate registers fn for ticket_update events.
func (m *Manager) OnTicketUpdate(fn TicketHandler) func() {
	return m.onTicket(domain.EventTicketUpdate, fn)
}

// OnTicketComment registers fn for ticket_comment events.
func (m *Manager) OnTicketComment(fn TicketHandler) func() {
	return m.onTicket(domain.EventTicketComment, fn)
}

// OnTicketStatusChange registers fn for ticket_status_change events.
func (m *Manager) OnTicketStatusChange(fn TicketHandler) func() {
	return m.onTicket(domain.EventTicketStatusChange, fn)
}

// OnTicketAssignment registers fn for ticket_assignment events.
func (m *Manager) OnTicketAssignment(fn TicketHandler) func() {
	return m.onTicket(domain.EventTicketAssignment, fn)
}

// OnStateChange registers fn to receive a Status whenever the state or the
// attempt counter changes. Calls happen outside the manager lock.
func (m *Manager) OnStateChange(fn func(Status)) (remove func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.observers = append(m.observers, observerEntry{id: id, fn: fn})
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// --- Subscriptions ---

// SubscribeToTicket adds a ticket to the server filter and the local mirror.
func (m *Manager) SubscribeToTicket(id int64) error {
	return m.subscribe(domain.FilterPatch{TicketIDs: []int64{id}})
}

// SubscribeToSite adds a site to the server filter and the local mirror.
func (m *Manager) SubscribeToSite(id int64) error {
	return m.subscribe(domain.FilterPatch{SiteIDs: []int64{id}})
}

// SubscribeToAllTickets receives every ticket event.
func (m *Manager) SubscribeToAllTickets() error {
	return m.subscribe(domain.FilterPatch{AllTickets: domain.Bool(true)})
}

// UnsubscribeFromTicket drops one ticket and keeps the rest of the filter.
func (m *Manager) UnsubscribeFromTicket(id int64) error {
	return m.unsubscribe(domain.FilterPatch{TicketID: domain.Int64(id)}, func(s *domain.Subscription) {
		delete(s.TicketIDs, id)
	})
}

// UnsubscribeFromSite drops one site and keeps the rest of the filter.
func (m *Manager) UnsubscribeFromSite(id int64) error {
	return m.unsubscribe(domain.FilterPatch{SiteID: domain.Int64(id)}, func(s *domain.Subscription) {
		delete(s.SiteIDs, id)
	})
}

// UnsubscribeFromAllTickets clears the all-tickets flag.
func (m *Manager) UnsubscribeFromAllTickets() error {
	return m.unsubscribe(domain.FilterPatch{AllTickets: domain.Bool(true)}, func(s *domain.Subscription) {
		s.AllTickets = false
	})
}

func (m *Manager) subscribe(patch domain.FilterPatch) error {
	defer m.unlock(m.lock())

	conn, err := m.openConnLocked(msgSubscribe)
	if err != nil {
		return err
	}
	if err := m.writeLocked(conn, outbound{Type: msgSubscribe, FilterPatch: patch}); err != nil {
		return err
	}
	m.subs.Merge(patch)
	return nil
}

// unsubscribe sends the removal and updates the mirror. The server clears
// the whole filter on unsubscribe, so whatever the mirror still holds is
// subscribed again.
func (m *Manager) unsubscribe(patch domain.FilterPatch, remove func(*domain.Subscription)) error {
	defer m.unlock(m.lock())

	conn, err := m.openConnLocked(msgUnsubscribe)
	if err != nil {
		return err
	}
	if err := m.writeLocked(conn, outbound{Type: msgUnsubscribe, FilterPatch: patch}); err != nil {
		return err
	}
	remove(&m.subs)

	if m.subs.IsEmpty() {
		return nil
	}
	return m.writeLocked(conn, outbound{Type: msgSubscribe, FilterPatch: mirrorPatch(m.subs)})
}

func (m *Manager) openConnLocked(op string) (*connection, error) {
	if m.state != StateConnected || m.conn == nil {
		m.logger.Warn("ticket socket not connected, ignoring request", "op", op)
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

func mirrorPatch(s domain.Subscription) domain.FilterPatch {
	v := s.View()
	p := domain.FilterPatch{
		TicketIDs: v.TicketIDs,
		SiteIDs:   v.SiteIDs,
		AssetIDs:  v.AssetIDs,
	}
	if v.AllTickets {
		p.AllTickets = domain.Bool(true)
	}
	return p
}

// writeLocked sends one frame. A write failure drops the connection and
// takes the reconnect path.
func (m *Manager) writeLocked(conn *connection, msg outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	if err := conn.sock.WriteMessage(data); err != nil {
		m.logger.Warn("ticket socket write failed", "type", msg.Type, "error", err)
		m.dropLocked(conn, CloseAbnormal, err.Error())
		return fmt.Errorf("send %s message: %w", msg.Type, err)
	}
	return nil
}

// --- Status ---

// Status returns a snapshot of the connection.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() Status {
	return Status{
		State:           m.state,
		Connected:       m.state == StateConnected,
		LastCloseCode:   m.lastCloseCode,
		LastCloseReason: m.lastClose,
		ReconnectDelay:  m.reconnectDelay,
		Attempts:        m.attempts,
		Subscriptions:   m.subs.View(),
		LastError:       m.lastErr,
	}
}

type mark struct {
	state    State
	attempts int
}

func (m *Manager) lock() mark {
	m.mu.Lock()
	return mark{state: m.state, attempts: m.attempts}
}

// unlock releases the manager and notifies observers if the state or the
// attempt counter moved since before.
func (m *Manager) unlock(before mark) {
	if before.state == m.state && before.attempts == m.attempts {
		m.mu.Unlock()
		return
	}
	st := m.statusLocked()
	observers := append([]observerEntry(nil), m.observers...)
	m.mu.Unlock()

	for _, o := range observers {
		o.fn(st)
	}
}
