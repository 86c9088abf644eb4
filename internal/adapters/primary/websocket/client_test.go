package websocket_test

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/realtime"
	wsAdapter "github.com/lorrc/opsgraph-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
)

type serverFrame struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	TicketID *int64          `json:"ticketId"`
}

func startServer(t *testing.T, hub *realtime.Hub) (*httptest.Server, chan *wsAdapter.Client) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	upgrader := gws.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	clients := make(chan *wsAdapter.Client, 4)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		client := wsAdapter.NewClient(conn, hub, uuid.New(), clockwork.NewRealClock(), wsAdapter.DefaultClientConfig(), logger)
		hub.AddClient(client.ID, domain.TransportWebSocket, client, client.UserID)
		go client.WritePump()
		go client.ReadPump()
		clients <- client
	}))
	t.Cleanup(srv.Close)
	return srv, clients
}

func dial(t *testing.T, srv *httptest.Server) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *gws.Conn) serverFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f serverFrame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func newHub() *realtime.Hub {
	return realtime.NewHub(clockwork.NewRealClock(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestClient_Handshake(t *testing.T) {
	hub := newHub()
	srv, _ := startServer(t, hub)
	conn := dial(t, srv)

	f := readFrame(t, conn)
	assert.Equal(t, domain.EventConnected, f.Type)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestClient_SubscribeAndReceive(t *testing.T) {
	hub := newHub()
	srv, clients := startServer(t, hub)
	conn := dial(t, srv)
	readFrame(t, conn)
	client := <-clients

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "ticketIds": []int64{5}}))
	ack := readFrame(t, conn)
	require.Equal(t, domain.EventSubscribed, ack.Type)
	var view domain.SubscriptionView
	require.NoError(t, json.Unmarshal(ack.Payload, &view))
	assert.Equal(t, []int64{5}, view.TicketIDs)

	// Filtered out, then delivered.
	hub.Broadcast(domain.NewEvent(domain.EventTicketUpdate, nil, time.Now()), domain.TargetAttributes{TicketID: domain.Int64(9)})
	event := domain.NewEvent(domain.EventTicketUpdate, map[string]string{"status": "OPEN"}, time.Now())
	event.TicketID = domain.Int64(5)
	hub.Broadcast(event, domain.TargetAttributes{TicketID: domain.Int64(5)})

	f := readFrame(t, conn)
	assert.Equal(t, domain.EventTicketUpdate, f.Type)
	require.NotNil(t, f.TicketID)
	assert.Equal(t, int64(5), *f.TicketID)

	filters, ok := hub.Filters(client.ID)
	require.True(t, ok)
	assert.Equal(t, []int64{5}, filters.TicketIDs)
}

func TestClient_FilterSpellings(t *testing.T) {
	hub := newHub()
	srv, clients := startServer(t, hub)
	conn := dial(t, srv)
	readFrame(t, conn)
	client := <-clients

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "siteId": 3, "payload": map[string]any{"allTickets": true}}))
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "filters": map[string]any{"assetId": 7}}))
	readFrame(t, conn)

	view, _ := hub.Filters(client.ID)
	assert.Equal(t, []int64{3}, view.SiteIDs)
	assert.Equal(t, []int64{7}, view.AssetIDs)
	assert.True(t, view.AllTickets)
}

func TestClient_UnsubscribeClearsEverything(t *testing.T) {
	hub := newHub()
	srv, clients := startServer(t, hub)
	conn := dial(t, srv)
	readFrame(t, conn)
	client := <-clients

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "subscribe", "ticketIds": []int64{1, 2}, "siteIds": []int64{4}}))
	readFrame(t, conn)
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "unsubscribe", "ticketIds": []int64{1}}))

	f := readFrame(t, conn)
	assert.Equal(t, domain.EventUnsubscribed, f.Type)
	view, _ := hub.Filters(client.ID)
	assert.Empty(t, view.TicketIDs)
	assert.Empty(t, view.SiteIDs)
}

func TestClient_PingAuthAndGarbage(t *testing.T) {
	hub := newHub()
	srv, _ := startServer(t, hub)
	conn := dial(t, srv)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("{not json")))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "mystery"}))
	require.NoError(t, conn.WriteJSON(map[string]any{"type": "ping", "ts": 1}))

	pong := readFrame(t, conn)
	assert.Equal(t, domain.EventPong, pong.Type)
	var p domain.Pong
	require.NoError(t, json.Unmarshal(pong.Payload, &p))
	assert.NotZero(t, p.TS)

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "auth", "token": "ignored"}))
	ack := readFrame(t, conn)
	assert.Equal(t, domain.EventSubscribed, ack.Type)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestClient_CloseDeregisters(t *testing.T) {
	hub := newHub()
	srv, _ := startServer(t, hub)
	conn := dial(t, srv)
	readFrame(t, conn)

	require.NoError(t, conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "bye")))
	_ = conn.Close()

	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestClient_HubRemovalClosesSocket(t *testing.T) {
	hub := newHub()
	srv, clients := startServer(t, hub)
	conn := dial(t, srv)
	readFrame(t, conn)
	client := <-clients

	hub.RemoveClient(client.ID)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, gws.IsCloseError(err, gws.CloseGoingAway), "got %v", err)
}

func TestClient_ShutdownSendsGoingAway(t *testing.T) {
	hub := newHub()
	srv, _ := startServer(t, hub)
	conn := dial(t, srv)
	readFrame(t, conn)

	hub.Shutdown()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	var ce *gws.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, gws.CloseGoingAway, ce.Code)
	assert.Equal(t, "Server shutting down", ce.Text)
}

func TestCloseCode(t *testing.T) {
	tests := []struct {
		cause realtime.CloseCause
		code  int
	}{
		{realtime.CauseGone, gws.CloseGoingAway},
		{realtime.CauseShutdown, gws.CloseGoingAway},
		{realtime.CauseInactive, gws.ClosePolicyViolation},
		{realtime.CauseEvicted, gws.CloseTryAgainLater},
	}

	for _, tt := range tests {
		t.Run(tt.cause.String(), func(t *testing.T) {
			code, _ := wsAdapter.CloseCode(tt.cause)
			assert.Equal(t, tt.code, code)
			assert.NotEqual(t, gws.CloseNormalClosure, code)
		})
	}
}
