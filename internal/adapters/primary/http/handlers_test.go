package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	stdhttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/realtime"
	"github.com/lorrc/opsgraph-realtime/internal/auth"
	"github.com/lorrc/opsgraph-realtime/internal/config"
	"github.com/lorrc/opsgraph-realtime/internal/core/services"
)

type testEnv struct {
	srv   *httptest.Server
	hub   *realtime.Hub
	token string
}

type frame struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Filters  json.RawMessage `json:"filters"`
	TicketID *int64          `json:"ticketId"`
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := clockwork.NewRealClock()
	tm := auth.NewTokenManager("test-secret", time.Hour)
	hub := realtime.NewHub(clk, logger)
	notifier := services.NewNotificationService(hub, clk, logger)
	errorHandler := NewErrorHandler(logger)

	t.Setenv("JWT_SECRET", "test-secret")
	cfg := config.FromEnv()

	routes := RealtimeRoutes{
		Tokens:       tm,
		KG:           NewKGHandler(hub, notifier, clk, StreamConfig{Heartbeat: time.Minute, SendBuffer: 16}, errorHandler, logger),
		WebSocket:    NewWebSocketHandler(hub, tm, clk, cfg, errorHandler, logger),
		TicketSocket: NewTicketSocketHandler(hub, notifier, time.Minute, errorHandler, logger),
	}

	r := chi.NewRouter()
	r.Route("/api", routes.Register)

	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.Shutdown()
		srv.Close()
	})

	token, err := tm.GenerateToken(uuid.New())
	require.NoError(t, err)

	return &testEnv{srv: srv, hub: hub, token: token}
}

func (e *testEnv) post(t *testing.T, path, body string) (*stdhttp.Response, map[string]any) {
	t.Helper()

	req, err := stdhttp.NewRequest(stdhttp.MethodPost, e.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+e.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

// openStream starts an SSE request and returns a reader for its frames.
func (e *testEnv) openStream(t *testing.T, query string) func() frame {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodGet, e.srv.URL+"/api/kg/events?token="+e.token+query, nil)
	require.NoError(t, err)

	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))
	assert.Equal(t, "no", resp.Header.Get("X-Accel-Buffering"))

	frames := make(chan frame, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var f frame
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &f) == nil {
				frames <- f
			}
		}
		close(frames)
	}()

	return func() frame {
		t.Helper()
		select {
		case f, ok := <-frames:
			require.True(t, ok, "stream closed")
			return f
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
			return frame{}
		}
	}
}

func TestKGEvents_StreamsFilteredEvents(t *testing.T) {
	env := newTestEnv(t)
	next := env.openStream(t, "&ticketId=5")

	connected := next()
	assert.Equal(t, "connected", connected.Type)
	var info struct {
		ClientID string `json:"clientId"`
	}
	require.NoError(t, json.Unmarshal(connected.Payload, &info))
	assert.NotEmpty(t, info.ClientID)

	updated := next()
	assert.Equal(t, "filters_updated", updated.Type)
	assert.JSONEq(t, `{"ticketIds":[5],"siteIds":[],"assetIds":[],"allTickets":false}`, string(updated.Filters))

	resp, body := env.post(t, "/api/kg/notify", `{"type":"ticket_updated","payload":{"n":1},"filters":{"ticketId":6,"siteId":9}}`)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(1), body["clientCount"])
	assert.Equal(t, "Broadcasted ticket_updated to 1 clients", body["message"])

	resp, _ = env.post(t, "/api/kg/notify", `{"type":"ticket_updated","payload":{"n":2},"filters":{"ticketId":5}}`)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)

	got := next()
	assert.Equal(t, "ticket_updated", got.Type)
	assert.JSONEq(t, `{"n":2}`, string(got.Payload))
}

func TestKGEvents_FilterUpdateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	next := env.openStream(t, "")

	connected := next()
	var info struct {
		ClientID string `json:"clientId"`
	}
	require.NoError(t, json.Unmarshal(connected.Payload, &info))

	resp, body := env.post(t, "/api/kg/events/filters", `{"clientId":"`+info.ClientID+`","filters":{"siteIds":[3]}}`)
	require.Equal(t, stdhttp.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]any{"success": true}, body)

	updated := next()
	assert.Equal(t, "filters_updated", updated.Type)
	assert.Contains(t, string(updated.Filters), `"siteIds":[3]`)

	// Untargeted events still reach a filtered stream.
	env.post(t, "/api/kg/notify", `{"type":"kg_analytics_updated"}`)
	got := next()
	assert.Equal(t, "kg_analytics_updated", got.Type)
	assert.JSONEq(t, `{}`, string(got.Payload))
}

func TestKGEvents_DisconnectDeregisters(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := stdhttp.NewRequestWithContext(ctx, stdhttp.MethodGet, env.srv.URL+"/api/kg/events?token="+env.token, nil)
	require.NoError(t, err)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Eventually(t, func() bool { return env.hub.ClientCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.Eventually(t, func() bool { return env.hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestKGEvents_RefusedAfterShutdown(t *testing.T) {
	env := newTestEnv(t)
	env.hub.Shutdown()

	resp, err := env.srv.Client().Get(env.srv.URL + "/api/kg/events?token=" + env.token)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, stdhttp.StatusServiceUnavailable, resp.StatusCode)
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "SERVICE_UNAVAILABLE", body["code"])
	assert.Equal(t, 0, env.hub.ClientCount())
}

func TestKGEvents_Errors(t *testing.T) {
	env := newTestEnv(t)

	t.Run("missing token", func(t *testing.T) {
		resp, err := env.srv.Client().Get(env.srv.URL + "/api/kg/events")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("invalid query filter", func(t *testing.T) {
		resp, err := env.srv.Client().Get(env.srv.URL + "/api/kg/events?token=" + env.token + "&siteId=abc")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, stdhttp.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, 0, env.hub.ClientCount())
	})

	t.Run("notify without type", func(t *testing.T) {
		resp, body := env.post(t, "/api/kg/notify", `{"payload":{}}`)
		assert.Equal(t, stdhttp.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Message type is required", body["error"])
		assert.Equal(t, "EVENT_TYPE_REQUIRED", body["code"])
	})

	t.Run("notify with malformed body", func(t *testing.T) {
		resp, body := env.post(t, "/api/kg/notify", `{"type":`)
		assert.Equal(t, stdhttp.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "BAD_REQUEST", body["code"])
	})

	t.Run("filters without client id", func(t *testing.T) {
		resp, body := env.post(t, "/api/kg/events/filters", `{"filters":{"ticketId":1}}`)
		assert.Equal(t, stdhttp.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Client ID is required", body["error"])
	})

	t.Run("filters with negative id", func(t *testing.T) {
		resp, body := env.post(t, "/api/kg/events/filters", `{"clientId":"x","filters":{"ticketIds":[-1]}}`)
		assert.Equal(t, stdhttp.StatusUnprocessableEntity, resp.StatusCode)
		assert.Equal(t, "VALIDATION_ERROR", body["code"])
	})

	t.Run("filters for unknown client", func(t *testing.T) {
		resp, body := env.post(t, "/api/kg/events/filters", `{"clientId":"gone","filters":{"ticketId":1}}`)
		assert.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
	})
}

func TestTicketSocket_NotifyHealthCleanup(t *testing.T) {
	env := newTestEnv(t)

	t.Run("health is public", func(t *testing.T) {
		resp, err := env.srv.Client().Get(env.srv.URL + "/api/ws/tickets/health")
		require.NoError(t, err)
		defer resp.Body.Close()

		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, "ok", body["status"])
		ws := body["websocket"].(map[string]any)
		assert.Equal(t, true, ws["enabled"])
		assert.Equal(t, float64(0), ws["totalClients"])
	})

	t.Run("notify validates", func(t *testing.T) {
		resp, body := env.post(t, "/api/ws/tickets/notify", `{"type":"update"}`)
		assert.Equal(t, stdhttp.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Type and ticketId are required", body["error"])

		resp, body = env.post(t, "/api/ws/tickets/notify", `{"type":"deleted","ticketId":3}`)
		assert.Equal(t, stdhttp.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "Invalid notification type", body["error"])
	})

	t.Run("notify succeeds with stats", func(t *testing.T) {
		resp, body := env.post(t, "/api/ws/tickets/notify", `{"type":"comment","ticketId":3,"payload":{"body":"hi"}}`)
		assert.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.Contains(t, body, "stats")
	})

	t.Run("notify requires auth", func(t *testing.T) {
		resp, err := env.srv.Client().Post(env.srv.URL+"/api/ws/tickets/notify", "application/json",
			bytes.NewBufferString(`{"type":"update","ticketId":1}`))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, stdhttp.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("cleanup", func(t *testing.T) {
		resp, body := env.post(t, "/api/ws/tickets/cleanup", `{}`)
		assert.Equal(t, stdhttp.StatusOK, resp.StatusCode)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, float64(0), body["removedClients"])
	})
}
