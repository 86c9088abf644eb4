package http

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	mw "github.com/lorrc/opsgraph-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/realtime"
	wsAdapter "github.com/lorrc/opsgraph-realtime/internal/adapters/primary/websocket"
	"github.com/lorrc/opsgraph-realtime/internal/auth"
	"github.com/lorrc/opsgraph-realtime/internal/config"
	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	apperrors "github.com/lorrc/opsgraph-realtime/internal/core/errors"
)

// WebSocketHandler upgrades ticket socket connections and hands them to
// the hub.
type WebSocketHandler struct {
	hub          *realtime.Hub
	tm           *auth.TokenManager
	clock        clockwork.Clock
	clientCfg    wsAdapter.ClientConfig
	upgrader     websocket.Upgrader
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(
	hub *realtime.Hub,
	tm *auth.TokenManager,
	clk clockwork.Clock,
	cfg *config.Config,
	errorHandler *ErrorHandler,
	logger *slog.Logger,
) *WebSocketHandler {
	handler := &WebSocketHandler{
		hub:   hub,
		tm:    tm,
		clock: clk,
		clientCfg: wsAdapter.ClientConfig{
			SendBuffer:        cfg.Realtime.SendBuffer,
			PingInterval:      cfg.WebSocket.PingInterval,
			PongWait:          cfg.WebSocket.PongWait,
			MessagesPerSecond: cfg.WebSocket.MessagesPerSecond,
			MessageBurst:      cfg.WebSocket.MessageBurst,
		},
		errorHandler: errorHandler,
		logger:       logger.With("handler", "websocket"),
	}

	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  cfg.WebSocket.ReadBufferSize,
		WriteBufferSize: cfg.WebSocket.WriteBufferSize,
		CheckOrigin:     handler.makeOriginChecker(cfg),
	}

	return handler
}

// makeOriginChecker creates an origin checking function based on configuration
func (h *WebSocketHandler) makeOriginChecker(cfg *config.Config) func(r *http.Request) bool {
	allowedOrigins := cfg.WebSocket.AllowedOrigins

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")

		// In development mode, allow all origins (but log a warning)
		if cfg.IsDevelopment() {
			if origin != "" {
				h.logger.Warn("allowing websocket connection in development mode",
					"origin", origin,
					"remote_addr", r.RemoteAddr,
				)
			}
			return true
		}

		// No origin header (same-origin request or non-browser client)
		if origin == "" {
			return true
		}

		// Check against allowed origins
		parsedOrigin, err := url.Parse(origin)
		if err != nil {
			h.logger.Warn("failed to parse websocket origin",
				"origin", origin,
				"error", err,
			)
			return false
		}

		originHost := parsedOrigin.Host

		for _, allowed := range allowedOrigins {
			// Support wildcard subdomains like "*.example.com"
			if strings.HasPrefix(allowed, "*.") {
				suffix := allowed[1:] // Remove the "*", keep ".example.com"
				if strings.HasSuffix(originHost, suffix) || originHost == allowed[2:] {
					return true
				}
			} else if originHost == allowed {
				return true
			}
		}

		h.logger.Warn("websocket connection rejected due to origin",
			"origin", origin,
			"remote_addr", r.RemoteAddr,
			"allowed_origins", allowedOrigins,
		)
		return false
	}
}

// ServeHTTP handles WebSocket connection requests
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	// 1. Authenticate before upgrading so failures get a plain 401
	tokenString, ok := mw.TokenFromRequest(r)
	if !ok {
		h.logger.Warn("websocket connection rejected: missing token",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
		)
		h.errorHandler.Handle(w, r, apperrors.NewUnauthorizedError("Missing authentication token"))
		return
	}

	claims, err := h.tm.ValidateToken(tokenString)
	if err != nil {
		h.logger.Warn("websocket connection rejected: invalid token",
			"request_id", requestID,
			"remote_addr", r.RemoteAddr,
			"error", err,
		)
		h.errorHandler.Handle(w, r, apperrors.NewUnauthorizedError("Invalid or expired token"))
		return
	}

	// 2. Upgrade the connection
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("failed to upgrade websocket connection",
			"request_id", requestID,
			"user_id", claims.UserID,
			"error", err,
		)
		return
	}

	// 3. Register with an empty subscription
	client := wsAdapter.NewClient(conn, h.hub, claims.UserID, h.clock, h.clientCfg, h.logger)
	if err := h.hub.AddClient(client.ID, domain.TransportWebSocket, client, claims.UserID); err != nil {
		h.logger.Warn("refusing websocket connection",
			"request_id", requestID,
			"user_id", claims.UserID,
			"error", err,
		)
		code, reason := wsAdapter.CloseCode(realtime.CauseShutdown)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	h.logger.Info("websocket connection established",
		"request_id", requestID,
		"client_id", client.ID,
		"user_id", claims.UserID,
		"remote_addr", r.RemoteAddr,
	)

	// 4. Start the I/O pumps in new goroutines
	go client.WritePump()
	go client.ReadPump()
}
