package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/realtime"
	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/validation"
	"github.com/lorrc/opsgraph-realtime/internal/core/ports"
)

// TicketSocketHandler exposes management endpoints for the ticket socket.
type TicketSocketHandler struct {
	hub             *realtime.Hub
	notifier        ports.Notifier
	inactiveTimeout time.Duration
	errorHandler    *ErrorHandler
	logger          *slog.Logger
}

// NewTicketSocketHandler creates a new ticket socket handler
func NewTicketSocketHandler(
	hub *realtime.Hub,
	notifier ports.Notifier,
	inactiveTimeout time.Duration,
	errorHandler *ErrorHandler,
	logger *slog.Logger,
) *TicketSocketHandler {
	return &TicketSocketHandler{
		hub:             hub,
		notifier:        notifier,
		inactiveTimeout: inactiveTimeout,
		errorHandler:    errorHandler,
		logger:          logger.With("handler", "ticket_socket"),
	}
}

// RegisterPublicRoutes sets up the unauthenticated routes.
func (h *TicketSocketHandler) RegisterPublicRoutes(r chi.Router) {
	r.Get("/health", h.HandleHealth)
}

// RegisterRoutes sets up the routes that require authentication.
func (h *TicketSocketHandler) RegisterRoutes(r chi.Router, ingest ...func(http.Handler) http.Handler) {
	r.With(ingest...).Post("/notify", h.HandleNotify)
	r.Post("/cleanup", h.HandleCleanup)
}

// TicketNotifyRequest asks for a ticket event to be pushed to subscribers.
type TicketNotifyRequest struct {
	Type     string `json:"type"`
	TicketID int64  `json:"ticketId"`
	SiteID   *int64 `json:"siteId,omitempty"`
	Payload  any    `json:"payload"`
}

// StatsResponse acknowledges a request with the registry statistics.
type StatsResponse struct {
	Success bool           `json:"success"`
	Stats   realtime.Stats `json:"stats"`
}

// HandleNotify broadcasts a ticket event.
func (h *TicketSocketHandler) HandleNotify(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeJSON[TicketNotifyRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	err = h.notifier.NotifyTicket(r.Context(), ports.TicketNotification{
		Kind:     req.Type,
		TicketID: req.TicketID,
		SiteID:   req.SiteID,
		Payload:  req.Payload,
	})
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteJSON(w, http.StatusOK, StatsResponse{Success: true, Stats: h.hub.Stats()})
}

// SocketHealth reports the ticket socket as enabled alongside the
// registry statistics.
type SocketHealth struct {
	Enabled bool `json:"enabled"`
	realtime.Stats
}

// HandleHealth reports ticket socket status.
func (h *TicketSocketHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, struct {
		Status    string       `json:"status"`
		WebSocket SocketHealth `json:"websocket"`
	}{
		Status:    "ok",
		WebSocket: SocketHealth{Enabled: true, Stats: h.hub.Stats()},
	})
}

// HandleCleanup drops sockets that have been idle longer than the
// configured timeout.
func (h *TicketSocketHandler) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	removed := h.hub.CleanupInactive(h.inactiveTimeout)
	h.logger.Info("manual cleanup", "removed_clients", removed)

	WriteJSON(w, http.StatusOK, struct {
		Success        bool           `json:"success"`
		RemovedClients int            `json:"removedClients"`
		Stats          realtime.Stats `json:"stats"`
	}{
		Success:        true,
		RemovedClients: removed,
		Stats:          h.hub.Stats(),
	})
}
