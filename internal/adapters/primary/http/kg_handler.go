package http

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	mw "github.com/lorrc/opsgraph-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/realtime"
	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/sse"
	"github.com/lorrc/opsgraph-realtime/internal/adapters/primary/validation"
	"github.com/lorrc/opsgraph-realtime/internal/core/domain"
	apperrors "github.com/lorrc/opsgraph-realtime/internal/core/errors"
	"github.com/lorrc/opsgraph-realtime/internal/core/ports"
	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/logging"
)

// StreamConfig holds SSE stream settings
type StreamConfig struct {
	Heartbeat  time.Duration
	SendBuffer int
}

// KGHandler serves the knowledge-graph event stream and its ingestion
// endpoints.
type KGHandler struct {
	hub          *realtime.Hub
	notifier     ports.Notifier
	clock        clockwork.Clock
	cfg          StreamConfig
	errorHandler *ErrorHandler
	logger       *slog.Logger
}

// NewKGHandler creates a new knowledge-graph handler
func NewKGHandler(
	hub *realtime.Hub,
	notifier ports.Notifier,
	clk clockwork.Clock,
	cfg StreamConfig,
	errorHandler *ErrorHandler,
	logger *slog.Logger,
) *KGHandler {
	return &KGHandler{
		hub:          hub,
		notifier:     notifier,
		clock:        clk,
		cfg:          cfg,
		errorHandler: errorHandler,
		logger:       logger.With("handler", "kg"),
	}
}

// RegisterRoutes sets up the knowledge-graph routes. Callers are expected
// to have applied JWT authentication. ingest wraps the write endpoints.
func (h *KGHandler) RegisterRoutes(r chi.Router, ingest ...func(http.Handler) http.Handler) {
	r.Get("/events", h.HandleEvents)

	w := r.With(ingest...)
	w.Post("/events/filters", h.HandleUpdateFilters)
	w.Post("/notify", h.HandleNotify)
}

// HandleEvents streams events to the caller until the request ends.
func (h *KGHandler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var patch domain.FilterPatch
	var err error
	if patch.TicketID, err = validation.ParseIDQueryParam(r, "ticketId"); HandleError(w, r, err, h.errorHandler) {
		return
	}
	if patch.AssetID, err = validation.ParseIDQueryParam(r, "assetId"); HandleError(w, r, err, h.errorHandler) {
		return
	}
	if patch.SiteID, err = validation.ParseIDQueryParam(r, "siteId"); HandleError(w, r, err, h.errorHandler) {
		return
	}

	var userID uuid.UUID
	if claims, ok := mw.GetUserClaims(ctx); ok {
		userID = claims.UserID
	}

	id := newClientID(h.clock.Now())
	logger := logging.LoggerFromContext(logging.WithClientID(ctx, id), h.logger)

	// Register before the headers go out so a closed hub can still answer 503.
	stream := sse.NewStream(id, h.cfg.SendBuffer, h.clock, h.cfg.Heartbeat, h.logger)
	if HandleError(w, r, h.hub.AddClient(id, domain.TransportSSE, stream, userID), h.errorHandler) {
		return
	}
	defer h.hub.RemoveClient(id)

	if !patch.IsEmpty() {
		h.hub.UpdateFilters(id, patch)
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	if err := rc.Flush(); err != nil {
		h.logger.Error("response does not support streaming", "error", err)
		return
	}
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	logger.Info("sse stream opened", "filtered", !patch.IsEmpty())

	if err := stream.Pump(ctx, w, rc.Flush); err != nil {
		logger.Warn("sse stream ended with error", "error", err)
		return
	}
	logger.Info("sse stream closed")
}

// UpdateFiltersRequest replaces the filters of an existing stream.
type UpdateFiltersRequest struct {
	ClientID string             `json:"clientId"`
	Filters  domain.FilterPatch `json:"filters"`
}

// HandleUpdateFilters applies new filters to a live stream. Unknown client
// ids are accepted silently; the stream may have just closed.
func (h *KGHandler) HandleUpdateFilters(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeJSON[UpdateFiltersRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}
	if req.ClientID == "" {
		h.errorHandler.Handle(w, r, apperrors.ErrClientIDRequired)
		return
	}
	if HandleError(w, r, validation.FilterPatch(req.Filters), h.errorHandler) {
		return
	}

	if !h.hub.UpdateFilters(req.ClientID, req.Filters) {
		h.logger.Debug("filter update for unknown client", "client_id", req.ClientID)
	}

	WriteJSON(w, http.StatusOK, SuccessResponse{Success: true})
}

// NotifyRequest is an event pushed by another service.
type NotifyRequest struct {
	Type    string                  `json:"type"`
	Payload any                     `json:"payload,omitempty"`
	Filters domain.TargetAttributes `json:"filters"`
}

// NotifyResponse reports how many clients were connected at broadcast time.
type NotifyResponse struct {
	Success     bool   `json:"success"`
	ClientCount int    `json:"clientCount"`
	Message     string `json:"message"`
}

// HandleNotify broadcasts an event to every matching stream and socket.
func (h *KGHandler) HandleNotify(w http.ResponseWriter, r *http.Request) {
	req, err := validation.DecodeJSON[NotifyRequest](r)
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	payload := req.Payload
	if payload == nil {
		payload = map[string]any{}
	}

	if HandleError(w, r, h.notifier.NotifyKGUpdate(r.Context(), req.Type, payload, req.Filters), h.errorHandler) {
		return
	}

	count := h.hub.ClientCount()
	WriteJSON(w, http.StatusOK, NotifyResponse{
		Success:     true,
		ClientCount: count,
		Message:     fmt.Sprintf("Broadcasted %s to %d clients", req.Type, count),
	})
}

// newClientID returns "<unix millis>-<random>".
func newClientID(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString()[:8])
}
