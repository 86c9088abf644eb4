package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/lorrc/opsgraph-realtime/internal/adapters/primary/http/middleware"
	"github.com/lorrc/opsgraph-realtime/internal/auth"
)

// RealtimeRoutes groups the handlers mounted under the API prefix.
type RealtimeRoutes struct {
	Tokens       *auth.TokenManager
	KG           *KGHandler
	WebSocket    *WebSocketHandler
	TicketSocket *TicketSocketHandler
	// Ingest wraps the endpoints that inject events, typically with a
	// stricter rate limiter.
	Ingest []func(http.Handler) http.Handler
}

// Register mounts the SSE, ingestion and ticket socket routes on r.
func (rr RealtimeRoutes) Register(r chi.Router) {
	// Knowledge-graph stream and ingestion. EventSource cannot set headers,
	// so the JWT middleware also accepts a token query parameter.
	r.Group(func(r chi.Router) {
		r.Use(mw.JWTMiddleware(rr.Tokens))
		r.Route("/kg", func(r chi.Router) {
			rr.KG.RegisterRoutes(r, rr.Ingest...)
		})
	})

	r.Route("/ws/tickets", func(r chi.Router) {
		// The upgrade authenticates itself so failures are not upgraded.
		r.Get("/", rr.WebSocket.ServeHTTP)
		rr.TicketSocket.RegisterPublicRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(mw.JWTMiddleware(rr.Tokens))
			rr.TicketSocket.RegisterRoutes(r, rr.Ingest...)
		})
	})
}
