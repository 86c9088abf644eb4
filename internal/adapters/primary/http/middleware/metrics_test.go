package middleware

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"

	"github.com/lorrc/opsgraph-realtime/internal/infrastructure/metrics"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMetrics_UsesRoutePattern(t *testing.T) {
	metrics.Register()

	r := chi.NewRouter()
	r.Use(Metrics)
	r.Get("/items/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/items/42", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	scrape := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(scrape, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	body := scrape.Body.String()
	assert.Contains(t, body, `route="/items/{id}"`)
	assert.Contains(t, body, `status="418"`)
	assert.NotContains(t, body, `route="/items/42"`)
}
