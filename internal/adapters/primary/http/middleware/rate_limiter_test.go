package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{name: "remote addr", remote: "10.0.0.1:5000", want: "10.0.0.1"},
		{name: "forwarded chain", headers: map[string]string{"X-Forwarded-For": "203.0.113.7, 10.0.0.2"}, remote: "10.0.0.1:5000", want: "203.0.113.7"},
		{name: "forwarded with port", headers: map[string]string{"X-Forwarded-For": "203.0.113.7:443"}, want: "203.0.113.7"},
		{name: "real ip", headers: map[string]string{"X-Real-IP": "198.51.100.4"}, remote: "10.0.0.1:5000", want: "198.51.100.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/notify", nil)
			if tt.remote != "" {
				r.RemoteAddr = tt.remote
			}
			for k, v := range tt.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(r))
		})
	}
}

func TestDefaultRateLimiterConfig(t *testing.T) {
	cfg := DefaultRateLimiterConfig(5, 7)
	assert.Equal(t, 5.0, cfg.RequestsPerSecond)
	assert.Equal(t, 7, cfg.BurstSize)
	assert.Equal(t, 3*time.Minute, cfg.TTL)

	fallback := DefaultRateLimiterConfig(0, 0)
	assert.Equal(t, 10.0, fallback.RequestsPerSecond)
	assert.Equal(t, 20, fallback.BurstSize)
}

func TestRateLimiter_Middleware(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: 0.001,
		BurstSize:         2,
		CleanupInterval:   time.Hour,
		TTL:               time.Hour,
	})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	call := func(ip string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/notify", nil)
		r.RemoteAddr = ip + ":1234"
		h.ServeHTTP(rec, r)
		return rec
	}

	assert.Equal(t, http.StatusAccepted, call("10.0.0.1").Code)
	assert.Equal(t, http.StatusAccepted, call("10.0.0.1").Code)

	limited := call("10.0.0.1")
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "1", limited.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"Too many requests. Please try again later.","code":"RATE_LIMITED"}`, limited.Body.String())

	// Limits are per client.
	assert.Equal(t, http.StatusAccepted, call("10.0.0.2").Code)
}
