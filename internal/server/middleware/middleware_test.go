package middleware

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ok = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

func TestAuth(t *testing.T) {
	h := Auth("key")(ok)
	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"bearer", "Authorization", "Bearer key", http.StatusNoContent},
		{"api key header", "X-API-Key", "key", http.StatusNoContent},
		{"wrong key", "Authorization", "Bearer nope", http.StatusUnauthorized},
		{"basic scheme", "Authorization", "Basic key", http.StatusUnauthorized},
		{"missing", "", "", http.StatusUnauthorized},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/rounds", nil)
			if tc.header != "" {
				req.Header.Set(tc.header, tc.value)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}

func TestAuthWithoutKeyClosesAdmin(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/rounds", nil)
	req.Header.Set("X-API-Key", "")
	Auth("")(ok).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.9:5555"
	assert.Equal(t, "10.0.0.9", clientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter()
	ctx := context.Background()

	for range 3 {
		allowed, err := l.Allow(ctx, "a", 3, time.Hour)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, _ := l.Allow(ctx, "a", 3, time.Hour)
	assert.False(t, allowed)

	allowed, _ = l.Allow(ctx, "b", 3, time.Hour)
	assert.True(t, allowed)
}

func TestCORSPreflight(t *testing.T) {
	h := CORS([]string{"https://arena.example"})(ok)

	req := httptest.NewRequest(http.MethodOptions, "/api/stakes", nil)
	req.Header.Set("Origin", "https://Arena.Example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://Arena.Example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", rec.Header().Get("Vary"))

	req = httptest.NewRequest(http.MethodGet, "/api/stakes", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingRequestID(t *testing.T) {
	h := Logging(slog.New(slog.NewTextHandler(io.Discard, nil)))(ok)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	generated := rec.Header().Get(RequestIDHeader)
	assert.Len(t, generated, 36)

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set(RequestIDHeader, "trace-123")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "trace-123", rec.Header().Get(RequestIDHeader))
}
