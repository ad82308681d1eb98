package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
}

func TestRateLimiter(t *testing.T) {
	tests := []struct {
		name         string
		expectStatus int
		numRequests  int
		sleep        time.Duration
		burst        int
		limit        rate.Limit
	}{
		{
			name:         "within burst",
			expectStatus: http.StatusOK,
			numRequests:  20,
			limit:        rate.Every(time.Hour),
			burst:        20,
		},
		{
			name:         "exceed burst",
			expectStatus: http.StatusTooManyRequests,
			numRequests:  21,
			limit:        rate.Every(time.Hour),
			burst:        20,
		},
		{
			name:         "ok as tokens refill",
			expectStatus: http.StatusOK,
			numRequests:  10,
			limit:        rate.Every(time.Millisecond),
			burst:        1,
			sleep:        2 * time.Millisecond,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rl := NewRateLimiter(slog.Default(), IPAddressKeyFunc, tc.limit, tc.burst)
			defer rl.Close()
			handler := rl.Limit(okHandler())

			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.RemoteAddr = "192.168.1.1:4242"

			var rec *httptest.ResponseRecorder
			for i := 0; i < tc.numRequests; i++ {
				rec = httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				time.Sleep(tc.sleep)
			}

			assert.Equal(t, tc.expectStatus, rec.Code)
		})
	}
}

func TestRateLimiterKeysByIP(t *testing.T) {
	rl := NewRateLimiter(slog.Default(), IPAddressKeyFunc, rate.Every(time.Hour), 1)
	defer rl.Close()
	handler := rl.Limit(okHandler())

	serve := func(remoteAddr string) int {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.RemoteAddr = remoteAddr
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, serve("10.0.0.1:1000"))
	// Same client on another source port shares the bucket.
	assert.Equal(t, http.StatusTooManyRequests, serve("10.0.0.1:1001"))
	assert.Equal(t, http.StatusOK, serve("10.0.0.2:1000"))
}

func TestRateLimiterSkipper(t *testing.T) {
	rl := NewRateLimiter(slog.Default(), IPAddressKeyFunc, rate.Every(time.Hour), 1,
		WithSkipper(func(r *http.Request) bool { return r.URL.Path == "/healthz" }))
	defer rl.Close()
	handler := rl.Limit(okHandler())

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestIPAddressKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:8080"
	assert.Equal(t, "::1", IPAddressKeyFunc(req))
	req.RemoteAddr = "unix"
	assert.Equal(t, "unix", IPAddressKeyFunc(req))
}

func TestRecovery(t *testing.T) {
	handler := Recovery(slog.Default())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestWithCORS(t *testing.T) {
	handler := WithCORS(slog.Default(), []string{"https://dash.example.org"})(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://dash.example.org")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "https://dash.example.org", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
