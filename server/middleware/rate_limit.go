package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const cleanupInterval = time.Minute

type RateLimiter struct {
	extractKey KeyFunc
	limiters   map[string]*rate.Limiter
	mu         sync.Mutex
	rate       rate.Limit
	burst      int
	skipper    Skipper
	logger     *slog.Logger
	done       chan struct{}
	closeOnce  sync.Once
}

// KeyFunc extracts a key from the request for rate limiting
type KeyFunc func(*http.Request) string

// Skipper determines if a request should skip rate limiting
type Skipper func(*http.Request) bool

// RateLimiterOption configures a RateLimiter
type RateLimiterOption func(*RateLimiter)

// WithSkipper sets a skipper function for the rate limiter
func WithSkipper(skipper Skipper) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.skipper = skipper
	}
}

// IPAddressKeyFunc returns the client IP of the request, without the port.
func IPAddressKeyFunc(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// NewRateLimiter creates a new rate limiter with the given configuration.
// Close stops its background cleanup.
func NewRateLimiter(logger *slog.Logger, keyFunc KeyFunc, limit rate.Limit, burst int, options ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		extractKey: keyFunc,
		limiters:   make(map[string]*rate.Limiter),
		rate:       limit,
		burst:      burst,
		skipper:    func(*http.Request) bool { return false },
		logger:     logger,
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(rl)
	}
	go rl.cleanup()
	return rl
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	rl.closeOnce.Do(func() { close(rl.done) })
}

// cleanup periodically removes idle limiters.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.done:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		for key, limiter := range rl.limiters {
			if limiter.Tokens() >= float64(rl.burst) {
				delete(rl.limiters, key)
			}
		}
		rl.mu.Unlock()
	}
}

// getLimiter gets or creates a rate limiter for the given key
func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limiter, exists := rl.limiters[key]
	if !exists {
		limiter = rate.NewLimiter(rl.rate, rl.burst)
		rl.limiters[key] = limiter
	}
	return limiter
}

// Limit implements the rate limiting middleware
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.skipper(r) {
			next.ServeHTTP(w, r)
			return
		}

		key := rl.extractKey(r)
		limiter := rl.getLimiter(key)

		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			rl.logger.Warn("rate limit exceeded",
				"remote_addr", r.RemoteAddr,
				"method", r.Method,
				"path", r.URL.Path,
			)
			return
		}

		next.ServeHTTP(w, r)
	})
}
