// Package server exposes the health and activity of a running listener over
// HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-michi/michi"
	"golang.org/x/time/rate"

	"github.com/mscno/roomsync/server/middleware"
)

const (
	maxHeaderBytes    = 1 << 20
	readTimeout       = 30 * time.Second
	readHeaderTimeout = 5 * time.Second
	writeTimeout      = 30 * time.Second
	shutdownTimeout   = 5 * time.Second
	defaultRateLimit  = rate.Limit(5)
	defaultRateBurst  = 20
)

// Config configures a StatusServer.
type Config struct {
	Addr   string
	Status StatusFunc
	// AllowedOrigins enables CORS for browser dashboards. Empty disables it.
	AllowedOrigins []string
	RateLimit      rate.Limit
	RateBurst      int
	Logger         *slog.Logger
}

// StatusServer serves /healthz and /status.
type StatusServer struct {
	Server *http.Server
	Router *michi.Router

	logger  *slog.Logger
	limiter *middleware.RateLimiter
}

// New builds a StatusServer. It does not listen until ListenAndServe.
func New(config Config) (*StatusServer, error) {
	if config.Status == nil {
		return nil, errors.New("server: status func is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.RateLimit == 0 {
		config.RateLimit = defaultRateLimit
	}
	if config.RateBurst == 0 {
		config.RateBurst = defaultRateBurst
	}

	h := &handler{status: config.Status, logger: config.Logger}
	router := michi.NewRouter()
	router.Handle("GET /healthz", http.HandlerFunc(h.healthz))
	router.Handle("GET /status", http.HandlerFunc(h.statusJSON))

	limiter := middleware.NewRateLimiter(config.Logger, middleware.IPAddressKeyFunc, config.RateLimit, config.RateBurst)
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(config.Logger),
		middleware.WithLogger(config.Logger),
		limiter.Limit,
	}
	if len(config.AllowedOrigins) > 0 {
		chain = append(chain, middleware.WithCORS(config.Logger, config.AllowedOrigins))
	}

	return &StatusServer{
		Server: &http.Server{
			Addr:              config.Addr,
			Handler:           applyMiddleware(router, chain...),
			ReadTimeout:       readTimeout,
			ReadHeaderTimeout: readHeaderTimeout,
			WriteTimeout:      writeTimeout,
			MaxHeaderBytes:    maxHeaderBytes,
		},
		Router:  router,
		logger:  config.Logger,
		limiter: limiter,
	}, nil
}

// ServeHTTP implements the http.Handler interface
func (s *StatusServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Server.Handler.ServeHTTP(w, r)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *StatusServer) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.Server.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is done.
func (s *StatusServer) Serve(ctx context.Context, listener net.Listener) error {
	defer s.limiter.Close()
	errs := make(chan error, 1)
	go func() {
		s.logger.Info("status server listening", "addr", listener.Addr().String())
		errs <- s.Server.Serve(listener)
	}()

	select {
	case err := <-errs:
		return err
	case <-ctx.Done():
	}
	s.logger.Debug("shutting down status server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.Server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("error shutting down status server", "error", err)
		return err
	}
	if err := <-errs; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func applyMiddleware(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	// Apply middleware in reverse order so the first middleware in the slice
	// is the outermost one (first to process the request)
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}
