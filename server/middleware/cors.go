package middleware

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rs/cors"
)

type corsLogger struct {
	logger *slog.Logger
}

func (c *corsLogger) Printf(format string, args ...interface{}) {
	c.logger.Debug(fmt.Sprintf("CORS: %s", fmt.Sprintf(format, args...)))
}

// WithCORS lets browser dashboards on origins read the status endpoints.
func WithCORS(logger *slog.Logger, origins []string) func(http.Handler) http.Handler {
	return func(h http.Handler) http.Handler {
		middleware := cors.New(cors.Options{
			AllowedOrigins: origins,
			AllowedMethods: []string{http.MethodGet, http.MethodHead},
			Logger:         &corsLogger{logger: logger},
		})
		return middleware.Handler(h)
	}
}
