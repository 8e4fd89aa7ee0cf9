// Package shield provides the HTTP middleware applied to the status
// endpoints: security headers and per-request structured logging.
//
// Usage:
//
//	r := chi.NewRouter()
//	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
//	r.Use(shield.RequestLogger)
package shield

import (
	"context"
	"log/slog"
)

type contextKey string

// loggerKey is the context key for the per-request structured logger.
const loggerKey contextKey = "shield_logger"

// GetLogger retrieves the per-request logger from the context.
// Returns slog.Default() if no logger was set.
func GetLogger(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}
