package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// With LOG_FORMAT=json it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	format := strings.ToLower(os.Getenv("LOG_FORMAT"))

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithSession returns a logger with session context fields attached.
// Use this for all logging tied to one upstream session.
func WithSession(poolKey, upstreamID string) *slog.Logger {
	return slog.With(
		"pool_key", poolKey,
		"upstream_session_id", upstreamID,
	)
}

// WithRequest returns a logger scoped to a single chat completion request.
func WithRequest(logger *slog.Logger, requestID string) *slog.Logger {
	return logger.With("request_id", requestID)
}
