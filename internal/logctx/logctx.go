package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey    contextKey = "logger"
	jobIDKey     contextKey = "job_id"
	channelIDKey contextKey = "channel_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}
	return slog.Default()
}

// WithJob tags the context with the job and the channel it reports to. Records
// logged through a TraceHandler with this context carry both as attributes.
func WithJob(ctx context.Context, jobID string, channelID int64) context.Context {
	ctx = context.WithValue(ctx, jobIDKey, jobID)

	return context.WithValue(ctx, channelIDKey, channelID)
}

// JobFromContext returns the job tags set by WithJob.
func JobFromContext(ctx context.Context) (string, int64, bool) {
	jobID, ok := ctx.Value(jobIDKey).(string)
	if !ok {
		return "", 0, false
	}

	channelID, _ := ctx.Value(channelIDKey).(int64)

	return jobID, channelID, true
}
