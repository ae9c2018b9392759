// Package observability provides production-grade observability features
// for the swarm core: structured logging, metrics, and distributed tracing.
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds swarm context to a logger, returning a new logger with
// agent_id, correlation_id, and event_seq fields.
func EnrichLogger(logger *slog.Logger, agentID, correlationID string, eventSeq int64) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("agent_id", agentID),
		slog.String("correlation_id", correlationID),
		slog.Int64("event_seq", eventSeq),
	)
}

// LogEventAppended logs a successful event append.
func LogEventAppended(logger *slog.Logger, seq int64, kind string) {
	if logger == nil {
		return
	}
	logger.Debug("event appended", slog.Int64("seq", seq), slog.String("kind", kind))
}

// LogTurnStart logs the start of an agent turn.
func LogTurnStart(logger *slog.Logger, agentID string, seq int64) {
	if logger == nil {
		return
	}
	logger.Debug("turn starting", slog.String("agent_id", agentID), slog.Int64("trigger_seq", seq))
}

// LogTurnComplete logs successful turn completion.
func LogTurnComplete(logger *slog.Logger, agentID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("turn completed",
		slog.String("agent_id", agentID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogTurnError logs turn failure.
func LogTurnError(logger *slog.Logger, agentID string, err error, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Error("turn failed",
		slog.String("agent_id", agentID),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogAdmissionRefused logs a CascadeGuard admission refusal.
func LogAdmissionRefused(logger *slog.Logger, agentID, correlationID, cause string) {
	if logger == nil {
		return
	}
	logger.Debug("trigger admission refused",
		slog.String("agent_id", agentID),
		slog.String("correlation_id", correlationID),
		slog.String("cause", cause),
	)
}

// LogReconcileSummary logs the outcome of a reconcile pass.
func LogReconcileSummary(logger *slog.Logger, rootPath string, added, changed, orphaned int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("reconcile completed",
		slog.String("root_path", rootPath),
		slog.Int("added", added),
		slog.Int("changed", changed),
		slog.Int("orphaned", orphaned),
		slog.Float64("duration_ms", durationMs),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000.0
	}
}
