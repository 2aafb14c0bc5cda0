package logging

import "log/slog"

// EnableTrace is a variable to enable/disable trace logs.
// Default is false to reduce noise. The CLI flips it on alongside the SPARQL
// query trace.
var EnableTrace = false

// Trace logs a message at DEBUG level, but only if EnableTrace is true.
// This allows "super debug" logs that are skipped cheaply.
func Trace(logger *slog.Logger, msg string, args ...any) {
	if EnableTrace {
		logger.Debug(msg, args...)
	}
}

// TraceDefault logs to the default logger if EnableTrace is true.
func TraceDefault(msg string, args ...any) {
	if EnableTrace {
		slog.Debug(msg, args...)
	}
}
