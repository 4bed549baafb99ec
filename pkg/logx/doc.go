// Package logx wraps zerolog behind a small structured logging API.
//
// A Service owns the configured sinks (console, optional JSON file) and can
// be re-applied at runtime; Loggers derived from it stay live across Apply()
// calls. The zero Logger value is a safe no-op.
package logx
