// Package logging provides structured logging built on log/slog.
//
// The Logger type wraps slog.Logger with default service fields, level
// filtering, and format selection from configuration. Components take
// their own child logger via With so every record carries a component
// attribute.
package logging
