// Package observability provides the daemon's monitoring surface: structured
// logging and Prometheus metrics.
//
// # Logging
//
// Logging is built on slog with millisecond timestamps and automatic
// redaction of bot tokens. Correlation values (run id, pane, task) ride on
// the context and are attached to every record, so one grep over the daemon
// log follows a prompt from transcript line to Telegram message to injected
// answer.
//
// # Metrics
//
// Metrics count the bridge's traffic: notifications sent per kind, updates
// received, injections, transcript lines parsed, chat API errors, plus
// gauges for registered tasks and active transcript watchers and a
// histogram for orchestrator tick duration. The daemon exposes them on
// /metrics when metrics.enabled is set.
package observability
