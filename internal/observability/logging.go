package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"
)

// Logger wraps slog for the daemon and the CLI: leveled JSON or text
// records with millisecond timestamps, bot-token redaction, and pane/task
// correlation pulled from the context. The daemon log is tailed by humans
// mid-incident, so timestamps carry enough precision to line up with the
// sub-second notification windows.
//
//	log := observability.NewLogger(observability.LogConfig{Level: "info"})
//	log.Info(ctx, "notification sent", "pane", "ca-fix:0.0", "tool", "Bash")
type Logger struct {
	logger  *slog.Logger
	config  LogConfig
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "json" or "text". The daemon defaults to json.
	Format string

	// Output receives the records. Defaults to os.Stderr.
	Output io.Writer

	// AddSource adds file:line to every record.
	AddSource bool

	// RedactPatterns extends the built-in redaction set.
	RedactPatterns []string
}

// ContextKey types the context keys this package stores correlation
// fields under.
type ContextKey string

const (
	// RunIDKey carries the daemon run id.
	RunIDKey ContextKey = "run_id"

	// PaneKey carries the originating tmux pane.
	PaneKey ContextKey = "pane"

	// TaskKey carries the task name.
	TaskKey ContextKey = "task"
)

// DefaultRedactPatterns covers the secrets this process handles: the
// Telegram bot token (digits:35 url-safe chars) both bare and embedded in
// API URLs, plus generic key/token assignments.
var DefaultRedactPatterns = []string{
	`\d{8,10}:[a-zA-Z0-9_-]{35}`,
	`(?i)(bot[_-]?token|api[_-]?key|secret|password)[\s:=]+["']?([^\s"']{8,})["']?`,
}

const timestampLayout = "2006-01-02 15:04:05.000"

// NewLogger builds a Logger. Zero-value LogConfig means info-level JSON
// on stderr with the default redaction set.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}
	if config.Level == "" {
		config.Level = "info"
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(timestampLayout))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}

	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{
		logger:  slog.New(handler),
		config:  config,
		redacts: redacts,
	}
}

// Slog exposes the underlying slog.Logger, for slog.SetDefault at startup
// and for packages that take the stdlib type directly.
func (l *Logger) Slog() *slog.Logger {
	return l.logger
}

// Debug logs at debug level.
func (l *Logger) Debug(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelDebug, msg, args...)
}

// Info logs at info level.
func (l *Logger) Info(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelInfo, msg, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelWarn, msg, args...)
}

// Error logs at error level. Error values among the args are redacted
// like strings.
func (l *Logger) Error(ctx context.Context, msg string, args ...any) {
	l.log(ctx, slog.LevelError, msg, args...)
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	msg = l.redactString(msg)

	attrs := make([]any, 0, len(args)+6)
	if runID, ok := ctx.Value(RunIDKey).(string); ok && runID != "" {
		attrs = append(attrs, "run_id", runID)
	}
	if pane, ok := ctx.Value(PaneKey).(string); ok && pane != "" {
		attrs = append(attrs, "pane", pane)
	}
	if task, ok := ctx.Value(TaskKey).(string); ok && task != "" {
		attrs = append(attrs, "task", task)
	}
	for _, arg := range args {
		attrs = append(attrs, l.redactValue(arg))
	}

	l.logger.Log(ctx, level, msg, attrs...)
}

func (l *Logger) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		return l.redactString(val)
	case error:
		return l.redactString(val.Error())
	case []byte:
		return l.redactString(string(val))
	case fmt.Stringer:
		return l.redactString(val.String())
	default:
		return v
	}
}

func (l *Logger) redactString(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// With returns a child logger carrying the given fields on every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		logger:  l.logger.With(args...),
		config:  l.config,
		redacts: l.redacts,
	}
}

// WithComponent tags every record with the emitting subsystem, so one
// daemon log can be filtered per component.
//
//	watcherLog := log.WithComponent("transcript")
func (l *Logger) WithComponent(name string) *Logger {
	return l.With("component", name)
}

// AddRunID adds the daemon run id to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// AddPane adds the originating pane to the context.
func AddPane(ctx context.Context, pane string) context.Context {
	return context.WithValue(ctx, PaneKey, pane)
}

// AddTask adds the task name to the context.
func AddTask(ctx context.Context, task string) context.Context {
	return context.WithValue(ctx, TaskKey, task)
}

var levelNames = map[string]slog.Level{
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

// LogLevelFromString maps a config level name onto slog, info when
// unrecognized.
func LogLevelFromString(s string) slog.Level {
	if lvl, ok := levelNames[strings.ToLower(s)]; ok {
		return lvl
	}
	return slog.LevelInfo
}
