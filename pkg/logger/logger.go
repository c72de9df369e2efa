// Package logger configures slog for sourcewatch processes: JSON or text
// output, secret redaction and request-scoped attributes taken from the
// context.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type contextKey string

const (
	// RequestIDKey carries the HTTP request id.
	RequestIDKey contextKey = "request_id"
	// ChatQueryIDKey carries the id of the question being answered.
	ChatQueryIDKey contextKey = "chat_query_id"
)

const (
	redacted          = "***REDACTED***"
	defaultTimeFormat = "2006-01-02T15:04:05.000Z07:00"
)

// sensitive attribute keys, compared lower-cased.
var sensitive = []string{"password", "api_key", "token", "secret", "authorization", "dsn"}

type Config struct {
	Level      string
	Format     string // "json" (default) or "text"
	AddSource  bool
	TimeFormat string
	Output     io.Writer
}

// Logger is a *slog.Logger whose handler adds context attributes on every
// *Context call.
type Logger struct {
	*slog.Logger
}

// ParseLevel maps a level name to a slog level. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	var l slog.Level
	if strings.EqualFold(name, "warning") {
		return slog.LevelWarn
	}
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func New(cfg Config) *Logger {
	layout := cfg.TimeFormat
	if layout == "" {
		layout = defaultTimeFormat
	}
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		AddSource:   cfg.AddSource,
		ReplaceAttr: replaceAttr(layout),
	}

	var h slog.Handler = slog.NewJSONHandler(out, opts)
	if cfg.Format == "text" {
		h = slog.NewTextHandler(out, opts)
	}
	return &Logger{Logger: slog.New(contextHandler{h})}
}

func replaceAttr(layout string) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.TimeKey && a.Value.Kind() == slog.KindTime {
			return slog.String(slog.TimeKey, a.Value.Time().Format(layout))
		}
		key := strings.ToLower(a.Key)
		for _, s := range sensitive {
			if key == s {
				return slog.String(a.Key, redacted)
			}
		}
		return a
	}
}

// contextHandler appends request_id and chat_query_id from the record's
// context.
type contextHandler struct {
	slog.Handler
}

func (h contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		r.AddAttrs(slog.String(string(RequestIDKey), id))
	}
	if id, ok := ctx.Value(ChatQueryIDKey).(int64); ok && id != 0 {
		r.AddAttrs(slog.Int64(string(ChatQueryIDKey), id))
	}
	return h.Handler.Handle(ctx, r)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return contextHandler{h.Handler.WithAttrs(attrs)}
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{h.Handler.WithGroup(name)}
}

// WithChatQueryID tags ctx so log records written with it carry the id.
func WithChatQueryID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, ChatQueryIDKey, id)
}

// SetDefault installs l as the slog default.
func (l *Logger) SetDefault() {
	slog.SetDefault(l.Logger)
}
