package logger

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
)

type ctxKey int

const (
	metaKey ctxKey = iota
	loggerKey
)

// Meta holds the correlation fields every log line of one update carries.
type Meta struct {
	RID      string
	UpdateID int
	UserID   int64
	ChatID   int64
	Handler  string
	TraceID  string
	SpanID   string
}

// MetaFrom returns the correlation fields stored in ctx.
func MetaFrom(ctx context.Context) Meta {
	if ctx == nil {
		return Meta{}
	}
	m, _ := ctx.Value(metaKey).(Meta)
	return m
}

func withMeta(ctx context.Context, edit func(*Meta)) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	m := MetaFrom(ctx)
	edit(&m)
	return context.WithValue(ctx, metaKey, m)
}

// appendTo adds the non-zero fields that are not already present.
func (m Meta) appendTo(e *entry) {
	if m.RID != "" {
		e.setDefault("rid", m.RID)
	}
	if m.TraceID != "" {
		e.setDefault("trace_id", m.TraceID)
	}
	if m.SpanID != "" {
		e.setDefault("span_id", m.SpanID)
	}
	if m.UpdateID != 0 {
		e.setDefault("update_id", int64(m.UpdateID))
	}
	if m.UserID != 0 {
		e.setDefault("user_id", m.UserID)
	}
	if m.ChatID != 0 {
		e.setDefault("chat_id", m.ChatID)
	}
	if m.Handler != "" {
		e.setDefault("handler", m.Handler)
	}
}

// WithLogger stores log in ctx.
func WithLogger(ctx context.Context, log *slog.Logger) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if log == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, log)
}

// FromContext returns the logger stored in ctx, or L.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
			return l
		}
	}
	return L
}

// WithRID attaches the update correlation id.
func WithRID(ctx context.Context, rid string) context.Context {
	return withMeta(ctx, func(m *Meta) { m.RID = rid })
}

// RIDFrom returns the correlation id, if any.
func RIDFrom(ctx context.Context) string { return MetaFrom(ctx).RID }

// WithUpdateMeta attaches the update, user and chat identifiers.
func WithUpdateMeta(ctx context.Context, updateID int, userID, chatID int64) context.Context {
	return withMeta(ctx, func(m *Meta) {
		m.UpdateID, m.UserID, m.ChatID = updateID, userID, chatID
	})
}

// WithHandler names the handler serving the update. Empty names are ignored.
func WithHandler(ctx context.Context, handler string) context.Context {
	if handler == "" {
		if ctx == nil {
			return context.Background()
		}
		return ctx
	}
	return withMeta(ctx, func(m *Meta) { m.Handler = handler })
}

// WithTrace attaches a flow session (trace) and its current state (span).
// Empty values leave the existing ones untouched.
func WithTrace(ctx context.Context, traceID, spanID string) context.Context {
	return withMeta(ctx, func(m *Meta) {
		if traceID != "" {
			m.TraceID = traceID
		}
		if spanID != "" {
			m.SpanID = spanID
		}
	})
}

// UserIDFrom returns the Telegram user id, or 0.
func UserIDFrom(ctx context.Context) int64 { return MetaFrom(ctx).UserID }

// ChatIDFrom returns the chat id, or 0.
func ChatIDFrom(ctx context.Context) int64 { return MetaFrom(ctx).ChatID }

// UpdateIDFrom returns the update id, or 0.
func UpdateIDFrom(ctx context.Context) int { return MetaFrom(ctx).UpdateID }

// BuildRID formats a correlation id as updateID:chatID:userID.
func BuildRID(updateID int, chatID, userID int64) string {
	return fmt.Sprintf("%d:%d:%d", updateID, chatID, userID)
}

// CompactRID rewrites each numeric segment of a BuildRID value in base36 and
// joins them with dots. Anything else is returned trimmed but otherwise as is.
func CompactRID(rid string) string {
	rid = strings.TrimSpace(rid)
	parts := strings.Split(rid, ":")
	if len(parts) != 3 {
		return rid
	}
	for i, p := range parts {
		n, err := strconv.ParseInt(p, 10, 64)
		if err != nil {
			return rid
		}
		parts[i] = strconv.FormatInt(n, 36)
	}
	return strings.Join(parts, ".")
}
