package logger

import (
	"log/slog"
	"strings"
)

// Level names written in the "level" field.
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)

func levelName(l slog.Level) string {
	switch {
	case l < slog.LevelInfo:
		return LevelDebug
	case l < slog.LevelWarn:
		return LevelInfo
	case l < slog.LevelError:
		return LevelWarn
	}
	return LevelError
}

// vocabulary is the closed set of values a field may take. Lenient fields
// keep unknown values lowercased; strict ones drop them.
type vocabulary struct {
	values map[string]struct{}
	strict bool
}

func words(strict bool, values ...string) vocabulary {
	v := vocabulary{values: make(map[string]struct{}, len(values)), strict: strict}
	for _, s := range values {
		v.values[s] = struct{}{}
	}
	return v
}

// canon returns the canonical form of raw and whether the field survives.
func (v vocabulary) canon(raw string) (string, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return "", false
	}
	if _, ok := v.values[s]; ok || !v.strict {
		return s, true
	}
	return "", false
}

var enumFields = map[string]vocabulary{
	"status":   words(false, "ok", "fail", "skip", "retry", "rate_limited", "cancelled", "denied"),
	"outcome":  words(true, "ok", "fail", "cancelled", "rate_limited"),
	"err_kind": words(true, "timeout", "dns", "dial", "tls", "flood", "http_4xx", "http_5xx", "unknown"),
}

// defaultKeyOrder puts correlation first, then what happened to which
// resource, then timings and errors. Unlisted keys follow alphabetically.
var defaultKeyOrder = concat(
	[]string{"ts", "level", "component", "event", "status", "rid", "rid_full", "trace_id", "span_id"},
	[]string{"update_id", "user_id", "chat_id", "chat_type", "handler", "cmd", "cb_key", "kind"},
	[]string{"flow", "state", "session_id", "service", "account_id", "profile_id", "email", "records", "profiles"},
	[]string{"action", "endpoint", "message_id", "outcome", "messages", "reason"},
	[]string{"duration_ms", "delay_ms", "attempt", "attempts", "pending"},
	[]string{"err", "err_kind", "err_code"},
)

func concat(groups ...[]string) []string {
	var out []string
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}
