package logger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"
)

type logFormat string

const (
	formatJSON logFormat = "json"
	formatKV   logFormat = "kv"

	timeFormatMillis = "2006-01-02T15:04:05.000Z07:00"
)

var errNoSink = errors.New("logger: sink not initialized")

type handlerConfig struct {
	level    slog.Leveler
	sink     *sinkWriter
	format   logFormat
	keyOrder []string
}

// structuredHandler renders one flat line per record. Groups become dotted
// keys, context metadata fills the correlation fields and secrets are
// redacted before encoding.
type structuredHandler struct {
	cfg    handlerConfig
	prefix string
	attrs  []slog.Attr
}

func newStructuredHandler(cfg handlerConfig) *structuredHandler {
	if cfg.level == nil {
		cfg.level = slog.LevelInfo
	}
	if len(cfg.keyOrder) == 0 {
		cfg.keyOrder = defaultKeyOrder
	}
	return &structuredHandler{cfg: cfg}
}

func (h *structuredHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.cfg.level.Level()
}

func (h *structuredHandler) Handle(ctx context.Context, r slog.Record) error {
	if h.cfg.sink == nil {
		return errNoSink
	}
	e := newEntry()
	ts := r.Time.UTC()
	e.set("ts", ts.Truncate(time.Millisecond).Format(timeFormatMillis))
	e.set("level", levelName(r.Level))
	if h.cfg.format == formatJSON {
		e.set("ts_unix_nano", ts.UnixNano())
	}
	for _, a := range h.attrs {
		e.add("", a)
	}
	r.Attrs(func(a slog.Attr) bool {
		e.add(h.prefix, a)
		return true
	})
	MetaFrom(ctx).appendTo(e)
	h.finish(e, r.Message)

	var line []byte
	switch h.cfg.format {
	case formatJSON:
		b, err := encodeJSON(e, h.cfg.keyOrder)
		if err != nil {
			return err
		}
		line = b
	default:
		line = encodeKV(e, h.cfg.keyOrder)
	}
	return h.cfg.sink.Write(append(line, '\n'))
}

// finish fills the required keys and normalizes the enumerated ones.
func (h *structuredHandler) finish(e *entry, msg string) {
	if rid := e.str("rid"); rid != "" {
		if short := CompactRID(rid); short != rid {
			if h.cfg.format == formatJSON {
				e.setDefault("rid_full", rid)
			}
			e.set("rid", short)
		}
	}
	if e.str("event") == "" {
		if msg == "" {
			msg = "unknown"
		}
		e.set("event", msg)
	}
	if e.str("component") == "" {
		e.set("component", "app")
	}
	for key, vocab := range enumFields {
		raw := e.str(key)
		if raw == "" {
			continue
		}
		if v, ok := vocab.canon(raw); ok {
			e.set(key, v)
		} else {
			e.del(key)
		}
	}
	e.pruneEmpty()
}

func (h *structuredHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		if h.prefix != "" {
			a.Key = h.prefix + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}
	return &clone
}

func (h *structuredHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	if clone.prefix == "" {
		clone.prefix = name
	} else {
		clone.prefix += "." + name
	}
	return &clone
}

// entry is the flat field set of one line.
type entry struct {
	fields map[string]any
}

func newEntry() *entry { return &entry{fields: make(map[string]any, 16)} }

func (e *entry) set(key string, v any) { e.fields[key] = v }

func (e *entry) del(key string) { delete(e.fields, key) }

func (e *entry) setDefault(key string, v any) {
	if _, ok := e.fields[key]; !ok {
		e.fields[key] = v
	}
}

func (e *entry) str(key string) string {
	switch v := e.fields[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// add flattens a into dotted keys under prefix.
func (e *entry) add(prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := a.Key
	if prefix != "" {
		if key == "" {
			key = prefix
		} else {
			key = prefix + "." + key
		}
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, child := range a.Value.Group() {
			e.add(key, child)
		}
		return
	}
	if key == "" {
		return
	}
	key, v, ok := scalar(key, a.Value)
	if !ok {
		return
	}
	e.set(key, redactValue(key, v))
}

func (e *entry) pruneEmpty() {
	for k, v := range e.fields {
		switch x := v.(type) {
		case nil:
			delete(e.fields, k)
		case string:
			if x == "" {
				delete(e.fields, k)
			}
		}
	}
}

// scalar converts v to a JSON friendly value. Durations are reported in
// milliseconds under a key ending in _ms.
func scalar(key string, v slog.Value) (string, any, bool) {
	switch v.Kind() {
	case slog.KindString:
		return key, strings.TrimSpace(v.String()), true
	case slog.KindBool:
		return key, v.Bool(), true
	case slog.KindInt64:
		return key, v.Int64(), true
	case slog.KindUint64:
		if u := v.Uint64(); u <= math.MaxInt64 {
			return key, int64(u), true
		}
		return key, v.Uint64(), true
	case slog.KindFloat64:
		return key, v.Float64(), true
	case slog.KindDuration:
		return msKey(key), RoundMS(v.Duration()).Milliseconds(), true
	case slog.KindTime:
		return key, v.Time().UTC().Format(time.RFC3339Nano), true
	}
	switch x := v.Any().(type) {
	case nil:
		return key, nil, false
	case error:
		return key, x.Error(), true
	case time.Duration:
		return msKey(key), RoundMS(x).Milliseconds(), true
	case string:
		return key, strings.TrimSpace(x), true
	case fmt.Stringer:
		return key, x.String(), true
	default:
		return key, fmt.Sprint(x), true
	}
}

func msKey(key string) string {
	switch {
	case key == "duration":
		return "duration_ms"
	case strings.HasSuffix(key, "_ms"):
		return key
	default:
		return key + "_ms"
	}
}
