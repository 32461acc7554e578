// Package logger is the structured logging layer: one flat line per event,
// JSON in production and key=value when debugging, with update and flow
// correlation taken from the context.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/m3rciful/accountbot/core/buildinfo"
	coreconfig "github.com/m3rciful/accountbot/core/config"
)

var (
	initOnce sync.Once
	closeMu  sync.Mutex
	closed   bool

	sink    *sinkWriter
	files   []io.Closer
	level   slog.LevelVar
	sampler = newEventSampler(1, 50)
	tracing bool

	// L is the base logger.
	L *slog.Logger

	// DB logs database events.
	DB *slog.Logger
	// MIG logs schema migrations.
	MIG *slog.Logger
	// TG logs Telegram transport events.
	TG *slog.Logger
	// TWire logs route and middleware wiring.
	TWire *slog.Logger
)

func init() {
	L = slog.Default()
	deriveComponents()
}

// InitLogger installs the structured handler as the process default.
// Calls after the first are no-ops.
func InitLogger(cfg *coreconfig.Config) error {
	var err error
	initOnce.Do(func() {
		err = setup(cfg)
	})
	return err
}

func setup(cfg *coreconfig.Config) error {
	if cfg == nil {
		cfg = &coreconfig.Config{}
	}
	lc := cfg.Logging
	level.Set(parseLevel(lc.Level))
	num, den := 1, 50
	if spec := strings.TrimSpace(lc.DebugSample); spec != "" {
		num, den = parseRatio(spec)
	}
	sampler.Set(num, den)
	tracing = truthy(os.Getenv("TRACE")) || truthy(os.Getenv("LOG_TRACE"))

	outputs := []io.Writer{os.Stdout}
	if lc.Dir != "" && lc.BotFile != "" {
		f, err := openLogFile(lc.Dir, lc.BotFile)
		if err != nil {
			return err
		}
		outputs = append(outputs, f)
		files = append(files, f)
	}
	sink = newSinkWriter(outputs, 64*1024)

	L = slog.New(newStructuredHandler(handlerConfig{
		level:    &level,
		sink:     sink,
		format:   parseFormat(lc.Format, lc.Profile),
		keyOrder: parseKeyOrder(lc.KeysOrder),
	}))
	slog.SetDefault(L)
	deriveComponents()

	build := buildinfo.Read()
	L.LogAttrs(context.Background(), slog.LevelInfo, "startup",
		slog.String("component", "app"),
		slog.String("go_version", runtime.Version()),
		slog.String("version", build.Version),
		slog.String("build_commit", build.Commit),
		slog.String("build_time", build.Date),
		slog.String("cfg_profile", profileOf(lc.Profile)),
	)
	return nil
}

func openLogFile(dir, name string) (*os.File, error) {
	dir, name = strings.TrimSpace(dir), strings.TrimSpace(name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logger: create dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logger: open %s: %w", path, err)
	}
	return f, nil
}

func deriveComponents() {
	DB = Component("db")
	MIG = Component("db.migrate")
	TG = Component("tg")
	TWire = Component("tg.wire")
}

// Shutdown flushes pending output and closes log files. It is idempotent.
func Shutdown() error {
	closeMu.Lock()
	defer closeMu.Unlock()
	if closed {
		return nil
	}
	closed = true
	var errs []error
	if sink != nil {
		errs = append(errs, sink.Close())
	}
	for _, f := range files {
		errs = append(errs, f.Close())
	}
	return errors.Join(errs...)
}

func parseFormat(format, profile string) logFormat {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "json":
		return formatJSON
	case "kv", "text", "pretty":
		return formatKV
	}
	switch profileOf(profile) {
	case "debug", "dev":
		return formatKV
	}
	return formatJSON
}

func parseKeyOrder(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "default" {
		return defaultKeyOrder
	}
	var order []string
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			order = append(order, k)
		}
	}
	if len(order) == 0 {
		return defaultKeyOrder
	}
	return order
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func profileOf(raw string) string {
	if p := strings.ToLower(strings.TrimSpace(raw)); p != "" {
		return p
	}
	return "prod"
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "on", "yes":
		return true
	}
	return false
}

// Background is context.Background for call sites outside an update.
func Background() context.Context { return context.Background() }

// Component returns L scoped to a component name.
func Component(name string) *slog.Logger {
	if name = strings.TrimSpace(name); name == "" {
		return L
	}
	return L.With("component", name)
}

// LogEvent writes event with attrs through logg, or the context logger when
// logg is nil.
func LogEvent(ctx context.Context, logg *slog.Logger, lvl slog.Level, event string, attrs ...slog.Attr) {
	if logg == nil {
		logg = FromContext(ctx)
	}
	if logg == nil {
		return
	}
	if event != "" {
		attrs = append([]slog.Attr{slog.String("event", event)}, attrs...)
	}
	logg.LogAttrs(ctx, lvl, "", attrs...)
}

func emit(ctx context.Context, component string, lvl slog.Level, event string, attrs []slog.Attr) {
	LogEvent(ctx, Component(component), lvl, event, attrs...)
}

// Debug logs a debug event for component.
func Debug(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, component, slog.LevelDebug, event, attrs)
}

// Info logs an info event for component.
func Info(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, component, slog.LevelInfo, event, attrs)
}

// Warn logs a warning event for component.
func Warn(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, component, slog.LevelWarn, event, attrs)
}

// Error logs an error event for component.
func Error(ctx context.Context, component, event string, attrs ...slog.Attr) {
	emit(ctx, component, slog.LevelError, event, attrs)
}

// ShouldSampleDebug reports whether this occurrence of a high-volume debug
// event should be logged. TRACE=1 disables sampling.
func ShouldSampleDebug(event string) bool {
	return tracing || sampler.Allow(event)
}
