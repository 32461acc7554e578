package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, format logFormat) (*slog.Logger, *bytes.Buffer) {
	t.Helper()
	buf := &bytes.Buffer{}
	h := newStructuredHandler(handlerConfig{
		level:  slog.LevelDebug,
		sink:   newSinkWriter([]io.Writer{buf}, 1024),
		format: format,
	})
	return slog.New(h), buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &out), buf.String())
	return out
}

func TestStructuredHandlerKVOrder(t *testing.T) {
	log, buf := newTestLogger(t, formatKV)
	ctx := WithRID(Background(), "rid-123")
	ctx = WithUpdateMeta(ctx, 42, 7, 9)

	LogEvent(ctx, log.With("component", "bot"), slog.LevelInfo, "account.get",
		slog.String("status", "OK"),
		slog.String("service", "Netflix Premium"),
	)

	tokens := strings.Fields(buf.String())
	require.GreaterOrEqual(t, len(tokens), 6)
	assert.True(t, strings.HasPrefix(tokens[0], "ts="))
	assert.Equal(t, []string{"level=INFO", "component=bot", "event=account.get", "status=ok", "rid=rid-123"}, tokens[1:6])
	assert.Contains(t, buf.String(), `service="Netflix Premium"`)
	assert.Contains(t, buf.String(), "update_id=42 user_id=7 chat_id=9")
}

func TestStructuredHandlerJSONCompactsRID(t *testing.T) {
	log, buf := newTestLogger(t, formatJSON)
	ctx := WithRID(Background(), BuildRID(12, 34, 56))

	LogEvent(ctx, log, slog.LevelError, "store.failed", slog.String("err", "boom"))

	line := decodeLine(t, buf)
	assert.Equal(t, "ERROR", line["level"])
	assert.Equal(t, "app", line["component"])
	assert.Equal(t, "c.y.1k", line["rid"])
	assert.Equal(t, "12:34:56", line["rid_full"])
	assert.Contains(t, line, "ts_unix_nano")
	assert.True(t, strings.HasPrefix(buf.String(), `{"ts":`))
}

func TestStructuredHandlerKVOmitsFullRID(t *testing.T) {
	log, buf := newTestLogger(t, formatKV)
	LogEvent(WithRID(Background(), "1:2:3"), log, slog.LevelInfo, "rid.test")
	assert.Contains(t, buf.String(), "rid=1.2.3")
	assert.NotContains(t, buf.String(), "rid_full")
}

func TestStructuredHandlerTraceFromContext(t *testing.T) {
	log, buf := newTestLogger(t, formatJSON)
	ctx := WithTrace(Background(), "session-1", "")
	ctx = WithTrace(ctx, "", "ask_email")
	ctx = WithHandler(ctx, "/addmyaccount")

	LogEvent(ctx, log, slog.LevelInfo, "flow.step")

	line := decodeLine(t, buf)
	assert.Equal(t, "session-1", line["trace_id"])
	assert.Equal(t, "ask_email", line["span_id"])
	assert.Equal(t, "/addmyaccount", line["handler"])
}

func TestStructuredHandlerExplicitFieldsWinOverContext(t *testing.T) {
	log, buf := newTestLogger(t, formatJSON)
	ctx := WithUpdateMeta(Background(), 1, 100, 200)
	LogEvent(ctx, log, slog.LevelInfo, "user.added", slog.Int64("user_id", 555))
	assert.EqualValues(t, 555, decodeLine(t, buf)["user_id"])
}

func TestStructuredHandlerRedactsSecrets(t *testing.T) {
	log, buf := newTestLogger(t, formatJSON)
	LogEvent(Background(), log.WithGroup("profile"), slog.LevelInfo, "profile.saved",
		slog.String("pin", "1234"),
		slog.String("email", "alice@example.com"),
		slog.String("name", "Kids"),
	)

	line := decodeLine(t, buf)
	assert.Equal(t, redacted, line["profile.pin"])
	assert.Equal(t, "a***@example.com", line["profile.email"])
	assert.Equal(t, "Kids", line["profile.name"])
	assert.NotContains(t, buf.String(), "1234")
}

func TestStructuredHandlerFlattensGroupsAndDurations(t *testing.T) {
	log, buf := newTestLogger(t, formatJSON)
	LogEvent(Background(), log.With(slog.Group("purge", slog.Int("accounts", 3))), slog.LevelInfo, "purge.done",
		slog.Duration("duration", 1500*time.Microsecond),
		slog.Duration("delay", 2*time.Second),
		slog.Any("err", errors.New("late")),
		slog.String("err_kind", "bogus"),
		slog.String("outcome", "OK"),
		slog.String("empty", "  "),
	)

	line := decodeLine(t, buf)
	assert.EqualValues(t, 3, line["purge.accounts"])
	assert.EqualValues(t, 2, line["duration_ms"])
	assert.EqualValues(t, 2000, line["delay_ms"])
	assert.Equal(t, "late", line["err"])
	assert.Equal(t, "ok", line["outcome"])
	assert.NotContains(t, line, "err_kind")
	assert.NotContains(t, line, "empty")
}

func TestStructuredHandlerLevelFilter(t *testing.T) {
	buf := &bytes.Buffer{}
	var lv slog.LevelVar
	lv.Set(slog.LevelWarn)
	log := slog.New(newStructuredHandler(handlerConfig{level: &lv, sink: newSinkWriter([]io.Writer{buf}, 0), format: formatKV}))

	log.Info("hidden")
	assert.Zero(t, buf.Len())
	log.Warn("shown")
	assert.Contains(t, buf.String(), "event=shown")
}

func TestStructuredHandlerWithoutSink(t *testing.T) {
	h := newStructuredHandler(handlerConfig{})
	err := h.Handle(Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "x", 0))
	assert.ErrorIs(t, err, errNoSink)
}

type failingWriter struct{ calls int }

func (f *failingWriter) Write(p []byte) (int, error) {
	f.calls++
	return 0, errors.New("disk full")
}

func TestSinkWriterStickyErrorAndClose(t *testing.T) {
	fw := &failingWriter{}
	w := newSinkWriter([]io.Writer{fw}, 16)
	require.Error(t, w.Write([]byte("first line that overflows\n")))
	calls := fw.calls
	require.Error(t, w.Write([]byte("second\n")))
	assert.Equal(t, calls, fw.calls)

	ok := newSinkWriter([]io.Writer{io.Discard}, 16)
	require.NoError(t, ok.Close())
	assert.ErrorIs(t, ok.Write([]byte("late\n")), errSinkClosed)
}
