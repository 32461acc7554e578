package router

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/m3rciful/accountbot/core/logger"
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"
	"github.com/m3rciful/accountbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// observe runs fn under the handler name and logs one handler.handled line.
func observe(c tele.Context, name string, extras []slog.Attr, fn func() error) error {
	start := time.Now()
	tghelpers.WithHandler(c, name)
	err := fn()
	status := "ok"
	if err != nil {
		status = "fail"
	}
	summarize(c, name, status, err, append(extras, slog.Duration("duration", time.Since(start))))
	return err
}

func summarize(c tele.Context, name, status string, err error, extras []slog.Attr) {
	ctx := tghelpers.WithHandler(c, name)
	attrs := []slog.Attr{
		slog.String("status", status),
		slog.String("handler", name),
		slog.Int("messages", tghelpers.Replies(ctx)),
	}
	lvl := slog.LevelInfo
	if err != nil {
		lvl = slog.LevelWarn
		attrs = append(attrs,
			slog.String("err", logger.SanitizeLimit(sender.Redact(err), 256)),
			slog.String("err_code", errorCode(err)),
		)
	}
	logger.LogEvent(ctx, logger.TG, lvl, "handler.handled", append(attrs, extras...)...)
}

// errorCode is the Telegram failure class, or the code of an error that
// carries one, or "internal".
func errorCode(err error) string {
	if kind := sender.Classify(err); kind != sender.KindOther && kind != sender.KindNone {
		return string(kind)
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		if code := strings.TrimSpace(coded.Code()); code != "" {
			return strings.ToLower(code)
		}
	}
	return "internal"
}

// handlerName turns "/addUser" or "menu list" into "adduser" and "menu_list".
func handlerName(name string) string {
	name = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(name), "/"))
	if name == "" {
		return "unknown"
	}
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}
