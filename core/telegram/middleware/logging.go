package middleware

import (
	"log/slog"
	"strings"
	"time"

	"github.com/m3rciful/accountbot/core/logger"
	"github.com/m3rciful/accountbot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// LoggerMiddleware creates the update context (correlation id, user and
// chat) and logs a sampled receipt line. Message text is never logged: it
// may carry e-mail addresses and PINs. Only the command name and the
// length are kept.
func LoggerMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) error {
		ctx := tghelpers.BuildContext(c)
		c.Set("rid", logger.RIDFrom(ctx))
		c.Set("update_start", time.Now())

		if logger.ShouldSampleDebug("update.received") {
			logger.Debug(ctx, "tg", "update.received", receiptAttrs(c)...)
		}
		return next(c)
	}
}

func receiptAttrs(c tele.Context) []slog.Attr {
	upd := c.Update()
	attrs := []slog.Attr{slog.String("kind", UpdateKind(upd))}
	if chat := c.Chat(); chat != nil {
		attrs = append(attrs, slog.String("chat_type", string(chat.Type)))
	}
	if u := c.Sender(); u != nil {
		if u.Username != "" {
			attrs = append(attrs, slog.String("username", logger.SanitizeLimit(u.Username, 64)))
		}
		if u.LanguageCode != "" {
			attrs = append(attrs, slog.String("lang", u.LanguageCode))
		}
	}
	switch {
	case upd.Callback != nil:
		action, payload := callbacks.Split(upd.Callback)
		attrs = append(attrs,
			slog.String("cb_key", logger.SanitizeLimit(action, 128)),
			slog.String("payload", logger.SanitizeLimit(payload, 128)),
		)
	case upd.Message != nil:
		if text := upd.Message.Text; text != "" {
			if cmd, ok := commandName(text); ok {
				attrs = append(attrs, slog.String("cmd", logger.SanitizeLimit(cmd, 64)))
			}
			attrs = append(attrs, slog.Int("text_len", len(text)))
		}
		if doc := upd.Message.Document; doc != nil {
			attrs = append(attrs,
				slog.String("doc_mime", doc.MIME),
				slog.Int64("doc_size", int64(doc.FileSize)),
			)
		}
	}
	return attrs
}

// commandName returns "/cmd" for "/cmd@bot args".
func commandName(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name, _, _ := strings.Cut(text, " ")
	name, _, _ = strings.Cut(name, "@")
	return name, true
}
