package middleware

import (
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/m3rciful/accountbot/core/logger"
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// RecoverMiddleware turns a handler panic into a logged error so one bad
// update cannot stop the poller. A pressed button is still acknowledged.
func RecoverMiddleware(next tele.HandlerFunc) tele.HandlerFunc {
	return func(c tele.Context) (err error) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			ctx := tghelpers.BuildContext(c)
			logger.Error(ctx, "tg", "tg.panic",
				slog.String("err", fmt.Sprint(r)),
				slog.String("stack", logger.SanitizeLimit(string(debug.Stack()), 4096)),
			)
			if c.Callback() != nil {
				_ = c.Respond()
			}
			err = nil
		}()
		return next(c)
	}
}
