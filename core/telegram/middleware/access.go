package middleware

import (
	"log/slog"

	"github.com/m3rciful/accountbot/core/logger"
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// AdminOptions configures AdminOnlyMiddleware.
type AdminOptions struct {
	AdminID int64
	// OnReject answers everyone else. When nil the update is dropped.
	OnReject tele.HandlerFunc
}

// AdminOnlyMiddleware lets only the configured admin through. Updates
// without a sender are refused as well; an unset AdminID refuses everyone.
func AdminOnlyMiddleware(opts AdminOptions) tele.MiddlewareFunc {
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if u := c.Sender(); u != nil && opts.AdminID != 0 && u.ID == opts.AdminID {
				return next(c)
			}
			logger.Warn(tghelpers.BuildContext(c), "tg", "access.denied",
				slog.String("reason", "not_admin"),
			)
			if opts.OnReject == nil {
				return nil
			}
			return opts.OnReject(c)
		}
	}
}
