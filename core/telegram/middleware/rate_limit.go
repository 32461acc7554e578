package middleware

import (
	"log/slog"
	"sync"
	"time"

	"github.com/m3rciful/accountbot/core/logger"
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// Update kinds understood by RateLimitOptions.Exclude.
const (
	KindCallback    = "callback"
	KindMessage     = "message"
	KindInlineQuery = "inline_query"
	KindOther       = "other"
)

// UpdateKind names the kind of u.
func UpdateKind(u tele.Update) string {
	switch {
	case u.Callback != nil:
		return KindCallback
	case u.Message != nil:
		return KindMessage
	case u.Query != nil:
		return KindInlineQuery
	}
	return KindOther
}

// RateLimitOptions configures RateLimitMiddleware.
type RateLimitOptions struct {
	// Interval is the minimum gap between two updates of one user.
	Interval time.Duration
	// Exclude lists update kinds that are never limited.
	Exclude   map[string]struct{}
	OnLimited tele.HandlerFunc
	// Now defaults to time.Now.
	Now func() time.Time
}

// limiter remembers when each user was last let through. Entries older than
// the interval carry no information and are pruned once the map grows.
type limiter struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[int64]time.Time
}

const pruneAt = 1024

func (l *limiter) allow(userID int64, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.last[userID]; ok && now.Sub(t) < l.interval {
		return false
	}
	if len(l.last) >= pruneAt {
		for id, t := range l.last {
			if now.Sub(t) >= l.interval {
				delete(l.last, id)
			}
		}
	}
	l.last[userID] = now
	return true
}

// RateLimitMiddleware drops updates that arrive less than Interval after
// the previous accepted one from the same user.
func RateLimitMiddleware(opts RateLimitOptions) tele.MiddlewareFunc {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	l := &limiter{interval: opts.Interval, last: make(map[int64]time.Time)}
	return func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			u := c.Sender()
			if u == nil || opts.Interval <= 0 {
				return next(c)
			}
			kind := UpdateKind(c.Update())
			if _, skip := opts.Exclude[kind]; skip {
				return next(c)
			}
			if l.allow(u.ID, now()) {
				return next(c)
			}
			logger.Warn(tghelpers.BuildContext(c), "tg", "tg.rate_limit",
				slog.String("kind", kind),
				slog.String("status", "rate_limited"),
			)
			if opts.OnLimited != nil {
				_ = opts.OnLimited(c)
			}
			return nil
		}
	}
}
