// Package ephemeral removes sensitive chat messages after a fixed delay.
package ephemeral

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/m3rciful/accountbot/core/logger"
	"github.com/m3rciful/accountbot/core/scheduler"
	"github.com/m3rciful/accountbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// Messenger is the part of *tele.Bot used for deletion.
type Messenger interface {
	Delete(msg tele.Editable) error
}

// Scheduler arms delayed tasks.
type Scheduler interface {
	ScheduleOnce(delay time.Duration, task scheduler.Task) error
}

// Enqueuer hands outbound calls to the sender dispatcher.
type Enqueuer interface {
	Enqueue(ctx context.Context, action, endpoint string, run func() error) error
}

// Options configure a Deleter.
type Options struct {
	Bot       Messenger
	Scheduler Scheduler
	// Sender is optional; without it deletions run on the scheduler goroutine.
	Sender Enqueuer
	Delay  time.Duration
}

// Deleter schedules message deletions.
type Deleter struct {
	bot   Messenger
	sched Scheduler
	send  Enqueuer
	delay time.Duration
}

// New builds a Deleter.
func New(opts Options) *Deleter {
	return &Deleter{bot: opts.Bot, sched: opts.Scheduler, send: opts.Sender, delay: opts.Delay}
}

// Delay returns the configured delay.
func (d *Deleter) Delay() time.Duration {
	return d.delay
}

// Schedule arranges for messageID in chatID to be deleted after the delay.
func (d *Deleter) Schedule(ctx context.Context, chatID int64, messageID int) {
	if d == nil || messageID == 0 {
		return
	}
	err := d.sched.ScheduleOnce(d.delay, func(taskCtx context.Context) {
		d.enqueue(withMeta(taskCtx, ctx), chatID, messageID)
	})
	if err != nil {
		logger.Warn(ctx, "tg", "ephemeral.schedule",
			slog.Int64("chat_id", chatID),
			slog.Int("message_id", messageID),
			slog.String("err", err.Error()),
		)
		return
	}
	logger.Debug(ctx, "tg", "ephemeral.scheduled",
		slog.Int64("chat_id", chatID),
		slog.Int("message_id", messageID),
		slog.Int64("delay_ms", d.delay.Milliseconds()),
	)
}

func (d *Deleter) enqueue(ctx context.Context, chatID int64, messageID int) {
	run := func() error { return d.Delete(ctx, chatID, messageID) }
	if d.send == nil {
		_ = run()
		return
	}
	if err := d.send.Enqueue(ctx, "delete.message", "deleteMessage", run); err != nil {
		if errors.Is(err, sender.ErrQueueFull) || errors.Is(err, sender.ErrQueueClosed) {
			_ = run()
			return
		}
		logger.Warn(ctx, "tg", "ephemeral.enqueue", slog.String("err", err.Error()))
	}
}

// Delete removes a message now. Messages that are already gone count as
// deleted. Only retryable transport errors are returned; other failures are
// logged at warn and swallowed.
func (d *Deleter) Delete(ctx context.Context, chatID int64, messageID int) error {
	err := d.bot.Delete(&tele.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: chatID})
	switch {
	case err == nil:
		return nil
	case IsGone(err):
		logger.Debug(ctx, "tg", "ephemeral.gone",
			slog.Int64("chat_id", chatID),
			slog.Int("message_id", messageID),
		)
		return nil
	case sender.Retryable(err):
		return err
	default:
		logger.Warn(ctx, "tg", "ephemeral.delete",
			slog.Int64("chat_id", chatID),
			slog.Int("message_id", messageID),
			slog.String("err", logger.SanitizeLimit(err.Error(), 256)),
		)
		return nil
	}
}

// IsGone reports whether err means the message no longer exists or can no
// longer be removed by the bot.
func IsGone(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, tele.ErrNotFoundToDelete) || errors.Is(err, tele.ErrNoRightsToDelete) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "message to delete not found") ||
		strings.Contains(msg, "message can't be deleted") ||
		strings.Contains(msg, "message not found")
}

// withMeta keeps request metadata from origin for logs while using base for cancellation.
func withMeta(base, origin context.Context) context.Context {
	if origin == nil {
		return base
	}
	ctx := base
	if rid := logger.RIDFrom(origin); rid != "" {
		ctx = logger.WithRID(ctx, rid)
	}
	ctx = logger.WithUpdateMeta(ctx, logger.UpdateIDFrom(origin), logger.UserIDFrom(origin), logger.ChatIDFrom(origin))
	return ctx
}
