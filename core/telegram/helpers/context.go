// Package helpers bridges telebot contexts and the context.Context based
// services: correlation metadata, reply accounting and outbound queueing.
package helpers

import (
	"context"
	"sync/atomic"

	"github.com/m3rciful/accountbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

const storeKey = "ctx"

type tallyKey struct{}

// tally counts the outbound calls queued while serving one update.
type tally struct{ n atomic.Int32 }

// StoreContext keeps ctx on c for the rest of the update.
func StoreContext(c tele.Context, ctx context.Context) {
	if c != nil && ctx != nil {
		c.Set(storeKey, ctx)
	}
}

// ContextFrom returns the context stored on c, if any.
func ContextFrom(c tele.Context) (context.Context, bool) {
	if c == nil {
		return nil, false
	}
	ctx, ok := c.Get(storeKey).(context.Context)
	return ctx, ok
}

// BuildContext returns the update context, creating it on first use. It
// carries the correlation id, the update, chat and user ids and a reply
// tally.
func BuildContext(c tele.Context) context.Context {
	if ctx, ok := ContextFrom(c); ok {
		return ctx
	}
	var chatID, userID int64
	if chat := c.Chat(); chat != nil {
		chatID = chat.ID
	}
	if user := c.Sender(); user != nil {
		userID = user.ID
	}
	updateID := c.Update().ID
	rid, _ := c.Get("rid").(string)
	if rid == "" {
		rid = logger.BuildRID(updateID, chatID, userID)
	}

	ctx := logger.WithRID(context.Background(), rid)
	ctx = logger.WithUpdateMeta(ctx, updateID, userID, chatID)
	ctx = logger.WithLogger(ctx, logger.TG)
	ctx = context.WithValue(ctx, tallyKey{}, &tally{})
	StoreContext(c, ctx)
	return ctx
}

// WithHandler names the handler serving c in the stored context.
func WithHandler(c tele.Context, handler string) context.Context {
	ctx := BuildContext(c)
	if handler != "" {
		ctx = logger.WithHandler(ctx, handler)
		StoreContext(c, ctx)
	}
	return ctx
}

// Replies reports how many outbound calls were queued under ctx.
func Replies(ctx context.Context) int {
	if t, ok := ctx.Value(tallyKey{}).(*tally); ok {
		return int(t.n.Load())
	}
	return 0
}

func countReply(ctx context.Context) {
	if ctx == nil {
		return
	}
	if t, ok := ctx.Value(tallyKey{}).(*tally); ok {
		t.n.Add(1)
	}
}
