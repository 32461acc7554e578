package helpers

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/m3rciful/accountbot/core/logger"
	"github.com/m3rciful/accountbot/core/telegram/sender"
)

var (
	// outbox is the process-wide send queue; nil means every call runs
	// inline.
	outbox   atomic.Pointer[sender.Dispatcher]
	bypassed atomic.Uint64
)

// SetDispatcher installs d as the queue behind Enqueue. Pass nil on
// shutdown.
func SetDispatcher(d *sender.Dispatcher) {
	outbox.Store(d)
}

// Bypassed reports how many calls ran inline because the queue refused them.
func Bypassed() uint64 {
	return bypassed.Load()
}

// Enqueue counts run as a reply of the update in ctx and queues it. A full
// or closed queue degrades to an inline call; other queue errors are
// returned without running it.
func Enqueue(ctx context.Context, action, endpoint string, run func() error) error {
	countReply(ctx)
	d := outbox.Load()
	if d == nil {
		return run()
	}
	err := d.Enqueue(ctx, action, endpoint, run)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sender.ErrQueueFull) && !errors.Is(err, sender.ErrQueueClosed) {
		return err
	}
	bypassed.Add(1)
	logger.Warn(ctx, "tg.sender", "send.inline",
		slog.String("action", action),
		slog.String("endpoint", endpoint),
		slog.String("reason", err.Error()),
	)
	return run()
}
