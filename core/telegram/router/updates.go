package router

import (
	"log/slog"

	"github.com/m3rciful/accountbot/core/telegram/callbacks"

	tele "gopkg.in/telebot.v4"
)

// toFlow offers c to the active flow. consumed is false when there is no
// flow or the flow passed on the update.
func toFlow(c tele.Context, fsm FSM, name string, extras []slog.Attr) (consumed bool, err error) {
	if fsm == nil || !fsm.Active(c) {
		return false, nil
	}
	err = observe(c, name, extras, func() error {
		var derr error
		consumed, derr = fsm.Dispatch(c)
		return derr
	})
	return consumed || err != nil, err
}

func fallback(c tele.Context, name string, h tele.HandlerFunc, extras ...slog.Attr) error {
	if h == nil {
		summarize(c, name, "skip", nil, extras)
		return nil
	}
	return observe(c, name, extras, func() error { return h(c) })
}

// textHandler serves plain text: flow input, then command aliases, then the
// unknown-text answer.
func textHandler(opts Options) tele.HandlerFunc {
	return func(c tele.Context) error {
		if done, err := toFlow(c, opts.FSM, "fsm", nil); done {
			return err
		}
		if name, cmd, ok := opts.Registry.LookupCommand(c.Text()); ok && !cmd.AdminOnly {
			return observe(c, handlerName(name), nil, func() error { return cmd.Handler(c) })
		}
		var h tele.HandlerFunc
		if opts.Fallbacks != nil {
			h = opts.Fallbacks.UnknownText()
		}
		return fallback(c, "unknown_text", h)
	}
}

// documentHandler serves uploads: flow input or the unexpected-file answer.
func documentHandler(opts Options) tele.HandlerFunc {
	return func(c tele.Context) error {
		if done, err := toFlow(c, opts.FSM, "fsm_document", nil); done {
			return err
		}
		var h tele.HandlerFunc
		if opts.Fallbacks != nil {
			h = opts.Fallbacks.UnknownDocument()
		}
		return fallback(c, "unexpected_document", h)
	}
}

// callbackHandler acknowledges the press, then tries the active flow and
// the registry in that order.
func callbackHandler(opts Options) tele.HandlerFunc {
	return func(c tele.Context) error {
		if c.Callback() == nil {
			return nil
		}
		_ = c.Respond()
		key := callbacks.Key(c)
		extras := []slog.Attr{slog.String("cb_key", key)}

		if done, err := toFlow(c, opts.FSM, "fsm."+handlerName(key), extras); done {
			return err
		}
		if h, ok := opts.Registry.Callback(key); ok {
			return observe(c, "callback."+handlerName(key), extras, func() error { return h(c) })
		}
		h := opts.Registry.CallbackNotFound()
		if opts.Fallbacks != nil {
			h = opts.Fallbacks.UnknownCallback()
		}
		return fallback(c, "callback.not_found", h, append(extras, slog.String("reason", "not_found"))...)
	}
}
