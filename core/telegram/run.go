package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coreconfig "github.com/m3rciful/accountbot/core/config"
	"github.com/m3rciful/accountbot/core/logger"
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"
	tgsender "github.com/m3rciful/accountbot/core/telegram/sender"

	tele "gopkg.in/telebot.v4"
)

// Middleware is a named global middleware installed with bot.Use.
type Middleware struct {
	Name string
	Use  func(next tele.HandlerFunc) tele.HandlerFunc
}

// Route binds a handler to a telebot endpoint (a command string or one of
// the tele.On* constants).
type Route struct {
	Endpoint any
	Handler  tele.HandlerFunc
}

// RunOptions is everything RunTelegram needs besides the context.
type RunOptions struct {
	Config      *coreconfig.Config
	Registry    *Registry
	Middlewares []Middleware
	Routes      []Route

	// OnStart runs after wiring and before the first update. An error aborts
	// the run.
	OnStart func(ctx context.Context, rt Runtime) error
	// OnStop runs once updates have stopped and before pending sends drain.
	OnStop func(ctx context.Context, rt Runtime) error
}

// Runtime is what lifecycle hooks get to work with.
type Runtime struct {
	Bot        *tele.Bot
	Dispatcher *tgsender.Dispatcher
	Registry   *Registry
}

// RunTelegram builds the bot, serves updates until ctx is done and then
// shuts down in order: hooks, dispatcher, helper wiring.
func RunTelegram(ctx context.Context, opts RunOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Config == nil {
		return errors.New("telegram: nil config provided")
	}
	cfg := opts.Config
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}

	start := time.Now()
	bot, err := tele.NewBot(tele.Settings{
		Token:  cfg.Telegram.Token,
		Poller: newPoller(cfg),
		Client: BuildHTTPClient(httpOptions(cfg)),
	})
	if err != nil {
		return fmt.Errorf("telegram: bot initialization failed: %w", err)
	}
	logger.TG.LogAttrs(ctx, slog.LevelInfo, "", modeAttrs(cfg, time.Since(start))...)

	if cfg.Telegram.RunMode == coreconfig.RunModeLongpoll {
		removeWebhook(ctx, bot)
	}

	rt := Runtime{
		Bot:        bot,
		Dispatcher: tgsender.NewDispatcher(senderOptions(cfg.Sender)),
		Registry:   opts.Registry,
	}
	tghelpers.SetDispatcher(rt.Dispatcher)
	defer func() {
		rt.Dispatcher.Close()
		tghelpers.SetDispatcher(nil)
	}()

	wire(bot, opts)

	if opts.OnStart != nil {
		if err := opts.OnStart(ctx, rt); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		bot.Start()
	}()
	select {
	case <-ctx.Done():
		bot.Stop()
		<-done
	case <-done:
	}

	if opts.OnStop != nil {
		if err := opts.OnStop(context.WithoutCancel(ctx), rt); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func wire(bot *tele.Bot, opts RunOptions) {
	for _, mw := range opts.Middlewares {
		if mw.Use != nil {
			bot.Use(mw.Use)
		}
	}
	routes := 0
	for _, r := range opts.Routes {
		if r.Endpoint == nil || r.Handler == nil {
			continue
		}
		bot.Handle(r.Endpoint, r.Handler)
		routes++
	}
	InitBotCommands(bot, opts.Registry, opts.Config.Telegram.AdminID)
	logger.TWire.Info("wired",
		slog.String("event", "wire.done"),
		slog.Int("middlewares", len(opts.Middlewares)),
		slog.Int("routes", routes),
	)
}

func senderOptions(sc coreconfig.SenderConfig) tgsender.Options {
	return tgsender.Options{
		QueueSize:    sc.QueueSize,
		Workers:      sc.Workers,
		MaxRetries:   sc.MaxRetries,
		RetryBackoff: time.Duration(sc.RetryBackoffMS) * time.Millisecond,
	}
}

func modeAttrs(cfg *coreconfig.Config, took time.Duration) []slog.Attr {
	attrs := []slog.Attr{
		slog.String("event", "mode"),
		slog.String("mode", cfg.Telegram.RunMode),
		slog.Duration("duration", took),
	}
	if cfg.Telegram.RunMode == coreconfig.RunModeWebhook {
		return append(attrs,
			slog.String("listen", cfg.Webhook.Listen),
			slog.Int("port", cfg.Webhook.Port),
			slog.String("public_url", cfg.Webhook.URL),
		)
	}
	return append(attrs, slog.Duration("poll_timeout", pollTimeout(cfg.Telegram)))
}

// removeWebhook clears a webhook left over from an earlier deployment;
// Telegram refuses getUpdates while one is set.
func removeWebhook(ctx context.Context, bot *tele.Bot) {
	if err := bot.RemoveWebhook(false); err != nil {
		logger.Warn(ctx, "tg", "delete_webhook", slog.String("err", tgsender.Redact(err)))
		return
	}
	logger.Debug(ctx, "tg", "delete_webhook", slog.String("status", "ok"))
}
