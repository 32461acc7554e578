// Package bot wires the account store, the flows and the Telegram core into
// a runnable application.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	coreconfig "github.com/m3rciful/accountbot/core/config"
	"github.com/m3rciful/accountbot/core/logger"
	"github.com/m3rciful/accountbot/core/scheduler"
	tg "github.com/m3rciful/accountbot/core/telegram"
	"github.com/m3rciful/accountbot/core/telegram/ephemeral"
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"
	"github.com/m3rciful/accountbot/core/telegram/router"
	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/flows"
	"github.com/m3rciful/accountbot/internal/store"

	tele "gopkg.in/telebot.v4"
)

// Options configure an App.
type Options struct {
	Config *coreconfig.Config
	Store  store.Store
	// Now defaults to time.Now.
	Now func() time.Time
}

// App is the account bot. It satisfies the runner's TelegramApp.
type App struct {
	cfg    *coreconfig.Config
	store  store.Store
	now    func() time.Time
	render *Renderer
	engine *state.Engine
	reg    *tg.Registry
	sched  *scheduler.Scheduler
}

var _ router.Fallbacks = (*App)(nil)

// cancelAliases are the plain-text forms of /cancel. Inside a flow they
// cancel it instead of being taken as input.
var cancelAliases = []string{"cancelar"}

var engineMessages = state.Messages{
	Cancelled:   "Operación cancelada.",
	Failure:     "⚠️ Ocurrió un error al procesar tu solicitud. Inténtalo más tarde.",
	Unexpected:  "⚠️ Entrada no esperada.",
	CancelLabel: "❌ Cancelar",
}

// New builds the application: flows are registered on a fresh engine and
// every command and menu callback is added to the registry.
func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("bot: nil config")
	}
	if opts.Store == nil {
		return nil, errors.New("bot: nil store")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	a := &App{
		cfg:    opts.Config,
		store:  opts.Store,
		now:    now,
		render: &Renderer{},
		reg:    tg.NewRegistry(),
	}
	a.engine = state.NewEngine(state.Options{
		Renderer:    a.render,
		Messages:    engineMessages,
		CancelWords: cancelAliases,
		Now:         now,
	})
	err := flows.Register(a.engine, flows.Deps{
		Store:   a.store,
		AdminID: a.cfg.Telegram.AdminID,
		TTL:     a.cfg.Accounts.TTL(),
		Files:   a.render,
		Now:     now,
	})
	if err != nil {
		return nil, err
	}
	if err := a.registerCommands(); err != nil {
		return nil, err
	}
	if err := a.registerCallbacks(); err != nil {
		return nil, err
	}
	a.reg.SetCallbackNotFound(a.UnknownCallback())
	return a, nil
}

// TelegramRunOptions returns the routes, middleware and lifecycle hooks.
func (a *App) TelegramRunOptions() (tg.RunOptions, error) {
	routes := router.Build(router.Options{
		Registry:      a.reg,
		FSM:           a.engine,
		Fallbacks:     a,
		AdminID:       a.cfg.Telegram.AdminID,
		OnAdminReject: a.rejectNonAdmin,
	})
	return tg.RunOptions{
		Config:      a.cfg,
		Registry:    a.reg,
		Middlewares: tg.DefaultMiddlewares(a.cfg, a.onLimited),
		Routes:      routes,
		OnStart:     a.start,
		OnStop:      a.stop,
	}, nil
}

func (a *App) start(ctx context.Context, rt tg.Runtime) error {
	a.sched = scheduler.New()
	deleter := ephemeral.New(ephemeral.Options{
		Bot:       rt.Bot,
		Scheduler: a.sched,
		Sender:    rt.Dispatcher,
		Delay:     a.cfg.Ephemeral.Delay(),
	})
	a.render.Attach(rt.Bot, deleter)

	if err := a.sched.ScheduleOnce(0, a.purge); err != nil {
		return fmt.Errorf("bot: schedule purge: %w", err)
	}
	if err := a.sched.ScheduleEvery(a.cfg.Accounts.PurgeInterval(), a.purge); err != nil {
		return fmt.Errorf("bot: schedule purge: %w", err)
	}
	logger.Info(ctx, "bot", "bot.start",
		slog.Int("callbacks", len(a.reg.ListCallbacks())),
		slog.Int64("ephemeral_delay_ms", a.cfg.Ephemeral.Delay().Milliseconds()),
		slog.Int64("purge_interval_ms", a.cfg.Accounts.PurgeInterval().Milliseconds()),
	)
	return nil
}

func (a *App) stop(ctx context.Context, rt tg.Runtime) error {
	if a.sched != nil {
		a.sched.Close()
	}
	attrs := []slog.Attr{slog.Int("sessions", a.engine.Sessions().Len())}
	if rt.Dispatcher != nil {
		attrs = append(attrs, slog.Uint64("send_errors", rt.Dispatcher.ErrorCount()))
	}
	if n := tghelpers.Bypassed(); n > 0 {
		attrs = append(attrs, slog.Uint64("send_inline", n))
	}
	logger.Info(ctx, "bot", "bot.stop", attrs...)
	return nil
}

func (a *App) purge(ctx context.Context) {
	n, err := a.store.PurgeExpiredAccounts(ctx)
	if err != nil {
		logger.Error(ctx, "bot", "purge.failed", slog.String("err", err.Error()))
		return
	}
	if n > 0 {
		logger.Info(ctx, "bot", "purge.done", slog.Int64("accounts", n))
		return
	}
	logger.Debug(ctx, "bot", "purge.done", slog.Int64("accounts", 0))
}

func (a *App) onLimited(c tele.Context) error {
	if c.Callback() != nil {
		return c.Respond(&tele.CallbackResponse{Text: "⏳ Vas demasiado rápido, espera un momento."})
	}
	return nil
}
