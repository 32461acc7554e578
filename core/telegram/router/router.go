// Package router turns a registry and the flow engine into telebot routes.
// An active flow always sees text, documents and button presses first.
package router

import (
	"log/slog"

	"github.com/m3rciful/accountbot/core/logger"
	tg "github.com/m3rciful/accountbot/core/telegram"
	"github.com/m3rciful/accountbot/core/telegram/middleware"

	tele "gopkg.in/telebot.v4"
)

// FSM is the flow engine as seen by the routers.
type FSM interface {
	Active(c tele.Context) bool
	// Dispatch reports whether the update was consumed by the active flow.
	Dispatch(c tele.Context) (bool, error)
}

// Fallbacks answer updates nothing else claimed.
type Fallbacks interface {
	UnknownText() tele.HandlerFunc
	UnknownDocument() tele.HandlerFunc
	UnknownCallback() tele.HandlerFunc
}

// Options configures Build. Registry is required.
type Options struct {
	Registry  *tg.Registry
	FSM       FSM
	Fallbacks Fallbacks
	// AdminID gates commands marked AdminOnly; OnAdminReject answers others.
	AdminID       int64
	OnAdminReject tele.HandlerFunc
}

// Build returns one route per command plus the text, document and callback
// routes.
func Build(opts Options) []tg.Route {
	if opts.Registry == nil {
		return nil
	}
	routes := commandRoutes(opts)
	routes = append(routes,
		tg.Route{Endpoint: tele.OnText, Handler: textHandler(opts)},
		tg.Route{Endpoint: tele.OnDocument, Handler: documentHandler(opts)},
		tg.Route{Endpoint: tele.OnCallback, Handler: callbackHandler(opts)},
	)
	logger.TWire.Info("routes",
		slog.String("event", "routes.built"),
		slog.Int("commands", len(routes)-3),
		slog.Int("callbacks", len(opts.Registry.ListCallbacks())),
	)
	return routes
}

func commandRoutes(opts Options) []tg.Route {
	admin := middleware.AdminOnlyMiddleware(middleware.AdminOptions{
		AdminID:  opts.AdminID,
		OnReject: opts.OnAdminReject,
	})
	cmds := opts.Registry.Commands()
	routes := make([]tg.Route, 0, len(cmds))
	for name, cmd := range cmds {
		name, cmd := name, cmd
		h := func(c tele.Context) error {
			return observe(c, handlerName(name), nil, func() error { return cmd.Handler(c) })
		}
		if cmd.AdminOnly {
			h = admin(h)
		}
		routes = append(routes, tg.Route{Endpoint: name, Handler: h})
	}
	return routes
}
