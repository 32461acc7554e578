package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/m3rciful/accountbot/core/logger"

	tele "gopkg.in/telebot.v4"
)

// Command is a slash command and how it shows up in the Telegram menu.
type Command struct {
	Handler     tele.HandlerFunc
	Description string
	// AdminOnly commands are gated by the router and listed only in the
	// admin's chat.
	AdminOnly bool
	Hidden    bool
	// Aliases are matched against plain text with or without a slash.
	Aliases []string
}

// Registry holds the commands and callback handlers of a bot.
type Registry struct {
	mu        sync.RWMutex
	commands  map[string]Command
	callbacks map[string]tele.HandlerFunc
	notFound  tele.HandlerFunc
}

// NewRegistry returns an empty registry whose unknown-callback handler just
// acknowledges the press.
func NewRegistry() *Registry {
	return &Registry{
		commands:  make(map[string]Command),
		callbacks: make(map[string]tele.HandlerFunc),
		notFound:  func(c tele.Context) error { return c.Respond() },
	}
}

// RegisterCommand adds cmd under name, which must start with a slash.
func (r *Registry) RegisterCommand(name string, cmd Command) error {
	switch {
	case !strings.HasPrefix(name, "/") || len(name) < 2:
		return r.reject("command", name, "no_slash_prefix")
	case cmd.Handler == nil || cmd.Description == "":
		return r.reject("command", name, "incomplete")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.commands[name]; dup {
		return r.reject("command", name, "duplicate")
	}
	r.commands[name] = cmd
	return nil
}

// RegisterCallback maps a callback action to h.
func (r *Registry) RegisterCallback(action string, h tele.HandlerFunc) error {
	if action == "" || h == nil {
		return r.reject("callback", action, "incomplete")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.callbacks[action]; dup {
		return r.reject("callback", action, "duplicate")
	}
	r.callbacks[action] = h
	return nil
}

func (r *Registry) reject(kind, name, reason string) error {
	logger.TWire.LogAttrs(context.Background(), slog.LevelWarn, "",
		slog.String("event", "register."+kind+".skip"),
		slog.String("name", name),
		slog.String("reason", reason),
	)
	return fmt.Errorf("telegram: register %s %q: %s", kind, name, reason)
}

// Commands returns a copy of the registered commands.
func (r *Registry) Commands() map[string]Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Command, len(r.commands))
	for k, v := range r.commands {
		out[k] = v
	}
	return out
}

// LookupCommand resolves the first word of text, a command with an optional
// @botname suffix or an alias, to its canonical name.
func (r *Registry) LookupCommand(text string) (string, Command, bool) {
	word, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	word, _, _ = strings.Cut(word, "@")
	if word == "" {
		return "", Command{}, false
	}
	name := "/" + strings.ToLower(strings.TrimPrefix(word, "/"))

	r.mu.RLock()
	defer r.mu.RUnlock()
	if cmd, ok := r.commands[name]; ok {
		return name, cmd, true
	}
	for key, cmd := range r.commands {
		for _, alias := range cmd.Aliases {
			if "/"+strings.ToLower(strings.TrimPrefix(alias, "/")) == name {
				return key, cmd, true
			}
		}
	}
	return "", Command{}, false
}

// Callback returns the handler for action.
func (r *Registry) Callback(action string) (tele.HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.callbacks[action]
	return h, ok
}

// ListCallbacks returns the registered actions, sorted.
func (r *Registry) ListCallbacks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.callbacks))
	for k := range r.callbacks {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// SetCallbackNotFound replaces the handler for unknown actions. nil is ignored.
func (r *Registry) SetCallbackNotFound(h tele.HandlerFunc) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.notFound = h
	r.mu.Unlock()
}

// CallbackNotFound returns the handler for unknown actions.
func (r *Registry) CallbackNotFound() tele.HandlerFunc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.notFound
}

// MenuCommands lists the commands for the Telegram menu, sorted. Hidden
// commands never appear; admin commands only when withAdmin is set.
func (r *Registry) MenuCommands(withAdmin bool) []tele.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []tele.Command
	for name, cmd := range r.commands {
		if cmd.Hidden || (cmd.AdminOnly && !withAdmin) {
			continue
		}
		out = append(out, tele.Command{Text: strings.TrimPrefix(name, "/"), Description: cmd.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Text < out[j].Text })
	return out
}

// CommandSetter is the part of *tele.Bot that publishes command menus.
type CommandSetter interface {
	SetCommands(opts ...interface{}) error
}

// InitBotCommands publishes the public menu for everyone and the full menu
// in the admin's private chat. Failures are logged; the bot works without a
// menu.
func InitBotCommands(bot CommandSetter, reg *Registry, adminID int64) {
	set := func(scope string, cmds []tele.Command, opts ...interface{}) {
		if err := bot.SetCommands(append([]interface{}{cmds}, opts...)...); err != nil {
			logger.TWire.LogAttrs(context.Background(), slog.LevelError, "",
				slog.String("event", "register.commands.set_failed"),
				slog.String("scope", scope),
				slog.String("err", err.Error()),
			)
		}
	}
	set("default", reg.MenuCommands(false))
	if adminID != 0 {
		set("admin", reg.MenuCommands(true), tele.CommandScope{Type: tele.CommandScopeChat, ChatID: adminID})
	}
}
