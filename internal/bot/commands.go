package bot

import (
	"context"
	"fmt"
	"strings"

	tg "github.com/m3rciful/accountbot/core/telegram"
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"
	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/flows"

	tele "gopkg.in/telebot.v4"
)

type keyedHandler func(ctx context.Context, key state.Key, c tele.Context) error

// bind adapts a handler that works on the conversation key.
func bind(h keyedHandler) tele.HandlerFunc {
	return func(c tele.Context) error {
		return h(tghelpers.BuildContext(c), state.KeyOf(c), c)
	}
}

func (a *App) startFlow(name string) tele.HandlerFunc {
	return func(c tele.Context) error {
		return a.engine.StartFrom(c, name, c.Args())
	}
}

func (a *App) registerCommands() error {
	cmds := map[string]tg.Command{
		"/start": {Handler: bind(a.cmdStart), Description: "Menú principal", Aliases: []string{"menu", "menú"}},
		"/help": {Handler: bind(func(ctx context.Context, key state.Key, _ tele.Context) error {
			return a.help(ctx, key)
		}), Description: "Ayuda", Aliases: []string{"ayuda"}},
		"/status": {Handler: bind(func(ctx context.Context, key state.Key, _ tele.Context) error {
			return a.status(ctx, key)
		}), Description: "Estado de tu acceso"},
		"/cancel": {Handler: bind(func(ctx context.Context, key state.Key, _ tele.Context) error {
			return a.cancel(ctx, key)
		}), Description: "Cancelar la operación en curso", Aliases: cancelAliases},

		"/list": {Handler: bind(func(ctx context.Context, key state.Key, _ tele.Context) error {
			return a.list(ctx, key)
		}), Description: "Tus cuentas"},
		"/get": {Handler: bind(func(ctx context.Context, key state.Key, c tele.Context) error {
			return a.get(ctx, key, c.Args())
		}), Description: "Detalles de un servicio"},
		"/addmyaccount":    {Handler: a.startFlow(flows.AddAccount), Description: "Añadir una cuenta"},
		"/editmyaccount":   {Handler: a.startFlow(flows.EditAccount), Description: "Editar una cuenta"},
		"/deletemyaccount": {Handler: a.startFlow(flows.DeleteAccount), Description: "Eliminar una cuenta"},
		"/backupmyaccounts": {Handler: bind(func(ctx context.Context, key state.Key, c tele.Context) error {
			return a.backup(ctx, key, senderName(c))
		}), Description: "Descargar un backup"},
		"/importmyaccounts": {Handler: a.startFlow(flows.ImportBackup), Description: "Importar un backup"},

		"/adduser":    {Handler: a.startFlow(flows.AddUser), Description: "Añadir usuario", AdminOnly: true},
		"/edituser":   {Handler: a.startFlow(flows.EditUser), Description: "Editar usuario", AdminOnly: true},
		"/deleteuser": {Handler: a.startFlow(flows.DeleteUser), Description: "Eliminar usuario", AdminOnly: true},
		"/listusers": {Handler: bind(func(ctx context.Context, key state.Key, _ tele.Context) error {
			return a.listUsers(ctx, key)
		}), Description: "Listar usuarios", AdminOnly: true},
		"/listallaccounts": {Handler: bind(func(ctx context.Context, key state.Key, _ tele.Context) error {
			return a.listAll(ctx, key)
		}), Description: "Listar todas las cuentas", AdminOnly: true},
	}
	for name, cmd := range cmds {
		if err := a.reg.RegisterCommand(name, cmd); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) registerCallbacks() error {
	keyed := func(h func(ctx context.Context, key state.Key) error) tele.HandlerFunc {
		return bind(func(ctx context.Context, key state.Key, _ tele.Context) error { return h(ctx, key) })
	}
	cbs := map[string]tele.HandlerFunc{
		actBackToMenu: keyed(func(ctx context.Context, key state.Key) error { return a.showMenu(ctx, key, "") }),
		actMenuStatus: keyed(a.status),
		actMenuHelp:   keyed(a.help),
		actMenuList:   keyed(a.list),
		actMenuUsers:  keyed(a.adminOnly(a.listUsers)),
		actMenuAll:    keyed(a.adminOnly(a.listAll)),
		actMenuBackup: bind(func(ctx context.Context, key state.Key, c tele.Context) error {
			return a.backup(ctx, key, senderName(c))
		}),
		actGetService: bind(func(ctx context.Context, key state.Key, c tele.Context) error {
			return a.getAccount(ctx, key, state.EventFromContext(c).Payload)
		}),
		actStartFlow: func(c tele.Context) error {
			return a.engine.StartFrom(c, state.EventFromContext(c).Payload, nil)
		},
		state.CancelAction: keyed(a.cancel),
	}
	for key, h := range cbs {
		if err := a.reg.RegisterCallback(key, h); err != nil {
			return err
		}
	}
	return nil
}

func senderName(c tele.Context) string {
	u := c.Sender()
	if u == nil {
		return ""
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	return name
}

func (a *App) cmdStart(ctx context.Context, key state.Key, _ tele.Context) error {
	r, err := a.roleOf(ctx, key.UserID)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("¡Hola! 👋 Bienvenido al Gestor de Cuentas.\n\n")
	switch r {
	case roleAdmin:
		b.WriteString("Tienes acceso de administrador.")
	case roleMember:
		b.WriteString("Usa el menú para gestionar tus cuentas.")
	default:
		fmt.Fprintf(&b, "Para usar todas las funciones necesitas ser activado. Contacta al administrador y comparte tu ID: %d", key.UserID)
	}
	return a.showMenu(ctx, key, b.String())
}

func (a *App) help(ctx context.Context, key state.Key) error {
	r, err := a.roleOf(ctx, key.UserID)
	if err != nil {
		return err
	}
	var text string
	switch r {
	case roleAdmin:
		text = "Comandos de administrador:\n" +
			"/adduser <id> <nombre> <días> - añadir o renovar un usuario\n" +
			"/listusers - listar usuarios\n" +
			"/edituser - cambiar nombre o vencimiento\n" +
			"/deleteuser <id> - eliminar un usuario\n" +
			"/listallaccounts - ver todas las cuentas\n" +
			"/status - tu estado"
	case roleMember:
		text = "Comandos disponibles:\n" +
			"/list - tus cuentas\n" +
			"/get <servicio> - perfiles y PIN de un servicio\n" +
			"/addmyaccount <servicio> <email> <perfil>:<pin> ... - añadir una cuenta\n" +
			"/editmyaccount - editar email, perfil o PIN\n" +
			"/deletemyaccount - eliminar una cuenta\n" +
			"/backupmyaccounts - descargar un backup\n" +
			"/importmyaccounts - importar un backup\n" +
			"/status - tu estado\n" +
			"/cancel - cancelar la operación en curso"
	default:
		text = "Usa /status para ver tu estado o /start para ver el menú principal."
	}
	return a.reply(ctx, key, text)
}

// reply renders a persistent plain message with the way back to the menu.
func (a *App) reply(ctx context.Context, key state.Key, text string) error {
	_, err := a.render.Render(ctx, key, state.Prompt{Text: text, Persistent: true})
	return err
}

func (a *App) cancel(ctx context.Context, key state.Key) error {
	if a.engine.Cancel(ctx, key) {
		return nil
	}
	return a.reply(ctx, key, "No hay ninguna operación en curso.")
}

// adminOnly guards handlers reachable from menu callbacks.
func (a *App) adminOnly(h func(ctx context.Context, key state.Key) error) func(ctx context.Context, key state.Key) error {
	return func(ctx context.Context, key state.Key) error {
		if key.UserID != a.cfg.Telegram.AdminID {
			return a.reply(ctx, key, "⛔ Acceso denegado.")
		}
		return h(ctx, key)
	}
}

// admitted runs guard and renders the denial when it refuses.
func (a *App) admitted(ctx context.Context, key state.Key, guard state.Guard) (bool, error) {
	d, err := guard(ctx, key.UserID)
	if err != nil {
		return false, err
	}
	if !d.Allowed {
		return false, a.reply(ctx, key, d.Reason)
	}
	return true, nil
}

func (a *App) rejectNonAdmin(c tele.Context) error {
	return a.reply(tghelpers.BuildContext(c), state.KeyOf(c), "⛔ Acceso denegado.")
}
