package bot

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/m3rciful/accountbot/core/logger"
	"github.com/m3rciful/accountbot/core/telegram/format"
	"github.com/m3rciful/accountbot/core/telegram/keyboard"
	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/backup"
	"github.com/m3rciful/accountbot/internal/flows"
	"github.com/m3rciful/accountbot/internal/store"
)

const dateLayout = "02/01/2006"

func (a *App) memberGuard() state.Guard {
	return flows.MemberGuard(a.store, a.cfg.Telegram.AdminID)
}

func (a *App) status(ctx context.Context, key state.Key) error {
	if key.UserID == a.cfg.Telegram.AdminID {
		return a.reply(ctx, key, "👑 Eres el administrador. Tienes acceso permanente.")
	}
	u, ok, err := a.store.GetUser(ctx, key.UserID)
	if err != nil {
		return err
	}
	switch {
	case !ok:
		return a.reply(ctx, key, fmt.Sprintf("❌ No estás registrado como usuario autorizado.\nTu ID es %d.", key.UserID))
	case u.Active(a.now()):
		return a.reply(ctx, key, fmt.Sprintf("✅ Hola %s. Tu acceso está activo hasta: %s", u.DisplayName, u.ExpiresAt.Format(dateLayout)))
	default:
		return a.reply(ctx, key, fmt.Sprintf("⏳ Hola %s. Tu acceso expiró el: %s", u.DisplayName, u.ExpiresAt.Format(dateLayout)))
	}
}

// list shows one line per account and a button per service.
func (a *App) list(ctx context.Context, key state.Key) error {
	if ok, err := a.admitted(ctx, key, a.memberGuard()); !ok || err != nil {
		return err
	}
	views, err := a.store.ListAccountsForUser(ctx, key.UserID)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return a.reply(ctx, key, "No tienes cuentas activas. Usa /addmyaccount para añadir una.")
	}
	var b strings.Builder
	b.WriteString("📄 Tus cuentas:\n")
	seen := make(map[string]bool)
	var buttons []state.Button
	for _, group := range store.GroupByAccount(views) {
		head := group[0]
		fmt.Fprintf(&b, "• %s · %d perfil(es) · vence %s\n", head.Service, len(group), head.ExpiresAt.Format(dateLayout))
		if !seen[head.Service] {
			seen[head.Service] = true
			buttons = append(buttons, state.Button{Text: "🔑 " + head.Service, Action: actGetService, Payload: strconv.FormatInt(head.AccountID, 10)})
		}
	}
	b.WriteString("\nUsa /get <servicio> o los botones para ver perfiles y PIN.")

	_, err = a.render.Render(ctx, key, state.Prompt{Text: b.String(), Buttons: keyboard.Grid(buttons, 2), Persistent: true})
	return err
}

// get sends the profiles and PINs of one service. The message is ephemeral.
func (a *App) get(ctx context.Context, key state.Key, args []string) error {
	if ok, err := a.admitted(ctx, key, a.memberGuard()); !ok || err != nil {
		return err
	}
	service := store.NormalizeService(strings.Join(args, " "))
	if service == "" {
		return a.reply(ctx, key, "Uso: /get <servicio>")
	}
	views, err := a.store.ListAccountsForUser(ctx, key.UserID)
	if err != nil {
		return err
	}
	var matched []store.ProfileView
	for _, v := range views {
		if strings.EqualFold(v.Service, service) {
			matched = append(matched, v)
		}
	}
	if len(matched) == 0 {
		return a.reply(ctx, key, fmt.Sprintf("❌ No se encontró ninguna cuenta para el servicio: %s", service))
	}

	var b strings.Builder
	for _, group := range store.GroupByAccount(matched) {
		head := group[0]
		fmt.Fprintf(&b, "🔑 %s\n📧 %s\n", format.Bold(head.Service), format.Code(head.Email))
		for _, v := range group {
			pin := v.Pin
			if pin == "" {
				pin = "-"
			}
			fmt.Fprintf(&b, "👤 %s · PIN %s\n", format.MD(v.ProfileName), format.Code(pin))
		}
		fmt.Fprintf(&b, "%s\n\n", format.MD("📅 Vence: "+head.ExpiresAt.Format(dateLayout)))
	}
	b.WriteString(format.MD(fmt.Sprintf("⏳ Este mensaje se eliminará en %d s.", a.cfg.Ephemeral.DelaySeconds)))

	logger.Info(ctx, "bot", "account.get",
		slog.String("service", service),
		slog.Int("profiles", len(matched)),
	)
	_, err = a.render.Render(ctx, key, state.Prompt{Text: b.String(), Markdown: true})
	return err
}

// getAccount answers a /list button. The payload is an account id, which
// stays within Telegram's callback data limit whatever the service name.
func (a *App) getAccount(ctx context.Context, key state.Key, payload string) error {
	if ok, err := a.admitted(ctx, key, a.memberGuard()); !ok || err != nil {
		return err
	}
	id, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return a.reply(ctx, key, "❌ Cuenta no válida.")
	}
	views, err := a.store.ListAccountsForUser(ctx, key.UserID)
	if err != nil {
		return err
	}
	for _, v := range views {
		if v.AccountID == id {
			return a.get(ctx, key, []string{v.Service})
		}
	}
	return a.reply(ctx, key, "❌ La cuenta ya no existe o expiró.")
}

// backup sends the caller's accounts as a text document. The document is ephemeral.
func (a *App) backup(ctx context.Context, key state.Key, name string) error {
	if ok, err := a.admitted(ctx, key, a.memberGuard()); !ok || err != nil {
		return err
	}
	views, err := a.store.ListAccountsForUser(ctx, key.UserID)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return a.reply(ctx, key, "No tienes cuentas activas para respaldar.")
	}
	now := a.now()
	var buf bytes.Buffer
	if err := backup.Export(&buf, backup.Header{UserID: key.UserID, Name: name, GeneratedAt: now}, views); err != nil {
		return err
	}
	doc := document{
		name: fmt.Sprintf("backup_%d_%s.txt", key.UserID, now.Format("20060102_150405")),
		caption: fmt.Sprintf("💾 Backup de %d perfil(es). Guárdalo en un lugar seguro: este mensaje se eliminará en %d s.",
			len(views), a.cfg.Ephemeral.DelaySeconds),
		data: buf.Bytes(),
	}
	logger.Info(ctx, "bot", "backup.export",
		slog.Int("profiles", len(views)),
		slog.Int("bytes", buf.Len()),
	)
	return a.render.sendDocument(ctx, key.ChatID, doc)
}

func (a *App) listUsers(ctx context.Context, key state.Key) error {
	users, err := a.store.ListUsers(ctx)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		return a.reply(ctx, key, "No hay usuarios registrados.")
	}
	now := a.now()
	var b strings.Builder
	fmt.Fprintf(&b, "👥 Usuarios (%d):\n", len(users))
	for _, u := range users {
		mark := "✅"
		if !u.Active(now) {
			mark = "⏳"
		}
		fmt.Fprintf(&b, "%s %s (%d) · hasta %s\n", mark, u.DisplayName, u.UserID, u.ExpiresAt.Format(dateLayout))
	}
	return a.reply(ctx, key, strings.TrimRight(b.String(), "\n"))
}

// listAll shows every account grouped by owner. The message is ephemeral.
func (a *App) listAll(ctx context.Context, key state.Key) error {
	views, err := a.store.ListAllAccounts(ctx)
	if err != nil {
		return err
	}
	if len(views) == 0 {
		return a.reply(ctx, key, "No hay cuentas registradas.")
	}
	var b strings.Builder
	b.WriteString("🗂️ Cuentas registradas:\n")
	var owner int64
	for i, group := range store.GroupByAccount(views) {
		head := group[0]
		if i == 0 || head.OwnerID != owner {
			owner = head.OwnerID
			name := head.OwnerName
			if name == "" {
				name = "?"
			}
			fmt.Fprintf(&b, "\n👤 %s (%d)\n", name, owner)
		}
		names := make([]string, 0, len(group))
		for _, v := range group {
			names = append(names, v.ProfileName)
		}
		fmt.Fprintf(&b, "• %s · %s · %s · vence %s\n", head.Service, head.Email, strings.Join(names, ", "), head.ExpiresAt.Format(dateLayout))
	}
	_, err = a.render.Render(ctx, key, state.Prompt{Text: strings.TrimRight(b.String(), "\n")})
	return err
}
