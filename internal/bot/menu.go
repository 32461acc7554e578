package bot

import (
	"context"

	"github.com/m3rciful/accountbot/core/telegram/keyboard"
	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/flows"

	tele "gopkg.in/telebot.v4"
)

type role int

const (
	roleGuest role = iota
	roleMember
	roleAdmin
)

// Callback actions owned by the menu.
const (
	actBackToMenu  = "back_to_menu"
	actMenuStatus  = "menu_status"
	actMenuList    = "menu_list"
	actMenuAll     = "menu_all"
	actMenuUsers   = "menu_users"
	actMenuBackup  = "menu_backup"
	actMenuHelp    = "menu_help"
	actGetService  = "get_service"
	actStartFlow   = "menu_flow"
	menuTitle      = "📋 Menú principal:"
	backToMenuText = "⬅️ Volver al menú"
)

func backRow() []keyboard.Button {
	return []keyboard.Button{{Text: backToMenuText, Action: actBackToMenu}}
}

func (a *App) roleOf(ctx context.Context, userID int64) (role, error) {
	if userID == a.cfg.Telegram.AdminID {
		return roleAdmin, nil
	}
	ok, err := a.store.IsAuthorized(ctx, userID)
	if err != nil {
		return roleGuest, err
	}
	if ok {
		return roleMember, nil
	}
	return roleGuest, nil
}

func flowBtn(text, flow string) keyboard.Button {
	return keyboard.Button{Text: text, Action: actStartFlow, Payload: flow}
}

func menuMarkup(r role) *tele.ReplyMarkup {
	var rows [][]keyboard.Button
	switch r {
	case roleAdmin:
		rows = [][]keyboard.Button{
			{{Text: "👥 Usuarios", Action: actMenuUsers}, flowBtn("➕ Añadir usuario", flows.AddUser)},
			{flowBtn("✏️ Editar usuario", flows.EditUser), flowBtn("🗑️ Eliminar usuario", flows.DeleteUser)},
			{{Text: "🗂️ Todas las cuentas", Action: actMenuAll}},
		}
	case roleMember:
		rows = [][]keyboard.Button{
			{{Text: "📄 Mis cuentas", Action: actMenuList}, flowBtn("➕ Añadir cuenta", flows.AddAccount)},
			{flowBtn("✏️ Editar cuenta", flows.EditAccount), flowBtn("🗑️ Eliminar cuenta", flows.DeleteAccount)},
			{{Text: "💾 Backup", Action: actMenuBackup}, flowBtn("📥 Importar", flows.ImportBackup)},
		}
	}
	rows = append(rows, []keyboard.Button{
		{Text: "📊 Mi estado", Action: actMenuStatus},
		{Text: "❓ Ayuda", Action: actMenuHelp},
	})
	return keyboard.Inline(rows...)
}

// showMenu sends the role menu. Menus are never scheduled for deletion.
func (a *App) showMenu(ctx context.Context, key state.Key, text string) error {
	r, err := a.roleOf(ctx, key.UserID)
	if err != nil {
		return err
	}
	if text == "" {
		text = menuTitle
	}
	return a.render.deliver(ctx, key.ChatID, text, &tele.SendOptions{ReplyMarkup: menuMarkup(r)}, false)
}
