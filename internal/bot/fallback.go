package bot

import (
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"
	"github.com/m3rciful/accountbot/core/telegram/state"

	tele "gopkg.in/telebot.v4"
)

func (a *App) fallback(text string) tele.HandlerFunc {
	return func(c tele.Context) error {
		return a.reply(tghelpers.BuildContext(c), state.KeyOf(c), text)
	}
}

// UnknownText answers text that is neither a command nor flow input.
func (a *App) UnknownText() tele.HandlerFunc {
	return a.fallback("Lo siento, no entendí ese mensaje. Usa /start para ver el menú principal.")
}

// UnknownDocument answers files sent outside the import flow.
func (a *App) UnknownDocument() tele.HandlerFunc {
	return a.fallback("No esperaba un archivo. Usa /importmyaccounts para importar un backup.")
}

// UnknownCallback answers stale or foreign buttons.
func (a *App) UnknownCallback() tele.HandlerFunc {
	return a.fallback("Acción no reconocida o ya procesada.")
}
