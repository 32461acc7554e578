package state

import (
	"github.com/m3rciful/accountbot/core/telegram/callbacks"
	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"

	tele "gopkg.in/telebot.v4"
)

// KeyOf returns the conversation key of a telebot update.
func KeyOf(c tele.Context) Key {
	var k Key
	if u := c.Sender(); u != nil {
		k.UserID = u.ID
	}
	if ch := c.Chat(); ch != nil {
		k.ChatID = ch.ID
	}
	return k
}

// EventFromContext converts a telebot update into an Event.
func EventFromContext(c tele.Context) Event {
	ev := Event{Key: KeyOf(c)}
	if cb := c.Callback(); cb != nil {
		ev.Kind = EventCallback
		ev.Action, ev.Payload = callbacks.Split(cb)
		return ev
	}
	msg := c.Message()
	if msg == nil {
		return ev
	}
	ev.MessageID = msg.ID
	if msg.Document != nil {
		ev.Kind = EventDocument
		ev.Document = Document{
			FileID:   msg.Document.FileID,
			FileName: msg.Document.FileName,
			MIME:     msg.Document.MIME,
			Size:     int64(msg.Document.FileSize),
		}
		return ev
	}
	ev.Kind = EventText
	ev.Text = msg.Text
	return ev
}

// Active reports whether the sender has a flow in progress in this chat.
func (e *Engine) Active(c tele.Context) bool {
	return e.InProgress(KeyOf(c))
}

// Dispatch feeds the update to the active flow and reports whether it was consumed.
func (e *Engine) Dispatch(c tele.Context) (bool, error) {
	return e.Handle(tghelpers.BuildContext(c), EventFromContext(c))
}

// StartFrom starts flow name for the sender of c.
func (e *Engine) StartFrom(c tele.Context, name string, args []string) error {
	return e.Start(tghelpers.BuildContext(c), name, KeyOf(c), args)
}
