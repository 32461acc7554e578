// Package callbacks decodes inline button presses into an action and a payload.
package callbacks

import (
	"strings"

	tele "gopkg.in/telebot.v4"
)

// Split returns the action and payload of cb. Telebot fills Unique and Data
// for buttons it built itself; anything else still carries the raw
// "\f<action>|<payload>" form in Data.
func Split(cb *tele.Callback) (action, payload string) {
	if cb == nil {
		return "", ""
	}
	if cb.Unique != "" {
		return cb.Unique, cb.Data
	}
	action, payload, _ = strings.Cut(strings.TrimPrefix(cb.Data, "\f"), "|")
	return strings.TrimSpace(action), payload
}

// Key returns the action of the callback in c, or "" for other updates.
func Key(c tele.Context) string {
	action, _ := Split(c.Callback())
	return action
}
