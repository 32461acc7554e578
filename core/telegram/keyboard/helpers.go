// Package keyboard builds inline keyboards.
package keyboard

import tele "gopkg.in/telebot.v4"

// Button is one inline button. Action and Payload come back as the
// callback's Unique and Data.
type Button struct {
	Text    string
	Action  string
	Payload string
}

// Inline lays buttons out row by row. Empty rows are skipped.
func Inline(rows ...[]Button) *tele.ReplyMarkup {
	m := &tele.ReplyMarkup{}
	for _, row := range rows {
		if len(row) == 0 {
			continue
		}
		out := make([]tele.InlineButton, 0, len(row))
		for _, b := range row {
			out = append(out, *m.Data(b.Text, b.Action, b.Payload).Inline())
		}
		m.InlineKeyboard = append(m.InlineKeyboard, out)
	}
	return m
}

// Grid wraps buttons into rows of at most perRow.
func Grid[T any](buttons []T, perRow int) [][]T {
	if perRow <= 0 {
		perRow = 1
	}
	rows := make([][]T, 0, (len(buttons)+perRow-1)/perRow)
	for len(buttons) > 0 {
		n := min(perRow, len(buttons))
		rows = append(rows, buttons[:n:n])
		buttons = buttons[n:]
	}
	return rows
}
