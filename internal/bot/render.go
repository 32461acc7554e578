package bot

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"
	"github.com/m3rciful/accountbot/core/telegram/keyboard"
	"github.com/m3rciful/accountbot/core/telegram/state"

	tele "gopkg.in/telebot.v4"
)

// Messenger is the part of *tele.Bot the renderer talks to.
type Messenger interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
	File(file *tele.File) (io.ReadCloser, error)
}

// Expirer schedules removal of a message.
type Expirer interface {
	Schedule(ctx context.Context, chatID int64, messageID int)
}

// Renderer delivers prompts through the bot and opens uploaded documents.
// Everything that is not persistent is handed to the Expirer once sent.
type Renderer struct {
	mu     sync.RWMutex
	bot    Messenger
	expire Expirer
}

var errDetached = errors.New("bot: renderer not attached")

// Attach wires the runtime collaborators. expire may be nil.
func (r *Renderer) Attach(bot Messenger, expire Expirer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bot, r.expire = bot, expire
}

func (r *Renderer) parts() (Messenger, Expirer) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bot, r.expire
}

// Render implements state.Renderer. Delivery is asynchronous, so the returned
// message id is always zero.
func (r *Renderer) Render(ctx context.Context, key state.Key, p state.Prompt) (int, error) {
	rows := make([][]keyboard.Button, 0, len(p.Buttons)+1)
	for _, row := range p.Buttons {
		out := make([]keyboard.Button, 0, len(row))
		for _, b := range row {
			out = append(out, keyboard.Button{Text: b.Text, Action: b.Action, Payload: b.Payload})
		}
		rows = append(rows, out)
	}
	if p.Persistent {
		rows = append(rows, backRow())
	}
	opts := &tele.SendOptions{}
	if len(rows) > 0 {
		opts.ReplyMarkup = keyboard.Inline(rows...)
	}
	if p.Markdown {
		opts.ParseMode = tele.ModeMarkdownV2
	}
	return 0, r.deliver(ctx, key.ChatID, p.Text, opts, !p.Persistent)
}

// Discard implements state.Renderer.
func (r *Renderer) Discard(ctx context.Context, chatID int64, messageID int) {
	if _, expire := r.parts(); expire != nil {
		expire.Schedule(ctx, chatID, messageID)
	}
}

// Open implements flows.Files.
func (r *Renderer) Open(_ context.Context, doc state.Document) (io.ReadCloser, error) {
	bot, _ := r.parts()
	if bot == nil {
		return nil, errDetached
	}
	return bot.File(&tele.File{FileID: doc.FileID})
}

// document is an in-memory file. Each send attempt reads it from the start.
type document struct {
	name    string
	caption string
	data    []byte
}

func (d document) file() *tele.Document {
	return &tele.Document{
		File:     tele.FromReader(bytes.NewReader(d.data)),
		FileName: d.name,
		MIME:     "text/plain",
		Caption:  d.caption,
	}
}

// sendDocument delivers doc and schedules its removal.
func (r *Renderer) sendDocument(ctx context.Context, chatID int64, doc document) error {
	return r.deliver(ctx, chatID, doc, &tele.SendOptions{}, true)
}

// deliver sends a text or a document. Expiring messages are handed to the
// Expirer after a successful send.
func (r *Renderer) deliver(ctx context.Context, chatID int64, what interface{}, opts *tele.SendOptions, expiring bool) error {
	bot, expire := r.parts()
	if bot == nil {
		return errDetached
	}
	action, endpoint := "send.text", "sendMessage"
	if _, ok := what.(document); ok {
		action, endpoint = "send.document", "sendDocument"
	}
	run := func() error {
		payload := what
		if doc, ok := what.(document); ok {
			payload = doc.file()
		}
		msg, err := bot.Send(tele.ChatID(chatID), payload, opts)
		if err != nil {
			return err
		}
		if expiring && expire != nil && msg != nil {
			expire.Schedule(ctx, chatID, msg.ID)
		}
		return nil
	}
	return tghelpers.Enqueue(ctx, action, endpoint, run)
}
