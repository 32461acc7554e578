package state

import (
	"context"
	"time"
)

// State identifies a step inside a flow.
type State string

// Key identifies a conversation.
type Key struct {
	UserID int64
	ChatID int64
}

// Session stores the active flow, its current step and scratch data for a key.
type Session struct {
	ID        string
	Key       Key
	Flow      string
	State     State
	TempData  map[string]interface{}
	StartedAt time.Time
}

// Set stores a scratch value.
func (s *Session) Set(key string, value interface{}) {
	if s.TempData == nil {
		s.TempData = make(map[string]interface{})
	}
	s.TempData[key] = value
}

// Get returns a scratch value.
func (s *Session) Get(key string) (interface{}, bool) {
	v, ok := s.TempData[key]
	return v, ok
}

// Clear removes a scratch value.
func (s *Session) Clear(key string) {
	delete(s.TempData, key)
}

// Scratch returns a typed scratch value. A missing key or a type mismatch
// yields the zero value and false.
func Scratch[T any](s *Session, key string) (T, bool) {
	var zero T
	if s == nil {
		return zero, false
	}
	v, ok := s.TempData[key]
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// EventKind tells the engine which handler of a step applies.
type EventKind int

const (
	EventText EventKind = iota + 1
	EventCallback
	EventDocument
)

// Document describes an uploaded file.
type Document struct {
	FileID   string
	FileName string
	MIME     string
	Size     int64
}

// Event is one inbound update for a conversation.
type Event struct {
	Kind      EventKind
	Key       Key
	MessageID int
	Text      string
	// Action and Payload are set for callbacks.
	Action   string
	Payload  string
	Document Document
}

// Button is an inline choice. Pressing it produces a callback event with the
// same Action and Payload.
type Button struct {
	Text    string
	Action  string
	Payload string
}

// Prompt is a message rendered to the user.
type Prompt struct {
	Text     string
	Markdown bool
	Buttons  [][]Button
	// Persistent messages stay in the chat and carry the way back to the menu.
	// Everything else is removed after the ephemeral delay.
	Persistent bool
}

// Renderer delivers prompts and disposes of user input messages.
type Renderer interface {
	Render(ctx context.Context, key Key, p Prompt) (int, error)
	Discard(ctx context.Context, chatID int64, messageID int)
}

type transitionKind int

const (
	transitionNext transitionKind = iota + 1
	transitionStay
	transitionDone
)

// Transition is the outcome of handling an event.
type Transition struct {
	kind   transitionKind
	next   State
	hint   string
	prompt Prompt
}

// Next advances to st and renders its prompt.
func Next(st State) Transition {
	return Transition{kind: transitionNext, next: st}
}

// Stay re-renders the current step prefixed by hint.
func Stay(hint string) Transition {
	return Transition{kind: transitionStay, hint: hint}
}

// Done terminates the flow and renders p.
func Done(p Prompt) Transition {
	return Transition{kind: transitionDone, prompt: p}
}

// TextHandler handles free text.
type TextHandler func(ctx context.Context, s *Session, text string) (Transition, error)

// CallbackHandler handles a button press; payload is the button's Payload.
type CallbackHandler func(ctx context.Context, s *Session, payload string) (Transition, error)

// DocumentHandler handles an uploaded document.
type DocumentHandler func(ctx context.Context, s *Session, doc Document) (Transition, error)

// Step is one node of a flow.
type Step struct {
	Enter      func(ctx context.Context, s *Session) (Prompt, error)
	OnText     TextHandler
	Callbacks  map[string]CallbackHandler
	OnDocument DocumentHandler
	// Hint replaces the default corrective text for unmatched input.
	Hint string
}

// Flow is a named step table with an entry guard.
type Flow struct {
	Name  string
	Guard Guard
	Start State
	// Begin runs when the flow starts. It receives the command arguments, if
	// any, and may finish immediately. A nil Begin advances to Start.
	Begin func(ctx context.Context, s *Session, args []string) (Transition, error)
	Steps map[State]Step
}

// Decision is the result of a guard.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow grants entry.
func Allow() Decision { return Decision{Allowed: true} }

// Deny refuses entry with a user-facing reason.
func Deny(reason string) Decision { return Decision{Reason: reason} }

// Guard decides whether userID may start a flow.
type Guard func(ctx context.Context, userID int64) (Decision, error)

// All combines guards; the first denial or error wins.
func All(guards ...Guard) Guard {
	return func(ctx context.Context, userID int64) (Decision, error) {
		for _, g := range guards {
			if g == nil {
				continue
			}
			d, err := g(ctx, userID)
			if err != nil || !d.Allowed {
				return d, err
			}
		}
		return Allow(), nil
	}
}
