package state

import (
	"context"
	"errors"
	"fmt"
	"hash/maphash"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/m3rciful/accountbot/core/logger"
)

// CancelAction is the callback action of the cancel button attached to every step.
const CancelAction = "flow_cancel"

// CancelCommand is the text that cancels the active flow.
const CancelCommand = "/cancel"

// ErrUnknownFlow is returned by Start for unregistered flow names.
var ErrUnknownFlow = errors.New("state: unknown flow")

// Messages holds the user-facing texts produced by the engine itself.
type Messages struct {
	Cancelled   string
	Failure     string
	Unexpected  string
	CancelLabel string
}

func (m Messages) withDefaults() Messages {
	if m.Cancelled == "" {
		m.Cancelled = "Operation cancelled."
	}
	if m.Failure == "" {
		m.Failure = "Something went wrong. Please try again later."
	}
	if m.Unexpected == "" {
		m.Unexpected = "Unexpected input."
	}
	if m.CancelLabel == "" {
		m.CancelLabel = "❌ Cancel"
	}
	return m
}

// Options configure an Engine.
type Options struct {
	Renderer Renderer
	Manager  *Manager
	Messages Messages
	// CancelWords are plain-text aliases of CancelCommand. A text that equals
	// one of them, ignoring case and surrounding space, cancels the flow.
	CancelWords []string
	// Now defaults to time.Now.
	Now func() time.Time
}

const lockStripes = 64

// Engine runs flows. Events for the same Key are handled one at a time;
// different keys proceed concurrently.
type Engine struct {
	render      Renderer
	sessions    *Manager
	msgs        Messages
	now         func() time.Time
	cancelWords map[string]struct{}

	mu    sync.RWMutex
	flows map[string]*Flow

	seed  maphash.Seed
	locks [lockStripes]sync.Mutex
}

// NewEngine builds an Engine. A Renderer is required.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		render:   opts.Renderer,
		sessions: opts.Manager,
		msgs:     opts.Messages.withDefaults(),
		now:      opts.Now,
		flows:    make(map[string]*Flow),
		seed:     maphash.MakeSeed(),
	}
	for _, w := range opts.CancelWords {
		if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
			if e.cancelWords == nil {
				e.cancelWords = make(map[string]struct{})
			}
			e.cancelWords[w] = struct{}{}
		}
	}
	if e.sessions == nil {
		e.sessions = NewManager()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Sessions exposes the session manager.
func (e *Engine) Sessions() *Manager {
	return e.sessions
}

// Register adds a flow. Registering the same name twice is an error.
func (e *Engine) Register(f *Flow) error {
	if f == nil || f.Name == "" {
		return fmt.Errorf("state: flow without name")
	}
	if _, ok := f.Steps[f.Start]; !ok && f.Begin == nil {
		return fmt.Errorf("state: flow %q has no start step %q", f.Name, f.Start)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.flows[f.Name]; exists {
		return fmt.Errorf("state: flow %q already registered", f.Name)
	}
	e.flows[f.Name] = f
	return nil
}

func (e *Engine) flow(name string) (*Flow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	f, ok := e.flows[name]
	return f, ok
}

func (e *Engine) lock(k Key) func() {
	var h maphash.Hash
	h.SetSeed(e.seed)
	_, _ = fmt.Fprintf(&h, "%d:%d", k.UserID, k.ChatID)
	m := &e.locks[h.Sum64()%lockStripes]
	m.Lock()
	return m.Unlock
}

// InProgress reports whether k has an active flow.
func (e *Engine) InProgress(k Key) bool {
	return e.sessions.InProgress(k)
}

// Start begins flow name for key, replacing any active session. args are
// passed to Flow.Begin for one-shot invocations.
func (e *Engine) Start(ctx context.Context, name string, key Key, args []string) error {
	f, ok := e.flow(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFlow, name)
	}
	unlock := e.lock(key)
	defer unlock()

	if f.Guard != nil {
		d, err := f.Guard(ctx, key.UserID)
		if err != nil {
			logger.Error(ctx, "flow", "flow.guard",
				slog.String("flow", name),
				slog.String("err", err.Error()),
			)
			e.renderPrompt(ctx, key, Prompt{Text: e.msgs.Failure, Persistent: true})
			return nil
		}
		if !d.Allowed {
			logger.Debug(ctx, "flow", "flow.denied",
				slog.String("flow", name),
				slog.String("reason", d.Reason),
			)
			e.renderPrompt(ctx, key, Prompt{Text: d.Reason, Persistent: true})
			return nil
		}
	}

	if prev, ok := e.sessions.Load(key); ok {
		logger.Debug(ctx, "flow", "flow.superseded",
			slog.String("flow", prev.Flow),
			slog.String("session_id", prev.ID),
			slog.String("state", string(prev.State)),
		)
		e.sessions.Delete(key)
	}

	s := &Session{
		ID:        uuid.NewString(),
		Key:       key,
		Flow:      name,
		TempData:  make(map[string]interface{}),
		StartedAt: e.now(),
	}
	ctx = logger.WithTrace(ctx, s.ID, "")
	logger.Info(ctx, "flow", "flow.start",
		slog.String("flow", name),
		slog.String("session_id", s.ID),
		slog.Int("args", len(args)),
	)

	tr := Next(f.Start)
	if f.Begin != nil {
		var err error
		tr, err = f.Begin(ctx, s, args)
		if err != nil {
			e.fail(ctx, s, err)
			return nil
		}
	}
	e.apply(ctx, f, s, tr)
	return nil
}

// Handle routes ev to the active session of ev.Key. It reports false when no
// session is active or the event does not belong to the active flow.
func (e *Engine) Handle(ctx context.Context, ev Event) (bool, error) {
	if !e.sessions.InProgress(ev.Key) {
		return false, nil
	}
	unlock := e.lock(ev.Key)
	defer unlock()

	s, ok := e.sessions.Load(ev.Key)
	if !ok {
		return false, nil
	}
	f, ok := e.flow(s.Flow)
	if !ok {
		e.sessions.Delete(ev.Key)
		return false, nil
	}
	ctx = logger.WithTrace(ctx, s.ID, string(s.State))

	if e.isCancel(ev) {
		e.cancel(ctx, s, ev)
		return true, nil
	}

	step, ok := f.Steps[s.State]
	if !ok {
		e.fail(ctx, s, fmt.Errorf("state %q not in flow %q", s.State, f.Name))
		return true, nil
	}

	var (
		tr  Transition
		err error
	)
	switch ev.Kind {
	case EventText:
		if ev.MessageID != 0 {
			e.render.Discard(ctx, ev.Key.ChatID, ev.MessageID)
		}
		if step.OnText == nil {
			tr = e.unexpected(step)
			break
		}
		tr, err = step.OnText(ctx, s, strings.TrimSpace(ev.Text))
	case EventCallback:
		h, ok := step.Callbacks[ev.Action]
		if !ok {
			if !f.ownsAction(ev.Action) {
				return false, nil
			}
			tr = e.unexpected(step)
			break
		}
		tr, err = h(ctx, s, ev.Payload)
	case EventDocument:
		if step.OnDocument == nil {
			tr = e.unexpected(step)
			break
		}
		tr, err = step.OnDocument(ctx, s, ev.Document)
	default:
		return false, nil
	}
	if err != nil {
		e.fail(ctx, s, err)
		return true, nil
	}
	e.apply(ctx, f, s, tr)
	return true, nil
}

// Cancel terminates the active flow of key, if any.
func (e *Engine) Cancel(ctx context.Context, key Key) bool {
	unlock := e.lock(key)
	defer unlock()
	s, ok := e.sessions.Load(key)
	if !ok {
		return false
	}
	e.cancel(ctx, s, Event{Key: key})
	return true
}

func (e *Engine) cancel(ctx context.Context, s *Session, ev Event) {
	e.sessions.Delete(s.Key)
	if ev.Kind == EventText && ev.MessageID != 0 {
		e.render.Discard(ctx, ev.Key.ChatID, ev.MessageID)
	}
	logger.Info(ctx, "flow", "flow.cancel",
		slog.String("flow", s.Flow),
		slog.String("session_id", s.ID),
		slog.String("state", string(s.State)),
	)
	e.renderPrompt(ctx, s.Key, Prompt{Text: e.msgs.Cancelled, Persistent: true})
}

func (e *Engine) unexpected(step Step) Transition {
	if step.Hint != "" {
		return Stay(step.Hint)
	}
	return Stay(e.msgs.Unexpected)
}

func (e *Engine) apply(ctx context.Context, f *Flow, s *Session, tr Transition) {
	switch tr.kind {
	case transitionNext:
		s.State = tr.next
		e.sessions.Store(s)
		e.enter(ctx, f, s, "")
	case transitionStay:
		if s.State == "" {
			s.State = f.Start
		}
		e.sessions.Store(s)
		e.enter(ctx, f, s, tr.hint)
	case transitionDone:
		e.sessions.Delete(s.Key)
		logger.Info(ctx, "flow", "flow.done",
			slog.String("flow", s.Flow),
			slog.String("session_id", s.ID),
			slog.String("state", string(s.State)),
		)
		e.renderPrompt(ctx, s.Key, tr.prompt)
	default:
		e.fail(ctx, s, fmt.Errorf("empty transition in state %q", s.State))
	}
}

func (e *Engine) enter(ctx context.Context, f *Flow, s *Session, hint string) {
	step, ok := f.Steps[s.State]
	if !ok {
		e.fail(ctx, s, fmt.Errorf("state %q not in flow %q", s.State, f.Name))
		return
	}
	var p Prompt
	if step.Enter != nil {
		var err error
		p, err = step.Enter(ctx, s)
		if err != nil {
			e.fail(ctx, s, err)
			return
		}
	}
	if hint != "" {
		p.Text = hint + "\n\n" + p.Text
	}
	p.Persistent = false
	p.Buttons = append(p.Buttons, []Button{{Text: e.msgs.CancelLabel, Action: CancelAction}})
	logger.Debug(ctx, "flow", "flow.step",
		slog.String("flow", s.Flow),
		slog.String("session_id", s.ID),
		slog.String("state", string(s.State)),
	)
	e.renderPrompt(ctx, s.Key, p)
}

func (e *Engine) fail(ctx context.Context, s *Session, err error) {
	e.sessions.Delete(s.Key)
	logger.Error(ctx, "flow", "flow.fail",
		slog.String("flow", s.Flow),
		slog.String("session_id", s.ID),
		slog.String("state", string(s.State)),
		slog.String("err", err.Error()),
	)
	e.renderPrompt(ctx, s.Key, Prompt{Text: e.msgs.Failure, Persistent: true})
}

func (e *Engine) renderPrompt(ctx context.Context, key Key, p Prompt) {
	if e.render == nil {
		return
	}
	if _, err := e.render.Render(ctx, key, p); err != nil {
		logger.Warn(ctx, "flow", "flow.render",
			slog.Int64("chat_id", key.ChatID),
			slog.String("err", err.Error()),
		)
	}
}

func (f *Flow) ownsAction(action string) bool {
	if action == CancelAction {
		return true
	}
	for _, st := range f.Steps {
		if _, ok := st.Callbacks[action]; ok {
			return true
		}
	}
	return false
}

func (e *Engine) isCancel(ev Event) bool {
	switch ev.Kind {
	case EventCallback:
		return ev.Action == CancelAction
	case EventText:
		text := strings.ToLower(strings.TrimSpace(ev.Text))
		if _, ok := e.cancelWords[text]; ok {
			return true
		}
		cmd := strings.Fields(text)
		if len(cmd) == 0 {
			return false
		}
		name, _, _ := strings.Cut(cmd[0], "@")
		return name == CancelCommand
	}
	return false
}
