package bot

import (
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/accountbot/core/config"
	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/flows"
	"github.com/m3rciful/accountbot/internal/store"

	tele "gopkg.in/telebot.v4"
)

const (
	adminID  int64 = 1
	memberID int64 = 100
	guestID  int64 = 200
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type sent struct {
	chat string
	text string
	doc  *tele.Document
	body string
	opts *tele.SendOptions
}

type fakeBot struct {
	mu    sync.Mutex
	sent  []sent
	files map[string]string
	err   error
}

func (b *fakeBot) Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	s := sent{chat: to.Recipient()}
	switch v := what.(type) {
	case string:
		s.text = v
	case *tele.Document:
		s.doc = v
		raw, _ := io.ReadAll(v.FileReader)
		s.body = string(raw)
	}
	if len(opts) > 0 {
		s.opts, _ = opts[0].(*tele.SendOptions)
	}
	b.sent = append(b.sent, s)
	return &tele.Message{ID: len(b.sent)}, nil
}

func (b *fakeBot) File(f *tele.File) (io.ReadCloser, error) {
	body, ok := b.files[f.FileID]
	if !ok {
		return nil, errors.New("file not found")
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (b *fakeBot) last(t *testing.T) sent {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.sent)
	return b.sent[len(b.sent)-1]
}

type expirer struct {
	mu  sync.Mutex
	ids []int
}

func (e *expirer) Schedule(_ context.Context, _ int64, messageID int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ids = append(e.ids, messageID)
}

func (e *expirer) scheduled() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.ids...)
}

func testConfig() *coreconfig.Config {
	return &coreconfig.Config{
		Telegram:  coreconfig.TelegramConfig{Token: "t", AdminID: adminID},
		Accounts:  coreconfig.AccountsConfig{TTLDays: 30, PurgeIntervalMinutes: 60},
		Ephemeral: coreconfig.EphemeralConfig{DelaySeconds: 60},
	}
}

type fixture struct {
	ctx    context.Context
	app    *App
	store  *store.Memory
	bot    *fakeBot
	expire *expirer
	clock  time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{ctx: context.Background(), bot: &fakeBot{files: map[string]string{}}, expire: &expirer{}, clock: t0}
	now := func() time.Time { return f.clock }
	f.store = store.NewMemory(store.Options{AdminID: adminID, Now: now})
	app, err := New(Options{Config: testConfig(), Store: f.store, Now: now})
	require.NoError(t, err)
	app.render.Attach(f.bot, f.expire)
	f.app = app
	require.NoError(t, f.store.UpsertUser(f.ctx, store.User{UserID: memberID, DisplayName: "Ana", RegisteredAt: t0, ExpiresAt: t0.Add(30 * 24 * time.Hour)}))
	return f
}

func (f *fixture) addAccount(t *testing.T, service, email string, profiles ...store.ProfileInput) {
	t.Helper()
	_, err := f.store.CreateOrUpdateAccount(f.ctx, store.AccountInput{
		OwnerID: memberID, Service: service, Email: email, Profiles: profiles,
		RegisteredAt: t0, ExpiresAt: t0.Add(30 * 24 * time.Hour),
	})
	require.NoError(t, err)
}

func key(uid int64) state.Key { return state.Key{UserID: uid, ChatID: uid} }

func buttonUniques(m *tele.ReplyMarkup) []string {
	var out []string
	if m == nil {
		return out
	}
	for _, row := range m.InlineKeyboard {
		for _, b := range row {
			out = append(out, b.Unique)
		}
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{Store: store.NewMemory(store.Options{})})
	require.Error(t, err)
	_, err = New(Options{Config: testConfig()})
	require.Error(t, err)
}

func TestRenderer_PersistentCarriesBackButton(t *testing.T) {
	bot, exp := &fakeBot{}, &expirer{}
	r := &Renderer{}
	r.Attach(bot, exp)

	_, err := r.Render(context.Background(), key(5), state.Prompt{Text: "done", Persistent: true})
	require.NoError(t, err)

	got := bot.last(t)
	assert.Equal(t, "5", got.chat)
	assert.Equal(t, "done", got.text)
	assert.Equal(t, []string{actBackToMenu}, buttonUniques(got.opts.ReplyMarkup))
	assert.Empty(t, exp.scheduled())
}

func TestRenderer_StepPromptExpires(t *testing.T) {
	bot, exp := &fakeBot{}, &expirer{}
	r := &Renderer{}
	r.Attach(bot, exp)

	_, err := r.Render(context.Background(), key(5), state.Prompt{
		Text:     "*pick*",
		Markdown: true,
		Buttons:  [][]state.Button{{{Text: "A", Action: "pick", Payload: "a"}}, {{Text: "x", Action: state.CancelAction}}},
	})
	require.NoError(t, err)

	got := bot.last(t)
	assert.Equal(t, tele.ModeMarkdownV2, got.opts.ParseMode)
	assert.Equal(t, []string{"pick", state.CancelAction}, buttonUniques(got.opts.ReplyMarkup))
	assert.Equal(t, "a", got.opts.ReplyMarkup.InlineKeyboard[0][0].Data)
	assert.Equal(t, []int{1}, exp.scheduled())

	r.Discard(context.Background(), 5, 42)
	assert.Equal(t, []int{1, 42}, exp.scheduled())
}

func TestRenderer_Detached(t *testing.T) {
	r := &Renderer{}
	_, err := r.Render(context.Background(), key(5), state.Prompt{Text: "hi"})
	require.ErrorIs(t, err, errDetached)
	_, err = r.Open(context.Background(), state.Document{FileID: "f"})
	require.ErrorIs(t, err, errDetached)
	r.Discard(context.Background(), 5, 1)
}

func TestRegistry(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{
		"/start", "/help", "/status", "/list", "/get", "/addmyaccount", "/editmyaccount",
		"/deletemyaccount", "/backupmyaccounts", "/importmyaccounts", "/cancel",
	} {
		_, cmd, ok := f.app.reg.LookupCommand(name)
		require.True(t, ok, name)
		assert.False(t, cmd.AdminOnly, name)
	}
	for _, name := range []string{"/adduser", "/listusers", "/edituser", "/deleteuser", "/listallaccounts"} {
		_, cmd, ok := f.app.reg.LookupCommand(name)
		require.True(t, ok, name)
		assert.True(t, cmd.AdminOnly, name)
	}
	for _, cb := range []string{actBackToMenu, actStartFlow, actGetService, state.CancelAction} {
		_, ok := f.app.reg.Callback(cb)
		assert.True(t, ok, cb)
	}
}

func TestTelegramRunOptions(t *testing.T) {
	f := newFixture(t)
	opts, err := f.app.TelegramRunOptions()
	require.NoError(t, err)
	assert.Same(t, f.app.reg, opts.Registry)
	assert.NotNil(t, opts.OnStart)
	assert.NotNil(t, opts.OnStop)
	assert.Len(t, opts.Routes, len(f.app.reg.Commands())+3)
	assert.NotEmpty(t, opts.Middlewares)
}

func TestMenuByRole(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.app.showMenu(f.ctx, key(adminID), ""))
	admin := f.bot.last(t)
	assert.Equal(t, menuTitle, admin.text)
	assert.Contains(t, buttonUniques(admin.opts.ReplyMarkup), actMenuUsers)
	assert.NotContains(t, buttonUniques(admin.opts.ReplyMarkup), actMenuList)

	require.NoError(t, f.app.showMenu(f.ctx, key(memberID), ""))
	member := buttonUniques(f.bot.last(t).opts.ReplyMarkup)
	assert.Contains(t, member, actMenuList)
	assert.Contains(t, member, actStartFlow)
	assert.NotContains(t, member, actMenuUsers)

	require.NoError(t, f.app.showMenu(f.ctx, key(guestID), ""))
	assert.Equal(t, []string{actMenuStatus, actMenuHelp}, buttonUniques(f.bot.last(t).opts.ReplyMarkup))
	assert.Empty(t, f.expire.scheduled())
}

func TestMenuFlowPayloadsAreRegistered(t *testing.T) {
	f := newFixture(t)
	for _, r := range []role{roleAdmin, roleMember} {
		for _, row := range menuMarkup(r).InlineKeyboard {
			for _, b := range row {
				if b.Unique != actStartFlow {
					continue
				}
				err := f.app.engine.Start(f.ctx, b.Data, key(adminID), nil)
				assert.NotErrorIs(t, err, state.ErrUnknownFlow, b.Data)
			}
		}
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.app.status(f.ctx, key(adminID)))
	assert.Contains(t, f.bot.last(t).text, "administrador")

	require.NoError(t, f.app.status(f.ctx, key(memberID)))
	assert.Equal(t, "✅ Hola Ana. Tu acceso está activo hasta: 01/07/2024", f.bot.last(t).text)

	require.NoError(t, f.app.status(f.ctx, key(guestID)))
	assert.Contains(t, f.bot.last(t).text, "No estás registrado")

	f.clock = t0.Add(31 * 24 * time.Hour)
	require.NoError(t, f.app.status(f.ctx, key(memberID)))
	assert.Equal(t, "⏳ Hola Ana. Tu acceso expiró el: 01/07/2024", f.bot.last(t).text)
}

func TestList(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.app.list(f.ctx, key(guestID)))
	assert.Contains(t, f.bot.last(t).text, "No tienes acceso activo")

	require.NoError(t, f.app.list(f.ctx, key(memberID)))
	assert.Contains(t, f.bot.last(t).text, "No tienes cuentas activas")

	f.addAccount(t, "netflix", "a@b.com", store.ProfileInput{Name: "Juan", Pin: "1111"}, store.ProfileInput{Name: "Ana", Pin: "2222"})
	f.addAccount(t, "Netflix", "c@d.com", store.ProfileInput{Name: "Leo", Pin: "3333"})
	require.NoError(t, f.app.list(f.ctx, key(memberID)))
	got := f.bot.last(t)
	assert.Contains(t, got.text, "• Netflix · 2 perfil(es) · vence 01/07/2024")
	assert.Contains(t, got.text, "• Netflix · 1 perfil(es)")
	assert.NotContains(t, got.text, "1111")
	assert.Equal(t, []string{actGetService, actBackToMenu}, buttonUniques(got.opts.ReplyMarkup))
}

func TestListButtonCarriesAccountID(t *testing.T) {
	f := newFixture(t)
	service := strings.Repeat("s", 60)
	f.addAccount(t, service, "a@b.com", store.ProfileInput{Name: "Juan", Pin: "1111"})
	views, err := f.store.ListAccountsForUser(f.ctx, memberID)
	require.NoError(t, err)
	require.Len(t, views, 1)

	require.NoError(t, f.app.list(f.ctx, key(memberID)))
	btn := f.bot.last(t).opts.ReplyMarkup.InlineKeyboard[0][0]
	payload := strconv.FormatInt(views[0].AccountID, 10)
	assert.Equal(t, payload, btn.Data)
	assert.LessOrEqual(t, len("\f"+actGetService+"|"+btn.Data), 64)

	require.NoError(t, f.app.getAccount(f.ctx, key(memberID), payload))
	assert.Contains(t, f.bot.last(t).text, "PIN `1111`")

	require.NoError(t, f.app.getAccount(f.ctx, key(memberID), "999"))
	assert.Equal(t, "❌ La cuenta ya no existe o expiró.", f.bot.last(t).text)
	require.NoError(t, f.app.getAccount(f.ctx, key(memberID), "nope"))
	assert.Equal(t, "❌ Cuenta no válida.", f.bot.last(t).text)
}

func TestGet(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "disney plus", "a.b@c.com", store.ProfileInput{Name: "Kid_1", Pin: "12.34"})

	require.NoError(t, f.app.get(f.ctx, key(memberID), nil))
	assert.Equal(t, "Uso: /get <servicio>", f.bot.last(t).text)

	require.NoError(t, f.app.get(f.ctx, key(memberID), []string{"hbo"}))
	assert.Contains(t, f.bot.last(t).text, "No se encontró ninguna cuenta para el servicio: Hbo")

	require.NoError(t, f.app.get(f.ctx, key(memberID), []string{"DISNEY", "plus"}))
	got := f.bot.last(t)
	assert.Equal(t, tele.ModeMarkdownV2, got.opts.ParseMode)
	assert.Contains(t, got.text, "🔑 *Disney Plus*")
	assert.Contains(t, got.text, "📧 `a.b@c.com`")
	assert.Contains(t, got.text, "👤 Kid\\_1 · PIN `12.34`")
	assert.Contains(t, got.text, "se eliminará en 60 s\\.")
	assert.Nil(t, got.opts.ReplyMarkup)
	assert.Equal(t, []int{len(f.bot.sent)}, f.expire.scheduled())

	require.NoError(t, f.app.get(f.ctx, key(adminID), []string{"netflix"}))
	assert.Contains(t, f.bot.last(t).text, "no disponible para administradores")
}

func TestBackupDocument(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.app.backup(f.ctx, key(memberID), "Ana"))
	assert.Contains(t, f.bot.last(t).text, "No tienes cuentas activas")

	f.addAccount(t, "Netflix", "a@b.com", store.ProfileInput{Name: "Juan", Pin: "1111"})
	require.NoError(t, f.app.backup(f.ctx, key(memberID), "Ana"))
	got := f.bot.last(t)
	require.NotNil(t, got.doc)
	assert.Equal(t, "backup_100_20240601_120000.txt", got.doc.FileName)
	assert.Contains(t, got.body, "Usuario: Ana (100)")
	assert.Contains(t, got.body, "Servicio: Netflix")
	assert.Contains(t, got.body, "PIN: 1111")
	assert.Equal(t, []int{len(f.bot.sent)}, f.expire.scheduled())
}

func TestBackupThenImportRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "Netflix", "a@b.com", store.ProfileInput{Name: "Juan", Pin: "1111"})
	require.NoError(t, f.app.backup(f.ctx, key(memberID), "Ana"))
	f.bot.files["doc-1"] = f.bot.last(t).body

	before, err := f.store.ListAccountsForUser(f.ctx, memberID)
	require.NoError(t, err)
	require.Len(t, before, 1)
	deleted, err := f.store.DeleteAccount(f.ctx, before[0].AccountID, memberID)
	require.NoError(t, err)
	require.True(t, deleted)

	k := key(memberID)
	require.NoError(t, f.app.engine.Start(f.ctx, flows.ImportBackup, k, nil))
	_, err = f.app.engine.Handle(f.ctx, state.Event{Kind: state.EventDocument, Key: k, Document: state.Document{FileID: "doc-1", Size: 100}})
	require.NoError(t, err)
	_, err = f.app.engine.Handle(f.ctx, state.Event{Kind: state.EventCallback, Key: k, Action: "ib_confirm", Payload: "yes"})
	require.NoError(t, err)

	views, err := f.store.ListAccountsForUser(f.ctx, memberID)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "1111", views[0].Pin)
	assert.Contains(t, f.bot.last(t).text, "Importación completa")
}

func TestAdminListings(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.app.listAll(f.ctx, key(adminID)))
	assert.Equal(t, "No hay cuentas registradas.", f.bot.last(t).text)

	f.addAccount(t, "Netflix", "a@b.com", store.ProfileInput{Name: "Juan", Pin: "1111"}, store.ProfileInput{Name: "Ana", Pin: "2"})
	require.NoError(t, f.app.listAll(f.ctx, key(adminID)))
	got := f.bot.last(t)
	assert.Contains(t, got.text, "👤 Ana (100)")
	assert.Contains(t, got.text, "• Netflix · a@b.com · Ana, Juan · vence 01/07/2024")
	assert.NotContains(t, got.text, "1111")

	require.NoError(t, f.app.listUsers(f.ctx, key(adminID)))
	assert.Equal(t, "👥 Usuarios (1):\n✅ Ana (100) · hasta 01/07/2024", f.bot.last(t).text)

	guard := f.app.adminOnly(f.app.listUsers)
	require.NoError(t, guard(f.ctx, key(memberID)))
	assert.Equal(t, "⛔ Acceso denegado.", f.bot.last(t).text)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.app.cancel(f.ctx, key(memberID)))
	assert.Equal(t, "No hay ninguna operación en curso.", f.bot.last(t).text)

	require.NoError(t, f.app.engine.Start(f.ctx, flows.AddAccount, key(memberID), nil))
	require.True(t, f.app.engine.InProgress(key(memberID)))
	require.NoError(t, f.app.cancel(f.ctx, key(memberID)))
	assert.False(t, f.app.engine.InProgress(key(memberID)))
	assert.Equal(t, "Operación cancelada.", f.bot.last(t).text)
}

func TestCancelAliasInsideFlow(t *testing.T) {
	f := newFixture(t)
	k := key(memberID)
	require.NoError(t, f.app.engine.Start(f.ctx, flows.AddAccount, k, nil))

	handled, err := f.app.engine.Handle(f.ctx, state.Event{Kind: state.EventText, Key: k, Text: "cancelar"})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.False(t, f.app.engine.InProgress(k))
	assert.Equal(t, "Operación cancelada.", f.bot.last(t).text)

	views, err := f.store.ListAccountsForUser(f.ctx, memberID)
	require.NoError(t, err)
	assert.Empty(t, views)
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	f.addAccount(t, "Netflix", "a@b.com", store.ProfileInput{Name: "Juan", Pin: "1111"})

	f.app.purge(f.ctx)
	views, err := f.store.ListAllAccounts(f.ctx)
	require.NoError(t, err)
	assert.Len(t, views, 1)

	f.clock = t0.Add(31 * 24 * time.Hour)
	f.app.purge(f.ctx)
	views, err = f.store.ListAllAccounts(f.ctx)
	require.NoError(t, err)
	assert.Empty(t, views)
}
