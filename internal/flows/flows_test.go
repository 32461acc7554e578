package flows

import (
	"context"
	"io"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/backup"
	"github.com/m3rciful/accountbot/internal/store"
)

const (
	adminID  int64 = 1
	memberID int64 = 100
	ttl            = 30 * 24 * time.Hour
)

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type renderer struct {
	mu      sync.Mutex
	prompts []state.Prompt
}

func (r *renderer) Render(_ context.Context, _ state.Key, p state.Prompt) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, p)
	return len(r.prompts), nil
}

func (r *renderer) Discard(context.Context, int64, int) {}

func (r *renderer) last() state.Prompt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prompts[len(r.prompts)-1]
}

type files map[string]string

func (f files) Open(_ context.Context, doc state.Document) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(f[doc.FileID])), nil
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Memory
	engine *state.Engine
	out    *renderer
	files  files
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := func() time.Time { return t0 }
	h := &harness{
		t:     t,
		ctx:   context.Background(),
		store: store.NewMemory(store.Options{AdminID: adminID, Now: now}),
		out:   &renderer{},
		files: files{},
	}
	h.engine = state.NewEngine(state.Options{Renderer: h.out, CancelWords: []string{"cancelar"}, Now: now})
	require.NoError(t, Register(h.engine, Deps{Store: h.store, AdminID: adminID, TTL: ttl, Files: h.files, Now: now}))
	require.NoError(t, h.store.UpsertUser(h.ctx, store.User{UserID: memberID, DisplayName: "Ana", RegisteredAt: t0, ExpiresAt: t0.Add(ttl)}))
	return h
}

func key(uid int64) state.Key { return state.Key{UserID: uid, ChatID: uid} }

func (h *harness) start(uid int64, flow string, args ...string) {
	h.t.Helper()
	require.NoError(h.t, h.engine.Start(h.ctx, flow, key(uid), args))
}

func (h *harness) text(uid int64, texts ...string) {
	h.t.Helper()
	for _, txt := range texts {
		handled, err := h.engine.Handle(h.ctx, state.Event{Kind: state.EventText, Key: key(uid), Text: txt})
		require.NoError(h.t, err)
		require.True(h.t, handled, "text %q not handled", txt)
	}
}

func (h *harness) press(uid int64, action, payload string) {
	h.t.Helper()
	handled, err := h.engine.Handle(h.ctx, state.Event{Kind: state.EventCallback, Key: key(uid), Action: action, Payload: payload})
	require.NoError(h.t, err)
	require.True(h.t, handled, "callback %s not handled", action)
}

func (h *harness) state(uid int64) state.State {
	s, ok := h.engine.Sessions().Load(key(uid))
	if !ok {
		return ""
	}
	return s.State
}

func (h *harness) accounts(uid int64) []store.ProfileView {
	h.t.Helper()
	views, err := h.store.ListAccountsForUser(h.ctx, uid)
	require.NoError(h.t, err)
	return views
}

func TestAddAccount_NetflixScenario(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount)
	h.press(memberID, actService, "Netflix")
	h.text(memberID, "a@b.com", "2", "P1", "1111", "P2", "2222")

	assert.False(t, h.engine.InProgress(key(memberID)))
	views := h.accounts(memberID)
	require.Len(t, views, 2)
	for i, want := range []store.ProfileInput{{Name: "P1", Pin: "1111"}, {Name: "P2", Pin: "2222"}} {
		assert.Equal(t, "Netflix", views[i].Service)
		assert.Equal(t, "a@b.com", views[i].Email)
		assert.Equal(t, want.Name, views[i].ProfileName)
		assert.Equal(t, want.Pin, views[i].Pin)
		assert.Equal(t, t0.Add(ttl), views[i].ExpiresAt)
	}
	assert.Equal(t, views[0].AccountID, views[1].AccountID)
	assert.True(t, h.out.last().Persistent)
	assert.Contains(t, h.out.last().Text, "Perfiles añadidos: P1, P2")
}

func TestAddAccount_ServiceButtonsTwoPerRow(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount)
	rows := h.out.last().Buttons
	require.Len(t, rows, len(CommonServices)/2+1, "service rows plus cancel row")
	for _, row := range rows[:len(rows)-1] {
		assert.Len(t, row, 2)
		assert.Equal(t, actService, row[0].Action)
	}
	assert.Equal(t, state.CancelAction, rows[len(rows)-1][0].Action)
}

func TestAddAccount_DuplicateNameRejected(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount)
	h.text(memberID, "netflix", "a@b.com", "2", "P1", "1111", "P1")

	assert.Equal(t, addStepName, h.state(memberID))
	assert.Contains(t, h.out.last().Text, "Ya ingresaste un perfil llamado")
	assert.Contains(t, h.out.last().Text, "Perfil 2 de 2")
	assert.Empty(t, h.accounts(memberID))

	h.text(memberID, "P2", "9999")
	views := h.accounts(memberID)
	require.Len(t, views, 2)
	assert.Equal(t, "1111", views[0].Pin)
}

func TestAddAccount_InvalidInputStays(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount)
	h.text(memberID, "Max", "not-an-email")
	assert.Equal(t, addStepEmail, h.state(memberID))
	h.text(memberID, "m@x.io", "6")
	assert.Equal(t, addStepCount, h.state(memberID))
	h.text(memberID, "zero")
	assert.Equal(t, addStepCount, h.state(memberID))
	h.press(memberID, actCount, "1")
	assert.Equal(t, addStepName, h.state(memberID))
}

func TestAddAccount_RestartDiscardsDraft(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount)
	h.text(memberID, "Netflix", "old@b.com", "2", "Old", "0000")

	h.start(memberID, AddAccount)
	assert.Equal(t, addStepService, h.state(memberID))
	h.text(memberID, "Max", "new@b.com", "1", "New", "1234")

	views := h.accounts(memberID)
	require.Len(t, views, 1)
	assert.Equal(t, "Max", views[0].Service)
	assert.Equal(t, "New", views[0].ProfileName)
}

func TestAddAccount_CancelLeavesStoreUntouched(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount)
	h.text(memberID, "Netflix", "a@b.com", "1", "P1")
	h.press(memberID, state.CancelAction, "")
	assert.False(t, h.engine.InProgress(key(memberID)))
	assert.Empty(t, h.accounts(memberID))
}

func TestAddAccount_CancelWordAtEveryStep(t *testing.T) {
	for _, inputs := range [][]string{
		nil,
		{"Netflix"},
		{"Netflix", "a@b.com"},
		{"Netflix", "a@b.com", "2"},
		{"Netflix", "a@b.com", "2", "P1"},
		{"Netflix", "a@b.com", "2", "P1", "1111"},
	} {
		h := newHarness(t)
		h.start(memberID, AddAccount)
		h.text(memberID, inputs...)
		h.text(memberID, "Cancelar")

		assert.False(t, h.engine.InProgress(key(memberID)), "after %v", inputs)
		assert.Empty(t, h.accounts(memberID), "after %v", inputs)
		assert.True(t, h.out.last().Persistent)
	}
}

func TestAddAccount_Direct(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount, "disney+", "d@x.com", "Kids:1", "Dad:2")
	views := h.accounts(memberID)
	require.Len(t, views, 2)
	assert.Equal(t, "Disney+", views[0].Service)
	assert.False(t, h.engine.InProgress(key(memberID)))

	for _, args := range [][]string{
		{"Netflix", "bad-email", "A:1"},
		{"Netflix", "a@b.com"},
		{"Netflix", "a@b.com", "A:1", "A:2"},
		{"Netflix", "a@b.com", "noPin"},
		{"Netflix", "a@b.com", "1:1", "2:2", "3:3", "4:4", "5:5", "6:6"},
	} {
		h.start(memberID, AddAccount, args...)
		assert.True(t, strings.HasPrefix(h.out.last().Text, "Uso: /addmyaccount"), "%v", args)
	}
	assert.Len(t, h.accounts(memberID), 2)
}

func TestAddAccount_CapReported(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount, "Netflix", "a@b.com", "1:1", "2:2", "3:3", "4:4", "5:5")
	h.start(memberID, AddAccount, "Netflix", "a@b.com", "6:6")
	assert.Contains(t, h.out.last().Text, "No se añadieron: 6")
	assert.Len(t, h.accounts(memberID), store.MaxProfiles)
}

func TestGuards(t *testing.T) {
	h := newHarness(t)

	h.start(adminID, AddAccount)
	assert.Contains(t, h.out.last().Text, "no disponible para administradores")
	assert.False(t, h.engine.InProgress(key(adminID)))

	h.start(999, ImportBackup)
	assert.Contains(t, h.out.last().Text, "No tienes acceso activo")

	h.start(memberID, AddUser)
	assert.Equal(t, "⛔ Acceso denegado.", h.out.last().Text)
	assert.False(t, h.engine.InProgress(key(memberID)))
}

func TestEditAccount(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount, "Netflix", "a@b.com", "P1:1", "P2:2")
	h.start(memberID, AddAccount, "Netflix", "c@d.com", "X:9")
	views := h.accounts(memberID)
	p1 := views[0]
	require.Equal(t, "P1", p1.ProfileName)

	h.start(memberID, EditAccount)
	h.press(memberID, actEditPick, strconv.FormatInt(p1.ProfileID, 10))
	h.press(memberID, actEditField, fieldName)
	h.text(memberID, "P2")
	assert.Contains(t, h.out.last().Text, "No se pudo renombrar")

	h.start(memberID, EditAccount)
	h.press(memberID, actEditPick, strconv.FormatInt(p1.ProfileID, 10))
	h.press(memberID, actEditField, fieldPin)
	h.text(memberID, "4321")

	h.start(memberID, EditAccount)
	h.press(memberID, actEditPick, strconv.FormatInt(p1.ProfileID, 10))
	h.press(memberID, actEditField, fieldEmail)
	h.text(memberID, "broken")
	assert.Equal(t, editStepValue, h.state(memberID))
	h.text(memberID, "c@d.com")
	assert.Contains(t, h.out.last().Text, "No se pudo cambiar el email")

	views = h.accounts(memberID)
	assert.Equal(t, "4321", views[0].Pin)
	assert.Equal(t, "a@b.com", views[0].Email)
}

func TestEditAccount_NothingToEdit(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, EditAccount)
	assert.False(t, h.engine.InProgress(key(memberID)))
	assert.Contains(t, h.out.last().Text, "No tienes cuentas activas")
}

func TestEditAccount_ForeignProfileIgnored(t *testing.T) {
	h := newHarness(t)
	other := int64(200)
	require.NoError(t, h.store.UpsertUser(h.ctx, store.User{UserID: other, ExpiresAt: t0.Add(ttl)}))
	h.start(other, AddAccount, "Netflix", "o@x.com", "Theirs:1")
	h.start(memberID, AddAccount, "Max", "m@x.com", "Mine:1")
	theirs := h.accounts(other)[0]

	h.start(memberID, EditAccount)
	h.press(memberID, actEditPick, strconv.FormatInt(theirs.ProfileID, 10))
	assert.Equal(t, editStepPick, h.state(memberID))
	assert.Contains(t, h.out.last().Text, "Perfil no encontrado")
}

func TestDeleteAccount(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, AddAccount, "Netflix", "a@b.com", "P1:1", "P2:2", "P3:3")
	acc := h.accounts(memberID)[0].AccountID

	h.start(memberID, DeleteAccount)
	h.press(memberID, actDelPick, strconv.FormatInt(acc, 10))
	assert.Contains(t, h.out.last().Text, "P1, P2, P3")
	h.press(memberID, actDelConfirm, payloadNo)
	assert.Len(t, h.accounts(memberID), 3)

	h.start(memberID, DeleteAccount, strconv.FormatInt(acc, 10))
	assert.Equal(t, delStepConfirm, h.state(memberID))
	h.press(memberID, actDelConfirm, payloadYes)
	assert.Empty(t, h.accounts(memberID))
	assert.Zero(t, h.store.ProfileCount(acc))

	h.start(memberID, AddAccount, "Max", "m@x.com", "A:1")
	h.start(memberID, DeleteAccount, "424242")
	assert.Contains(t, h.out.last().Text, "no encontrada")
	assert.False(t, h.engine.InProgress(key(memberID)))
}

func TestAddUser(t *testing.T) {
	h := newHarness(t)
	h.start(adminID, AddUser)
	h.text(adminID, "abc")
	assert.Equal(t, userStepID, h.state(adminID))
	h.text(adminID, "555", "Luis", "0")
	assert.Equal(t, userStepDays, h.state(adminID))
	h.text(adminID, "10")

	u, ok, err := h.store.GetUser(h.ctx, 555)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Luis", u.DisplayName)
	assert.Equal(t, t0.Add(10*24*time.Hour), u.ExpiresAt)

	h.start(adminID, AddUser, "556", "María", "José", "30")
	u, ok, _ = h.store.GetUser(h.ctx, 556)
	require.True(t, ok)
	assert.Equal(t, "María José", u.DisplayName)

	h.start(adminID, AddUser, strconv.FormatInt(adminID, 10), "Me", "30")
	assert.Equal(t, adminProtected, h.out.last().Text)
}

func TestEditUser(t *testing.T) {
	h := newHarness(t)
	h.start(adminID, EditUser)
	h.press(adminID, actUserPick, strconv.FormatInt(memberID, 10))
	h.press(adminID, actUserField, fieldExpiry)
	h.text(adminID, "2024-12-31")
	u, _, _ := h.store.GetUser(h.ctx, memberID)
	assert.Equal(t, 31, u.ExpiresAt.Day())
	assert.Equal(t, 23, u.ExpiresAt.Hour())

	h.start(adminID, EditUser)
	h.text(adminID, "777")
	h.press(adminID, actUserField, fieldName)
	h.text(adminID, "Nadie")
	assert.Contains(t, h.out.last().Text, "no encontrado")
}

func TestDeleteUser_AdminIsProtected(t *testing.T) {
	h := newHarness(t)
	h.start(adminID, DeleteUser, strconv.FormatInt(adminID, 10))
	h.press(adminID, actUserConfirm, payloadYes)
	assert.Equal(t, adminProtected, h.out.last().Text)

	ok, err := h.store.DeleteUser(h.ctx, adminID)
	assert.ErrorIs(t, err, store.ErrPermissionDenied)
	assert.False(t, ok)
	authorized, _ := h.store.IsAuthorized(h.ctx, adminID)
	assert.True(t, authorized)
}

func TestDeleteUser(t *testing.T) {
	h := newHarness(t)
	h.start(adminID, DeleteUser)
	h.press(adminID, actUserPick, strconv.FormatInt(memberID, 10))
	h.press(adminID, actUserConfirm, payloadYes)
	_, ok, _ := h.store.GetUser(h.ctx, memberID)
	assert.False(t, ok)
	authorized, _ := h.store.IsAuthorized(h.ctx, memberID)
	assert.False(t, authorized)
}

func TestImportBackup(t *testing.T) {
	h := newHarness(t)
	h.files["f1"] = backup.ExportString(backup.Header{UserID: memberID, GeneratedAt: t0}, []store.ProfileView{
		{Service: "Netflix", Email: "a@b.com", ProfileName: "P1", Pin: "1"},
		{Service: "Netflix", Email: "a@b.com", ProfileName: "P2", Pin: "2"},
		{Service: "Max", Email: "m@b.com", ProfileName: "Solo", Pin: "3"},
	})
	h.files["empty"] = "nada por aquí"

	h.start(memberID, ImportBackup)
	h.text(memberID, "hola")
	assert.Equal(t, importStepFile, h.state(memberID))

	doc := func(id string) state.Event {
		return state.Event{Kind: state.EventDocument, Key: key(memberID), Document: state.Document{FileID: id, Size: 100}}
	}
	handled, err := h.engine.Handle(h.ctx, doc("empty"))
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Equal(t, importStepFile, h.state(memberID))

	_, err = h.engine.Handle(h.ctx, doc("f1"))
	require.NoError(t, err)
	assert.Equal(t, importStepConfirm, h.state(memberID))
	assert.Contains(t, h.out.last().Text, "3 perfil(es) en 2 cuenta(s)")

	h.press(memberID, actImportConfirm, payloadYes)
	views := h.accounts(memberID)
	require.Len(t, views, 3)
	assert.Equal(t, views[1].AccountID, views[2].AccountID, "Netflix profiles share one account")
	assert.Contains(t, h.out.last().Text, "2 cuenta(s), 3 perfil(es) nuevos")
}

func TestImportBackup_TooLarge(t *testing.T) {
	h := newHarness(t)
	h.start(memberID, ImportBackup)
	_, err := h.engine.Handle(h.ctx, state.Event{Kind: state.EventDocument, Key: key(memberID), Document: state.Document{FileID: "x", Size: MaxBackupBytes + 1}})
	require.NoError(t, err)
	assert.Contains(t, h.out.last().Text, "demasiado grande")
}

func TestImportBackup_UnderreportedSizeStillRefused(t *testing.T) {
	h := newHarness(t)
	block := "Servicio: Netflix\nEmail: a@b.com\nPerfil: P1\nPIN: 1\n" + backup.Delimiter + "\n"
	h.files["big"] = strings.Repeat(block, MaxBackupBytes/len(block)+1)
	h.start(memberID, ImportBackup)

	handled, err := h.engine.Handle(h.ctx, state.Event{Kind: state.EventDocument, Key: key(memberID), Document: state.Document{FileID: "big"}})
	require.NoError(t, err)
	assert.True(t, handled)
	assert.Contains(t, h.out.last().Text, "demasiado grande")
	assert.Equal(t, importStepFile, h.state(memberID))
	assert.Empty(t, h.accounts(memberID))
}
