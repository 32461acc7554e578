package flows

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tghelpers "github.com/m3rciful/accountbot/core/telegram/helpers"
	"github.com/m3rciful/accountbot/core/telegram/keyboard"
	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/store"
)

const maxDays = 3650

const (
	userStepID      state.State = "id"
	userStepName    state.State = "name"
	userStepDays    state.State = "days"
	userStepPick    state.State = "pick"
	userStepField   state.State = "field"
	userStepValue   state.State = "value"
	userStepConfirm state.State = "confirm"

	actUserPick    = "u_pick"
	actUserField   = "eu_field"
	actUserConfirm = "du_confirm"

	fieldExpiry = "expiry"

	keyUserID   = "user_id"
	keyUserName = "user_name"
	keyUsers    = "users"

	adminProtected = "⛔ El administrador no puede ser modificado ni eliminado."
)

func parseUserID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	return id, err == nil && id > 0
}

func parseDays(raw string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	return n, err == nil && n >= 1 && n <= maxDays
}

func upsertUser(ctx context.Context, d Deps, id int64, name string, days int) (state.Transition, error) {
	now := d.now()
	u := store.User{UserID: id, DisplayName: name, RegisteredAt: now, ExpiresAt: now.Add(time.Duration(days) * 24 * time.Hour)}
	if err := d.Store.UpsertUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrPermissionDenied) {
			return done(adminProtected), nil
		}
		return state.Transition{}, err
	}
	return done("✅ Usuario %s (%d) activo hasta %s.", name, id, u.ExpiresAt.Format(dateLayout)), nil
}

func addUserFlow(d Deps) *state.Flow {
	return &state.Flow{
		Name:  AddUser,
		Guard: AdminGuard(d.AdminID),
		Start: userStepID,
		Begin: func(ctx context.Context, _ *state.Session, args []string) (state.Transition, error) {
			if len(args) == 0 {
				return state.Next(userStepID), nil
			}
			if len(args) < 3 {
				return usage("/adduser <id> <nombre> <días>"), nil
			}
			id, okID := parseUserID(args[0])
			days, okDays := parseDays(args[len(args)-1])
			name := strings.Join(args[1:len(args)-1], " ")
			if !okID || !okDays || len(name) > maxFieldLen {
				return usage(fmt.Sprintf("/adduser <id> <nombre> <días> (días entre 1 y %d)", maxDays)), nil
			}
			return upsertUser(ctx, d, id, name, days)
		},
		Steps: map[state.State]state.Step{
			userStepID: {
				Enter: func(context.Context, *state.Session) (state.Prompt, error) {
					return state.Prompt{Text: "1/3 🆔 Ingresa el ID de Telegram del usuario:"}, nil
				},
				OnText: func(_ context.Context, s *state.Session, text string) (state.Transition, error) {
					id, ok := parseUserID(text)
					if !ok {
						return state.Stay("⚠️ El ID debe ser un número positivo."), nil
					}
					s.Set(keyUserID, id)
					return state.Next(userStepName), nil
				},
			},
			userStepName: {
				Enter: func(context.Context, *state.Session) (state.Prompt, error) {
					return state.Prompt{Text: "2/3 👤 Ingresa el nombre del usuario:"}, nil
				},
				OnText: func(_ context.Context, s *state.Session, text string) (state.Transition, error) {
					if text == "" || len(text) > maxFieldLen {
						return state.Stay("⚠️ El nombre no puede estar vacío."), nil
					}
					s.Set(keyUserName, text)
					return state.Next(userStepDays), nil
				},
			},
			userStepDays: {
				Enter: func(context.Context, *state.Session) (state.Prompt, error) {
					return state.Prompt{Text: "3/3 📅 ¿Cuántos días de acceso?"}, nil
				},
				OnText: func(ctx context.Context, s *state.Session, text string) (state.Transition, error) {
					days, ok := parseDays(text)
					if !ok {
						return state.Stay(fmt.Sprintf("⚠️ Ingresa un número de días entre 1 y %d.", maxDays)), nil
					}
					id, _ := state.Scratch[int64](s, keyUserID)
					name, _ := state.Scratch[string](s, keyUserName)
					return upsertUser(ctx, d, id, name, days)
				},
			},
		},
	}
}

// userPicker renders the user list as buttons and stores the pick under keyUserID.
func userPicker(d Deps, title string, next state.State) state.Step {
	return state.Step{
		Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
			users, _ := state.Scratch[[]store.User](s, keyUsers)
			now := d.now()
			buttons := make([]state.Button, 0, len(users))
			for _, u := range users {
				mark := "✅"
				if !u.Active(now) {
					mark = "⏳"
				}
				buttons = append(buttons, state.Button{
					Text:    fmt.Sprintf("%s %s (%d) · %s", mark, u.DisplayName, u.UserID, u.ExpiresAt.Format(dateLayout)),
					Action:  actUserPick,
					Payload: strconv.FormatInt(u.UserID, 10),
				})
			}
			return state.Prompt{Text: title + "\nTambién puedes escribir el ID.", Buttons: keyboard.Grid(buttons, 1)}, nil
		},
		OnText: func(_ context.Context, s *state.Session, text string) (state.Transition, error) {
			id, ok := parseUserID(text)
			if !ok {
				return state.Stay("⚠️ El ID debe ser un número positivo."), nil
			}
			s.Set(keyUserID, id)
			return state.Next(next), nil
		},
		Callbacks: map[string]state.CallbackHandler{
			actUserPick: func(_ context.Context, s *state.Session, payload string) (state.Transition, error) {
				id, ok := parseUserID(payload)
				if !ok {
					return state.Stay(""), nil
				}
				s.Set(keyUserID, id)
				return state.Next(next), nil
			},
		},
	}
}

func loadUsers(ctx context.Context, d Deps, s *state.Session) (state.Transition, error) {
	users, err := d.Store.ListUsers(ctx)
	if err != nil {
		return state.Transition{}, err
	}
	if len(users) == 0 {
		return done("No hay usuarios registrados."), nil
	}
	s.Set(keyUsers, users)
	return state.Next(userStepPick), nil
}

func editUserFlow(d Deps) *state.Flow {
	return &state.Flow{
		Name:  EditUser,
		Guard: AdminGuard(d.AdminID),
		Start: userStepPick,
		Begin: func(ctx context.Context, s *state.Session, _ []string) (state.Transition, error) {
			return loadUsers(ctx, d, s)
		},
		Steps: map[state.State]state.Step{
			userStepPick: userPicker(d, "✏️ Elige el usuario que quieres editar:", userStepField),
			userStepField: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					id, _ := state.Scratch[int64](s, keyUserID)
					return state.Prompt{
						Text: fmt.Sprintf("Usuario %d: ¿qué quieres cambiar?", id),
						Buttons: [][]state.Button{{
							{Text: "👤 Nombre", Action: actUserField, Payload: fieldName},
							{Text: "📅 Vencimiento", Action: actUserField, Payload: fieldExpiry},
						}},
					}, nil
				},
				Callbacks: map[string]state.CallbackHandler{
					actUserField: func(_ context.Context, s *state.Session, payload string) (state.Transition, error) {
						if payload != fieldName && payload != fieldExpiry {
							return state.Stay(""), nil
						}
						s.Set(keyField, payload)
						return state.Next(userStepValue), nil
					},
				},
				Hint: "Usa los botones para elegir qué cambiar.",
			},
			userStepValue: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					if f, _ := state.Scratch[string](s, keyField); f == fieldName {
						return state.Prompt{Text: "👤 Ingresa el nuevo nombre:"}, nil
					}
					return state.Prompt{Text: "📅 Ingresa los días de acceso desde hoy o una fecha de vencimiento (DD/MM/AAAA o AAAA-MM-DD):"}, nil
				},
				OnText: func(ctx context.Context, s *state.Session, text string) (state.Transition, error) {
					id, _ := state.Scratch[int64](s, keyUserID)
					field, _ := state.Scratch[string](s, keyField)
					var (
						ok  bool
						err error
						msg string
					)
					if field == fieldName {
						if text == "" || len(text) > maxFieldLen {
							return state.Stay("⚠️ El nombre no puede estar vacío."), nil
						}
						ok, err = d.Store.RenameUser(ctx, id, text)
						msg = fmt.Sprintf("✅ Usuario %d renombrado a %s.", id, text)
					} else {
						expires, valid := parseExpiry(d.now(), text)
						if !valid {
							return state.Stay("⚠️ Valor inválido. Usa un número de días o una fecha."), nil
						}
						ok, err = d.Store.SetUserExpiry(ctx, id, expires)
						msg = fmt.Sprintf("✅ Acceso del usuario %d hasta %s.", id, expires.Format(dateLayout))
					}
					switch {
					case errors.Is(err, store.ErrPermissionDenied):
						return done(adminProtected), nil
					case err != nil:
						return state.Transition{}, err
					case !ok:
						return done("❌ Usuario %d no encontrado.", id), nil
					}
					return done("%s", msg), nil
				},
			},
		},
	}
}

// parseExpiry accepts a day count from now or a calendar date. Dates without
// a time of day expire at the end of that day.
func parseExpiry(now time.Time, raw string) (time.Time, bool) {
	if days, ok := parseDays(raw); ok {
		return now.Add(time.Duration(days) * 24 * time.Hour), true
	}
	t, ok := tghelpers.ParseFlexibleDate(raw)
	if !ok {
		return time.Time{}, false
	}
	if t.Hour() == 0 && t.Minute() == 0 {
		t = t.Add(24*time.Hour - time.Second)
	}
	return t, true
}

func deleteUserFlow(d Deps) *state.Flow {
	return &state.Flow{
		Name:  DeleteUser,
		Guard: AdminGuard(d.AdminID),
		Start: userStepPick,
		Begin: func(ctx context.Context, s *state.Session, args []string) (state.Transition, error) {
			switch len(args) {
			case 0:
				return loadUsers(ctx, d, s)
			case 1:
				id, ok := parseUserID(args[0])
				if !ok {
					return usage("/deleteuser <id>"), nil
				}
				s.Set(keyUserID, id)
				return state.Next(userStepConfirm), nil
			}
			return usage("/deleteuser <id>"), nil
		},
		Steps: map[state.State]state.Step{
			userStepPick: userPicker(d, "🗑️ Elige el usuario que quieres eliminar:", userStepConfirm),
			userStepConfirm: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					id, _ := state.Scratch[int64](s, keyUserID)
					return state.Prompt{
						Text:    fmt.Sprintf("¿Eliminar al usuario %d? Perderá el acceso de inmediato.", id),
						Buttons: confirmButtons(actUserConfirm),
					}, nil
				},
				Callbacks: map[string]state.CallbackHandler{
					actUserConfirm: func(ctx context.Context, s *state.Session, payload string) (state.Transition, error) {
						if payload != payloadYes {
							return cancelled(), nil
						}
						id, _ := state.Scratch[int64](s, keyUserID)
						ok, err := d.Store.DeleteUser(ctx, id)
						switch {
						case errors.Is(err, store.ErrPermissionDenied):
							return done(adminProtected), nil
						case err != nil:
							return state.Transition{}, err
						case !ok:
							return done("❌ Usuario %d no encontrado.", id), nil
						}
						return done("🗑️ Usuario %d eliminado.", id), nil
					},
				},
				Hint: "Confirma con los botones.",
			},
		},
	}
}
