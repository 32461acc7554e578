package flows

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/m3rciful/accountbot/core/telegram/keyboard"
	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/store"
)

// CommonServices are offered as buttons in the first add-account step.
var CommonServices = []string{"Netflix", "Disney+", "Max", "Prime Video", "Spotify", "Crunchyroll"}

const maxFieldLen = store.MaxFieldLen

const (
	addStepService state.State = "service"
	addStepEmail   state.State = "email"
	addStepCount   state.State = "count"
	addStepName    state.State = "name"
	addStepPin     state.State = "pin"

	actService = "aa_service"
	actCount   = "aa_count"

	keyDraft = "draft"
)

type accountDraft struct {
	Service  string
	Email    string
	Count    int
	Pending  string
	Profiles []store.ProfileInput
}

func (d *accountDraft) hasName(name string) bool {
	for _, p := range d.Profiles {
		if strings.EqualFold(p.Name, name) {
			return true
		}
	}
	return false
}

func draftOf(s *state.Session) *accountDraft {
	d, ok := state.Scratch[*accountDraft](s, keyDraft)
	if !ok {
		d = &accountDraft{}
		s.Set(keyDraft, d)
	}
	return d
}

func addAccountFlow(d Deps) *state.Flow {
	chooseService := func(_ context.Context, s *state.Session, name string) (state.Transition, error) {
		svc := store.NormalizeService(name)
		if svc == "" || len(svc) > maxFieldLen {
			return state.Stay("⚠️ Escribe un nombre de servicio válido."), nil
		}
		draftOf(s).Service = svc
		return state.Next(addStepEmail), nil
	}
	chooseCount := func(_ context.Context, s *state.Session, raw string) (state.Transition, error) {
		n, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil || n < 1 || n > store.MaxProfiles {
			return state.Stay(fmt.Sprintf("⚠️ Ingresa un número entre 1 y %d.", store.MaxProfiles)), nil
		}
		draftOf(s).Count = n
		return state.Next(addStepName), nil
	}

	services := make([]state.Button, 0, len(CommonServices))
	for _, svc := range CommonServices {
		services = append(services, state.Button{Text: svc, Action: actService, Payload: svc})
	}
	counts := make([]state.Button, 0, store.MaxProfiles)
	for i := 1; i <= store.MaxProfiles; i++ {
		counts = append(counts, state.Button{Text: strconv.Itoa(i), Action: actCount, Payload: strconv.Itoa(i)})
	}

	return &state.Flow{
		Name:  AddAccount,
		Guard: MemberGuard(d.Store, d.AdminID),
		Start: addStepService,
		Begin: func(ctx context.Context, s *state.Session, args []string) (state.Transition, error) {
			if len(args) == 0 {
				return state.Next(addStepService), nil
			}
			draft, ok := parseAddArgs(args)
			if !ok {
				return usage("/addmyaccount <servicio> <email> <perfil>:<pin> [<perfil>:<pin> ...] (máximo 5 perfiles, sin nombres repetidos)"), nil
			}
			return commitAccount(ctx, d, s.Key.UserID, draft)
		},
		Steps: map[state.State]state.Step{
			addStepService: {
				Enter: func(context.Context, *state.Session) (state.Prompt, error) {
					return state.Prompt{
						Text:    "1/4 🌐 Elige el servicio o escribe su nombre:",
						Buttons: keyboard.Grid(services, 2),
					}, nil
				},
				OnText:    chooseService,
				Callbacks: map[string]state.CallbackHandler{actService: chooseService},
			},
			addStepEmail: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					return state.Prompt{Text: fmt.Sprintf("2/4 📧 Servicio: %s\nIngresa el email de la cuenta:", draftOf(s).Service)}, nil
				},
				OnText: func(_ context.Context, s *state.Session, text string) (state.Transition, error) {
					if !store.ValidEmail(text) || len(text) > 254 {
						return state.Stay("⚠️ Email inválido. Debe tener la forma usuario@dominio.com"), nil
					}
					draftOf(s).Email = text
					return state.Next(addStepCount), nil
				},
			},
			addStepCount: {
				Enter: func(context.Context, *state.Session) (state.Prompt, error) {
					return state.Prompt{
						Text:    fmt.Sprintf("3/4 👥 ¿Cuántos perfiles vas a registrar? (1-%d)", store.MaxProfiles),
						Buttons: [][]state.Button{counts},
					}, nil
				},
				OnText:    chooseCount,
				Callbacks: map[string]state.CallbackHandler{actCount: chooseCount},
			},
			addStepName: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					dr := draftOf(s)
					return state.Prompt{Text: fmt.Sprintf("4/4 👤 Perfil %d de %d: ingresa el nombre del perfil:", len(dr.Profiles)+1, dr.Count)}, nil
				},
				OnText: func(_ context.Context, s *state.Session, text string) (state.Transition, error) {
					dr := draftOf(s)
					if text == "" || len(text) > maxFieldLen {
						return state.Stay("⚠️ El nombre del perfil no puede estar vacío."), nil
					}
					if dr.hasName(text) {
						return state.Stay(fmt.Sprintf("⚠️ Ya ingresaste un perfil llamado %q. Usa otro nombre.", text)), nil
					}
					dr.Pending = text
					return state.Next(addStepPin), nil
				},
			},
			addStepPin: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					return state.Prompt{Text: fmt.Sprintf("🔑 Ingresa el PIN del perfil %q:", draftOf(s).Pending)}, nil
				},
				OnText: func(ctx context.Context, s *state.Session, text string) (state.Transition, error) {
					dr := draftOf(s)
					if len(text) > maxFieldLen {
						return state.Stay("⚠️ PIN demasiado largo."), nil
					}
					dr.Profiles = append(dr.Profiles, store.ProfileInput{Name: dr.Pending, Pin: text})
					dr.Pending = ""
					if len(dr.Profiles) < dr.Count {
						return state.Next(addStepName), nil
					}
					return commitAccount(ctx, d, s.Key.UserID, dr)
				},
			},
		},
	}
}

// parseAddArgs reads "<service> <email> <name>:<pin>...".
func parseAddArgs(args []string) (*accountDraft, bool) {
	if len(args) < 3 || len(args) > 2+store.MaxProfiles {
		return nil, false
	}
	dr := &accountDraft{Service: store.NormalizeService(args[0]), Email: args[1]}
	if dr.Service == "" || !store.ValidEmail(dr.Email) {
		return nil, false
	}
	for _, raw := range args[2:] {
		name, pin, ok := strings.Cut(raw, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || dr.hasName(name) {
			return nil, false
		}
		dr.Profiles = append(dr.Profiles, store.ProfileInput{Name: name, Pin: strings.TrimSpace(pin)})
	}
	dr.Count = len(dr.Profiles)
	return dr, true
}

func commitAccount(ctx context.Context, d Deps, ownerID int64, dr *accountDraft) (state.Transition, error) {
	now := d.now()
	res, err := d.Store.CreateOrUpdateAccount(ctx, store.AccountInput{
		OwnerID:      ownerID,
		Service:      dr.Service,
		Email:        dr.Email,
		Profiles:     dr.Profiles,
		RegisteredAt: now,
		ExpiresAt:    now.Add(d.TTL),
	})
	if err != nil {
		return state.Transition{}, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Cuenta guardada: %s (%s)\n", dr.Service, dr.Email)
	if len(res.Added) > 0 {
		fmt.Fprintf(&b, "Perfiles añadidos: %s\n", strings.Join(res.Added, ", "))
	}
	if len(res.Updated) > 0 {
		fmt.Fprintf(&b, "Perfiles actualizados: %s\n", strings.Join(res.Updated, ", "))
	}
	if len(res.Skipped) > 0 {
		fmt.Fprintf(&b, "⚠️ Límite de %d perfiles alcanzado. No se añadieron: %s\n", store.MaxProfiles, strings.Join(res.Skipped, ", "))
	}
	fmt.Fprintf(&b, "Vence: %s", now.Add(d.TTL).Format(dateLayout))
	return done("%s", b.String()), nil
}

const (
	editStepPick  state.State = "pick"
	editStepField state.State = "field"
	editStepValue state.State = "value"

	actEditPick  = "ea_pick"
	actEditField = "ea_field"

	fieldEmail = "email"
	fieldName  = "name"
	fieldPin   = "pin"

	keyViews   = "views"
	keyTarget  = "target"
	keyField   = "field"
	keyGroups  = "groups"
	keyAccount = "account"
)

func loadViews(ctx context.Context, d Deps, s *state.Session) ([]store.ProfileView, error) {
	views, err := d.Store.ListAccountsForUser(ctx, s.Key.UserID)
	if err != nil {
		return nil, err
	}
	s.Set(keyViews, views)
	return views, nil
}

func findView(s *state.Session, match func(store.ProfileView) bool) (store.ProfileView, bool) {
	views, _ := state.Scratch[[]store.ProfileView](s, keyViews)
	for _, v := range views {
		if match(v) {
			return v, true
		}
	}
	return store.ProfileView{}, false
}

func editAccountFlow(d Deps) *state.Flow {
	return &state.Flow{
		Name:  EditAccount,
		Guard: MemberGuard(d.Store, d.AdminID),
		Start: editStepPick,
		Begin: func(ctx context.Context, s *state.Session, _ []string) (state.Transition, error) {
			views, err := loadViews(ctx, d, s)
			if err != nil {
				return state.Transition{}, err
			}
			if len(views) == 0 {
				return done("No tienes cuentas activas para editar."), nil
			}
			return state.Next(editStepPick), nil
		},
		Steps: map[state.State]state.Step{
			editStepPick: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					views, _ := state.Scratch[[]store.ProfileView](s, keyViews)
					buttons := make([]state.Button, 0, len(views))
					for _, v := range views {
						buttons = append(buttons, state.Button{
							Text:    profileLabel(v),
							Action:  actEditPick,
							Payload: strconv.FormatInt(v.ProfileID, 10),
						})
					}
					return state.Prompt{Text: "✏️ Elige el perfil que quieres editar:", Buttons: keyboard.Grid(buttons, 1)}, nil
				},
				Callbacks: map[string]state.CallbackHandler{
					actEditPick: func(_ context.Context, s *state.Session, payload string) (state.Transition, error) {
						id, _ := strconv.ParseInt(payload, 10, 64)
						v, ok := findView(s, func(v store.ProfileView) bool { return v.ProfileID == id })
						if !ok {
							return state.Stay("⚠️ Perfil no encontrado. Elige uno de la lista."), nil
						}
						s.Set(keyTarget, v)
						return state.Next(editStepField), nil
					},
				},
				Hint: "Usa los botones para elegir un perfil.",
			},
			editStepField: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					v, _ := state.Scratch[store.ProfileView](s, keyTarget)
					return state.Prompt{
						Text: fmt.Sprintf("%s\n¿Qué quieres cambiar?", profileLabel(v)),
						Buttons: [][]state.Button{{
							{Text: "📧 Email de la cuenta", Action: actEditField, Payload: fieldEmail},
						}, {
							{Text: "👤 Nombre del perfil", Action: actEditField, Payload: fieldName},
							{Text: "🔑 PIN", Action: actEditField, Payload: fieldPin},
						}},
					}, nil
				},
				Callbacks: map[string]state.CallbackHandler{
					actEditField: func(_ context.Context, s *state.Session, payload string) (state.Transition, error) {
						switch payload {
						case fieldEmail, fieldName, fieldPin:
							s.Set(keyField, payload)
							return state.Next(editStepValue), nil
						}
						return state.Stay(""), nil
					},
				},
				Hint: "Usa los botones para elegir qué cambiar.",
			},
			editStepValue: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					field, _ := state.Scratch[string](s, keyField)
					switch field {
					case fieldEmail:
						return state.Prompt{Text: "📧 Ingresa el nuevo email de la cuenta:"}, nil
					case fieldName:
						return state.Prompt{Text: "👤 Ingresa el nuevo nombre del perfil:"}, nil
					}
					return state.Prompt{Text: "🔑 Ingresa el nuevo PIN:"}, nil
				},
				OnText: func(ctx context.Context, s *state.Session, text string) (state.Transition, error) {
					v, _ := state.Scratch[store.ProfileView](s, keyTarget)
					field, _ := state.Scratch[string](s, keyField)
					owner := s.Key.UserID
					switch field {
					case fieldEmail:
						if !store.ValidEmail(text) {
							return state.Stay("⚠️ Email inválido. Debe tener la forma usuario@dominio.com"), nil
						}
						ok, err := d.Store.UpdateAccountEmail(ctx, v.AccountID, owner, text)
						if err != nil {
							return state.Transition{}, err
						}
						if !ok {
							return done("❌ No se pudo cambiar el email: la cuenta no existe o ya tienes otra cuenta de %s con ese email.", v.Service), nil
						}
						return done("✅ Email actualizado: %s → %s", v.Service, text), nil
					case fieldName:
						if text == "" || len(text) > maxFieldLen {
							return state.Stay("⚠️ El nombre del perfil no puede estar vacío."), nil
						}
						ok, err := d.Store.RenameProfile(ctx, v.ProfileID, owner, text)
						if err != nil {
							return state.Transition{}, err
						}
						if !ok {
							return done("❌ No se pudo renombrar: ya existe un perfil %q en esa cuenta o el perfil no existe.", text), nil
						}
						return done("✅ Perfil renombrado: %s → %s", v.ProfileName, text), nil
					default:
						ok, err := d.Store.SetProfilePin(ctx, v.ProfileID, owner, text)
						if err != nil {
							return state.Transition{}, err
						}
						if !ok {
							return done("❌ El perfil ya no existe."), nil
						}
						return done("✅ PIN actualizado para %s.", v.ProfileName), nil
					}
				},
			},
		},
	}
}

const (
	delStepPick    state.State = "pick"
	delStepConfirm state.State = "confirm"

	actDelPick    = "da_pick"
	actDelConfirm = "da_confirm"
)

func deleteAccountFlow(d Deps) *state.Flow {
	selectAccount := func(s *state.Session, id int64) bool {
		groups, _ := state.Scratch[[][]store.ProfileView](s, keyGroups)
		for _, g := range groups {
			if g[0].AccountID == id {
				s.Set(keyAccount, g)
				return true
			}
		}
		return false
	}
	return &state.Flow{
		Name:  DeleteAccount,
		Guard: MemberGuard(d.Store, d.AdminID),
		Start: delStepPick,
		Begin: func(ctx context.Context, s *state.Session, args []string) (state.Transition, error) {
			if len(args) > 1 {
				return usage("/deletemyaccount [<id de cuenta>]"), nil
			}
			views, err := loadViews(ctx, d, s)
			if err != nil {
				return state.Transition{}, err
			}
			if len(views) == 0 {
				return done("No tienes cuentas activas para eliminar."), nil
			}
			s.Set(keyGroups, store.GroupByAccount(views))
			if len(args) == 1 {
				id, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil || !selectAccount(s, id) {
					return done("❌ Cuenta %s no encontrada entre tus cuentas activas.", args[0]), nil
				}
				return state.Next(delStepConfirm), nil
			}
			return state.Next(delStepPick), nil
		},
		Steps: map[state.State]state.Step{
			delStepPick: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					groups, _ := state.Scratch[[][]store.ProfileView](s, keyGroups)
					var b strings.Builder
					b.WriteString("🗑️ Elige la cuenta que quieres eliminar:\n")
					buttons := make([]state.Button, 0, len(groups))
					for _, g := range groups {
						fmt.Fprintf(&b, "\n#%d %s (%s)\n   Perfiles: %s", g[0].AccountID, g[0].Service, g[0].Email, profileNames(g))
						buttons = append(buttons, state.Button{
							Text:    fmt.Sprintf("#%d %s (%s)", g[0].AccountID, g[0].Service, g[0].Email),
							Action:  actDelPick,
							Payload: strconv.FormatInt(g[0].AccountID, 10),
						})
					}
					return state.Prompt{Text: b.String(), Buttons: keyboard.Grid(buttons, 1)}, nil
				},
				Callbacks: map[string]state.CallbackHandler{
					actDelPick: func(_ context.Context, s *state.Session, payload string) (state.Transition, error) {
						id, _ := strconv.ParseInt(payload, 10, 64)
						if !selectAccount(s, id) {
							return state.Stay("⚠️ Cuenta no encontrada. Elige una de la lista."), nil
						}
						return state.Next(delStepConfirm), nil
					},
				},
				Hint: "Usa los botones para elegir una cuenta.",
			},
			delStepConfirm: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					g, _ := state.Scratch[[]store.ProfileView](s, keyAccount)
					return state.Prompt{
						Text: fmt.Sprintf("¿Seguro que quieres eliminar %s (%s)?\nSe borrarán %d perfil(es): %s",
							g[0].Service, g[0].Email, len(g), profileNames(g)),
						Buttons: confirmButtons(actDelConfirm),
					}, nil
				},
				Callbacks: map[string]state.CallbackHandler{
					actDelConfirm: func(ctx context.Context, s *state.Session, payload string) (state.Transition, error) {
						if payload != payloadYes {
							return cancelled(), nil
						}
						g, _ := state.Scratch[[]store.ProfileView](s, keyAccount)
						ok, err := d.Store.DeleteAccount(ctx, g[0].AccountID, s.Key.UserID)
						if err != nil {
							return state.Transition{}, err
						}
						if !ok {
							return done("❌ La cuenta ya no existe o no te pertenece."), nil
						}
						return done("🗑️ Cuenta eliminada: %s (%s)", g[0].Service, g[0].Email), nil
					},
				},
				Hint: "Confirma con los botones.",
			},
		},
	}
}
