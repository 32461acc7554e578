// Package flows defines the account and user conversations run by the
// state engine.
package flows

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/store"
)

// Flow names.
const (
	AddAccount    = "add_account"
	EditAccount   = "edit_account"
	DeleteAccount = "delete_account"
	AddUser       = "add_user"
	EditUser      = "edit_user"
	DeleteUser    = "delete_user"
	ImportBackup  = "import_backup"
)

const (
	payloadYes = "yes"
	payloadNo  = "no"

	dateLayout = "02/01/2006"
)

// Files opens uploaded documents.
type Files interface {
	Open(ctx context.Context, doc state.Document) (io.ReadCloser, error)
}

// Deps are the collaborators shared by every flow.
type Deps struct {
	Store   store.Store
	AdminID int64
	// TTL is the lifetime granted to accounts on create or import.
	TTL   time.Duration
	Files Files
	// Now defaults to time.Now.
	Now func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Register adds every flow to e.
func Register(e *state.Engine, d Deps) error {
	if d.Store == nil {
		return errors.New("flows: nil store")
	}
	for _, f := range []*state.Flow{
		addAccountFlow(d),
		editAccountFlow(d),
		deleteAccountFlow(d),
		addUserFlow(d),
		editUserFlow(d),
		deleteUserFlow(d),
		importFlow(d),
	} {
		if err := e.Register(f); err != nil {
			return fmt.Errorf("flows: %w", err)
		}
	}
	return nil
}

// MemberGuard admits authorized users other than the admin.
func MemberGuard(st store.Store, adminID int64) state.Guard {
	return func(ctx context.Context, userID int64) (state.Decision, error) {
		if userID == adminID {
			return state.Deny("⛔ Función no disponible para administradores."), nil
		}
		ok, err := st.IsAuthorized(ctx, userID)
		if err != nil {
			return state.Decision{}, err
		}
		if !ok {
			return state.Deny("⛔ No tienes acceso activo. Contacta al administrador para activarlo."), nil
		}
		return state.Allow(), nil
	}
}

// AdminGuard admits only the admin.
func AdminGuard(adminID int64) state.Guard {
	return func(_ context.Context, userID int64) (state.Decision, error) {
		if userID != adminID {
			return state.Deny("⛔ Acceso denegado."), nil
		}
		return state.Allow(), nil
	}
}

func done(format string, args ...any) state.Transition {
	return state.Done(state.Prompt{Text: fmt.Sprintf(format, args...), Persistent: true})
}

func usage(text string) state.Transition {
	return state.Done(state.Prompt{Text: "Uso: " + text, Persistent: true})
}

func confirmButtons(action string) [][]state.Button {
	return [][]state.Button{{
		{Text: "✅ Sí", Action: action, Payload: payloadYes},
		{Text: "↩️ No", Action: action, Payload: payloadNo},
	}}
}

func cancelled() state.Transition {
	return done("Operación cancelada.")
}

func profileLabel(v store.ProfileView) string {
	return fmt.Sprintf("%s · %s (%s)", v.Service, v.ProfileName, v.Email)
}

func profileNames(views []store.ProfileView) string {
	names := make([]string, 0, len(views))
	for _, v := range views {
		names = append(names, v.ProfileName)
	}
	return strings.Join(names, ", ")
}
