package flows

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/m3rciful/accountbot/core/logger"
	"github.com/m3rciful/accountbot/core/telegram/state"
	"github.com/m3rciful/accountbot/internal/backup"
	"github.com/m3rciful/accountbot/internal/store"
)

const (
	// MaxBackupBytes bounds accepted backup uploads.
	MaxBackupBytes = 1 << 20

	previewLimit = 5

	importStepFile    state.State = "file"
	importStepConfirm state.State = "confirm"

	actImportConfirm = "ib_confirm"

	keyParsed = "parsed"

	tooLarge = "⚠️ El archivo es demasiado grande (máximo 1 MB)."
)

func importFlow(d Deps) *state.Flow {
	return &state.Flow{
		Name:  ImportBackup,
		Guard: MemberGuard(d.Store, d.AdminID),
		Start: importStepFile,
		Steps: map[state.State]state.Step{
			importStepFile: {
				Enter: func(context.Context, *state.Session) (state.Prompt, error) {
					return state.Prompt{Text: "📥 Envía el archivo de backup (.txt) generado con /backupmyaccounts."}, nil
				},
				OnDocument: func(ctx context.Context, s *state.Session, doc state.Document) (state.Transition, error) {
					if doc.Size > MaxBackupBytes {
						return state.Stay(tooLarge), nil
					}
					if d.Files == nil {
						return state.Transition{}, errors.New("flows: no file source configured")
					}
					rc, err := d.Files.Open(ctx, doc)
					if err != nil {
						return state.Transition{}, fmt.Errorf("open backup: %w", err)
					}
					data, err := io.ReadAll(io.LimitReader(rc, MaxBackupBytes+1))
					rc.Close()
					if err != nil {
						return state.Transition{}, fmt.Errorf("read backup: %w", err)
					}
					if len(data) > MaxBackupBytes {
						return state.Stay(tooLarge), nil
					}
					res, err := backup.Parse(ctx, bytes.NewReader(data))
					if err != nil {
						return state.Transition{}, err
					}
					if len(res.Records) == 0 {
						return state.Stay("⚠️ No encontré perfiles válidos en el archivo. Revisa el formato y envíalo de nuevo."), nil
					}
					logger.Info(ctx, "flow", "import.parsed",
						slog.Int("records", len(res.Records)),
						slog.Int("dropped", res.Dropped),
					)
					s.Set(keyParsed, res)
					return state.Next(importStepConfirm), nil
				},
				Hint: "Envía el archivo como documento.",
			},
			importStepConfirm: {
				Enter: func(_ context.Context, s *state.Session) (state.Prompt, error) {
					res, _ := state.Scratch[backup.ParseResult](s, keyParsed)
					return state.Prompt{Text: importPreview(res), Buttons: confirmButtons(actImportConfirm)}, nil
				},
				Callbacks: map[string]state.CallbackHandler{
					actImportConfirm: func(ctx context.Context, s *state.Session, payload string) (state.Transition, error) {
						if payload != payloadYes {
							return cancelled(), nil
						}
						res, _ := state.Scratch[backup.ParseResult](s, keyParsed)
						return commitImport(ctx, d, s.Key.UserID, res)
					},
				},
				Hint: "Confirma con los botones.",
			},
		},
	}
}

func importPreview(res backup.ParseResult) string {
	groups := backup.GroupRecords(res.Records)
	var b strings.Builder
	fmt.Fprintf(&b, "📄 Se encontraron %d perfil(es) en %d cuenta(s).\n", len(res.Records), len(groups))
	if res.Dropped > 0 {
		fmt.Fprintf(&b, "⚠️ %d bloque(s) inválido(s) serán ignorados.\n", res.Dropped)
	}
	b.WriteString("\n")
	for i, r := range res.Records {
		if i == previewLimit {
			fmt.Fprintf(&b, "… y %d más\n", len(res.Records)-previewLimit)
			break
		}
		fmt.Fprintf(&b, "• %s · %s (%s)\n", r.Service, r.Profile, r.Email)
	}
	b.WriteString("\n¿Importar estos datos?")
	return b.String()
}

func commitImport(ctx context.Context, d Deps, ownerID int64, res backup.ParseResult) (state.Transition, error) {
	now := d.now()
	var accounts, added, updated int
	var skipped []string
	for _, g := range backup.GroupRecords(res.Records) {
		r, err := d.Store.CreateOrUpdateAccount(ctx, store.AccountInput{
			OwnerID:      ownerID,
			Service:      g.Service,
			Email:        g.Email,
			Profiles:     g.Profiles,
			RegisteredAt: now,
			ExpiresAt:    now.Add(d.TTL),
		})
		if err != nil {
			return state.Transition{}, err
		}
		accounts++
		added += len(r.Added)
		updated += len(r.Updated)
		for _, name := range r.Skipped {
			skipped = append(skipped, fmt.Sprintf("%s/%s", g.Service, name))
		}
	}
	msg := fmt.Sprintf("✅ Importación completa: %d cuenta(s), %d perfil(es) nuevos, %d actualizados.", accounts, added, updated)
	if len(skipped) > 0 {
		msg += fmt.Sprintf("\n⚠️ Límite de %d perfiles alcanzado. No se añadieron: %s", store.MaxProfiles, strings.Join(skipped, ", "))
	}
	return done("%s", msg), nil
}
