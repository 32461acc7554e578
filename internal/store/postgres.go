package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/accountbot/core/database"
	"github.com/m3rciful/accountbot/core/logger"
)

// Postgres is the sqlx-backed Store.
type Postgres struct {
	db      *sqlx.DB
	adminID int64
	now     func() time.Time
}

// NewPostgres wraps an open connection pool.
func NewPostgres(db *sqlx.DB, opts Options) *Postgres {
	return &Postgres{db: db, adminID: opts.AdminID, now: opts.clock()}
}

func (p *Postgres) fail(ctx context.Context, op string, err error) error {
	logger.Error(ctx, "store", "store.query",
		slog.String("op", op),
		slog.String("err", err.Error()),
	)
	return fmt.Errorf("db error: %w", err)
}

// IsAuthorized reports whether userID is the admin or holds an open access window.
func (p *Postgres) IsAuthorized(ctx context.Context, userID int64) (bool, error) {
	if userID == p.adminID {
		return true, nil
	}
	var ok bool
	err := p.db.GetContext(ctx, &ok,
		`SELECT EXISTS(SELECT 1 FROM users WHERE user_id = $1 AND expires_at >= $2)`,
		userID, p.now())
	if err != nil {
		return false, p.fail(ctx, "is_authorized", err)
	}
	return ok, nil
}

// GetUser loads a single user row.
func (p *Postgres) GetUser(ctx context.Context, userID int64) (User, bool, error) {
	var u User
	err := p.db.GetContext(ctx, &u,
		`SELECT user_id, display_name, registered_at, expires_at FROM users WHERE user_id = $1`,
		userID)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, p.fail(ctx, "get_user", err)
	}
	return u, true, nil
}

// UpsertUser creates or replaces a user row.
func (p *Postgres) UpsertUser(ctx context.Context, u User) error {
	if u.UserID == p.adminID {
		return ErrPermissionDenied
	}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (user_id, display_name, registered_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET display_name = EXCLUDED.display_name,
		     registered_at = EXCLUDED.registered_at,
		     expires_at = EXCLUDED.expires_at`,
		u.UserID, u.DisplayName, u.RegisteredAt, u.ExpiresAt)
	if err != nil {
		return p.fail(ctx, "upsert_user", err)
	}
	return nil
}

// DeleteUser removes a user row.
func (p *Postgres) DeleteUser(ctx context.Context, userID int64) (bool, error) {
	if userID == p.adminID {
		return false, ErrPermissionDenied
	}
	return p.execAffected(ctx, "delete_user", `DELETE FROM users WHERE user_id = $1`, userID)
}

// RenameUser changes the display name of a user.
func (p *Postgres) RenameUser(ctx context.Context, userID int64, name string) (bool, error) {
	if userID == p.adminID {
		return false, ErrPermissionDenied
	}
	return p.execAffected(ctx, "rename_user",
		`UPDATE users SET display_name = $1 WHERE user_id = $2`, name, userID)
}

// SetUserExpiry moves the end of a user's access window.
func (p *Postgres) SetUserExpiry(ctx context.Context, userID int64, expiresAt time.Time) (bool, error) {
	if userID == p.adminID {
		return false, ErrPermissionDenied
	}
	return p.execAffected(ctx, "set_user_expiry",
		`UPDATE users SET expires_at = $1 WHERE user_id = $2`, expiresAt, userID)
}

// ListUsers returns all users, latest expiry first.
func (p *Postgres) ListUsers(ctx context.Context) ([]User, error) {
	var users []User
	err := p.db.SelectContext(ctx, &users,
		`SELECT user_id, display_name, registered_at, expires_at FROM users ORDER BY expires_at DESC, user_id`)
	if err != nil {
		return nil, p.fail(ctx, "list_users", err)
	}
	return users, nil
}

// CreateOrUpdateAccount upserts the account by (owner, service, email) and
// then each profile by name, honouring MaxProfiles. The account row lock
// taken by the upsert serializes concurrent writers of the same account.
func (p *Postgres) CreateOrUpdateAccount(ctx context.Context, in AccountInput) (UpsertResult, error) {
	service := NormalizeService(in.Service)
	var res UpsertResult
	err := database.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &res.AccountID,
			`INSERT INTO accounts (owner_user_id, service, email, registered_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (owner_user_id, service, email) DO UPDATE
			 SET registered_at = EXCLUDED.registered_at,
			     expires_at = EXCLUDED.expires_at
			 RETURNING account_id`,
			in.OwnerID, service, in.Email, in.RegisteredAt, in.ExpiresAt)
		if err != nil {
			return err
		}

		var names []string
		if err := tx.SelectContext(ctx, &names,
			`SELECT profile_name FROM profiles WHERE account_id = $1`, res.AccountID); err != nil {
			return err
		}
		existing := make(map[string]struct{}, len(names))
		for _, n := range names {
			existing[n] = struct{}{}
		}

		for _, prof := range dedupeProfiles(in.Profiles) {
			if _, ok := existing[prof.Name]; ok {
				if _, err := tx.ExecContext(ctx,
					`UPDATE profiles SET pin = $1 WHERE account_id = $2 AND profile_name = $3`,
					prof.Pin, res.AccountID, prof.Name); err != nil {
					return err
				}
				res.Updated = append(res.Updated, prof.Name)
				continue
			}
			if len(existing) >= MaxProfiles {
				res.Skipped = append(res.Skipped, prof.Name)
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO profiles (account_id, profile_name, pin) VALUES ($1, $2, $3)`,
				res.AccountID, prof.Name, prof.Pin); err != nil {
				return err
			}
			existing[prof.Name] = struct{}{}
			res.Added = append(res.Added, prof.Name)
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, p.fail(ctx, "upsert_account", err)
	}
	return res, nil
}

const profileViewColumns = `p.profile_id, p.profile_name, p.pin, a.account_id, a.owner_user_id,
	a.service, a.email, a.registered_at, a.expires_at`

// ListAccountsForUser returns the owner's unexpired profiles ordered by
// service, profile name and email.
func (p *Postgres) ListAccountsForUser(ctx context.Context, ownerID int64) ([]ProfileView, error) {
	var out []ProfileView
	err := p.db.SelectContext(ctx, &out,
		`SELECT `+profileViewColumns+`
		 FROM profiles p
		 JOIN accounts a ON a.account_id = p.account_id
		 WHERE a.owner_user_id = $1 AND a.expires_at >= $2
		 ORDER BY a.service, p.profile_name, a.email`,
		ownerID, p.now())
	if err != nil {
		return nil, p.fail(ctx, "list_accounts_for_user", err)
	}
	return out, nil
}

// UpdateAccountEmail changes the email of an owned account unless another
// account of the same owner and service already uses it.
func (p *Postgres) UpdateAccountEmail(ctx context.Context, accountID, ownerID int64, email string) (bool, error) {
	var ok bool
	err := database.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		var service string
		err := tx.GetContext(ctx, &service,
			`SELECT service FROM accounts WHERE account_id = $1 AND owner_user_id = $2 FOR UPDATE`,
			accountID, ownerID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		var taken bool
		if err := tx.GetContext(ctx, &taken,
			`SELECT EXISTS(SELECT 1 FROM accounts
			  WHERE owner_user_id = $1 AND service = $2 AND email = $3 AND account_id <> $4)`,
			ownerID, service, email, accountID); err != nil {
			return err
		}
		if taken {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE accounts SET email = $1 WHERE account_id = $2`, email, accountID); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, p.fail(ctx, "update_account_email", err)
	}
	return ok, nil
}

// RenameProfile renames an owned profile unless a sibling already has the name.
func (p *Postgres) RenameProfile(ctx context.Context, profileID, ownerID int64, name string) (bool, error) {
	var ok bool
	err := database.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sqlx.Tx) error {
		var accountID int64
		err := tx.GetContext(ctx, &accountID,
			`SELECT a.account_id FROM profiles p
			 JOIN accounts a ON a.account_id = p.account_id
			 WHERE p.profile_id = $1 AND a.owner_user_id = $2
			 FOR UPDATE OF a`,
			profileID, ownerID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		var taken bool
		if err := tx.GetContext(ctx, &taken,
			`SELECT EXISTS(SELECT 1 FROM profiles
			  WHERE account_id = $1 AND profile_name = $2 AND profile_id <> $3)`,
			accountID, name, profileID); err != nil {
			return err
		}
		if taken {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE profiles SET profile_name = $1 WHERE profile_id = $2`, name, profileID); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, p.fail(ctx, "rename_profile", err)
	}
	return ok, nil
}

// SetProfilePin replaces the PIN of an owned profile.
func (p *Postgres) SetProfilePin(ctx context.Context, profileID, ownerID int64, pin string) (bool, error) {
	return p.execAffected(ctx, "set_profile_pin",
		`UPDATE profiles SET pin = $1
		 WHERE profile_id = $2
		   AND account_id IN (SELECT account_id FROM accounts WHERE owner_user_id = $3)`,
		pin, profileID, ownerID)
}

// DeleteAccount removes an owned account; its profiles go with it.
func (p *Postgres) DeleteAccount(ctx context.Context, accountID, ownerID int64) (bool, error) {
	return p.execAffected(ctx, "delete_account",
		`DELETE FROM accounts WHERE account_id = $1 AND owner_user_id = $2`, accountID, ownerID)
}

// ListAllAccounts returns every profile with its owner's display name, expired or not.
func (p *Postgres) ListAllAccounts(ctx context.Context) ([]ProfileView, error) {
	var out []ProfileView
	err := p.db.SelectContext(ctx, &out,
		`SELECT `+profileViewColumns+`, COALESCE(u.display_name, '') AS owner_name
		 FROM profiles p
		 JOIN accounts a ON a.account_id = p.account_id
		 LEFT JOIN users u ON u.user_id = a.owner_user_id
		 ORDER BY a.owner_user_id, a.service, p.profile_name, a.email`)
	if err != nil {
		return nil, p.fail(ctx, "list_all_accounts", err)
	}
	return out, nil
}

// PurgeExpiredAccounts deletes accounts whose window closed before now.
func (p *Postgres) PurgeExpiredAccounts(ctx context.Context) (int64, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM accounts WHERE expires_at < $1`, p.now())
	if err != nil {
		return 0, p.fail(ctx, "purge_expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, p.fail(ctx, "purge_expired", err)
	}
	return n, nil
}

func (p *Postgres) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, p.fail(ctx, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, p.fail(ctx, op, err)
	}
	return n > 0, nil
}
