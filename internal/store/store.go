// Package store keeps users, accounts and profiles.
//
// Mutations report routine outcomes (not found, name taken, cap reached) as
// booleans or result structs. Only storage failures are returned as errors.
// Operations that take an owner identity never touch rows owned by someone
// else.
package store

import (
	"context"
	"strings"
	"time"
)

// Store is implemented by Postgres and Memory.
type Store interface {
	IsAuthorized(ctx context.Context, userID int64) (bool, error)
	GetUser(ctx context.Context, userID int64) (User, bool, error)
	UpsertUser(ctx context.Context, u User) error
	DeleteUser(ctx context.Context, userID int64) (bool, error)
	RenameUser(ctx context.Context, userID int64, name string) (bool, error)
	SetUserExpiry(ctx context.Context, userID int64, expiresAt time.Time) (bool, error)
	ListUsers(ctx context.Context) ([]User, error)

	CreateOrUpdateAccount(ctx context.Context, in AccountInput) (UpsertResult, error)
	ListAccountsForUser(ctx context.Context, ownerID int64) ([]ProfileView, error)
	UpdateAccountEmail(ctx context.Context, accountID, ownerID int64, email string) (bool, error)
	RenameProfile(ctx context.Context, profileID, ownerID int64, name string) (bool, error)
	SetProfilePin(ctx context.Context, profileID, ownerID int64, pin string) (bool, error)
	DeleteAccount(ctx context.Context, accountID, ownerID int64) (bool, error)
	ListAllAccounts(ctx context.Context) ([]ProfileView, error)
	PurgeExpiredAccounts(ctx context.Context) (int64, error)
}

// Options are shared by both implementations.
type Options struct {
	AdminID int64
	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) clock() func() time.Time {
	if o.Now != nil {
		return o.Now
	}
	return time.Now
}

// GroupByAccount splits a flattened listing into per-account runs, keeping
// the listing order of first appearance.
func GroupByAccount(views []ProfileView) [][]ProfileView {
	index := make(map[int64]int)
	var out [][]ProfileView
	for _, v := range views {
		i, ok := index[v.AccountID]
		if !ok {
			i = len(out)
			index[v.AccountID] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], v)
	}
	return out
}

func dedupeProfiles(in []ProfileInput) []ProfileInput {
	out := make([]ProfileInput, 0, len(in))
	pos := make(map[string]int, len(in))
	for _, p := range in {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			continue
		}
		if i, ok := pos[name]; ok {
			out[i].Pin = p.Pin
			continue
		}
		pos[name] = len(out)
		out = append(out, ProfileInput{Name: name, Pin: strings.TrimSpace(p.Pin)})
	}
	return out
}

var (
	_ Store = (*Postgres)(nil)
	_ Store = (*Memory)(nil)
)
