package store

import (
	"errors"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// MaxProfiles is the number of profiles an account can hold.
const MaxProfiles = 5

// MaxFieldLen bounds service and profile names, in bytes.
const MaxFieldLen = 64

// ErrPermissionDenied is returned when a user operation targets the admin identity.
var ErrPermissionDenied = errors.New("permission denied")

// User is an authorized end-user with a time-bound access window.
type User struct {
	UserID       int64     `db:"user_id"`
	DisplayName  string    `db:"display_name"`
	RegisteredAt time.Time `db:"registered_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// Active reports whether the access window is still open at now.
func (u User) Active(now time.Time) bool {
	return !now.After(u.ExpiresAt)
}

// Account is a shared-service credential container owned by one user.
type Account struct {
	AccountID    int64     `db:"account_id"`
	OwnerID      int64     `db:"owner_user_id"`
	Service      string    `db:"service"`
	Email        string    `db:"email"`
	RegisteredAt time.Time `db:"registered_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// Profile is a named slot with a PIN inside an account.
type Profile struct {
	ProfileID int64  `db:"profile_id"`
	AccountID int64  `db:"account_id"`
	Name      string `db:"profile_name"`
	Pin       string `db:"pin"`
}

// ProfileView is a profile flattened with its parent account.
// OwnerName is only filled by ListAllAccounts.
type ProfileView struct {
	ProfileID    int64     `db:"profile_id"`
	ProfileName  string    `db:"profile_name"`
	Pin          string    `db:"pin"`
	AccountID    int64     `db:"account_id"`
	OwnerID      int64     `db:"owner_user_id"`
	OwnerName    string    `db:"owner_name"`
	Service      string    `db:"service"`
	Email        string    `db:"email"`
	RegisteredAt time.Time `db:"registered_at"`
	ExpiresAt    time.Time `db:"expires_at"`
}

// ProfileInput is a profile supplied to CreateOrUpdateAccount.
type ProfileInput struct {
	Name string
	Pin  string
}

// AccountInput carries everything CreateOrUpdateAccount needs.
type AccountInput struct {
	OwnerID      int64
	Service      string
	Email        string
	Profiles     []ProfileInput
	RegisteredAt time.Time
	ExpiresAt    time.Time
}

// UpsertResult describes what CreateOrUpdateAccount did with each profile.
type UpsertResult struct {
	AccountID int64
	Added     []string
	Updated   []string
	// Skipped holds names rejected by the profile cap.
	Skipped []string
}

// OK reports whether every supplied profile was stored.
func (r UpsertResult) OK() bool {
	return r.AccountID != 0 && len(r.Skipped) == 0
}

// NormalizeService trims and title-cases a service name for storage and lookup.
func NormalizeService(service string) string {
	fields := strings.Fields(service)
	if len(fields) == 0 {
		return ""
	}
	// A Caser keeps state between calls and cannot be shared.
	return cases.Title(language.Und).String(strings.Join(fields, " "))
}

// ValidEmail is the minimal shape check: an '@' followed later by a '.'.
func ValidEmail(email string) bool {
	email = strings.TrimSpace(email)
	at := strings.Index(email, "@")
	if at <= 0 || strings.ContainsAny(email, " \t") {
		return false
	}
	dot := strings.LastIndex(email, ".")
	return dot > at+1 && dot < len(email)-1
}
