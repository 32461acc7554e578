package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Memory is a mutex-guarded in-process Store with the same semantics as Postgres.
type Memory struct {
	mu       sync.Mutex
	adminID  int64
	now      func() time.Time
	users    map[int64]User
	accounts map[int64]*Account
	profiles map[int64]*Profile
	nextAcc  int64
	nextProf int64
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts Options) *Memory {
	return &Memory{
		adminID:  opts.AdminID,
		now:      opts.clock(),
		users:    make(map[int64]User),
		accounts: make(map[int64]*Account),
		profiles: make(map[int64]*Profile),
	}
}

// IsAuthorized reports whether userID is the admin or has an unexpired user row.
func (m *Memory) IsAuthorized(_ context.Context, userID int64) (bool, error) {
	if userID == m.adminID {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	return ok && u.Active(m.now()), nil
}

// GetUser returns the user row for userID, if any.
func (m *Memory) GetUser(_ context.Context, userID int64) (User, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	return u, ok, nil
}

// UpsertUser creates or replaces a user row.
func (m *Memory) UpsertUser(_ context.Context, u User) error {
	if u.UserID == m.adminID {
		return ErrPermissionDenied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[u.UserID] = u
	return nil
}

// DeleteUser removes a user row. Accounts the user owns are kept.
func (m *Memory) DeleteUser(_ context.Context, userID int64) (bool, error) {
	if userID == m.adminID {
		return false, ErrPermissionDenied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[userID]; !ok {
		return false, nil
	}
	delete(m.users, userID)
	return true, nil
}

// RenameUser changes the display name of a user.
func (m *Memory) RenameUser(_ context.Context, userID int64, name string) (bool, error) {
	return m.updateUser(userID, func(u *User) { u.DisplayName = name })
}

// SetUserExpiry moves the end of a user's access window.
func (m *Memory) SetUserExpiry(_ context.Context, userID int64, expiresAt time.Time) (bool, error) {
	return m.updateUser(userID, func(u *User) { u.ExpiresAt = expiresAt })
}

func (m *Memory) updateUser(userID int64, fn func(*User)) (bool, error) {
	if userID == m.adminID {
		return false, ErrPermissionDenied
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return false, nil
	}
	fn(&u)
	m.users[userID] = u
	return true, nil
}

// ListUsers returns all users, latest expiry first.
func (m *Memory) ListUsers(_ context.Context) ([]User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.After(out[j].ExpiresAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// CreateOrUpdateAccount upserts the account by (owner, service, email) and
// then each profile by name, honouring MaxProfiles.
func (m *Memory) CreateOrUpdateAccount(_ context.Context, in AccountInput) (UpsertResult, error) {
	service := NormalizeService(in.Service)
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.findAccount(in.OwnerID, service, in.Email)
	if acc == nil {
		m.nextAcc++
		acc = &Account{AccountID: m.nextAcc, OwnerID: in.OwnerID, Service: service, Email: in.Email}
		m.accounts[acc.AccountID] = acc
	}
	acc.RegisteredAt = in.RegisteredAt
	acc.ExpiresAt = in.ExpiresAt

	res := UpsertResult{AccountID: acc.AccountID}
	existing := m.profilesOf(acc.AccountID)
	for _, prof := range dedupeProfiles(in.Profiles) {
		if cur := findProfile(existing, prof.Name); cur != nil {
			cur.Pin = prof.Pin
			res.Updated = append(res.Updated, prof.Name)
			continue
		}
		if len(existing) >= MaxProfiles {
			res.Skipped = append(res.Skipped, prof.Name)
			continue
		}
		m.nextProf++
		np := &Profile{ProfileID: m.nextProf, AccountID: acc.AccountID, Name: prof.Name, Pin: prof.Pin}
		m.profiles[np.ProfileID] = np
		existing = append(existing, np)
		res.Added = append(res.Added, prof.Name)
	}
	return res, nil
}

// ListAccountsForUser returns the owner's unexpired profiles.
func (m *Memory) ListAccountsForUser(_ context.Context, ownerID int64) ([]ProfileView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []ProfileView
	for _, p := range m.profiles {
		acc := m.accounts[p.AccountID]
		if acc.OwnerID != ownerID || acc.ExpiresAt.Before(now) {
			continue
		}
		out = append(out, view(acc, p, ""))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		if a.ProfileName != b.ProfileName {
			return a.ProfileName < b.ProfileName
		}
		return a.Email < b.Email
	})
	return out, nil
}

// UpdateAccountEmail changes the login of an account the owner holds.
func (m *Memory) UpdateAccountEmail(_ context.Context, accountID, ownerID int64, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok || acc.OwnerID != ownerID {
		return false, nil
	}
	if other := m.findAccount(ownerID, acc.Service, email); other != nil && other.AccountID != accountID {
		return false, nil
	}
	acc.Email = email
	return true, nil
}

// RenameProfile renames a profile of an account the owner holds.
func (m *Memory) RenameProfile(_ context.Context, profileID, ownerID int64, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.ownedProfile(profileID, ownerID)
	if p == nil {
		return false, nil
	}
	if sib := findProfile(m.profilesOf(p.AccountID), name); sib != nil && sib.ProfileID != profileID {
		return false, nil
	}
	p.Name = name
	return true, nil
}

// SetProfilePin replaces the PIN of a profile the owner holds.
func (m *Memory) SetProfilePin(_ context.Context, profileID, ownerID int64, pin string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.ownedProfile(profileID, ownerID)
	if p == nil {
		return false, nil
	}
	p.Pin = pin
	return true, nil
}

// DeleteAccount removes an account and its profiles.
func (m *Memory) DeleteAccount(_ context.Context, accountID, ownerID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[accountID]
	if !ok || acc.OwnerID != ownerID {
		return false, nil
	}
	m.dropAccount(accountID)
	return true, nil
}

// ListAllAccounts returns every profile with its owner's display name.
func (m *Memory) ListAllAccounts(_ context.Context) ([]ProfileView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ProfileView, 0, len(m.profiles))
	for _, p := range m.profiles {
		acc := m.accounts[p.AccountID]
		out = append(out, view(acc, p, m.users[acc.OwnerID].DisplayName))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.OwnerID != b.OwnerID {
			return a.OwnerID < b.OwnerID
		}
		if a.Service != b.Service {
			return a.Service < b.Service
		}
		if a.ProfileName != b.ProfileName {
			return a.ProfileName < b.ProfileName
		}
		return a.Email < b.Email
	})
	return out, nil
}

// PurgeExpiredAccounts deletes expired accounts and reports how many went.
func (m *Memory) PurgeExpiredAccounts(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var n int64
	for id, acc := range m.accounts {
		if acc.ExpiresAt.Before(now) {
			m.dropAccount(id)
			n++
		}
	}
	return n, nil
}

// ProfileCount returns how many profiles reference accountID.
func (m *Memory) ProfileCount(accountID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.profilesOf(accountID))
}

func (m *Memory) findAccount(ownerID int64, service, email string) *Account {
	for _, acc := range m.accounts {
		if acc.OwnerID == ownerID && acc.Service == service && acc.Email == email {
			return acc
		}
	}
	return nil
}

func (m *Memory) profilesOf(accountID int64) []*Profile {
	var out []*Profile
	for _, p := range m.profiles {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out
}

func (m *Memory) ownedProfile(profileID, ownerID int64) *Profile {
	p, ok := m.profiles[profileID]
	if !ok {
		return nil
	}
	if acc := m.accounts[p.AccountID]; acc == nil || acc.OwnerID != ownerID {
		return nil
	}
	return p
}

func (m *Memory) dropAccount(accountID int64) {
	for id, p := range m.profiles {
		if p.AccountID == accountID {
			delete(m.profiles, id)
		}
	}
	delete(m.accounts, accountID)
}

func findProfile(list []*Profile, name string) *Profile {
	for _, p := range list {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func view(acc *Account, p *Profile, owner string) ProfileView {
	return ProfileView{
		ProfileID:    p.ProfileID,
		ProfileName:  p.Name,
		Pin:          p.Pin,
		AccountID:    acc.AccountID,
		OwnerID:      acc.OwnerID,
		OwnerName:    owner,
		Service:      acc.Service,
		Email:        acc.Email,
		RegisteredAt: acc.RegisteredAt,
		ExpiresAt:    acc.ExpiresAt,
	}
}
