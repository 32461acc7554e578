package store

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRepoWithMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := NewPostgres(sqlx.NewDb(db, "postgres"), Options{
		AdminID: testAdmin,
		Now:     func() time.Time { return fixedNow },
	})
	return repo, mock
}

func TestPostgres_IsAuthorized(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	q := `(?s)^SELECT\s+EXISTS\(SELECT\s+1\s+FROM\s+users\s+WHERE\s+user_id\s*=\s*\$1\s+AND\s+expires_at\s*>=\s*\$2\)$`
	mock.ExpectQuery(q).WithArgs(int64(20), fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	ok, err := repo.IsAuthorized(context.Background(), 20)
	require.NoError(t, err)
	assert.True(t, ok)

	// Admin short-circuits without a query.
	ok, err = repo.IsAuthorized(context.Background(), testAdmin)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_IsAuthorized_DBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnError(errors.New("db down"))

	_, err := repo.IsAuthorized(context.Background(), 20)
	if err == nil || !regexp.MustCompile(`db error: .*db down`).MatchString(err.Error()) {
		t.Fatalf("expected wrapped db error, got %v", err)
	}
}

func TestPostgres_GetUser_NotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectQuery(`SELECT user_id, display_name, registered_at, expires_at FROM users WHERE user_id = \$1`).
		WithArgs(int64(20)).
		WillReturnError(sql.ErrNoRows)

	_, found, err := repo.GetUser(context.Background(), 20)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestPostgres_UpsertUser(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	u := User{UserID: 20, DisplayName: "Ana", RegisteredAt: fixedNow, ExpiresAt: fixedNow.Add(time.Hour)}

	mock.ExpectExec(`(?s)INSERT\s+INTO\s+users.*ON\s+CONFLICT\s+\(user_id\)\s+DO\s+UPDATE`).
		WithArgs(u.UserID, u.DisplayName, u.RegisteredAt, u.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpsertUser(context.Background(), u))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_AdminRowNeverTouched(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	ctx := context.Background()

	assert.ErrorIs(t, repo.UpsertUser(ctx, User{UserID: testAdmin}), ErrPermissionDenied)
	ok, err := repo.DeleteUser(ctx, testAdmin)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, ok)
	ok, err = repo.RenameUser(ctx, testAdmin, "x")
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, ok)
	ok, err = repo.SetUserExpiry(ctx, testAdmin, fixedNow)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.False(t, ok)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteUser_Affected(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`DELETE FROM users WHERE user_id = \$1`).WithArgs(int64(20)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.DeleteUser(context.Background(), 20)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_ListUsers(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	rows := sqlmock.NewRows([]string{"user_id", "display_name", "registered_at", "expires_at"}).
		AddRow(int64(21), "Bo", fixedNow, fixedNow.Add(48*time.Hour)).
		AddRow(int64(20), "Ana", fixedNow, fixedNow.Add(time.Hour))
	mock.ExpectQuery(`(?s)FROM\s+users\s+ORDER\s+BY\s+expires_at\s+DESC`).WillReturnRows(rows)

	users, err := repo.ListUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "Bo", users[0].DisplayName)
}

func TestPostgres_CreateOrUpdateAccount_RespectsCap(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	in := AccountInput{
		OwnerID:      10,
		Service:      "netflix",
		Email:        "a@b.com",
		Profiles:     []ProfileInput{{Name: "P1", Pin: "9"}, {Name: "P6", Pin: "6"}},
		RegisteredAt: fixedNow,
		ExpiresAt:    fixedNow.Add(30 * 24 * time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)INSERT\s+INTO\s+accounts.*ON\s+CONFLICT\s+\(owner_user_id,\s*service,\s*email\).*RETURNING\s+account_id`).
		WithArgs(int64(10), "Netflix", "a@b.com", in.RegisteredAt, in.ExpiresAt).
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(int64(7)))
	names := sqlmock.NewRows([]string{"profile_name"})
	for _, n := range []string{"P1", "P2", "P3", "P4", "P5"} {
		names.AddRow(n)
	}
	mock.ExpectQuery(`SELECT profile_name FROM profiles WHERE account_id = \$1`).
		WithArgs(int64(7)).WillReturnRows(names)
	mock.ExpectExec(`UPDATE profiles SET pin = \$1 WHERE account_id = \$2 AND profile_name = \$3`).
		WithArgs("9", int64(7), "P1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := repo.CreateOrUpdateAccount(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.AccountID)
	assert.Equal(t, []string{"P1"}, res.Updated)
	assert.Equal(t, []string{"P6"}, res.Skipped)
	assert.False(t, res.OK())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateOrUpdateAccount_RollsBackOnError(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO accounts`).
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(int64(7)))
	mock.ExpectQuery(`SELECT profile_name FROM profiles`).
		WillReturnRows(sqlmock.NewRows([]string{"profile_name"}))
	mock.ExpectExec(`INSERT INTO profiles`).
		WithArgs(int64(7), "P1", "1111").
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.CreateOrUpdateAccount(context.Background(), AccountInput{
		OwnerID: 10, Service: "Netflix", Email: "a@b.com",
		Profiles: []ProfileInput{{Name: "P1", Pin: "1111"}},
	})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListAccountsForUser_FiltersByNow(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	cols := []string{"profile_id", "profile_name", "pin", "account_id", "owner_user_id",
		"service", "email", "registered_at", "expires_at"}
	rows := sqlmock.NewRows(cols).
		AddRow(int64(1), "P1", "1111", int64(7), int64(10), "Netflix", "a@b.com", fixedNow, fixedNow.Add(time.Hour))
	mock.ExpectQuery(`(?s)WHERE\s+a\.owner_user_id\s*=\s*\$1\s+AND\s+a\.expires_at\s*>=\s*\$2\s+ORDER\s+BY\s+a\.service,\s*p\.profile_name,\s*a\.email`).
		WithArgs(int64(10), fixedNow).
		WillReturnRows(rows)

	views, err := repo.ListAccountsForUser(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "Netflix", views[0].Service)
	assert.Equal(t, "P1", views[0].ProfileName)
}

func TestPostgres_UpdateAccountEmail_NotOwner(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT service FROM accounts WHERE account_id = \$1 AND owner_user_id = \$2 FOR UPDATE`).
		WithArgs(int64(7), int64(99)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	ok, err := repo.UpdateAccountEmail(context.Background(), 7, 99, "x@y.com")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_UpdateAccountEmail_Collision(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT service FROM accounts`).
		WithArgs(int64(7), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"service"}).AddRow("Netflix"))
	mock.ExpectQuery(`(?s)SELECT\s+EXISTS\(SELECT\s+1\s+FROM\s+accounts`).
		WithArgs(int64(10), "Netflix", "c@d.com", int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	ok, err := repo.UpdateAccountEmail(context.Background(), 7, 10, "c@d.com")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_RenameProfile(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT\s+a\.account_id\s+FROM\s+profiles\s+p.*FOR\s+UPDATE\s+OF\s+a`).
		WithArgs(int64(3), int64(10)).
		WillReturnRows(sqlmock.NewRows([]string{"account_id"}).AddRow(int64(7)))
	mock.ExpectQuery(`(?s)SELECT\s+EXISTS\(SELECT\s+1\s+FROM\s+profiles`).
		WithArgs(int64(7), "Kids", int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE profiles SET profile_name = \$1 WHERE profile_id = \$2`).
		WithArgs("Kids", int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.RenameProfile(context.Background(), 3, 10, "Kids")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_DeleteAccount_ScopedToOwner(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`DELETE FROM accounts WHERE account_id = \$1 AND owner_user_id = \$2`).
		WithArgs(int64(7), int64(99)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.DeleteAccount(context.Background(), 7, 99)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgres_PurgeExpiredAccounts(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	mock.ExpectExec(`DELETE FROM accounts WHERE expires_at < \$1`).
		WithArgs(fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.PurgeExpiredAccounts(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
