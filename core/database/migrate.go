package database

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/accountbot/core/logger"
)

// MigrationResult describes one Migrate call.
type MigrationResult struct {
	From, To uint
	Applied  []string
	Dirty    bool
}

// Migrate brings the schema of db up to date. Scripts come from dir when it
// is set (relative to the working directory) and from embedded otherwise.
func Migrate(ctx context.Context, db *sqlx.DB, embedded fs.FS, dir string) (MigrationResult, error) {
	var res MigrationResult
	scripts, where, err := migrationSource(embedded, dir)
	if err != nil {
		return res, err
	}
	files := upScripts(scripts)
	preview, truncated := logger.SummarizeStrings(files, 6)
	logger.Debug(ctx, "db.migrate", "migrate.resolve",
		slog.String("source", where),
		slog.Int("files_total", len(files)),
		slog.String("files_preview", preview),
		slog.Bool("files_truncated", truncated),
	)

	m, err := newMigrator(db, scripts)
	if err != nil {
		logger.Error(ctx, "db.migrate", "migrate.init", slog.String("err", err.Error()))
		return res, err
	}
	defer func() {
		if serr, derr := m.Close(); serr != nil || derr != nil {
			logger.Warn(ctx, "db.migrate", "migrate.close", slog.Any("err", errors.Join(serr, derr)))
		}
	}()

	res.From, res.Dirty, err = m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return res, fmt.Errorf("read schema version: %w", err)
	}
	if res.Dirty {
		return res, fmt.Errorf("schema version %d is dirty; fix it by hand before migrating", res.From)
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() { done <- m.Up() }()
	select {
	case <-ctx.Done():
		m.GracefulStop <- true
		err = <-done
		if err == nil {
			err = ctx.Err()
		}
	case err = <-done:
	}
	took := logger.RoundMS(time.Since(start))
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Error(ctx, "db.migrate", "migrate.apply",
			slog.String("err", err.Error()),
			slog.Duration("duration", took),
		)
		return res, fmt.Errorf("apply migrations: %w", err)
	}

	res.To = res.From
	if v, _, verr := m.Version(); verr == nil {
		res.To = v
	}
	res.Applied = between(files, res.From, res.To)
	logger.Info(ctx, "db.migrate", "migrate.summary",
		slog.Uint64("from_ver", uint64(res.From)),
		slog.Uint64("to_ver", uint64(res.To)),
		slog.Int("files", len(res.Applied)),
		slog.Duration("duration", took),
	)
	return res, nil
}

func migrationSource(embedded fs.FS, dir string) (fs.FS, string, error) {
	if strings.TrimSpace(dir) == "" {
		if embedded == nil {
			return nil, "", errors.New("no migrations: neither a directory nor embedded scripts")
		}
		return embedded, "embedded", nil
	}
	if !filepath.IsAbs(dir) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("resolve migrations dir: %w", err)
		}
		dir = filepath.Join(cwd, dir)
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, "", fmt.Errorf("migrations dir: %w", err)
	}
	return os.DirFS(dir), dir, nil
}

func newMigrator(db *sqlx.DB, scripts fs.FS) (*migrate.Migrate, error) {
	src, err := iofs.New(scripts, ".")
	if err != nil {
		return nil, fmt.Errorf("open migration scripts: %w", err)
	}
	drv, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("open migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return nil, fmt.Errorf("init migrations: %w", err)
	}
	return m, nil
}

// upScripts lists the *.up.sql names of scripts in version order.
func upScripts(scripts fs.FS) []string {
	names, err := fs.Glob(scripts, "*.up.sql")
	if err != nil {
		return nil
	}
	// fs.Glob sorts lexically; zero-padded versions keep that numeric.
	return names
}

func scriptVersion(name string) uint {
	prefix, _, _ := strings.Cut(name, "_")
	v, _ := strconv.ParseUint(prefix, 10, 64)
	return uint(v)
}

// between returns the scripts with from < version <= to.
func between(files []string, from, to uint) []string {
	var out []string
	for _, f := range files {
		if v := scriptVersion(f); v > from && v <= to {
			out = append(out, f)
		}
	}
	return out
}
