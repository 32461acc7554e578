// Package bootstrap brings up logging, the database pool and the schema, in
// that order.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	coreconfig "github.com/m3rciful/accountbot/core/config"
	coredatabase "github.com/m3rciful/accountbot/core/database"
	"github.com/m3rciful/accountbot/core/logger"
)

// Options control the pipeline. Nil hooks fall back to the logger and
// database packages.
type Options struct {
	Config *coreconfig.Config
	// Migrations are the embedded scripts; database.migrations_dir wins
	// when set.
	Migrations fs.FS
	// SkipMigrations leaves the schema alone.
	SkipMigrations bool

	LoggerInit func(*coreconfig.Config) error
	Connect    func(context.Context, coreconfig.DatabaseConfig) (*sqlx.DB, error)
	Migrate    func(context.Context, *sqlx.DB) (coredatabase.MigrationResult, error)
}

// Result is what the pipeline brought up. The caller owns DB.
type Result struct {
	DB        *sqlx.DB
	Migration coredatabase.MigrationResult
}

type stage struct {
	name string
	run  func(context.Context) error
}

// Run executes the pipeline. On failure everything opened so far is closed.
func Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Config == nil {
		return nil, errors.New("bootstrap: nil config provided")
	}
	opts = opts.withDefaults()
	cfg := opts.Config
	res := &Result{}

	stages := []stage{
		{"logger", func(context.Context) error { return opts.LoggerInit(cfg) }},
		{"database", func(ctx context.Context) (err error) {
			res.DB, err = opts.Connect(ctx, cfg.Database)
			return err
		}},
	}
	if !opts.SkipMigrations {
		stages = append(stages, stage{"migrations", func(ctx context.Context) (err error) {
			res.Migration, err = opts.Migrate(ctx, res.DB)
			return err
		}})
	}

	for _, st := range stages {
		start := time.Now()
		if err := st.run(ctx); err != nil {
			if res.DB != nil {
				_ = res.DB.Close()
			}
			return nil, fmt.Errorf("bootstrap: %s: %w", st.name, err)
		}
		logger.Debug(ctx, "app", "bootstrap.stage",
			slog.String("stage", st.name),
			slog.Duration("duration", time.Since(start)),
		)
	}
	return res, nil
}

func (o Options) withDefaults() Options {
	if o.LoggerInit == nil {
		o.LoggerInit = logger.InitLogger
	}
	if o.Connect == nil {
		o.Connect = func(ctx context.Context, cfg coreconfig.DatabaseConfig) (*sqlx.DB, error) {
			return coredatabase.Connect(ctx, cfg, coredatabase.ConnectOptions{})
		}
	}
	if o.Migrate == nil {
		dir := o.Config.Database.MigrationsDir
		scripts := o.Migrations
		o.Migrate = func(ctx context.Context, db *sqlx.DB) (coredatabase.MigrationResult, error) {
			return coredatabase.Migrate(ctx, db, scripts, dir)
		}
	}
	return o
}
