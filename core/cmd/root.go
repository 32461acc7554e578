// Package cmd is the command line entry point shared by bot binaries.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"

	"github.com/m3rciful/accountbot/core/bootstrap"
	"github.com/m3rciful/accountbot/core/buildinfo"
	coreconfig "github.com/m3rciful/accountbot/core/config"
	"github.com/m3rciful/accountbot/core/logger"
	coretelegram "github.com/m3rciful/accountbot/core/telegram"
)

// TelegramApp is the minimal interface required to run a Telegram bot.
type TelegramApp interface {
	TelegramRunOptions() (coretelegram.RunOptions, error)
}

// Options describe the binary. NewApp is required; the remaining hooks
// default to the core packages.
type Options struct {
	Name  string
	Short string
	// ConfigEnvVar names the variable consulted when --config is not given.
	ConfigEnvVar      string
	DefaultConfigPath string
	Migrations        fs.FS

	NewApp func(cfg *coreconfig.Config, db *sqlx.DB) (TelegramApp, error)

	LoadConfig     func(path string) (*coreconfig.Config, error)
	Bootstrap      func(ctx context.Context, opts bootstrap.Options) (*bootstrap.Result, error)
	RunTelegram    func(ctx context.Context, opts coretelegram.RunOptions) error
	ShutdownLogger func() error
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "bot"
	}
	if o.ConfigEnvVar == "" {
		o.ConfigEnvVar = "CONFIG_PATH"
	}
	if o.LoadConfig == nil {
		o.LoadConfig = coreconfig.Load
	}
	if o.Bootstrap == nil {
		o.Bootstrap = bootstrap.Run
	}
	if o.RunTelegram == nil {
		o.RunTelegram = coretelegram.RunTelegram
	}
	if o.ShutdownLogger == nil {
		o.ShutdownLogger = logger.Shutdown
	}
	return o
}

// Execute runs the root command until SIGINT or SIGTERM.
func Execute(opts Options) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return NewRootCommand(opts).ExecuteContext(ctx)
}

// NewRootCommand builds "<name> [--config path]", which serves the bot,
// with the migrate and version subcommands.
func NewRootCommand(opts Options) *cobra.Command {
	opts = opts.withDefaults()
	var configPath string
	var skipMigrations bool

	root := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := loadConfig(opts, configPath)
			if err != nil {
				return err
			}
			return serve(c.Context(), opts, cfg, skipMigrations)
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("path to the YAML config (default $%s, then %q)", opts.ConfigEnvVar, opts.DefaultConfigPath))
	root.Flags().BoolVar(&skipMigrations, "skip-migrations", false, "start without touching the schema")

	root.AddCommand(
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply pending schema migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				cfg, err := loadConfig(opts, configPath)
				if err != nil {
					return err
				}
				return migrateOnly(c, opts, cfg)
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the build stamp",
			Args:  cobra.NoArgs,
			Run: func(c *cobra.Command, _ []string) {
				fmt.Fprintln(c.OutOrStdout(), opts.Name, buildinfo.Read())
			},
		},
	)
	return root
}

func loadConfig(opts Options, flagPath string) (*coreconfig.Config, error) {
	path := flagPath
	if path == "" {
		path = os.Getenv(opts.ConfigEnvVar)
	}
	if path == "" {
		path = opts.DefaultConfigPath
	}
	if path == "" {
		return nil, fmt.Errorf("cmd: no config path: pass --config or set %s", opts.ConfigEnvVar)
	}
	log.Printf("loading config: %s", path)
	cfg, err := opts.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("cmd: failed to load config: %w", err)
	}
	return cfg, nil
}

func serve(ctx context.Context, opts Options, cfg *coreconfig.Config, skipMigrations bool) error {
	if opts.NewApp == nil {
		return errors.New("cmd: NewApp is required")
	}
	startedAt := time.Now()
	defer shutdownLogger(opts)
	infra, err := opts.Bootstrap(ctx, bootstrap.Options{
		Config:         cfg,
		Migrations:     opts.Migrations,
		SkipMigrations: skipMigrations,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := infra.DB.Close(); err != nil {
			logger.Warn(ctx, "db", "db.close", slog.String("err", err.Error()))
		}
	}()

	app, err := opts.NewApp(cfg, infra.DB)
	if err != nil {
		return fmt.Errorf("cmd: app init failed: %w", err)
	}
	runOpts, err := app.TelegramRunOptions()
	if err != nil {
		return fmt.Errorf("cmd: telegram options build failed: %w", err)
	}
	announce(&runOpts, startedAt)
	return opts.RunTelegram(ctx, runOpts)
}

// announce logs readiness after the app's own OnStart and the shutdown
// before its OnStop.
func announce(runOpts *coretelegram.RunOptions, startedAt time.Time) {
	start, stop := runOpts.OnStart, runOpts.OnStop
	runOpts.OnStart = func(ctx context.Context, rt coretelegram.Runtime) error {
		if start != nil {
			if err := start(ctx, rt); err != nil {
				return err
			}
		}
		logger.Info(ctx, "app", "ready",
			slog.Duration("startup_duration", logger.RoundMS(time.Since(startedAt))),
		)
		return nil
	}
	runOpts.OnStop = func(ctx context.Context, rt coretelegram.Runtime) error {
		logger.Info(ctx, "app", "shutdown")
		if stop != nil {
			return stop(ctx, rt)
		}
		return nil
	}
}

func migrateOnly(c *cobra.Command, opts Options, cfg *coreconfig.Config) error {
	defer shutdownLogger(opts)
	infra, err := opts.Bootstrap(c.Context(), bootstrap.Options{Config: cfg, Migrations: opts.Migrations})
	if err != nil {
		return err
	}
	defer infra.DB.Close()
	m := infra.Migration
	fmt.Fprintf(c.OutOrStdout(), "schema at version %d (was %d, %d applied)\n", m.To, m.From, len(m.Applied))
	return nil
}

func shutdownLogger(opts Options) {
	if err := opts.ShutdownLogger(); err != nil {
		log.Printf("logger shutdown error: %v", err)
	}
}
