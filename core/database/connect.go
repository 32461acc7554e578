// Package database opens the PostgreSQL pool and keeps the schema current.
package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	coreconfig "github.com/m3rciful/accountbot/core/config"
	"github.com/m3rciful/accountbot/core/logger"
)

// ConnectOptions bounds how long Connect keeps trying.
type ConnectOptions struct {
	// Wait is the total time allowed for the server to come up.
	Wait time.Duration
	// Every spaces the attempts.
	Every time.Duration
	// Open defaults to sqlx.ConnectContext with the postgres driver.
	Open func(ctx context.Context, dsn string) (*sqlx.DB, error)
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.Wait <= 0 {
		o.Wait = 30 * time.Second
	}
	if o.Every <= 0 {
		o.Every = 2 * time.Second
	}
	if o.Open == nil {
		o.Open = func(ctx context.Context, dsn string) (*sqlx.DB, error) {
			return sqlx.ConnectContext(ctx, "postgres", dsn)
		}
	}
	return o
}

// Connect opens the pool, retrying while the server is unreachable, and
// sizes it from cfg.
func Connect(ctx context.Context, cfg coreconfig.DatabaseConfig, opts ConnectOptions) (*sqlx.DB, error) {
	opts = opts.withDefaults()
	ctx, cancel := context.WithTimeout(ctx, opts.Wait)
	defer cancel()

	dsn := KeyValueDSN(cfg)
	target := []slog.Attr{
		slog.String("host", cfg.Host),
		slog.String("port", cfg.Port),
		slog.String("db", cfg.Name),
	}
	start := time.Now()
	for attempt := 1; ; attempt++ {
		db, err := opts.Open(ctx, dsn)
		if err == nil {
			db.SetMaxOpenConns(cfg.MaxConnections)
			db.SetMaxIdleConns(cfg.MaxConnections)
			db.SetConnMaxIdleTime(5 * time.Minute)
			logger.Info(ctx, "db", "db.connect", append(target,
				slog.Int("attempts", attempt),
				slog.Int("pool_open", cfg.MaxConnections),
				slog.Duration("duration", logger.RoundMS(time.Since(start))),
			)...)
			return db, nil
		}
		logger.Warn(ctx, "db", "db.connect", append(target,
			slog.Int("attempt", attempt),
			slog.String("err", err.Error()),
		)...)

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("db connect: gave up after %d attempts: %w", attempt, err)
			}
			return nil, ctx.Err()
		case <-time.After(opts.Every):
		}
	}
}

// KeyValueDSN renders the lib/pq key=value connection string. Values are
// quoted so passwords may contain spaces and quotes.
func KeyValueDSN(cfg coreconfig.DatabaseConfig) string {
	pairs := []struct{ k, v string }{
		{"host", cfg.Host},
		{"port", cfg.Port},
		{"user", cfg.User},
		{"password", cfg.Password},
		{"dbname", cfg.Name},
		{"sslmode", cfg.SSLMode},
	}
	var b strings.Builder
	for _, p := range pairs {
		if p.v == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(p.k)
		b.WriteByte('=')
		b.WriteString(quoteDSN(p.v))
	}
	return b.String()
}

func quoteDSN(v string) string {
	if !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}
