package main

import (
	"log"

	"github.com/jmoiron/sqlx"

	"github.com/m3rciful/accountbot/core/cmd"
	coreconfig "github.com/m3rciful/accountbot/core/config"
	"github.com/m3rciful/accountbot/internal/bot"
	"github.com/m3rciful/accountbot/internal/store"
	"github.com/m3rciful/accountbot/migrations"
)

func newApp(cfg *coreconfig.Config, db *sqlx.DB) (cmd.TelegramApp, error) {
	app, err := bot.New(bot.Options{
		Config: cfg,
		Store:  store.NewPostgres(db, store.Options{AdminID: cfg.Telegram.AdminID}),
	})
	if err != nil {
		return nil, err
	}
	return app, nil
}

func main() {
	err := cmd.Execute(cmd.Options{
		Name:              "accountbot",
		Short:             "Telegram bot that hands out shared service accounts",
		DefaultConfigPath: "config.yaml",
		Migrations:        migrations.FS,
		NewApp:            newApp,
	})
	if err != nil {
		log.Fatal(err)
	}
}
