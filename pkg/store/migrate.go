package store

import (
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func (hs *HistoryStore) runMigrations() error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}

	version, err := goose.GetDBVersion(hs.conn)
	if err != nil {
		hs.logger.Info("no existing migration version", "error", err)
	} else {
		hs.logger.Info("current migration version", "version", version)
	}

	return goose.Up(hs.conn, "migrations")
}
