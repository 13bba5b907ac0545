// Package history is a local SQLite cache of acknowledged chat messages.
// The dispatcher writes merged batches through to it and reads the most
// recent page back when a room is activated, so reopening the client shows
// history before the gateway answers.
package history

import (
	"database/sql"
	"embed"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type DBOption struct {
	// Mode can be ro | rw | rwc | memory
	Mode string
	// Cache can be shared | private
	Cache string
	// JournalMode can be DELETE | TRUNCATE | PERSIST | MEMORY | WAL | OFF
	JournalMode string
}

func (config *DBOption) DSN(sb *strings.Builder) {
	if config == nil {
		return
	}
	if config.Mode != "" {
		sb.WriteString("?mode=")
		sb.WriteString(config.Mode)
	}
	if config.Cache != "" {
		sb.WriteString("&cache=")
		sb.WriteString(config.Cache)
	}
	if config.JournalMode != "" {
		sb.WriteString("&journal_mode=")
		sb.WriteString(config.JournalMode)
	}
}

// Open opens (creating if necessary) the cache database file and brings the
// schema up to date.
func Open(file string, config *DBOption) (*sql.DB, error) {
	var dsn strings.Builder
	dsn.WriteString("file:")
	dsn.WriteString(file)
	config.DSN(&dsn)

	db, err := sql.Open("sqlite3", dsn.String())
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func migrate(db *sql.DB) error {
	goose.SetBaseFS(migrationFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
