package database

import (
	"database/sql"
	"fmt"
	"strings"
)

// dialect hides the differences between the supported SQL engines.
type dialect interface {
	name() string
	prepareDSN(dsn string) string
	configurePool(db *sql.DB, opts Options)
	rebind(query string) string
	schema() []string
}

func dialectFor(driver string) (dialect, error) {
	switch driver {
	case "sqlite3":
		return sqliteDialect{}, nil
	case "postgres":
		return postgresDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported database driver %q", driver)
}

type sqliteDialect struct{}

func (sqliteDialect) name() string { return "sqlite3" }

func (sqliteDialect) prepareDSN(dsn string) string {
	if strings.Contains(dsn, "?") {
		return dsn
	}
	return dsn + "?_busy_timeout=5000&_journal_mode=WAL"
}

// sqlite allows a single writer; one connection serializes writes instead
// of surfacing "database is locked".
func (sqliteDialect) configurePool(db *sql.DB, _ Options) {
	db.SetMaxOpenConns(1)
}

func (sqliteDialect) rebind(query string) string { return query }

func (sqliteDialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			sender_id TEXT NOT NULL,
			receiver_id TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			message_type TEXT NOT NULL DEFAULT 'text',
			attachments TEXT NOT NULL DEFAULT '[]',
			is_read BOOLEAN NOT NULL DEFAULT FALSE,
			read_at INTEGER,
			created_at INTEGER NOT NULL,
			CHECK (sender_id <> receiver_id)
		)`,
		`CREATE TABLE IF NOT EXISTS profiles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			avatar TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, receiver_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_receiver_unread ON messages(receiver_id, is_read)`,
	}
}
