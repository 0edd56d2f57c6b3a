package sessions

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Migration is one schema change, with a statement per dialect.
type Migration struct {
	ID       string
	SQLite   []string
	Postgres []string
}

var migrations = []Migration{
	{
		ID: "0001_sessions",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				metadata TEXT,
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq INTEGER PRIMARY KEY AUTOINCREMENT,
				id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				turn_id TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				payload TEXT,
				created_at INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, seq)`,
		},
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				agent_id TEXT NOT NULL DEFAULT '',
				title TEXT NOT NULL DEFAULT '',
				metadata TEXT,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS messages (
				seq BIGSERIAL PRIMARY KEY,
				id TEXT NOT NULL,
				session_id TEXT NOT NULL,
				turn_id TEXT NOT NULL DEFAULT '',
				role TEXT NOT NULL,
				content TEXT NOT NULL DEFAULT '',
				payload TEXT,
				created_at BIGINT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS messages_session_idx ON messages (session_id, seq)`,
		},
	},
	{
		ID: "0002_loop_states",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS loop_states (
				session_id TEXT PRIMARY KEY,
				turn_id TEXT NOT NULL,
				phase TEXT NOT NULL,
				state TEXT NOT NULL,
				updated_at INTEGER NOT NULL
			)`,
		},
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS loop_states (
				session_id TEXT PRIMARY KEY,
				turn_id TEXT NOT NULL,
				phase TEXT NOT NULL,
				state TEXT NOT NULL,
				updated_at BIGINT NOT NULL
			)`,
		},
	},
	{
		ID: "0003_session_locks",
		SQLite: []string{
			`CREATE TABLE IF NOT EXISTS session_locks (
				session_id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				acquired_at INTEGER NOT NULL,
				expires_at INTEGER NOT NULL
			)`,
		},
		Postgres: []string{
			`CREATE TABLE IF NOT EXISTS session_locks (
				session_id TEXT PRIMARY KEY,
				owner_id TEXT NOT NULL,
				acquired_at BIGINT NOT NULL,
				expires_at BIGINT NOT NULL
			)`,
		},
	},
}

// Migrator applies schema migrations.
type Migrator struct {
	db      *sql.DB
	dialect string
}

// NewMigrator creates a migrator backed by the given db.
func NewMigrator(db *sql.DB, dialect string) *Migrator {
	return &Migrator{db: db, dialect: dialect}
}

// EnsureSchema ensures the schema_migrations table exists.
func (m *Migrator) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			id TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

// Up applies pending migrations in order and returns their ids.
func (m *Migrator) Up(ctx context.Context) ([]string, error) {
	if err := m.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrationIDs(ctx)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, migration := range migrations {
		if applied[migration.ID] {
			continue
		}
		if err := m.apply(ctx, migration); err != nil {
			return ran, fmt.Errorf("migration %s: %w", migration.ID, err)
		}
		ran = append(ran, migration.ID)
	}
	return ran, nil
}

func (m *Migrator) apply(ctx context.Context, migration Migration) error {
	statements := migration.SQLite
	if m.dialect == DialectPostgres {
		statements = migration.Postgres
	}
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, rebind(m.dialect, `INSERT INTO schema_migrations (id, applied_at) VALUES (?, ?)`),
		migration.ID, time.Now().UnixNano()); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Migrator) appliedMigrationIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	applied := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		applied[id] = true
	}
	return applied, rows.Err()
}
