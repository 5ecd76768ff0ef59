// Package journal keeps a SQLite history of rename attempts so operators can
// review what was renamed, where, and what failed.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure Go SQLite driver

	"hoho/internal/slogutil"
)

const currentSchemaVersion = 1

// Journal is an append-mostly log of rename outcomes.
type Journal struct {
	conn   *sql.DB
	logger *slog.Logger
	path   string
}

// Open opens or creates the journal database at path.
func Open(path string, logger *slog.Logger) (*Journal, error) {
	logger = slogutil.OrDiscard(logger)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// One writer at a time; WAL lets readers proceed.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("set pragma %q: %w", pragma, err)
		}
	}

	j := &Journal{conn: conn, logger: logger, path: path}
	if err := j.migrate(context.Background()); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the database file path.
func (j *Journal) Path() string {
	return j.path
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.conn != nil {
		return j.conn.Close()
	}
	return nil
}

// withTx runs fn in a transaction, rolling back when it fails.
func (j *Journal) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := j.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			j.logger.Error("rollback failed", "error", err, "rollbackError", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (j *Journal) migrate(ctx context.Context) error {
	version, err := j.schemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version == currentSchemaVersion {
		return nil
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("journal schema version %d is newer than supported version %d", version, currentSchemaVersion)
	}

	return j.withTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,
			`CREATE TABLE IF NOT EXISTS renames (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				at INTEGER NOT NULL,
				file TEXT NOT NULL,
				symbol TEXT NOT NULL,
				new_name TEXT NOT NULL,
				status TEXT NOT NULL,
				refs INTEGER NOT NULL DEFAULT 0,
				error TEXT NOT NULL DEFAULT ''
			)`,
			`CREATE INDEX IF NOT EXISTS idx_renames_file ON renames(file)`,
			`CREATE INDEX IF NOT EXISTS idx_renames_symbol ON renames(symbol)`,
			`DELETE FROM schema_version`,
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("initialize journal schema: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, currentSchemaVersion); err != nil {
			return err
		}
		j.logger.Debug("journal schema initialized", "version", currentSchemaVersion, "path", j.path)
		return nil
	})
}

func (j *Journal) schemaVersion(ctx context.Context) (int, error) {
	var name string
	err := j.conn.QueryRowContext(ctx,
		`SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'`).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var version int
	err = j.conn.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return version, err
}
