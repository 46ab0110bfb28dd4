// Package pushlog persists push delivery attempts to a local SQLite
// database for audit and debugging. The log is an operational sidecar:
// write failures are reported to the caller but never block a call.
package pushlog

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/carevoice/carevoice/internal/call"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Log wraps a sql.DB holding the push attempt history.
type Log struct {
	db *sql.DB
}

// Open creates or opens the push log database under dataDir with WAL mode
// enabled and runs any pending migrations.
func Open(dataDir string) (*Log, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "pushlog.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)", dbPath)

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening push log: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("pinging push log: %w", err)
	}

	// SQLite performs best with a single writer connection.
	sqlDB.SetMaxOpenConns(1)

	l := &Log{db: sqlDB}

	if err := l.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	slog.Info("push log opened", "path", dbPath)
	return l, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// migrate runs all pending SQL migration files in order.
func (l *Log) migrate() error {
	_, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := l.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}

		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}

		slog.Info("applied migration", "version", version)
	}

	return nil
}

// Log records one push attempt.
func (l *Log) Log(entry call.PushLogEntry) error {
	_, err := l.db.Exec(
		`INSERT INTO push_attempts (call_id, platform, kind, message_id, success, error, attempted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.CallID, entry.Platform, entry.Kind, entry.MessageID,
		entry.Success, entry.Error, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("inserting push attempt: %w", err)
	}
	return nil
}

// CountByOutcome returns the number of logged attempts, split by success.
func (l *Log) CountByOutcome(ctx context.Context) (succeeded, failed int64, err error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT
		   COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		   COALESCE(SUM(CASE WHEN success THEN 0 ELSE 1 END), 0)
		 FROM push_attempts`)
	if err := row.Scan(&succeeded, &failed); err != nil {
		return 0, 0, fmt.Errorf("counting push attempts: %w", err)
	}
	return succeeded, failed, nil
}

// RecentForCall returns the most recent attempts for one call, newest first.
func (l *Log) RecentForCall(ctx context.Context, callID string, limit int) ([]call.PushLogEntry, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT call_id, platform, kind, message_id, success, error, attempted_at
		 FROM push_attempts WHERE call_id = ?
		 ORDER BY attempted_at DESC LIMIT ?`, callID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying push attempts: %w", err)
	}
	defer rows.Close()

	var entries []call.PushLogEntry
	for rows.Next() {
		var e call.PushLogEntry
		if err := rows.Scan(&e.CallID, &e.Platform, &e.Kind, &e.MessageID, &e.Success, &e.Error, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scanning push attempt: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
