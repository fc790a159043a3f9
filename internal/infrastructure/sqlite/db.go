// Package sqlite implements the persistence layer on a single SQLite
// database file using the ncruces wazero driver, so no cgo is required.
// Schema changes ship as embedded migrations applied on open.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/kiln/internal/domain"
	"github.com/zjrosen/kiln/internal/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the database connection and hands out the repositories bound
// to it. Repositories share the one connection pool; Close closes it for
// all of them.
type DB struct {
	conn *sql.DB

	projects      *projectRepository
	builds        *buildRepository
	dependencies  *dependencyRepository
	webhookEvents *webhookEventRepository
	agents        *agentRepository
	jobs          *jobRepository
	logs          *logRepository
	metrics       *metricRepository
}

// NewDB opens the database at path, creating the parent directory and
// the file if needed, and applies any pending migrations. An existing
// file is copied to <path>.bak before migrations touch it so a failed
// upgrade cannot destroy the only copy of the data.
func NewDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := backupDatabase(path); err != nil {
			return nil, fmt.Errorf("failed to back up database: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}

	log.Debug(log.CatDB, "database ready", "path", path)

	return &DB{
		conn:          conn,
		projects:      newProjectRepository(conn),
		builds:        newBuildRepository(conn),
		dependencies:  newDependencyRepository(conn),
		webhookEvents: newWebhookEventRepository(conn),
		agents:        newAgentRepository(conn),
		jobs:          newJobRepository(conn),
		logs:          newLogRepository(conn),
		metrics:       newMetricRepository(conn),
	}, nil
}

// dsn builds the connection string. Pragmas ride on the DSN so every
// pooled connection gets them, not just the first one opened.
func dsn(path string) string {
	return "file:" + path +
		"?_pragma=journal_mode(wal)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=foreign_keys(1)"
}

// backupDatabase copies the database file to <path>.bak, replacing any
// previous backup.
func backupDatabase(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(path + ".bak")
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	return dst.Close()
}

// runMigrations walks the embedded migration versions in order and
// applies the ones not yet recorded in schema_migrations. Each version
// runs inside its own transaction together with its bookkeeping row.
//
// Only the source half of golang-migrate is used here: its bundled
// sqlite database drivers each register a second SQLite implementation,
// which the wazero driver replaces.
func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}
	defer func() { _ = src.Close() }()

	if _, err := conn.Exec(
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at INTEGER NOT NULL
		)`,
	); err != nil {
		return fmt.Errorf("failed to create schema_migrations table: %w", err)
	}

	applied, err := appliedVersions(conn)
	if err != nil {
		return err
	}

	version, err := src.First()
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read first migration version: %w", err)
	}

	for {
		if !applied[version] {
			if err := applyMigration(conn, src, version); err != nil {
				return err
			}
		}
		next, err := src.Next(version)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read migration version after %d: %w", version, err)
		}
		version = next
	}
}

func appliedVersions(conn *sql.DB) (map[uint]bool, error) {
	rows, err := conn.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read applied migrations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := make(map[uint]bool)
	for rows.Next() {
		var version uint
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating migration versions: %w", err)
	}
	return applied, nil
}

func applyMigration(conn *sql.DB, src source.Driver, version uint) error {
	r, identifier, err := src.ReadUp(version)
	if err != nil {
		return fmt.Errorf("failed to read migration %d: %w", version, err)
	}
	statements, err := io.ReadAll(r)
	_ = r.Close()
	if err != nil {
		return fmt.Errorf("failed to read migration %q: %w", identifier, err)
	}

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	if _, err := tx.Exec(string(statements)); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to apply migration %q: %w", identifier, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
		version, time.Now().Unix(),
	); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to record migration %q: %w", identifier, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration %q: %w", identifier, err)
	}

	log.Debug(log.CatDB, "migration applied", "version", version, "name", identifier)
	return nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Connection exposes the underlying *sql.DB for callers that need raw
// access, such as health checks.
func (db *DB) Connection() *sql.DB {
	return db.conn
}

// ProjectRepository returns the project repository.
func (db *DB) ProjectRepository() domain.ProjectRepository { return db.projects }

// BuildRepository returns the build repository.
func (db *DB) BuildRepository() domain.BuildRepository { return db.builds }

// DependencyRepository returns the dependency repository.
func (db *DB) DependencyRepository() domain.DependencyRepository { return db.dependencies }

// WebhookEventRepository returns the webhook event repository.
func (db *DB) WebhookEventRepository() domain.WebhookEventRepository { return db.webhookEvents }

// AgentRepository returns the agent repository.
func (db *DB) AgentRepository() domain.AgentRepository { return db.agents }

// JobRepository returns the job repository.
func (db *DB) JobRepository() domain.JobRepository { return db.jobs }

// LogRepository returns the log repository.
func (db *DB) LogRepository() domain.LogRepository { return db.logs }

// MetricRepository returns the metric repository.
func (db *DB) MetricRepository() domain.MetricRepository { return db.metrics }
