// Package store is the persistent state store: durable storage and indexed
// queries for every entity a pipeline run touches, transactional group
// operations, and a migration runner that applies ordered, idempotent schema
// deltas at startup. SQLite-backed (mattn/go-sqlite3) with WAL journaling and
// foreign-key enforcement.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/basket/substrate/internal/substraterr"
)

// RecoveryPolicy decides what happens, on restart, to a task whose latest
// execution_log entry left it "running". Returning (true, newStatus) requeues
// the task to newStatus with the log entry recorded; returning (false, _)
// leaves the task untouched. Configurable per Open Question #1 in DESIGN.md.
type RecoveryPolicy func(t *Task) (requeue bool, newStatus TaskStatus)

// DefaultRecoveryPolicy resets to pending (with retry budget consumed) if
// retries remain, else to failed.
func DefaultRecoveryPolicy(t *Task) (bool, TaskStatus) {
	if t.RetryCount < t.RetryCeiling {
		return true, TaskStatusPending
	}
	return true, TaskStatusFailed
}

// Store is the handle to one project's SQLite-backed state.
type Store struct {
	db       *sql.DB
	log      *slog.Logger
	recovery RecoveryPolicy
}

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the store's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// WithRecoveryPolicy overrides the crash-recovery policy applied to tasks
// left "running" by a prior process.
func WithRecoveryPolicy(p RecoveryPolicy) Option {
	return func(s *Store) { s.recovery = p }
}

// LoadOrInitialize creates the database file if absent, enables WAL
// journaling and foreign-key enforcement, and applies any pending migrations.
// Fails with substraterr.CodeSystem if the directory is unwritable, or
// substraterr.CodeValidation if an unknown future schema version is found.
func LoadOrInitialize(path string, opts ...Option) (*Store, error) {
	const op = "store.LoadOrInitialize"
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	db.SetMaxOpenConns(1) // single-writer sqlite; reads and writes share one conn to simplify WAL semantics here

	s := &Store{db: db, log: slog.New(slog.NewTextHandler(os.Stderr, nil)), recovery: DefaultRecoveryPolicy}
	for _, o := range opts {
		o(s)
	}

	if err := s.configurePragmas(); err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	if err := s.applyMigrations(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("configure pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) applyMigrations() error {
	const op = "store.applyMigrations"
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY, checksum TEXT NOT NULL, applied_at TEXT NOT NULL)`); err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}

	applied := map[int]string{}
	rows, err := s.db.Query(`SELECT version, checksum FROM schema_migrations`)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	for rows.Next() {
		var v int
		var c string
		if err := rows.Scan(&v, &c); err != nil {
			rows.Close()
			return substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		applied[v] = c
	}
	rows.Close()

	for v, c := range applied {
		if v > schemaVersionLatest {
			return substraterr.New(substraterr.CodeValidation, op,
				fmt.Sprintf("database schema version %d (checksum %s) is newer than this binary's latest known version %d", v, c, schemaVersionLatest))
		}
	}

	for _, m := range migrations {
		if existing, ok := applied[m.version]; ok {
			if existing != m.checksum {
				return substraterr.New(substraterr.CodeValidation, op,
					fmt.Sprintf("migration %d checksum mismatch: db has %q, binary expects %q", m.version, existing, m.checksum))
			}
			continue // already applied; re-running is a no-op
		}

		run := func(tx *sql.Tx) error {
			if err := m.up(tx); err != nil {
				return err
			}
			_, err := tx.Exec(`INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?)`,
				m.version, m.checksum, nowISO())
			return err
		}

		if m.selfTransaction {
			// A self-transaction migration manages its own commit/rollback
			// (e.g. CREATE INDEX CONCURRENTLY-style statements that cannot
			// run inside an enclosing transaction on some backends), so it
			// cannot be handed the *sql.Tx run expects. No migration in this
			// package is declared selfTransaction yet; this branch exists so
			// adding one doesn't inherit run's nil-tx assumption silently.
			return substraterr.New(substraterr.CodeSystem, op,
				fmt.Sprintf("migration %d: selfTransaction migrations must record their own schema_migrations row and bypass run; none implemented", m.version))
		}
		tx, err := s.db.Begin()
		if err != nil {
			return substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		if err := run(tx); err != nil {
			tx.Rollback()
			return substraterr.Wrap(substraterr.CodeSystem, op, fmt.Errorf("migration %d: %w", m.version, err))
		}
		if err := tx.Commit(); err != nil {
			return substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		s.log.Info("applied migration", "version", m.version, "checksum", m.checksum)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// WithTransaction groups multiple writes atomically; on failure no row is
// modified. This is the primitive every multi-statement store operation uses.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	const op = "store.WithTransaction"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return nil
}

// AppendLogAndUpdate is the primitive the engine uses for every task or
// orchestrator state change: one transaction, the intent-log row inserted
// before the status write, so that on crash replay every status field is
// consistent with the latest log entry.
func (s *Store) AppendLogAndUpdate(ctx context.Context, entry LogEntry, update func(tx *sql.Tx) error) error {
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if err := insertLogEntryTx(tx, entry); err != nil {
			return err
		}
		return update(tx)
	})
}

const isoLayout = time.RFC3339Nano

func nowISO() string { return time.Now().UTC().Format(isoLayout) }

func parseISO(s string) time.Time {
	t, _ := time.Parse(isoLayout, s)
	return t
}
