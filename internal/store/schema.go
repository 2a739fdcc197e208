package store

import "database/sql"

// migration is one ordered, idempotent schema delta. selfTransaction migrations
// manage their own sql.Tx (required for table-rebuild migrations that must
// toggle foreign_keys off around themselves) instead of running inside the
// runner's wrapping transaction.
type migration struct {
	version        int
	checksum       string
	selfTransaction bool
	up             func(*sql.Tx) error
}

const (
	schemaVersionV1      = 1
	schemaChecksumV1     = "substrate-v1-2026-07-30-base-schema"
	schemaVersionV2      = 2
	schemaChecksumV2     = "substrate-v2-2026-07-30-worker-lease-index"
	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2
)

var migrations = []migration{
	{version: schemaVersionV1, checksum: schemaChecksumV1, up: migrateV1},
	{version: schemaVersionV2, checksum: schemaChecksumV2, up: migrateV2},
}

func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			graph_source_path TEXT NOT NULL,
			status TEXT NOT NULL,
			budget_usd REAL,
			running_cost_usd REAL NOT NULL DEFAULT 0,
			planning_cost_usd REAL NOT NULL DEFAULT 0,
			base_branch TEXT NOT NULL DEFAULT '',
			config_snapshot TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			adapter_id TEXT NOT NULL DEFAULT '',
			model_hint TEXT NOT NULL DEFAULT '',
			worker_id TEXT NOT NULL DEFAULT '',
			started_at TEXT,
			completed_at TEXT,
			result TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			exit_code INTEGER NOT NULL DEFAULT 0,
			retry_count INTEGER NOT NULL DEFAULT 0,
			retry_ceiling INTEGER NOT NULL DEFAULT 0,
			budget_usd REAL,
			cost_usd REAL NOT NULL DEFAULT 0,
			task_type TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_session_status ON tasks(session_id, status)`,
		`CREATE TABLE IF NOT EXISTS task_dependencies (
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			depends_on_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			PRIMARY KEY (task_id, depends_on_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_dependencies_depends_on ON task_dependencies(depends_on_id)`,
		`CREATE TABLE IF NOT EXISTS execution_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			task_id TEXT,
			event_kind TEXT NOT NULL,
			prior_status TEXT NOT NULL DEFAULT '',
			new_status TEXT NOT NULL DEFAULT '',
			agent TEXT NOT NULL DEFAULT '',
			cost_delta REAL NOT NULL DEFAULT 0,
			data TEXT NOT NULL DEFAULT '',
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_execution_log_session_timestamp ON execution_log(session_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS session_signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			signal TEXT NOT NULL,
			processed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS cost_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			task_id TEXT,
			agent TEXT NOT NULL DEFAULT '',
			billing_mode TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			estimated_cost REAL NOT NULL DEFAULT 0,
			actual_cost REAL,
			savings REAL NOT NULL DEFAULT 0,
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_entries_session_task ON cost_entries(session_id, task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cost_entries_category ON cost_entries(category)`,
		`CREATE TABLE IF NOT EXISTS plans (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			name TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plan_versions (
			id TEXT PRIMARY KEY,
			plan_id TEXT NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
			version INTEGER NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

// migrateV2 adds the partial index over unprocessed signals (§4.1's fifth
// required index) plus a worker-lease lookup index used by crash recovery.
func migrateV2(tx *sql.Tx) error {
	stmts := []string{
		`CREATE INDEX IF NOT EXISTS idx_session_signals_unprocessed ON session_signals(session_id) WHERE processed_at IS NULL`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_worker_id ON tasks(worker_id) WHERE worker_id != ''`,
	}
	for _, s := range stmts {
		if _, err := tx.Exec(s); err != nil {
			return err
		}
	}
	return nil
}
