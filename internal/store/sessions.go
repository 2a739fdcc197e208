package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/basket/substrate/internal/substraterr"
)

// CreateSession inserts a new session row. The id is generated if empty.
func (s *Store) CreateSession(ctx context.Context, sess *Session) (*Session, error) {
	const op = "store.CreateSession"
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	now := nowISO()
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions
		(id, name, graph_source_path, status, budget_usd, running_cost_usd, planning_cost_usd, base_branch, config_snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Name, sess.GraphSourcePath, string(sess.Status), sess.BudgetUSD,
		sess.RunningCostUSD, sess.PlanningCostUSD, sess.BaseBranch, sess.ConfigSnapshot, now, now)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return s.GetSession(ctx, sess.ID)
}

// GetSession fetches a session by id, or substraterr.CodeNotFound.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	const op = "store.GetSession"
	row := s.db.QueryRowContext(ctx, `SELECT id, name, graph_source_path, status, budget_usd,
		running_cost_usd, planning_cost_usd, base_branch, config_snapshot, created_at, updated_at
		FROM sessions WHERE id = ?`, id)
	return scanSession(row, op)
}

func scanSession(row *sql.Row, op string) (*Session, error) {
	var sess Session
	var status, created, updated string
	if err := row.Scan(&sess.ID, &sess.Name, &sess.GraphSourcePath, &status, &sess.BudgetUSD,
		&sess.RunningCostUSD, &sess.PlanningCostUSD, &sess.BaseBranch, &sess.ConfigSnapshot, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, substraterr.New(substraterr.CodeNotFound, op, "session not found")
		}
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	sess.Status = SessionStatus(status)
	sess.CreatedAt = parseISO(created)
	sess.UpdatedAt = parseISO(updated)
	return &sess, nil
}

// UpdateSessionStatus transitions a session's status.
func (s *Store) UpdateSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	const op = "store.UpdateSessionStatus"
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), nowISO(), id)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return checkRowsAffected(res, op)
}

// AddSessionCost atomically increments a session's running or planning cost total.
func (s *Store) AddSessionCost(ctx context.Context, id string, category CostCategory, delta float64) error {
	const op = "store.AddSessionCost"
	col := "running_cost_usd"
	if category == CostCategoryPlanning {
		col = "planning_cost_usd"
	}
	res, err := s.db.ExecContext(ctx, `UPDATE sessions SET `+col+` = `+col+` + ?, updated_at = ? WHERE id = ?`,
		delta, nowISO(), id)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return checkRowsAffected(res, op)
}

// ListSessions returns every session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	const op = "store.ListSessions"
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, graph_source_path, status, budget_usd,
		running_cost_usd, planning_cost_usd, base_branch, config_snapshot, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var status, created, updated string
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.GraphSourcePath, &status, &sess.BudgetUSD,
			&sess.RunningCostUSD, &sess.PlanningCostUSD, &sess.BaseBranch, &sess.ConfigSnapshot, &created, &updated); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		sess.Status = SessionStatus(status)
		sess.CreatedAt = parseISO(created)
		sess.UpdatedAt = parseISO(updated)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// ListPrunableSessions returns every terminal session (complete or
// cancelled) last updated before cutoff, oldest first. Used by
// internal/retention to find sessions eligible for deletion.
func (s *Store) ListPrunableSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	const op = "store.ListPrunableSessions"
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, graph_source_path, status, budget_usd,
		running_cost_usd, planning_cost_usd, base_branch, config_snapshot, created_at, updated_at
		FROM sessions
		WHERE status IN (?, ?) AND updated_at < ?
		ORDER BY updated_at ASC`,
		string(SessionStatusComplete), string(SessionStatusCancelled), cutoff.UTC().Format(isoLayout))
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var status, created, updated string
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.GraphSourcePath, &status, &sess.BudgetUSD,
			&sess.RunningCostUSD, &sess.PlanningCostUSD, &sess.BaseBranch, &sess.ConfigSnapshot, &created, &updated); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		sess.Status = SessionStatus(status)
		sess.CreatedAt = parseISO(created)
		sess.UpdatedAt = parseISO(updated)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session row. Its tasks, task_dependencies,
// execution_log, session_signals, cost_entries and plans rows cascade via
// the foreign keys declared in schema.go.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	const op = "store.DeleteSession"
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return checkRowsAffected(res, op)
}

func checkRowsAffected(res sql.Result, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	if n == 0 {
		return substraterr.New(substraterr.CodeNotFound, op, "no matching row")
	}
	return nil
}
