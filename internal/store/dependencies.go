package store

import (
	"context"
	"database/sql"

	"github.com/basket/substrate/internal/substraterr"
)

// CreateTaskDependency persists one directed edge inside an existing
// transaction. Dependencies are immutable once persisted.
func CreateTaskDependencyTx(tx *sql.Tx, d TaskDependency) error {
	const op = "store.CreateTaskDependencyTx"
	_, err := tx.Exec(`INSERT INTO task_dependencies (task_id, depends_on_id, session_id) VALUES (?, ?, ?)`,
		d.TaskID, d.DependsOnID, d.SessionID)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return nil
}

// ListDependencies returns the task ids that taskID depends on.
func (s *Store) ListDependencies(ctx context.Context, taskID string) ([]string, error) {
	const op = "store.ListDependencies"
	rows, err := s.db.QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListDependents returns the task ids that depend on taskID — used by
// cascading scheduling (task_dependencies(dependsOn) is the indexed hot path).
func (s *Store) ListDependents(ctx context.Context, taskID string) ([]string, error) {
	const op = "store.ListDependents"
	rows, err := s.db.QueryContext(ctx, `SELECT task_id FROM task_dependencies WHERE depends_on_id = ?`, taskID)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
