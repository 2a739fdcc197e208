package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/basket/substrate/internal/substraterr"
)

// CreateTask inserts a new task in TaskStatusPending.
func (s *Store) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	const op = "store.CreateTask"
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TaskStatusPending
	}
	now := nowISO()
	_, err := s.db.ExecContext(ctx, `INSERT INTO tasks
		(id, session_id, name, prompt, status, adapter_id, model_hint, worker_id, result, error,
		 exit_code, retry_count, retry_ceiling, budget_usd, cost_usd, task_type, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SessionID, t.Name, t.Prompt, string(t.Status), t.AdapterID, t.ModelHint, t.WorkerID,
		t.Result, t.Error, t.ExitCode, t.RetryCount, t.RetryCeiling, t.BudgetUSD, t.CostUSD, t.TaskType, now, now)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return s.GetTask(ctx, t.ID)
}

const taskColumns = `id, session_id, name, prompt, status, adapter_id, model_hint, worker_id,
	started_at, completed_at, result, error, exit_code, retry_count, retry_ceiling, budget_usd,
	cost_usd, task_type, created_at, updated_at`

func scanTaskRow(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var status, created, updated string
	var started, completed sql.NullString
	if err := row.Scan(&t.ID, &t.SessionID, &t.Name, &t.Prompt, &status, &t.AdapterID, &t.ModelHint,
		&t.WorkerID, &started, &completed, &t.Result, &t.Error, &t.ExitCode, &t.RetryCount,
		&t.RetryCeiling, &t.BudgetUSD, &t.CostUSD, &t.TaskType, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.CreatedAt = parseISO(created)
	t.UpdatedAt = parseISO(updated)
	if started.Valid {
		v := parseISO(started.String)
		t.StartedAt = &v
	}
	if completed.Valid {
		v := parseISO(completed.String)
		t.CompletedAt = &v
	}
	return &t, nil
}

// GetTask fetches a task by id, or substraterr.CodeNotFound.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	const op = "store.GetTask"
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTaskRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, substraterr.New(substraterr.CodeNotFound, op, "task not found")
		}
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return t, nil
}

// ListTasksBySession returns all tasks for a session in creation order.
func (s *Store) ListTasksBySession(ctx context.Context, sessionID string) ([]*Task, error) {
	const op = "store.ListTasksBySession"
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListReadyTasks materialises the "ready tasks" view: tasks whose status is
// pending AND every dependency has status completed, in database order
// (insertion order tie-break).
func (s *Store) ListReadyTasks(ctx context.Context, sessionID string) ([]*Task, error) {
	const op = "store.ListReadyTasks"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks t
		WHERE t.session_id = ? AND t.status = ?
		AND NOT EXISTS (
			SELECT 1 FROM task_dependencies td
			JOIN tasks dep ON dep.id = td.depends_on_id
			WHERE td.task_id = t.id AND dep.status != ?
		)
		ORDER BY t.created_at ASC, t.rowid ASC`,
		sessionID, string(TaskStatusPending), string(TaskStatusCompleted))
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionTaskTx validates and applies a task status transition inside an
// existing transaction, per the strict graph in AllowedTransitions. Returns
// substraterr.CodeIllegalState if the transition is forbidden.
func TransitionTaskTx(tx *sql.Tx, taskID string, from, to TaskStatus) error {
	const op = "store.TransitionTaskTx"
	if _, ok := AllowedTransitions[from][to]; !ok {
		return substraterr.New(substraterr.CodeIllegalState, op, fmt.Sprintf("task %s: %s -> %s is not a legal transition", taskID, from, to))
	}
	res, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(to), nowISO(), taskID, string(from))
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	if n == 0 {
		return substraterr.New(substraterr.CodeIllegalState, op, fmt.Sprintf("task %s is not in expected status %s", taskID, from))
	}
	return nil
}

func insertLogEntryTx(tx *sql.Tx, e LogEntry) error {
	const op = "store.insertLogEntryTx"
	ts := nowISO()
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.UTC().Format(isoLayout)
	}
	_, err := tx.Exec(`INSERT INTO execution_log
		(session_id, task_id, event_kind, prior_status, new_status, agent, cost_delta, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.TaskID, e.EventKind, e.PriorStatus, e.NewStatus, e.Agent, e.CostDelta, e.Data, ts)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return nil
}

// MarkTaskStartedTx records worker assignment and the started_at timestamp
// as part of a running-transition transaction.
func MarkTaskStartedTx(tx *sql.Tx, taskID, workerID, adapterID string) error {
	_, err := tx.Exec(`UPDATE tasks SET worker_id = ?, adapter_id = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		workerID, adapterID, nowISO(), nowISO(), taskID)
	return err
}

// MarkTaskTerminalTx records result/error/exit code and completed_at as part
// of a terminal-transition transaction.
func MarkTaskTerminalTx(tx *sql.Tx, taskID, result, errText string, exitCode int, costUSD float64) error {
	_, err := tx.Exec(`UPDATE tasks SET result = ?, error = ?, exit_code = ?, cost_usd = cost_usd + ?,
		completed_at = ?, updated_at = ? WHERE id = ?`,
		result, errText, exitCode, costUSD, nowISO(), nowISO(), taskID)
	return err
}

// IncrementRetryTx bumps a task's retry counter as part of a retry-to-pending transaction.
func IncrementRetryTx(tx *sql.Tx, taskID string) error {
	_, err := tx.Exec(`UPDATE tasks SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`, nowISO(), taskID)
	return err
}

// TaskCounts summarises a session's tasks by terminal category, used for
// the graph:complete aggregate snapshot.
type TaskCounts struct {
	Total     int
	Completed int
	Failed    int
	Cancelled int
}

// CountTasks computes TaskCounts plus the accumulated cost for a session.
func (s *Store) CountTasks(ctx context.Context, sessionID string) (TaskCounts, float64, error) {
	const op = "store.CountTasks"
	var c TaskCounts
	var cost float64
	err := s.db.QueryRowContext(ctx, `SELECT
		COUNT(*),
		SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		COALESCE(SUM(cost_usd), 0)
		FROM tasks WHERE session_id = ?`,
		string(TaskStatusCompleted), string(TaskStatusFailed), string(TaskStatusCancelled), sessionID,
	).Scan(&c.Total, &c.Completed, &c.Failed, &c.Cancelled, &cost)
	if err != nil {
		return c, 0, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return c, cost, nil
}

// CountRunning returns the number of tasks currently in TaskStatusRunning for a session.
func (s *Store) CountRunning(ctx context.Context, sessionID string) (int, error) {
	const op = "store.CountRunning"
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE session_id = ? AND status = ?`,
		sessionID, string(TaskStatusRunning)).Scan(&n)
	if err != nil {
		return 0, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return n, nil
}

// AllTerminal reports whether every task in a session has a terminal status.
func (s *Store) AllTerminal(ctx context.Context, sessionID string) (bool, error) {
	const op = "store.AllTerminal"
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE session_id = ? AND status NOT IN (?, ?, ?)`,
		sessionID, string(TaskStatusCompleted), string(TaskStatusFailed), string(TaskStatusCancelled)).Scan(&n)
	if err != nil {
		return false, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return n == 0, nil
}

// RecoverRunningTasks applies the configured RecoveryPolicy to every task left
// "running" by a prior process (Open Question #1 in DESIGN.md). Returns the
// ids that were requeued.
func (s *Store) RecoverRunningTasks(ctx context.Context, sessionID string) ([]string, error) {
	const op = "store.RecoverRunningTasks"
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_id = ? AND status = ?`,
		sessionID, string(TaskStatusRunning))
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	var running []*Task
	for rows.Next() {
		t, err := scanTaskRow(rows)
		if err != nil {
			rows.Close()
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		running = append(running, t)
	}
	rows.Close()

	var requeued []string
	for _, t := range running {
		requeue, newStatus := s.recovery(t)
		if !requeue {
			continue
		}
		eventKind := "RECOVERY_REQUEUE"
		if newStatus == TaskStatusFailed {
			eventKind = "RECOVERY_EXHAUSTED"
		}
		taskID := t.ID
		err := s.AppendLogAndUpdate(ctx, LogEntry{
			SessionID: sessionID, TaskID: &taskID, EventKind: eventKind,
			PriorStatus: string(TaskStatusRunning), NewStatus: string(newStatus),
		}, func(tx *sql.Tx) error {
			if newStatus == TaskStatusPending {
				if err := IncrementRetryTx(tx, t.ID); err != nil {
					return err
				}
			}
			_, err := tx.Exec(`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ?`, string(newStatus), nowISO(), t.ID)
			return err
		})
		if err != nil {
			return requeued, err
		}
		requeued = append(requeued, t.ID)
	}
	return requeued, nil
}
