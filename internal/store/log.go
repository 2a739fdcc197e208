package store

import (
	"context"

	"github.com/basket/substrate/internal/substraterr"
)

// ListExecutionLog returns a session's intent log in timestamp order, used
// for crash replay and audit (execution_log(session, timestamp) is the
// indexed hot path).
func (s *Store) ListExecutionLog(ctx context.Context, sessionID string) ([]LogEntry, error) {
	const op = "store.ListExecutionLog"
	rows, err := s.db.QueryContext(ctx, `SELECT session_id, task_id, event_kind, prior_status, new_status,
		agent, cost_delta, data, timestamp FROM execution_log WHERE session_id = ? ORDER BY timestamp ASC, id ASC`, sessionID)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var taskID *string
		var ts string
		if err := rows.Scan(&e.SessionID, &taskID, &e.EventKind, &e.PriorStatus, &e.NewStatus,
			&e.Agent, &e.CostDelta, &e.Data, &ts); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		e.TaskID = taskID
		e.Timestamp = parseISO(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// LastLogEntryForTask returns the most recent log row for a task, used by
// S7's crash-replay property (the preceding log entry must match the task's
// current status transition).
func (s *Store) LastLogEntryForTask(ctx context.Context, taskID string) (*LogEntry, error) {
	const op = "store.LastLogEntryForTask"
	row := s.db.QueryRowContext(ctx, `SELECT session_id, task_id, event_kind, prior_status, new_status,
		agent, cost_delta, data, timestamp FROM execution_log WHERE task_id = ? ORDER BY id DESC LIMIT 1`, taskID)
	var e LogEntry
	var tID *string
	var ts string
	if err := row.Scan(&e.SessionID, &tID, &e.EventKind, &e.PriorStatus, &e.NewStatus, &e.Agent, &e.CostDelta, &e.Data, &ts); err != nil {
		return nil, substraterr.Wrap(substraterr.CodeNotFound, op, "no log entry for task")
	}
	e.TaskID = tID
	e.Timestamp = parseISO(ts)
	return &e, nil
}
