package store

import (
	"context"
	"database/sql"

	"github.com/basket/substrate/internal/substraterr"
)

// RecordCostEntry inserts one per-dispatch cost record and atomically adds
// its estimated cost into the owning session's running/planning total
// (cost entries always sum to the session total).
func (s *Store) RecordCostEntry(ctx context.Context, e *CostEntry) error {
	const op = "store.RecordCostEntry"
	return s.WithTransaction(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO cost_entries
			(session_id, task_id, agent, billing_mode, category, input_tokens, output_tokens,
			 estimated_cost, actual_cost, savings, model, provider, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.SessionID, e.TaskID, e.Agent, string(e.BillingMode), string(e.Category), e.InputTokens,
			e.OutputTokens, e.EstimatedCost, e.ActualCost, e.Savings, e.Model, e.Provider, nowISO())
		if err != nil {
			return substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		col := "running_cost_usd"
		if e.Category == CostCategoryPlanning {
			col = "planning_cost_usd"
		}
		if _, err := tx.Exec(`UPDATE sessions SET `+col+` = `+col+` + ?, updated_at = ? WHERE id = ?`,
			e.EstimatedCost, nowISO(), e.SessionID); err != nil {
			return substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		return nil
	})
}

// CostByTask aggregates estimated cost per task for a session. When
// includePlanning is false, planning-category entries are excluded.
func (s *Store) CostByTask(ctx context.Context, sessionID string, includePlanning bool) (map[string]float64, error) {
	const op = "store.CostByTask"
	query := `SELECT task_id, SUM(estimated_cost) FROM cost_entries WHERE session_id = ? AND task_id IS NOT NULL`
	args := []any{sessionID}
	if !includePlanning {
		query += ` AND category != ?`
		args = append(args, string(CostCategoryPlanning))
	}
	query += ` GROUP BY task_id`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var taskID string
		var total float64
		if err := rows.Scan(&taskID, &total); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		out[taskID] = total
	}
	return out, rows.Err()
}

// CostByAgent aggregates estimated cost per agent for a session.
func (s *Store) CostByAgent(ctx context.Context, sessionID string, includePlanning bool) (map[string]float64, error) {
	const op = "store.CostByAgent"
	query := `SELECT agent, SUM(estimated_cost) FROM cost_entries WHERE session_id = ?`
	args := []any{sessionID}
	if !includePlanning {
		query += ` AND category != ?`
		args = append(args, string(CostCategoryPlanning))
	}
	query += ` GROUP BY agent`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	out := map[string]float64{}
	for rows.Next() {
		var agent string
		var total float64
		if err := rows.Scan(&agent, &total); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		out[agent] = total
	}
	return out, rows.Err()
}

// CostByBillingMode aggregates estimated cost per billing mode for a session.
func (s *Store) CostByBillingMode(ctx context.Context, sessionID string, includePlanning bool) (map[BillingMode]float64, error) {
	const op = "store.CostByBillingMode"
	query := `SELECT billing_mode, SUM(estimated_cost) FROM cost_entries WHERE session_id = ?`
	args := []any{sessionID}
	if !includePlanning {
		query += ` AND category != ?`
		args = append(args, string(CostCategoryPlanning))
	}
	query += ` GROUP BY billing_mode`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	out := map[BillingMode]float64{}
	for rows.Next() {
		var mode string
		var total float64
		if err := rows.Scan(&mode, &total); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		out[BillingMode(mode)] = total
	}
	return out, rows.Err()
}

// SessionTotalCost sums estimated_cost across all cost_entries for a session,
// used to verify Testable Property 8 against Session.RunningCostUSD+PlanningCostUSD.
func (s *Store) SessionTotalCost(ctx context.Context, sessionID string) (float64, error) {
	const op = "store.SessionTotalCost"
	var total float64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(estimated_cost), 0) FROM cost_entries WHERE session_id = ?`, sessionID).Scan(&total)
	if err != nil {
		return 0, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return total, nil
}
