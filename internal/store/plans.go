package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/basket/substrate/internal/substraterr"
)

// CreatePlan inserts a new plan record for a session.
func (s *Store) CreatePlan(ctx context.Context, sessionID, name string) (*Plan, error) {
	const op = "store.CreatePlan"
	id := uuid.NewString()
	now := nowISO()
	_, err := s.db.ExecContext(ctx, `INSERT INTO plans (id, session_id, name, created_at) VALUES (?, ?, ?, ?)`,
		id, sessionID, name, now)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return &Plan{ID: id, SessionID: sessionID, Name: name, CreatedAt: parseISO(now)}, nil
}

// CreatePlanVersion appends a new immutable version. Versions are linked by a
// monotonically increasing integer per plan; rollback is implemented by the
// caller inserting a new version duplicating an earlier one's content.
func (s *Store) CreatePlanVersion(ctx context.Context, planID, content string) (*PlanVersion, error) {
	const op = "store.CreatePlanVersion"
	var next int
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM plan_versions WHERE plan_id = ?`, planID).Scan(&next)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	id := uuid.NewString()
	now := nowISO()
	_, err = s.db.ExecContext(ctx, `INSERT INTO plan_versions (id, plan_id, version, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, planID, next, content, now)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return &PlanVersion{ID: id, PlanID: planID, Version: next, Content: content, CreatedAt: parseISO(now)}, nil
}

// ListPlanVersions returns every version of a plan, oldest first.
func (s *Store) ListPlanVersions(ctx context.Context, planID string) ([]*PlanVersion, error) {
	const op = "store.ListPlanVersions"
	rows, err := s.db.QueryContext(ctx, `SELECT id, plan_id, version, content, created_at FROM plan_versions
		WHERE plan_id = ? ORDER BY version ASC`, planID)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	var out []*PlanVersion
	for rows.Next() {
		var v PlanVersion
		var created string
		if err := rows.Scan(&v.ID, &v.PlanID, &v.Version, &v.Content, &created); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		v.CreatedAt = parseISO(created)
		out = append(out, &v)
	}
	return out, rows.Err()
}

// ListPlansBySession returns every plan recorded against a session, oldest first.
func (s *Store) ListPlansBySession(ctx context.Context, sessionID string) ([]*Plan, error) {
	const op = "store.ListPlansBySession"
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, name, created_at FROM plans
		WHERE session_id = ? ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	var out []*Plan
	for rows.Next() {
		var p Plan
		var created string
		if err := rows.Scan(&p.ID, &p.SessionID, &p.Name, &created); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		p.CreatedAt = parseISO(created)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// LatestPlanVersion returns the highest-versioned row for a plan.
func (s *Store) LatestPlanVersion(ctx context.Context, planID string) (*PlanVersion, error) {
	const op = "store.LatestPlanVersion"
	row := s.db.QueryRowContext(ctx, `SELECT id, plan_id, version, content, created_at FROM plan_versions
		WHERE plan_id = ? ORDER BY version DESC LIMIT 1`, planID)
	var v PlanVersion
	var created string
	if err := row.Scan(&v.ID, &v.PlanID, &v.Version, &v.Content, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, substraterr.New(substraterr.CodeNotFound, op, "plan has no versions")
		}
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	v.CreatedAt = parseISO(created)
	return &v, nil
}
