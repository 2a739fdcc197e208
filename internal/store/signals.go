package store

import (
	"context"

	"github.com/basket/substrate/internal/substraterr"
)

// InsertSignal queues one pause/resume/cancel command. The CLI process is the
// single writer of this table; the engine is the single reader.
func (s *Store) InsertSignal(ctx context.Context, sessionID string, kind SignalKind) (int64, error) {
	const op = "store.InsertSignal"
	res, err := s.db.ExecContext(ctx, `INSERT INTO session_signals (session_id, signal, processed_at) VALUES (?, ?, NULL)`,
		sessionID, string(kind))
	if err != nil {
		return 0, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return res.LastInsertId()
}

// ListUnprocessedSignals returns unconsumed rows for a session in ascending
// id order (FIFO), the order the engine's 500ms poller must process them in.
func (s *Store) ListUnprocessedSignals(ctx context.Context, sessionID string) ([]Signal, error) {
	const op = "store.ListUnprocessedSignals"
	rows, err := s.db.QueryContext(ctx, `SELECT id, session_id, signal FROM session_signals
		WHERE session_id = ? AND processed_at IS NULL ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer rows.Close()
	var out []Signal
	for rows.Next() {
		var sig Signal
		var kind string
		if err := rows.Scan(&sig.ID, &sig.SessionID, &kind); err != nil {
			return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		sig.Kind = SignalKind(kind)
		out = append(out, sig)
	}
	return out, rows.Err()
}

// MarkSignalProcessed stamps processed_at so the row is never redelivered.
func (s *Store) MarkSignalProcessed(ctx context.Context, id int64) error {
	const op = "store.MarkSignalProcessed"
	_, err := s.db.ExecContext(ctx, `UPDATE session_signals SET processed_at = ? WHERE id = ?`, nowISO(), id)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return nil
}

// SignalsTableExists reports whether the session_signals table is present,
// so polling can tolerate older migrations.
func (s *Store) SignalsTableExists(ctx context.Context) bool {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='session_signals'`).Scan(&name)
	return err == nil
}
