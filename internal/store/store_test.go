package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/substrate/internal/substraterr"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := LoadOrInitialize(path)
	if err != nil {
		t.Fatalf("LoadOrInitialize: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustSession(t *testing.T, s *Store) *Session {
	t.Helper()
	sess, err := s.CreateSession(context.Background(), &Session{
		Name: "demo", GraphSourcePath: "graph.yaml", Status: SessionStatusActive,
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestLoadOrInitialize_AppliesMigrationsIdempotently(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	s, err := LoadOrInitialize(path)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	s.Close()

	s2, err := LoadOrInitialize(path)
	if err != nil {
		t.Fatalf("second load (re-running migrations must be a no-op): %v", err)
	}
	defer s2.Close()
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	sess := mustSession(t, s)
	got, err := s.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.Name != "demo" || got.Status != SessionStatusActive {
		t.Fatalf("unexpected session: %+v", got)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(context.Background(), "missing")
	if !isNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestReadyTasksView_LinearChain(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := mustSession(t, s)

	a, _ := s.CreateTask(ctx, &Task{SessionID: sess.ID, Name: "A", Prompt: "do a"})
	b, _ := s.CreateTask(ctx, &Task{SessionID: sess.ID, Name: "B", Prompt: "do b"})
	c, _ := s.CreateTask(ctx, &Task{SessionID: sess.ID, Name: "C", Prompt: "do c"})

	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if err := CreateTaskDependencyTx(tx, TaskDependency{TaskID: b.ID, DependsOnID: a.ID, SessionID: sess.ID}); err != nil {
			return err
		}
		return CreateTaskDependencyTx(tx, TaskDependency{TaskID: c.ID, DependsOnID: b.ID, SessionID: sess.ID})
	})
	if err != nil {
		t.Fatalf("create dependencies: %v", err)
	}

	ready, err := s.ListReadyTasks(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListReadyTasks: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != a.ID {
		t.Fatalf("expected only A ready, got %+v", ready)
	}

	// Promote A through to completed; B should then become the only ready task.
	promote(t, s, a.ID)
	ready, err = s.ListReadyTasks(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListReadyTasks after A completes: %v", err)
	}
	if len(ready) != 1 || ready[0].ID != b.ID {
		t.Fatalf("expected only B ready, got %+v", ready)
	}
}

// promote walks a task through ready -> queued -> running -> completed via
// AppendLogAndUpdate, the same primitive the engine uses.
func promote(t *testing.T, s *Store, taskID string) {
	t.Helper()
	ctx := context.Background()
	steps := []struct{ from, to TaskStatus }{
		{TaskStatusPending, TaskStatusReady},
		{TaskStatusReady, TaskStatusQueued},
		{TaskStatusQueued, TaskStatusRunning},
		{TaskStatusRunning, TaskStatusCompleted},
	}
	for _, st := range steps {
		err := s.AppendLogAndUpdate(ctx, LogEntry{
			SessionID: "", TaskID: &taskID, EventKind: "test", PriorStatus: string(st.from), NewStatus: string(st.to),
		}, func(tx *sql.Tx) error {
			return TransitionTaskTx(tx, taskID, st.from, st.to)
		})
		if err != nil {
			t.Fatalf("promote %s -> %s: %v", st.from, st.to, err)
		}
	}
}

func TestTransitionTaskTx_RejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := mustSession(t, s)
	task, _ := s.CreateTask(ctx, &Task{SessionID: sess.ID, Name: "A", Prompt: "x"})

	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		return TransitionTaskTx(tx, task.ID, TaskStatusPending, TaskStatusCompleted)
	})
	if err == nil {
		t.Fatalf("expected illegal-state error")
	}
}

func TestRecoverRunningTasks_RequeuesWithRetryBudget(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := mustSession(t, s)
	task, _ := s.CreateTask(ctx, &Task{SessionID: sess.ID, Name: "A", Prompt: "x", RetryCeiling: 2})

	err := s.WithTransaction(ctx, func(tx *sql.Tx) error {
		if err := TransitionTaskTx(tx, task.ID, TaskStatusPending, TaskStatusReady); err != nil {
			return err
		}
		if err := TransitionTaskTx(tx, task.ID, TaskStatusReady, TaskStatusQueued); err != nil {
			return err
		}
		return TransitionTaskTx(tx, task.ID, TaskStatusQueued, TaskStatusRunning)
	})
	if err != nil {
		t.Fatalf("drive to running: %v", err)
	}

	requeued, err := s.RecoverRunningTasks(ctx, sess.ID)
	if err != nil {
		t.Fatalf("RecoverRunningTasks: %v", err)
	}
	if len(requeued) != 1 || requeued[0] != task.ID {
		t.Fatalf("expected task requeued, got %v", requeued)
	}
	got, _ := s.GetTask(ctx, task.ID)
	if got.Status != TaskStatusPending || got.RetryCount != 1 {
		t.Fatalf("expected pending with retry_count=1, got status=%s retry=%d", got.Status, got.RetryCount)
	}
}

func TestRecordCostEntry_AggregatesIntoSessionTotal(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := mustSession(t, s)

	if err := s.RecordCostEntry(ctx, &CostEntry{
		SessionID: sess.ID, Agent: "claude", BillingMode: BillingAPI, Category: CostCategoryExecution,
		EstimatedCost: 0.02,
	}); err != nil {
		t.Fatalf("RecordCostEntry: %v", err)
	}
	if err := s.RecordCostEntry(ctx, &CostEntry{
		SessionID: sess.ID, Agent: "claude", BillingMode: BillingAPI, Category: CostCategoryExecution,
		EstimatedCost: 0.01,
	}); err != nil {
		t.Fatalf("RecordCostEntry: %v", err)
	}

	total, err := s.SessionTotalCost(ctx, sess.ID)
	if err != nil {
		t.Fatalf("SessionTotalCost: %v", err)
	}
	if total != 0.03 {
		t.Fatalf("expected 0.03, got %v", total)
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.RunningCostUSD != 0.03 {
		t.Fatalf("expected session running_cost_usd=0.03, got %v", got.RunningCostUSD)
	}
}

func TestSignalQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := mustSession(t, s)

	s.InsertSignal(ctx, sess.ID, SignalPause)
	s.InsertSignal(ctx, sess.ID, SignalResume)
	s.InsertSignal(ctx, sess.ID, SignalCancel)

	sigs, err := s.ListUnprocessedSignals(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListUnprocessedSignals: %v", err)
	}
	if len(sigs) != 3 || sigs[0].Kind != SignalPause || sigs[1].Kind != SignalResume || sigs[2].Kind != SignalCancel {
		t.Fatalf("expected FIFO pause,resume,cancel, got %+v", sigs)
	}

	if err := s.MarkSignalProcessed(ctx, sigs[0].ID); err != nil {
		t.Fatalf("MarkSignalProcessed: %v", err)
	}
	remaining, err := s.ListUnprocessedSignals(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListUnprocessedSignals: %v", err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(remaining))
	}
}

func isNotFound(err error) bool {
	return substraterr.Is(err, substraterr.CodeNotFound)
}

func TestListPrunableSessions_OnlyTerminalAndOlderThanCutoff(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	active := mustSession(t, s)

	old, err := s.CreateSession(ctx, &Session{Name: "old-complete", GraphSourcePath: "g.yaml", Status: SessionStatusComplete})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	recent, err := s.CreateSession(ctx, &Session{Name: "recent-complete", GraphSourcePath: "g.yaml", Status: SessionStatusComplete})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	// Backdate old's updated_at so it falls before the cutoff; recent and
	// active keep their just-created timestamps.
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, "2000-01-01T00:00:00Z", old.ID); err != nil {
		t.Fatalf("backdating updated_at: %v", err)
	}

	cutoff := time.Now().UTC().AddDate(0, -1, 0)
	prunable, err := s.ListPrunableSessions(ctx, cutoff)
	if err != nil {
		t.Fatalf("ListPrunableSessions: %v", err)
	}
	if len(prunable) != 1 || prunable[0].ID != old.ID {
		t.Fatalf("expected only %s to be prunable, got %+v", old.ID, prunable)
	}
	for _, sess := range prunable {
		if sess.ID == active.ID || sess.ID == recent.ID {
			t.Fatalf("session %s should not be prunable", sess.ID)
		}
	}
}

func TestDeleteSession_CascadesToTasksAndLog(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	sess := mustSession(t, s)

	task, err := s.CreateTask(ctx, &Task{SessionID: sess.ID, Name: "t1", Prompt: "p"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := s.AppendLogAndUpdate(ctx, LogEntry{SessionID: sess.ID, TaskID: &task.ID, EventKind: "TEST"}, func(tx *sql.Tx) error { return nil }); err != nil {
		t.Fatalf("AppendLogAndUpdate: %v", err)
	}

	if err := s.DeleteSession(ctx, sess.ID); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if _, err := s.GetSession(ctx, sess.ID); !isNotFound(err) {
		t.Fatalf("expected session gone, got %v", err)
	}
	if _, err := s.GetTask(ctx, task.ID); !isNotFound(err) {
		t.Fatalf("expected task cascade-deleted, got %v", err)
	}
	entries, err := s.ListExecutionLog(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListExecutionLog: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected execution log cascade-deleted, got %d entries", len(entries))
	}
}

func TestDeleteSession_UnknownIDReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.DeleteSession(context.Background(), "nonexistent"); !isNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}
