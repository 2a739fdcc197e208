package engine

import (
	"context"
	"database/sql"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/store"
)

// schedulingPass implements the scheduling algorithm. It must only
// ever run on the engine's single control goroutine.
func (e *Engine) schedulingPass(ctx context.Context) error {
	if e.state != StateExecuting {
		return nil
	}

	ready, err := e.store.ListReadyTasks(ctx, e.sessionID)
	if err != nil {
		return err
	}

	availableSlots := e.maxConcurrency - e.running - e.inFlight
	taken := 0
	if availableSlots > 0 {
		limit := availableSlots
		if limit > len(ready) {
			limit = len(ready)
		}
		for i := 0; i < limit; i++ {
			task := ready[i]
			if err := e.store.AppendLogAndUpdate(ctx, store.LogEntry{
				SessionID: e.sessionID, TaskID: &task.ID, EventKind: "TASK_READY",
				PriorStatus: string(store.TaskStatusPending), NewStatus: string(store.TaskStatusReady),
			}, func(tx *sql.Tx) error {
				return store.TransitionTaskTx(tx, task.ID, store.TaskStatusPending, store.TaskStatusReady)
			}); err != nil {
				return err
			}
			e.inFlight++
			taken++
			e.emit(bus.TopicTaskReady, map[string]any{"task_id": task.ID, "session_id": e.sessionID})
		}
	}

	remaining := len(ready) - taken
	if remaining == 0 && e.running == 0 && e.inFlight == 0 {
		return e.completeGraph(ctx)
	}
	return nil
}

// markTaskRunning drives ready -> queued -> running, recording the worker and
// adapter assignment, and frees the in-flight slot claimed when the task was
// emitted ready.
func (e *Engine) markTaskRunning(ctx context.Context, taskID, workerID, adapterID string) error {
	if err := e.store.AppendLogAndUpdate(ctx, store.LogEntry{
		SessionID: e.sessionID, TaskID: &taskID, EventKind: "TASK_QUEUED",
		PriorStatus: string(store.TaskStatusReady), NewStatus: string(store.TaskStatusQueued),
	}, func(tx *sql.Tx) error {
		return store.TransitionTaskTx(tx, taskID, store.TaskStatusReady, store.TaskStatusQueued)
	}); err != nil {
		return err
	}

	if err := e.store.AppendLogAndUpdate(ctx, store.LogEntry{
		SessionID: e.sessionID, TaskID: &taskID, EventKind: "TASK_RUNNING",
		PriorStatus: string(store.TaskStatusQueued), NewStatus: string(store.TaskStatusRunning),
	}, func(tx *sql.Tx) error {
		if err := store.TransitionTaskTx(tx, taskID, store.TaskStatusQueued, store.TaskStatusRunning); err != nil {
			return err
		}
		return store.MarkTaskStartedTx(tx, taskID, workerID, adapterID)
	}); err != nil {
		return err
	}

	if e.inFlight > 0 {
		e.inFlight--
	}
	e.running++
	return nil
}

func (e *Engine) markTaskComplete(ctx context.Context, taskID, result string, costUSD float64) error {
	if err := e.store.AppendLogAndUpdate(ctx, store.LogEntry{
		SessionID: e.sessionID, TaskID: &taskID, EventKind: "TASK_COMPLETED",
		PriorStatus: string(store.TaskStatusRunning), NewStatus: string(store.TaskStatusCompleted),
		CostDelta: costUSD,
	}, func(tx *sql.Tx) error {
		if err := store.TransitionTaskTx(tx, taskID, store.TaskStatusRunning, store.TaskStatusCompleted); err != nil {
			return err
		}
		return store.MarkTaskTerminalTx(tx, taskID, result, "", 0, costUSD)
	}); err != nil {
		return err
	}

	if e.running > 0 {
		e.running--
	}
	e.emit(bus.TopicTaskComplete, map[string]any{"task_id": taskID, "session_id": e.sessionID, "cost_usd": costUSD})
	return e.schedulingPass(ctx)
}

func (e *Engine) markTaskFailed(ctx context.Context, taskID, errText string, exitCode int) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	willRetry := task.RetryCount < task.RetryCeiling
	to := store.TaskStatusFailed
	eventKind := "TASK_FAILED"
	if willRetry {
		to = store.TaskStatusPending
		eventKind = "TASK_RETRY"
	}

	if err := e.store.AppendLogAndUpdate(ctx, store.LogEntry{
		SessionID: e.sessionID, TaskID: &taskID, EventKind: eventKind,
		PriorStatus: string(store.TaskStatusRunning), NewStatus: string(to), Data: errText,
	}, func(tx *sql.Tx) error {
		if err := store.TransitionTaskTx(tx, taskID, store.TaskStatusRunning, to); err != nil {
			return err
		}
		if willRetry {
			return store.IncrementRetryTx(tx, taskID)
		}
		return store.MarkTaskTerminalTx(tx, taskID, "", errText, exitCode, 0)
	}); err != nil {
		return err
	}

	if e.running > 0 {
		e.running--
	}
	e.emit(bus.TopicTaskFailed, map[string]any{
		"task_id": taskID, "session_id": e.sessionID, "error": errText, "exit_code": exitCode, "retrying": willRetry,
	})
	return e.schedulingPass(ctx)
}

// cancelAllTasks transitions every non-terminal task in the session to
// cancelled and returns how many tasks it cancelled, for the graph:cancelled
// event's cancelledTasks count.
func (e *Engine) cancelAllTasks(ctx context.Context) (int, error) {
	tasks, err := e.store.ListTasksBySession(ctx, e.sessionID)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for _, task := range tasks {
		if store.IsTerminal(task.Status) {
			continue
		}
		from := task.Status
		if err := e.store.AppendLogAndUpdate(ctx, store.LogEntry{
			SessionID: e.sessionID, TaskID: &task.ID, EventKind: "TASK_CANCELLED",
			PriorStatus: string(from), NewStatus: string(store.TaskStatusCancelled),
		}, func(tx *sql.Tx) error {
			return store.TransitionTaskTx(tx, task.ID, from, store.TaskStatusCancelled)
		}); err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// completeGraph transitions Executing -> Completing -> Idle and emits the
// aggregated graph:complete snapshot.
func (e *Engine) completeGraph(ctx context.Context) error {
	if !canTransition(e.state, StateCompleting) {
		return illegalTransition(e.state, StateCompleting)
	}
	e.state = StateCompleting

	counts, cost, err := e.store.CountTasks(ctx, e.sessionID)
	if err != nil {
		return err
	}
	e.emit(bus.TopicGraphComplete, map[string]any{
		"session_id":     e.sessionID,
		"total_tasks":    counts.Total,
		"completed_tasks": counts.Completed,
		"failed_tasks":   counts.Failed,
		"cancelled_tasks": counts.Cancelled,
		"total_cost_usd": cost,
	})
	_ = e.store.UpdateSessionStatus(ctx, e.sessionID, store.SessionStatusComplete)

	if !canTransition(e.state, StateIdle) {
		return illegalTransition(e.state, StateIdle)
	}
	e.state = StateIdle
	return nil
}
