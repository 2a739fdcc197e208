package engine

import (
	"context"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/store"
)

// pollSignals consumes unprocessed session_signals rows in ascending id
// order, applying each as a state transition. It tolerates
// a missing signals table (older migrations) and swallows every error — the
// scheduler must never die because of IPC trouble.
func (e *Engine) pollSignals(ctx context.Context) {
	if e.sessionID == "" {
		return
	}
	if e.state != StateExecuting && e.state != StatePaused {
		return
	}
	if !e.store.SignalsTableExists(ctx) {
		return
	}

	sigs, err := e.store.ListUnprocessedSignals(ctx, e.sessionID)
	if err != nil {
		e.log.Warn("signal poll failed", "error", err)
		return
	}

	for _, sig := range sigs {
		if err := e.applySignal(ctx, sig.Kind); err != nil {
			e.log.Warn("signal apply failed", "signal_id", sig.ID, "kind", sig.Kind, "error", err)
		}
		if err := e.store.MarkSignalProcessed(ctx, sig.ID); err != nil {
			e.log.Warn("failed to mark signal processed", "signal_id", sig.ID, "error", err)
		}
	}
}

// applySignal runs directly on the control goroutine (pollSignals is only
// ever called from Run's select loop), so it calls the unexported
// transition helpers instead of going through exec/the command channel —
// routing through exec here would deadlock against the very loop iteration
// that is calling pollSignals.
func (e *Engine) applySignal(ctx context.Context, kind store.SignalKind) error {
	switch kind {
	case store.SignalPause:
		if !canTransition(e.state, StatePaused) {
			return nil
		}
		e.state = StatePaused
		e.emit(bus.TopicGraphPaused, map[string]any{"session_id": e.sessionID})
		return nil
	case store.SignalResume:
		if !canTransition(e.state, StateExecuting) {
			return nil
		}
		e.state = StateExecuting
		e.emit(bus.TopicGraphResumed, map[string]any{"session_id": e.sessionID})
		return e.schedulingPass(ctx)
	case store.SignalCancel:
		if !canTransition(e.state, StateCancelling) {
			return nil
		}
		e.state = StateCancelling
		cancelledTasks, err := e.cancelAllTasks(ctx)
		if err != nil {
			return err
		}
		if e.pool != nil {
			e.pool.TerminateAll()
		}
		e.running, e.inFlight = 0, 0
		e.emit(bus.TopicGraphCancelled, map[string]any{"session_id": e.sessionID, "cancelledTasks": cancelledTasks})
		e.state = StateIdle
		return nil
	}
	return nil
}
