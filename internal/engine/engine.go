// Package engine owns the orchestrator state machine and every task's
// lifecycle: scheduling, cascading, retry, and signal-queue polling.
//
// The engine is single-threaded cooperative: one goroutine
// — started by Run — owns every state transition, scheduling pass, and
// event emission. External callers never mutate engine state directly; they
// enqueue a command onto the engine's channel and block for its result.
// Parallelism exists only at the subprocess boundary, owned by
// internal/workerpool.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/substraterr"
)

const signalPollInterval = 500 * time.Millisecond

// Terminator is the subset of workerpool.Pool the engine needs for cancel-all.
type Terminator interface {
	TerminateAll()
}

// Config parameterizes one Engine.
type Config struct {
	Store          *store.Store
	Bus            *bus.Bus
	Pool           Terminator // optional; nil is fine for tests that don't exercise cancel
	Log            *slog.Logger
	MaxConcurrency int
}

type command struct {
	fn    func(ctx context.Context) error
	reply chan error
}

// Engine runs one session's task graph to completion.
type Engine struct {
	store *store.Store
	bus   *bus.Bus
	pool  Terminator
	log   *slog.Logger

	cmds chan command

	maxConcurrency int
	sessionID      string
	state          State
	running        int
	inFlight       int
}

// New constructs an Engine. Call Run in a goroutine before issuing any commands.
func New(cfg Config) *Engine {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	maxConcurrency := cfg.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}
	return &Engine{
		store: cfg.Store, bus: cfg.Bus, pool: cfg.Pool, log: log,
		cmds: make(chan command), maxConcurrency: maxConcurrency, state: StateIdle,
	}
}

// Run is the engine's single control loop. It processes commands, the 500ms
// signal-queue poll, and nothing else: every state mutation in this package
// happens on this goroutine. Run blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(signalPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmds:
			cmd.reply <- cmd.fn(ctx)
		case <-ticker.C:
			e.pollSignals(ctx)
		}
	}
}

// exec enqueues fn onto the engine's command channel and blocks for its result.
func (e *Engine) exec(ctx context.Context, fn func(ctx context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case e.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartExecution loads a session and runs the first scheduling pass,
// transitioning Idle -> Loading -> Executing.
func (e *Engine) StartExecution(ctx context.Context, sessionID string, maxConcurrency int) error {
	return e.exec(ctx, func(ctx context.Context) error {
		if !canTransition(e.state, StateLoading) {
			return illegalTransition(e.state, StateLoading)
		}
		e.sessionID = sessionID
		if maxConcurrency > 0 {
			e.maxConcurrency = maxConcurrency
		}
		e.running, e.inFlight = 0, 0
		e.state = StateLoading
		e.emit(bus.TopicGraphLoaded, map[string]any{"session_id": sessionID})

		if !canTransition(e.state, StateExecuting) {
			return illegalTransition(e.state, StateExecuting)
		}
		e.state = StateExecuting
		return e.schedulingPass(ctx)
	})
}

// MarkTaskRunning observes a worker accepting a previously-emitted task:ready
// task. It drives ready -> queued -> running and frees the in-flight slot.
func (e *Engine) MarkTaskRunning(ctx context.Context, taskID, workerID, adapterID string) error {
	return e.exec(ctx, func(ctx context.Context) error {
		return e.markTaskRunning(ctx, taskID, workerID, adapterID)
	})
}

// MarkTaskComplete records a successful result, frees the running slot, and
// cascades the scheduling pass.
func (e *Engine) MarkTaskComplete(ctx context.Context, taskID, result string, costUSD float64) error {
	return e.exec(ctx, func(ctx context.Context) error {
		return e.markTaskComplete(ctx, taskID, result, costUSD)
	})
}

// MarkTaskFailed records a failed attempt: retries to pending if the retry
// budget allows, otherwise marks the task terminal-failed. Either way it
// frees the running slot and cascades the scheduling pass.
func (e *Engine) MarkTaskFailed(ctx context.Context, taskID, errText string, exitCode int) error {
	return e.exec(ctx, func(ctx context.Context) error {
		return e.markTaskFailed(ctx, taskID, errText, exitCode)
	})
}

// Pause transitions Executing -> Paused. No-op scheduling happens while paused.
func (e *Engine) Pause(ctx context.Context) error {
	return e.exec(ctx, func(ctx context.Context) error {
		if !canTransition(e.state, StatePaused) {
			return illegalTransition(e.state, StatePaused)
		}
		e.state = StatePaused
		e.emit(bus.TopicGraphPaused, map[string]any{"session_id": e.sessionID})
		return nil
	})
}

// Resume transitions Paused -> Executing and re-runs the scheduling pass.
func (e *Engine) Resume(ctx context.Context) error {
	return e.exec(ctx, func(ctx context.Context) error {
		if !canTransition(e.state, StateExecuting) {
			return illegalTransition(e.state, StateExecuting)
		}
		e.state = StateExecuting
		e.emit(bus.TopicGraphResumed, map[string]any{"session_id": e.sessionID})
		return e.schedulingPass(ctx)
	})
}

// Cancel transitions Executing/Paused -> Cancelling, marks every non-terminal
// task cancelled, terminates all workers, then transitions to Idle.
func (e *Engine) Cancel(ctx context.Context) error {
	return e.exec(ctx, func(ctx context.Context) error {
		if !canTransition(e.state, StateCancelling) {
			return illegalTransition(e.state, StateCancelling)
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

		if !canTransition(e.state, StateIdle) {
			return illegalTransition(e.state, StateIdle)
		}
		e.state = StateIdle
		return nil
	})
}

// State returns the engine's current orchestrator state. Safe to call from
// any goroutine: it goes through the command channel like every other read.
func (e *Engine) State(ctx context.Context) (State, error) {
	var s State
	err := e.exec(ctx, func(ctx context.Context) error {
		s = e.state
		return nil
	})
	return s, err
}

func (e *Engine) emit(topic string, payload any) {
	if e.bus != nil {
		e.bus.Emit(topic, payload)
	}
}

func illegalTransition(from, to State) error {
	return substraterr.New(substraterr.CodeIllegalState, "engine", string(from)+" -> "+string(to)+" is not a legal orchestrator transition")
}
