// Package orchestrator is the higher-level state machine that sits on top
// of internal/engine: it drives each ready task through a
// CREATE -> DEV -> REVIEW story lifecycle with bounded review cycles,
// serializes stories that touch overlapping files via conflict groups, and
// recovers a minimal result when an agent fails to emit its structured
// output block.
//
// The engine's bus emissions happen synchronously on its own single control
// goroutine (internal/bus's Emit contract), so the task:ready handler here
// never calls back into the engine directly — it only enqueues the ready
// task onto its conflict group's queue and returns. The actual dispatch
// work, including every call back into the engine (MarkTaskRunning,
// MarkTaskComplete, MarkTaskFailed), happens later on a per-group worker
// goroutine, after the engine's own call stack has unwound.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/dispatcher"
	"github.com/basket/substrate/internal/engine"
	"github.com/basket/substrate/internal/gitworktree"
	"github.com/basket/substrate/internal/store"
)

// Phase is one step of a story's CREATE -> DEV -> REVIEW lifecycle.
type Phase string

const (
	PhasePending   Phase = "pending"
	PhaseCreation  Phase = "in_story_creation"
	PhaseDev       Phase = "in_dev"
	PhaseReview    Phase = "in_review"
	PhaseComplete  Phase = "complete"
	PhaseEscalated Phase = "escalated"
)

// Verdict is the review phase's disposition.
type Verdict string

const (
	VerdictShipIt           Verdict = "SHIP_IT"
	VerdictNeedsMinorFixes  Verdict = "NEEDS_MINOR_FIXES"
	VerdictNeedsMajorRework Verdict = "NEEDS_MAJOR_REWORK"
)

// ConflictGroupFunc derives a serialization key for a story. Stories sharing
// a key run serially with each other; stories in different groups may run
// concurrently, up to the engine's maxConcurrency.
type ConflictGroupFunc func(task *store.Task) string

// ModulePrefixGroup is the default ConflictGroupFunc: the portion of the
// task's display name before its first "/", or the whole name if there is
// no separator. A config-supplied map (internal/config's ConflictGroups,
// keyed by task name) should be consulted first where one exists.
func ModulePrefixGroup(task *store.Task) string {
	if i := strings.IndexByte(task.Name, '/'); i >= 0 {
		return task.Name[:i]
	}
	return task.Name
}

// Config parameterizes one Orchestrator.
type Config struct {
	Store      *store.Store
	Bus        *bus.Bus
	Engine     *engine.Engine
	Dispatcher *dispatcher.Dispatcher
	Worktrees  *gitworktree.Manager
	Log        *slog.Logger

	MaxReviewCycles int
	ConflictGroup   ConflictGroupFunc // nil defaults to ModulePrefixGroup

	BaseBranch string

	// BillingMode classifies every dispatch this orchestrator records cost
	// for; defaults to store.BillingSubscription. Only store.BillingAPI
	// dispatches accrue a nonzero estimated_cost.
	BillingMode string
	// CostRates maps adapter id to its configured dollars-per-1000-tokens
	// rate (config.AdapterConfig.CostPerKTokenUSD). An adapter with no entry
	// prices at 0.
	CostRates map[string]float64
}

// storyState is the in-memory, per-task bookkeeping an in-flight story
// carries between phases. It is not itself the durable record: every phase
// transition is additionally appended to the store's execution log (the
// "pipeline-run record"), so getStatus can be
// reconstructed from the store alone after a restart.
type storyState struct {
	taskID  string
	phase   Phase
	cycle   int
	handle  *gitworktree.Handle
	costUSD float64 // sum of every dispatch's estimated_cost recorded so far in this story
}

// StoryStatus is one entry of a serialisable snapshot returned by GetStatus.
type StoryStatus struct {
	TaskID string `json:"task_id"`
	Name   string `json:"name"`
	Phase  Phase  `json:"phase"`
	Cycle  int    `json:"cycle"`
	Error  string `json:"error,omitempty"`
}

// Orchestrator drives ready tasks through the story lifecycle.
type Orchestrator struct {
	store      *store.Store
	bus        *bus.Bus
	engine     *engine.Engine
	dispatcher *dispatcher.Dispatcher
	worktrees  *gitworktree.Manager
	log        *slog.Logger

	maxReviewCycles int
	groupOf         ConflictGroupFunc
	baseBranch      string
	billingMode     string
	costRates       map[string]float64

	mu       sync.Mutex
	paused   bool
	sessions map[string]struct{} // sessions this orchestrator instance is driving
	states   map[string]*storyState
	groups   map[string][]*store.Task // queued, not-yet-started, per group key
	running  map[string]bool          // group key -> a worker goroutine is already draining it
	sub      bus.Subscription
}

// New constructs an Orchestrator. Call Start to begin consuming task:ready events.
func New(cfg Config) *Orchestrator {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	groupOf := cfg.ConflictGroup
	if groupOf == nil {
		groupOf = ModulePrefixGroup
	}
	maxReviewCycles := cfg.MaxReviewCycles
	if maxReviewCycles <= 0 {
		maxReviewCycles = 3
	}
	billingMode := cfg.BillingMode
	if billingMode == "" {
		billingMode = string(store.BillingSubscription)
	}
	costRates := cfg.CostRates
	if costRates == nil {
		costRates = map[string]float64{}
	}
	return &Orchestrator{
		store: cfg.Store, bus: cfg.Bus, engine: cfg.Engine, dispatcher: cfg.Dispatcher,
		worktrees: cfg.Worktrees, log: log, maxReviewCycles: maxReviewCycles, groupOf: groupOf,
		baseBranch: cfg.BaseBranch, billingMode: billingMode, costRates: costRates,
		sessions: make(map[string]struct{}), states: make(map[string]*storyState),
		groups: make(map[string][]*store.Task), running: make(map[string]bool),
	}
}

// Start subscribes to task:ready for sessionID and begins driving stories.
// Call once per session before the engine's StartExecution.
func (o *Orchestrator) Start(ctx context.Context, sessionID string) {
	o.mu.Lock()
	o.sessions[sessionID] = struct{}{}
	o.mu.Unlock()

	o.sub = o.bus.Subscribe(bus.TopicTaskReady, func(ev bus.Event) {
		payload, ok := ev.Payload.(map[string]any)
		if !ok {
			return
		}
		sid, _ := payload["session_id"].(string)
		if _, tracked := o.sessions[sid]; !tracked {
			return
		}
		taskID, _ := payload["task_id"].(string)
		o.enqueue(ctx, taskID)
	})
	o.emit(bus.TopicOrchestratorStarted, map[string]any{"session_id": sessionID})
}

// Stop unsubscribes from the bus. It does not cancel in-flight stories.
func (o *Orchestrator) Stop() {
	o.bus.Unsubscribe(o.sub)
}

// Pause stops new stories from being popped off their conflict-group queues.
// Dispatches already in flight complete normally.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	o.paused = true
	o.mu.Unlock()
	o.emit(bus.TopicOrchestratorPaused, nil)
}

// Resume re-enables popping queued stories and wakes every group that has
// queued work.
func (o *Orchestrator) Resume(ctx context.Context) {
	o.mu.Lock()
	o.paused = false
	groups := make([]string, 0, len(o.groups))
	for g := range o.groups {
		groups = append(groups, g)
	}
	o.mu.Unlock()
	for _, g := range groups {
		o.wakeGroup(ctx, g)
	}
	o.emit(bus.TopicOrchestratorResumed, nil)
}

// GetStatus returns a serialisable snapshot of every tracked story's phase,
// reconstructed from in-memory state where this Orchestrator instance is the
// one driving it, falling back to the store's execution log (the
// "on restart the same runId can reload that snapshot") for tasks whose
// in-memory state was lost to a process restart.
func (o *Orchestrator) GetStatus(ctx context.Context, sessionID string) ([]StoryStatus, error) {
	tasks, err := o.store.ListTasksBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	out := make([]StoryStatus, 0, len(tasks))
	for _, task := range tasks {
		status := StoryStatus{TaskID: task.ID, Name: task.Name, Error: task.Error}

		o.mu.Lock()
		state, live := o.states[task.ID]
		o.mu.Unlock()

		if live {
			status.Phase, status.Cycle = state.phase, state.cycle
		} else {
			status.Phase, status.Cycle = o.replayPhase(ctx, task)
		}
		out = append(out, status)
	}
	return out, nil
}

func (o *Orchestrator) replayPhase(ctx context.Context, task *store.Task) (Phase, int) {
	if store.IsTerminal(task.Status) {
		if task.Status == store.TaskStatusCompleted {
			return PhaseComplete, 0
		}
		return PhaseEscalated, 0
	}
	entry, err := o.store.LastLogEntryForTask(ctx, task.ID)
	if err != nil || !strings.HasPrefix(entry.EventKind, "STORY_PHASE_") {
		return PhasePending, 0
	}
	var snap struct {
		Phase Phase `json:"phase"`
		Cycle int   `json:"cycle"`
	}
	if err := json.Unmarshal([]byte(entry.Data), &snap); err != nil {
		return PhasePending, 0
	}
	return snap.Phase, snap.Cycle
}

func (o *Orchestrator) enqueue(ctx context.Context, taskID string) {
	task, err := o.store.GetTask(ctx, taskID)
	if err != nil {
		o.log.Error("orchestrator: could not load ready task", "task_id", taskID, "error", err)
		return
	}
	group := o.groupOf(task)

	o.mu.Lock()
	o.groups[group] = append(o.groups[group], task)
	o.mu.Unlock()

	o.wakeGroup(ctx, group)
}

// wakeGroup starts a worker goroutine for group if one is not already
// draining it. Safe to call repeatedly; it is a no-op while paused or while
// a worker is already running for this group (the worker re-checks the
// queue before exiting, so work queued while it was busy is not lost).
func (o *Orchestrator) wakeGroup(ctx context.Context, group string) {
	o.mu.Lock()
	if o.paused || o.running[group] {
		o.mu.Unlock()
		return
	}
	if len(o.groups[group]) == 0 {
		o.mu.Unlock()
		return
	}
	o.running[group] = true
	o.mu.Unlock()

	go o.drainGroup(ctx, group)
}

func (o *Orchestrator) drainGroup(ctx context.Context, group string) {
	defer func() {
		o.mu.Lock()
		o.running[group] = false
		o.mu.Unlock()
	}()

	for {
		o.mu.Lock()
		if o.paused || len(o.groups[group]) == 0 {
			o.mu.Unlock()
			return
		}
		task := o.groups[group][0]
		o.groups[group] = o.groups[group][1:]
		o.mu.Unlock()

		o.runStory(ctx, task)
	}
}

func (o *Orchestrator) emit(topic string, payload any) {
	if o.bus != nil {
		o.bus.Emit(topic, payload)
	}
}
