package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/dispatcher"
	"github.com/basket/substrate/internal/gitworktree"
	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/substraterr"
)

var creationSchema = []byte(`{
	"type": "object", "required": ["plan", "acceptance_criteria"],
	"properties": {
		"plan": {"type": "string"},
		"acceptance_criteria": {"type": "array", "items": {"type": "string"}}
	}
}`)

var devSchema = []byte(`{
	"type": "object", "required": ["tests", "ac_met", "summary"],
	"properties": {
		"tests": {"type": "string", "enum": ["pass", "fail"]},
		"ac_met": {"type": "array", "items": {"type": "string"}},
		"summary": {"type": "string"}
	}
}`)

var reviewSchema = []byte(`{
	"type": "object", "required": ["verdict", "issues"],
	"properties": {
		"verdict": {"type": "string", "enum": ["SHIP_IT", "NEEDS_MINOR_FIXES", "NEEDS_MAJOR_REWORK"]},
		"issues": {"type": "array", "items": {"type": "string"}}
	}
}`)

type creationOutput struct {
	Plan               string   `json:"plan"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
}

type devOutput struct {
	Tests   string   `json:"tests"`
	ACMet   []string `json:"ac_met"`
	Summary string   `json:"summary"`
}

type reviewOutput struct {
	Verdict Verdict  `json:"verdict"`
	Issues  []string `json:"issues"`
}

// runStory drives one task through its full CREATE -> DEV -> (REVIEW ->
// fix/rework)* lifecycle to a terminal phase. It is only ever called from a
// single conflict group's drainGroup goroutine, so a given group never has
// two stories in flight at once; different groups run concurrently.
func (o *Orchestrator) runStory(ctx context.Context, task *store.Task) {
	state := &storyState{taskID: task.ID, phase: PhaseCreation}
	o.mu.Lock()
	o.states[task.ID] = state
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.states, task.ID)
		o.mu.Unlock()
	}()

	handle, err := o.worktrees.CreateWorktree(ctx, task.ID, o.baseBranch)
	if err != nil {
		o.failStory(ctx, task, fmt.Sprintf("creating worktree: %v", err))
		return
	}
	state.handle = handle
	defer func() {
		_ = o.worktrees.DestroyWorktree(ctx, task.ID)
		_ = handle.Release(ctx)
	}()

	if err := o.engine.MarkTaskRunning(ctx, task.ID, "orchestrator", task.AdapterID); err != nil {
		o.failStory(ctx, task, fmt.Sprintf("marking task running: %v", err))
		return
	}

	creationRaw, err := o.dispatchPhase(ctx, task, state, handle, PhaseCreation,
		fmt.Sprintf("Draft an implementation plan and acceptance criteria for the following story. Respond with a single fenced JSON code block matching the required schema.\n\nStory: %s\n\n%s", task.Name, task.Prompt),
		creationSchema)
	if err != nil {
		o.failStory(ctx, task, fmt.Sprintf("story creation phase: %v", err))
		return
	}
	var created creationOutput
	if err := json.Unmarshal(creationRaw, &created); err != nil {
		o.failStory(ctx, task, fmt.Sprintf("story creation phase produced unparsable output: %v", err))
		return
	}

	devPrompt := fmt.Sprintf(
		"Implement the following story per its plan and acceptance criteria. Respond with a single fenced JSON code block matching the required schema.\n\nStory: %s\n\nPlan: %s\n\nAcceptance criteria:\n- %s",
		task.Name, created.Plan, joinLines(created.AcceptanceCriteria))
	dev, err := o.runDevPhase(ctx, task, state, handle, devPrompt)
	if err != nil {
		o.failStory(ctx, task, fmt.Sprintf("dev phase: %v", err))
		return
	}

	cycle := 0
	for {
		reviewRaw, err := o.dispatchPhase(ctx, task, state, handle, PhaseReview,
			fmt.Sprintf("Review the working tree at %s against the story's acceptance criteria and report a verdict. Respond with a single fenced JSON code block matching the required schema.\n\nStory: %s\n\nAcceptance criteria:\n- %s\n\nDev summary: %s",
				handle.Path, task.Name, joinLines(created.AcceptanceCriteria), dev.Summary),
			reviewSchema)
		if err != nil {
			o.failStory(ctx, task, fmt.Sprintf("review phase: %v", err))
			return
		}
		var review reviewOutput
		if err := json.Unmarshal(reviewRaw, &review); err != nil {
			o.failStory(ctx, task, fmt.Sprintf("review phase produced unparsable output: %v", err))
			return
		}

		if review.Verdict == VerdictShipIt {
			o.shipStory(ctx, task, state, handle, dev)
			return
		}

		cycle++
		if cycle > o.maxReviewCycles {
			o.escalateStory(ctx, task, state, review)
			return
		}

		fixPrompt := fmt.Sprintf(
			"The prior attempt at this story needs work. Apply the requested fixes and respond with a single fenced JSON code block matching the required schema.\n\nStory: %s\n\nVerdict: %s\n\nIssues:\n- %s",
			task.Name, review.Verdict, joinLines(review.Issues))
		dev, err = o.runDevPhase(ctx, task, state, handle, fixPrompt)
		if err != nil {
			o.failStory(ctx, task, fmt.Sprintf("fix/rework dev phase: %v", err))
			return
		}
		state.cycle = cycle
	}
}

// runDevPhase dispatches a dev-shaped prompt and applies output-contract
// recovery if the agent's structured block never arrived despite a
// successful dispatch: the working tree is queried directly so real work the
// agent performed is not discarded for want of a missing JSON block.
func (o *Orchestrator) runDevPhase(ctx context.Context, task *store.Task, state *storyState, handle *gitworktree.Handle, prompt string) (devOutput, error) {
	raw, err := o.dispatchPhaseRecoverable(ctx, task, state, handle.Path, prompt)
	if err != nil {
		return devOutput{}, err
	}
	var dev devOutput
	if err := json.Unmarshal(raw, &dev); err != nil {
		return devOutput{}, fmt.Errorf("dev phase produced unparsable output: %w", err)
	}
	return dev, nil
}

func joinLines(items []string) string {
	out := ""
	for i, item := range items {
		if i > 0 {
			out += "\n- "
		}
		out += item
	}
	return out
}

func (o *Orchestrator) shipStory(ctx context.Context, task *store.Task, state *storyState, handle *gitworktree.Handle, dev devOutput) {
	result, _ := json.Marshal(dev)
	if _, err := gitworktree.CommitAll(ctx, handle.Path, fmt.Sprintf("%s: ship it", task.Name)); err != nil {
		o.log.Warn("orchestrator: commit after ship-it failed", "task_id", task.ID, "error", err)
	}
	if err := o.engine.MarkTaskComplete(ctx, task.ID, string(result), state.costUSD); err != nil {
		o.log.Error("orchestrator: marking task complete failed", "task_id", task.ID, "error", err)
		return
	}
	o.recordPhase(ctx, task.ID, PhaseComplete, 0)
	o.emit(bus.TopicOrchestratorStoryComplete, map[string]any{"task_id": task.ID, "cost_usd": state.costUSD})
}

func (o *Orchestrator) escalateStory(ctx context.Context, task *store.Task, state *storyState, review reviewOutput) {
	payload, _ := json.Marshal(review)
	if err := o.engine.MarkTaskFailed(ctx, task.ID, fmt.Sprintf("escalated after %d review cycles: %s", o.maxReviewCycles, string(payload)), -1); err != nil {
		o.log.Error("orchestrator: marking escalated task failed", "task_id", task.ID, "error", err)
	}
	o.recordPhase(ctx, task.ID, PhaseEscalated, state.cycle)
	o.emit(bus.TopicOrchestratorStoryEscalated, map[string]any{"task_id": task.ID, "verdict": review.Verdict, "issues": review.Issues})
}

func (o *Orchestrator) failStory(ctx context.Context, task *store.Task, reason string) {
	if err := o.engine.MarkTaskFailed(ctx, task.ID, reason, -1); err != nil {
		o.log.Error("orchestrator: marking failed task failed", "task_id", task.ID, "error", err)
	}
	o.recordPhase(ctx, task.ID, PhaseEscalated, 0)
}

// recordPhase appends an intent-log row carrying a JSON phase snapshot
// (without changing the task's engine-owned status, which stays "running"
// throughout the story's internal phases) so GetStatus can reconstruct the
// current phase after a process restart.
func (o *Orchestrator) recordPhase(ctx context.Context, taskID string, phase Phase, cycle int) {
	o.mu.Lock()
	if state, ok := o.states[taskID]; ok {
		state.phase, state.cycle = phase, cycle
	}
	o.mu.Unlock()

	snapshot, _ := json.Marshal(struct {
		Phase Phase `json:"phase"`
		Cycle int   `json:"cycle"`
	}{phase, cycle})

	if err := o.store.AppendLogAndUpdate(ctx, store.LogEntry{
		TaskID: &taskID, EventKind: "STORY_PHASE_" + string(phase), Data: string(snapshot),
	}, func(tx *sql.Tx) error { return nil }); err != nil {
		o.log.Warn("orchestrator: recording phase snapshot failed", "task_id", taskID, "phase", phase, "error", err)
	}
	o.emit(bus.TopicOrchestratorStoryPhaseComplete, map[string]any{"task_id": taskID, "phase": string(phase), "cycle": cycle})
}

// dispatchPhase dispatches prompt through task's adapter and validates the
// response against schema, failing if the agent never emitted a structured
// block. Used for the creation and review phases, where (unlike dev) there
// is no sensible git-status recovery fallback.
func (o *Orchestrator) dispatchPhase(ctx context.Context, task *store.Task, state *storyState, handle *gitworktree.Handle, phase Phase, prompt string, schema []byte) (json.RawMessage, error) {
	o.recordPhase(ctx, task.ID, phase, state.cycle)
	res, err := o.dispatchAndWait(ctx, task, state, handle.Path, prompt, schema)
	if err != nil {
		return nil, err
	}
	if res.ParseError != "" {
		return nil, fmt.Errorf("%s", res.ParseError)
	}
	return json.Marshal(res.Parsed)
}

// dispatchPhaseRecoverable is dispatchPhase's dev-phase counterpart: if the
// dispatch itself succeeded but the structured block never arrived, it
// queries the working tree for real changes rather than failing the story
// outright.
func (o *Orchestrator) dispatchPhaseRecoverable(ctx context.Context, task *store.Task, state *storyState, worktreeDir, prompt string) (json.RawMessage, error) {
	o.recordPhase(ctx, task.ID, PhaseDev, state.cycle)
	res, err := o.dispatchAndWait(ctx, task, state, worktreeDir, prompt, devSchema)
	if err != nil {
		return nil, err
	}
	if res.ParseError == "" {
		return json.Marshal(res.Parsed)
	}

	dirty, statErr := gitworktree.HasUncommittedChanges(ctx, worktreeDir)
	if statErr != nil {
		return nil, fmt.Errorf("dev phase: %s (and recovery check failed: %w)", res.ParseError, statErr)
	}
	if !dirty {
		return nil, fmt.Errorf("dev phase produced no structured output and no working-tree changes to recover: %s", res.ParseError)
	}
	return json.Marshal(devOutput{
		Tests: "fail", ACMet: nil,
		Summary: "recovered from uncommitted working-tree changes; agent did not emit a structured result",
	})
}

func (o *Orchestrator) dispatchAndWait(ctx context.Context, task *store.Task, state *storyState, worktreeDir, prompt string, schema []byte) (dispatcher.Result, error) {
	if err := o.checkBudget(ctx, task, state); err != nil {
		return dispatcher.Result{}, err
	}

	h, err := o.dispatcher.Dispatch(ctx, task.ID, dispatcher.Request{
		Prompt: prompt, Agent: task.AdapterID, TaskType: task.TaskType,
		WorkingDirectory: worktreeDir, ModelHint: task.ModelHint, OutputSchema: schema,
		BillingMode: o.billingMode,
	})
	if err != nil {
		return dispatcher.Result{}, err
	}
	res := <-h.Result()
	o.recordDispatchCost(ctx, task, state, res)
	if (res.Status == dispatcher.StatusFailed || res.Status == dispatcher.StatusTimeout) && res.ParseError == "" {
		return res, fmt.Errorf("dispatch did not complete (status=%s): %s", res.Status, res.Error)
	}
	return res, nil
}

// checkBudget returns substraterr.CodeBudget if dispatching again would
// exceed either the task's or the session's budget_usd cap. Checked against
// cost already recorded, not the (unknown in advance) cost of the dispatch
// about to be made — the cap is enforced at the next dispatch boundary
// rather than mid-dispatch.
func (o *Orchestrator) checkBudget(ctx context.Context, task *store.Task, state *storyState) error {
	const op = "orchestrator.checkBudget"
	if task.BudgetUSD != nil && state.costUSD >= *task.BudgetUSD {
		return substraterr.New(substraterr.CodeBudget, op,
			fmt.Sprintf("task %s: accumulated cost $%.4f has reached its budget_usd cap $%.4f", task.ID, state.costUSD, *task.BudgetUSD))
	}
	sess, err := o.store.GetSession(ctx, task.SessionID)
	if err != nil {
		o.log.Warn("orchestrator: budget check could not load session, dispatching anyway", "task_id", task.ID, "error", err)
		return nil
	}
	if sess.BudgetUSD != nil {
		total := sess.RunningCostUSD + sess.PlanningCostUSD
		if total >= *sess.BudgetUSD {
			return substraterr.New(substraterr.CodeBudget, op,
				fmt.Sprintf("session %s: accumulated cost $%.4f has reached its budget_usd cap $%.4f", sess.ID, total, *sess.BudgetUSD))
		}
	}
	return nil
}

// recordDispatchCost converts one dispatch's TokenEstimate into a
// store.CostEntry and folds it into the story's running total. Only
// store.BillingAPI dispatches with a configured rate accrue a nonzero
// estimated_cost; subscription/free dispatches are still recorded (tokens
// and billing mode) for audit, at $0.
func (o *Orchestrator) recordDispatchCost(ctx context.Context, task *store.Task, state *storyState, res dispatcher.Result) {
	billing := store.BillingMode(o.billingMode)
	var estimated float64
	if billing == store.BillingAPI {
		if rate, ok := o.costRates[task.AdapterID]; ok && rate > 0 {
			estimated = float64(res.TokenEstimate.Total) / 1000 * rate
		}
	}

	taskID := task.ID
	entry := &store.CostEntry{
		SessionID: task.SessionID, TaskID: &taskID, Agent: task.AdapterID,
		BillingMode: billing, Category: store.CostCategoryExecution,
		InputTokens: res.TokenEstimate.Input, OutputTokens: res.TokenEstimate.Output,
		EstimatedCost: estimated, Model: task.ModelHint, Provider: task.AdapterID,
	}
	if err := o.store.RecordCostEntry(ctx, entry); err != nil {
		o.log.Warn("orchestrator: recording cost entry failed", "task_id", task.ID, "error", err)
		return
	}
	state.costUSD += estimated
}
