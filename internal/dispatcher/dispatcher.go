// Package dispatcher is the thin composition layer turning an
// (adapter, pool) pair into a task-agnostic dispatch call, grounded on the
// teacher's internal/coordinator/waiter.go event-driven result-delivery
// idiom: a caller never polls for completion, it receives a value over a
// channel once the underlying subprocess exits.
package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/substraterr"
	"github.com/basket/substrate/internal/workeradapter"
	"github.com/basket/substrate/internal/workerpool"
)

// Status is the terminal disposition of one dispatch.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Request parameterizes one Dispatch call.
type Request struct {
	Prompt           string
	Agent            string // adapter id
	TaskType         string
	Timeout          time.Duration
	OutputSchema     []byte // raw JSON schema; nil skips validation
	WorkingDirectory string
	ModelHint        string
	BillingMode      string
	ExtraEnv         map[string]string
}

// Result is the outcome of one dispatch, delivered exactly once over a
// Handle's Result channel.
type Result struct {
	TaskID        string
	Status        Status
	ExitCode      int
	Output        string
	Error         string
	Parsed        any
	ParseError    string
	DurationMs    int64
	TokenEstimate workeradapter.TokenEstimate
}

// Handle is returned from Dispatch; its Result channel delivers exactly one
// value and is then closed.
type Handle struct {
	TaskID string
	ch     chan Result
}

// Result returns the channel that will receive this dispatch's outcome.
func (h *Handle) Result() <-chan Result { return h.ch }

// Registry is the subset of workeradapter.Registry the dispatcher needs.
type Registry interface {
	Get(id string) (workeradapter.Adapter, error)
}

// Pool is the subset of workerpool.Pool the dispatcher needs.
type Pool interface {
	Spawn(ctx context.Context, taskID string, spec workeradapter.CommandSpec) (*workerpool.Handle, error)
}

// Dispatcher composes an adapter registry with a worker pool.
type Dispatcher struct {
	registry Registry
	pool     Pool
	bus      *bus.Bus
	log      *slog.Logger

	schemaMu    sync.Mutex
	schemaCache map[string]*jsonschema.Schema
}

// New constructs a Dispatcher.
func New(registry Registry, pool Pool, b *bus.Bus, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{registry: registry, pool: pool, bus: b, log: log, schemaCache: make(map[string]*jsonschema.Schema)}
}

// Dispatch resolves req.Agent, builds its command, spawns it through the
// pool, and returns a Handle immediately. The result is delivered
// asynchronously once the subprocess exits or req.Timeout elapses.
func (d *Dispatcher) Dispatch(ctx context.Context, taskID string, req Request) (*Handle, error) {
	const op = "dispatcher.Dispatch"

	adapter, err := d.registry.Get(req.Agent)
	if err != nil {
		return nil, err
	}

	opts := workeradapter.CommandOptions{
		Cwd: req.WorkingDirectory, ModelHint: req.ModelHint, BillingMode: req.BillingMode,
		TimeoutSec: int(req.Timeout.Seconds()), ExtraEnv: req.ExtraEnv,
	}
	spec, err := adapter.BuildCommand(req.Prompt, opts)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeDispatch, op, err)
	}

	var dispatchCtx context.Context
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		dispatchCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		dispatchCtx, cancel = context.WithCancel(ctx)
	}

	poolHandle, err := d.pool.Spawn(dispatchCtx, taskID, spec)
	if err != nil {
		cancel()
		return nil, err
	}

	h := &Handle{TaskID: taskID, ch: make(chan Result, 1)}
	d.emit(bus.TopicDispatchStarted, map[string]any{"task_id": taskID, "agent": req.Agent})

	go d.await(dispatchCtx, cancel, taskID, adapter, req, poolHandle, h.ch)
	return h, nil
}

func (d *Dispatcher) await(ctx context.Context, cancel context.CancelFunc, taskID string, adapter workeradapter.Adapter, req Request, poolHandle *workerpool.Handle, out chan Result) {
	defer cancel()
	start := time.Now()

	var poolResult workerpool.Result
	var timedOut bool
	select {
	case poolResult = <-poolHandle.Done:
	case <-ctx.Done():
		timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
		poolResult = <-poolHandle.Done // wait for reap to finish so logs/output are complete
	}

	result := d.buildResult(taskID, adapter, req, poolResult, time.Since(start), timedOut)
	out <- result
	close(out)
	d.emit(bus.TopicDispatchComplete, map[string]any{"task_id": taskID, "status": string(result.Status)})
}

func (d *Dispatcher) buildResult(taskID string, adapter workeradapter.Adapter, req Request, pr workerpool.Result, duration time.Duration, timedOut bool) Result {
	if pr.Err != nil {
		return Result{
			TaskID: taskID, Status: StatusFailed, ExitCode: -1,
			Error: pr.Err.Error(), DurationMs: duration.Milliseconds(),
		}
	}

	parsed := adapter.ParseOutput(pr.Stdout, pr.Stderr, pr.ExitCode)
	status := StatusFailed
	if parsed.Success {
		status = StatusCompleted
	}
	if timedOut {
		status = StatusTimeout
	}

	result := Result{
		TaskID: taskID, Status: status, ExitCode: pr.ExitCode,
		Output: parsed.Output, Error: parsed.Error, DurationMs: duration.Milliseconds(),
		TokenEstimate: adapter.EstimateTokens(req.Prompt + parsed.Output),
	}

	if len(req.OutputSchema) == 0 {
		return result
	}
	if parsed.StructuredBlock == "" {
		result.ParseError = "adapter emitted no structured output block"
		return result
	}
	value, err := d.validateAgainstSchema(req.OutputSchema, parsed.StructuredBlock)
	if err != nil {
		// Schema failure is reported on the result, never thrown — the
		// orchestrator's output-contract recovery path still has a chance
		// to recover real work from the filesystem.
		result.ParseError = err.Error()
		return result
	}
	result.Parsed = value
	return result
}

func (d *Dispatcher) validateAgainstSchema(schemaJSON []byte, block string) (any, error) {
	schema, err := d.compiledSchema(schemaJSON)
	if err != nil {
		return nil, err
	}
	value, err := decodeStructuredBlock(block)
	if err != nil {
		return nil, fmt.Errorf("invalid structured block: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}
	return value, nil
}

// decodeStructuredBlock parses block as JSON if it looks like one, otherwise
// as YAML (adapters can extract either fenced flavor from stdout), and
// always returns the same JSON-shaped representation so schema.Validate sees
// identical Go types regardless of which fence the agent emitted.
func decodeStructuredBlock(block string) (any, error) {
	trimmed := strings.TrimSpace(block)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		return jsonschema.UnmarshalJSON(strings.NewReader(trimmed))
	}
	var raw any
	if err := yaml.Unmarshal([]byte(trimmed), &raw); err != nil {
		return nil, fmt.Errorf("parse yaml structured block: %w", err)
	}
	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("normalize yaml structured block: %w", err)
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(normalized))
}

func (d *Dispatcher) compiledSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	key := string(schemaJSON)

	d.schemaMu.Lock()
	if s, ok := d.schemaCache[key]; ok {
		d.schemaMu.Unlock()
		return s, nil
	}
	d.schemaMu.Unlock()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal output schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	resourceID := fmt.Sprintf("schema-%d.json", len(key))
	if err := c.AddResource(resourceID, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile output schema: %w", err)
	}

	d.schemaMu.Lock()
	d.schemaCache[key] = schema
	d.schemaMu.Unlock()
	return schema, nil
}

func (d *Dispatcher) emit(topic string, payload any) {
	if d.bus != nil {
		d.bus.Emit(topic, payload)
	}
}

// WaitAll blocks until every handle has delivered a result or ctx expires;
// a single handle timing out does not abort collection of the others.
func WaitAll(ctx context.Context, handles []*Handle) (map[string]Result, error) {
	results := make(map[string]Result, len(handles))
	var mu sync.Mutex
	var wg sync.WaitGroup
	errCh := make(chan error, len(handles))

	for _, h := range handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			select {
			case res, ok := <-h.Result():
				if !ok {
					errCh <- fmt.Errorf("task %s: result channel closed without a value", h.TaskID)
					return
				}
				mu.Lock()
				results[h.TaskID] = res
				mu.Unlock()
			case <-ctx.Done():
				errCh <- fmt.Errorf("task %s: %w", h.TaskID, ctx.Err())
			}
		}(h)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%d dispatches failed: %v", len(errs), errs[0])
	}
	return results, nil
}
