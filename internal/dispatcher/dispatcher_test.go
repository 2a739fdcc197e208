package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/workeradapter"
	"github.com/basket/substrate/internal/workerpool"
)

func newTestRegistry(t *testing.T, binary string) *workeradapter.Registry {
	t.Helper()
	reg := workeradapter.NewRegistry(nil)
	reg.Register(workeradapter.NewCLIAdapter(workeradapter.CLIAdapterConfig{
		ID: "echo-agent", Binary: binary,
	}))
	return reg
}

func TestDispatch_CompletesWithRawOutput(t *testing.T) {
	b := bus.New()
	reg := newTestRegistry(t, "echo")
	pool := workerpool.New(b, nil, t.TempDir())
	d := New(reg, pool, b, nil)

	h, err := d.Dispatch(context.Background(), "task-1", Request{
		Prompt: "hello worktree", Agent: "echo-agent", WorkingDirectory: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case res := <-h.Result():
		if res.Status != StatusCompleted {
			t.Fatalf("expected completed, got %q (error=%q)", res.Status, res.Error)
		}
		if res.ExitCode != 0 {
			t.Fatalf("expected exit code 0, got %d", res.ExitCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch result")
	}
}

func TestDispatch_ValidatesStructuredOutputAgainstSchema(t *testing.T) {
	b := bus.New()
	reg := newTestRegistry(t, "echo")
	pool := workerpool.New(b, nil, t.TempDir())
	d := New(reg, pool, b, nil)

	prompt := "```json\n{\"status\": \"ok\"}\n```"
	schema := []byte(`{"type":"object","required":["status"],"properties":{"status":{"type":"string"}}}`)

	h, err := d.Dispatch(context.Background(), "task-2", Request{
		Prompt: prompt, Agent: "echo-agent", WorkingDirectory: t.TempDir(), OutputSchema: schema,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res := <-h.Result()
	if res.ParseError != "" {
		t.Fatalf("expected no parse error, got %q", res.ParseError)
	}
	if res.Parsed == nil {
		t.Fatal("expected a parsed value")
	}
}

func TestDispatch_SchemaMismatchReportedAsParseErrorNotFatal(t *testing.T) {
	b := bus.New()
	reg := newTestRegistry(t, "echo")
	pool := workerpool.New(b, nil, t.TempDir())
	d := New(reg, pool, b, nil)

	prompt := "```json\n{\"status\": 42}\n```"
	schema := []byte(`{"type":"object","required":["status"],"properties":{"status":{"type":"string"}}}`)

	h, err := d.Dispatch(context.Background(), "task-3", Request{
		Prompt: prompt, Agent: "echo-agent", WorkingDirectory: t.TempDir(), OutputSchema: schema,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res := <-h.Result()
	if res.Status != StatusCompleted {
		t.Fatalf("a schema mismatch must not fail the dispatch status, got %q", res.Status)
	}
	if res.ParseError == "" {
		t.Fatal("expected a parse error for the schema mismatch")
	}
}

func TestDispatch_MissingStructuredBlockReportedAsParseError(t *testing.T) {
	b := bus.New()
	reg := newTestRegistry(t, "echo")
	pool := workerpool.New(b, nil, t.TempDir())
	d := New(reg, pool, b, nil)

	schema := []byte(`{"type":"object"}`)
	h, err := d.Dispatch(context.Background(), "task-4", Request{
		Prompt: "no structured output here", Agent: "echo-agent", WorkingDirectory: t.TempDir(), OutputSchema: schema,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	res := <-h.Result()
	if res.ParseError == "" {
		t.Fatal("expected a parse error when no structured block is present")
	}
}

func TestDispatch_TimeoutMarksResultTimeout(t *testing.T) {
	b := bus.New()
	reg := newTestRegistry(t, "sleep")
	pool := workerpool.New(b, nil, t.TempDir())
	d := New(reg, pool, b, nil)

	h, err := d.Dispatch(context.Background(), "task-5", Request{
		Prompt: "5", Agent: "echo-agent", WorkingDirectory: t.TempDir(), Timeout: 200 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	select {
	case res := <-h.Result():
		if res.Status != StatusTimeout {
			t.Fatalf("expected timeout status, got %q", res.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for dispatch result")
	}
}

func TestDispatch_UnknownAgentReturnsError(t *testing.T) {
	b := bus.New()
	reg := newTestRegistry(t, "echo")
	pool := workerpool.New(b, nil, t.TempDir())
	d := New(reg, pool, b, nil)

	_, err := d.Dispatch(context.Background(), "task-6", Request{Prompt: "x", Agent: "nonexistent"})
	if err == nil {
		t.Fatal("expected an error for an unregistered agent")
	}
}

func TestWaitAll_CollectsEveryResult(t *testing.T) {
	b := bus.New()
	reg := newTestRegistry(t, "echo")
	pool := workerpool.New(b, nil, t.TempDir())
	d := New(reg, pool, b, nil)

	var handles []*Handle
	for i := 0; i < 3; i++ {
		h, err := d.Dispatch(context.Background(), "task-wait-"+string(rune('a'+i)), Request{
			Prompt: "ok", Agent: "echo-agent", WorkingDirectory: t.TempDir(),
		})
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		handles = append(handles, h)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	results, err := WaitAll(ctx, handles)
	if err != nil {
		t.Fatalf("WaitAll: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
}
