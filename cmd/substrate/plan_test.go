package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/substraterr"
)

func newTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	home := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", home)
	st, err := store.LoadOrInitialize(filepath.Join(home, "state.db"))
	if err != nil {
		t.Fatalf("LoadOrInitialize: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st, home
}

func newTestSession(t *testing.T, st *store.Store) *store.Session {
	t.Helper()
	sess, err := st.CreateSession(context.Background(), &store.Session{
		Name: "demo", GraphSourcePath: "demo.yaml", Status: store.SessionStatusActive, BaseBranch: "main",
	})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestRunPlanValidate_GoodGraph(t *testing.T) {
	dir := t.TempDir()
	graphPath := filepath.Join(dir, "graph.yaml")
	content := `version: "1"
session:
  name: demo
tasks:
  a:
    name: task a
    prompt: do a
    type: coding
    agent: worker
`
	if err := os.WriteFile(graphPath, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := runPlanValidate([]string{graphPath}); err != nil {
		t.Fatalf("runPlanValidate: %v", err)
	}
}

func TestRunPlanValidate_MissingArg(t *testing.T) {
	err := runPlanValidate(nil)
	if err == nil {
		t.Fatal("expected error for missing graph-file argument")
	}
	if !substraterr.Is(err, substraterr.CodeValidation) {
		t.Fatalf("expected CodeValidation, got %v", err)
	}
}

func TestRunPlanList_NoPlans(t *testing.T) {
	st, _ := newTestStore(t)
	sess := newTestSession(t, st)

	if err := runPlanList(context.Background(), []string{"--session", sess.ID}); err != nil {
		t.Fatalf("runPlanList: %v", err)
	}
}

func TestRunPlanShowAndDiff(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)

	plan, err := st.CreatePlan(ctx, sess.ID, sess.Name)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if _, err := st.CreatePlanVersion(ctx, plan.ID, "version one\n"); err != nil {
		t.Fatalf("CreatePlanVersion v1: %v", err)
	}
	if _, err := st.CreatePlanVersion(ctx, plan.ID, "version two\n"); err != nil {
		t.Fatalf("CreatePlanVersion v2: %v", err)
	}

	if err := runPlanShow(ctx, []string{sess.ID}); err != nil {
		t.Fatalf("runPlanShow (latest): %v", err)
	}
	if err := runPlanShow(ctx, []string{"--version", "1", sess.ID}); err != nil {
		t.Fatalf("runPlanShow (version 1): %v", err)
	}
	if err := runPlanShow(ctx, []string{"--version", "99", sess.ID}); err == nil {
		t.Fatal("expected not-found error for unknown version")
	} else if !substraterr.Is(err, substraterr.CodeNotFound) {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}

	if err := runPlanDiff(ctx, []string{sess.ID, "1", "2"}); err != nil {
		t.Fatalf("runPlanDiff: %v", err)
	}
}

func TestRunPlanDiff_BadVersionArg(t *testing.T) {
	st, _ := newTestStore(t)
	sess := newTestSession(t, st)

	err := runPlanDiff(context.Background(), []string{sess.ID, "not-a-number", "2"})
	if err == nil {
		t.Fatal("expected error for non-numeric version")
	}
}

func TestPrintUnifiedDiff_NoPanicOnEqualContent(t *testing.T) {
	printUnifiedDiff(1, "same\n", 1, "same\n")
}

func TestPlan_UnknownSubcommand(t *testing.T) {
	err := runPlan(context.Background(), []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "usage") {
		t.Fatalf("expected usage error, got %v", err)
	}
}
