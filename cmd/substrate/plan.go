package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/basket/substrate/internal/config"
	"github.com/basket/substrate/internal/graph"
	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/substraterr"
)

func runPlan(ctx context.Context, args []string) error {
	const op = "cmd.plan"
	if len(args) == 0 {
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate plan validate|list|show|diff")
	}
	sub, rest := strings.ToLower(args[0]), args[1:]

	switch sub {
	case "validate":
		return runPlanValidate(rest)
	case "list":
		return runPlanList(ctx, rest)
	case "show":
		return runPlanShow(ctx, rest)
	case "diff":
		return runPlanDiff(ctx, rest)
	default:
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate plan validate|list|show|diff")
	}
}

// runPlanValidate checks a graph file the way "start" would before
// materializing a session, without touching the store at all.
func runPlanValidate(args []string) error {
	const op = "cmd.plan.validate"
	fs := flag.NewFlagSet("plan.validate", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}
	if fs.NArg() != 1 {
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate plan validate <graph-file>")
	}
	doc, err := graph.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	if err := doc.Validate(); err != nil {
		return err
	}
	fmt.Printf("%s: ok (%d tasks)\n", fs.Arg(0), len(doc.Tasks))
	return nil
}

func openStoreForPlan(op string) (*store.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	st, err := store.LoadOrInitialize(filepath.Join(cfg.HomeDir, "state.db"))
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	return st, nil
}

func runPlanList(ctx context.Context, args []string) error {
	const op = "cmd.plan.list"
	fs := flag.NewFlagSet("plan.list", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session id (required)")
	if err := fs.Parse(args); err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}
	if *sessionID == "" {
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate plan list --session <id>")
	}

	st, err := openStoreForPlan(op)
	if err != nil {
		return err
	}
	defer st.Close()

	plans, err := st.ListPlansBySession(ctx, *sessionID)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	if len(plans) == 0 {
		fmt.Println("no plans recorded for this session")
		return nil
	}
	for _, p := range plans {
		fmt.Printf("%s  %-30s  %s\n", p.ID, p.Name, p.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

// planForSession resolves the single plan a session's graph file was
// materialized into. A session accrues exactly one plan at "start" time;
// ListPlansBySession exists for completeness, but show/diff only ever operate
// on the most recently created one.
func planForSession(ctx context.Context, st *store.Store, op, sessionID string) (*store.Plan, error) {
	plans, err := st.ListPlansBySession(ctx, sessionID)
	if err != nil {
		return nil, substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	if len(plans) == 0 {
		return nil, substraterr.New(substraterr.CodeNotFound, op, "no plan recorded for session "+sessionID)
	}
	return plans[len(plans)-1], nil
}

func runPlanShow(ctx context.Context, args []string) error {
	const op = "cmd.plan.show"
	fs := flag.NewFlagSet("plan.show", flag.ContinueOnError)
	version := fs.Int("version", 0, "specific version (default: latest)")
	if err := fs.Parse(args); err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}
	if fs.NArg() != 1 {
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate plan show <session> [--version N]")
	}
	sessionID := fs.Arg(0)

	st, err := openStoreForPlan(op)
	if err != nil {
		return err
	}
	defer st.Close()

	plan, err := planForSession(ctx, st, op, sessionID)
	if err != nil {
		return err
	}

	if *version == 0 {
		v, err := st.LatestPlanVersion(ctx, plan.ID)
		if err != nil {
			return err
		}
		fmt.Println(v.Content)
		return nil
	}

	versions, err := st.ListPlanVersions(ctx, plan.ID)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	for _, v := range versions {
		if v.Version == *version {
			fmt.Println(v.Content)
			return nil
		}
	}
	return substraterr.New(substraterr.CodeNotFound, op, fmt.Sprintf("plan %s has no version %d", plan.ID, *version))
}

func runPlanDiff(ctx context.Context, args []string) error {
	const op = "cmd.plan.diff"
	fs := flag.NewFlagSet("plan.diff", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}
	if fs.NArg() != 3 {
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate plan diff <session> <v1> <v2>")
	}
	sessionID := fs.Arg(0)
	v1, err := strconv.Atoi(fs.Arg(1))
	if err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}
	v2, err := strconv.Atoi(fs.Arg(2))
	if err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}

	st, err := openStoreForPlan(op)
	if err != nil {
		return err
	}
	defer st.Close()

	plan, err := planForSession(ctx, st, op, sessionID)
	if err != nil {
		return err
	}
	versions, err := st.ListPlanVersions(ctx, plan.ID)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}

	var a, b *store.PlanVersion
	for _, v := range versions {
		if v.Version == v1 {
			a = v
		}
		if v.Version == v2 {
			b = v
		}
	}
	if a == nil {
		return substraterr.New(substraterr.CodeNotFound, op, fmt.Sprintf("plan %s has no version %d", plan.ID, v1))
	}
	if b == nil {
		return substraterr.New(substraterr.CodeNotFound, op, fmt.Sprintf("plan %s has no version %d", plan.ID, v2))
	}

	printUnifiedDiff(a.Version, a.Content, b.Version, b.Content)
	return nil
}

// printUnifiedDiff renders a minimal line-oriented diff. No third-party diff
// library appears anywhere in the example pack, so this stays on the
// standard library rather than pulling one in for a single CLI verb.
func printUnifiedDiff(v1 int, a string, v2 int, b string) {
	linesA := strings.Split(a, "\n")
	linesB := strings.Split(b, "\n")
	fmt.Printf("--- v%d\n+++ v%d\n", v1, v2)

	setA := make(map[string]int, len(linesA))
	for _, l := range linesA {
		setA[l]++
	}
	setB := make(map[string]int, len(linesB))
	for _, l := range linesB {
		setB[l]++
	}

	for _, l := range linesA {
		if setB[l] == 0 {
			fmt.Printf("-%s\n", l)
		}
	}
	for _, l := range linesB {
		if setA[l] == 0 {
			fmt.Printf("+%s\n", l)
		}
	}
	if v1 == v2 || (len(linesA) == len(linesB) && a == b) {
		fmt.Println("(no differences)")
	}
}
