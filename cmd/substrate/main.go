// Command substrate drives a task-graph session: it loads a graph file,
// runs the scheduler and implementation orchestrator to completion, and
// exposes pause/resume/cancel/cost/adapters/plan as short-lived verbs.
// Dispatch is flag.FlagSet-based on os.Args[1] (no cobra), one slog.Logger
// is constructed at startup and threaded through every constructor, and
// signal.NotifyContext drives SIGINT/SIGTERM shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/substrate/internal/substraterr"
)

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [flags]

COMMANDS:
  start <graph-file>           Load a graph file and run it to completion
  start --resume <session>      Resume an existing session, recovering tasks left running by a crash
  pause <session>               Queue a pause signal for a running session
  resume <session>               Queue a resume signal for a paused session
  cancel <session>               Queue a cancel signal for a session
  cost [flags]                   Report accumulated cost
  adapters list|check            List or health-check configured adapters
  plan validate|list|show|diff   Inspect graph files and recorded plans

FLAGS:
  Run "%s <command> -h" for command-specific flags.

ENVIRONMENT:
  SUBSTRATE_HOME                  Data directory (default: ~/.substrate)
  SUBSTRATE_MAX_CONCURRENCY        Overrides config max_concurrency
  SUBSTRATE_MAX_REVIEW_CYCLES      Overrides config max_review_cycles
  SUBSTRATE_LOG_LEVEL              Overrides config log_level
  ADT_BILLING_MODE                 Overrides config adt_billing_mode
`, os.Args[0], os.Args[0])
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := strings.ToLower(strings.TrimSpace(os.Args[1]))
	args := os.Args[2:]

	var err error
	switch cmd {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "start":
		err = runStart(ctx, args)
	case "pause":
		err = runSignal(ctx, args, "pause")
	case "resume":
		err = runSignal(ctx, args, "resume")
	case "cancel":
		err = runSignal(ctx, args, "cancel")
	case "cost":
		err = runCost(ctx, args)
	case "adapters":
		err = runAdapters(ctx, args)
	case "plan":
		err = runPlan(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "%s: unknown command %q\n", os.Args[0], cmd)
		printUsage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(substraterr.ExitCode(err))
	}
}
