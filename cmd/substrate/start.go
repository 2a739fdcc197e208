package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/config"
	"github.com/basket/substrate/internal/dispatcher"
	"github.com/basket/substrate/internal/engine"
	"github.com/basket/substrate/internal/gitworktree"
	"github.com/basket/substrate/internal/graph"
	"github.com/basket/substrate/internal/orchestrator"
	"github.com/basket/substrate/internal/retention"
	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/substraterr"
	"github.com/basket/substrate/internal/telemetry"
	"github.com/basket/substrate/internal/workeradapter"
	"github.com/basket/substrate/internal/workerpool"
)

// envelope is one NDJSON line emitted in --output-format json mode.
type envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func runStart(ctx context.Context, args []string) error {
	const op = "cmd.start"
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	outputFormat := fs.String("output-format", "table", "table|json")
	resumeSessionID := fs.String("resume", "", "resume an existing session id instead of materializing <graph-file> (runs crash recovery first)")
	if err := fs.Parse(args); err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}
	resuming := *resumeSessionID != ""
	if !resuming && fs.NArg() != 1 {
		return substraterr.New(substraterr.CodeValidation, op, "usage: substrate start <graph-file> [--output-format table|json]\n       substrate start --resume <session-id> [--output-format table|json]")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, levelVar, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, *outputFormat == "json")
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer closer.Close()

	st, err := store.LoadOrInitialize(filepath.Join(cfg.HomeDir, "state.db"))
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer st.Close()

	eventBus := bus.NewWithLogger(logger)

	provider, err := telemetry.Init(ctx, telemetry.Config{
		Enabled: cfg.Telemetry.Enabled, Exporter: cfg.Telemetry.Exporter,
		Endpoint: cfg.Telemetry.Endpoint, ServiceName: cfg.Telemetry.ServiceName,
		SampleRate: cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer provider.Shutdown(context.Background())
	sub, err := telemetry.NewSubscriber(provider, logger)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	sub.Attach(eventBus)
	defer sub.Detach(eventBus)

	registry := workeradapter.NewRegistry(logger)
	registerAdapters(registry, cfg.Adapters)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher failed to start, hot-reload disabled", "error", err)
	} else {
		go watchConfig(ctx, watcher, registry, levelVar, logger)
	}

	pool := workerpool.New(eventBus, logger, filepath.Join(cfg.HomeDir, "logs", "workers"))
	defer pool.TerminateAll()
	d := dispatcher.New(registry, pool, eventBus, logger)

	repoDir, err := os.Getwd()
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	scratchDir := filepath.Join(cfg.HomeDir, "worktrees")
	wt := gitworktree.New(repoDir, scratchDir, cfg.WorktreeBranchTag)

	eng := engine.New(engine.Config{Store: st, Bus: eventBus, Pool: pool, Log: logger, MaxConcurrency: cfg.MaxConcurrency})
	engCtx, cancelEng := context.WithCancel(context.Background())
	defer cancelEng()
	go eng.Run(engCtx)

	costRates := make(map[string]float64, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		costRates[a.ID] = a.CostPerKTokenUSD
	}
	orch := orchestrator.New(orchestrator.Config{
		Store: st, Bus: eventBus, Engine: eng, Dispatcher: d, Worktrees: wt, Log: logger,
		MaxReviewCycles: cfg.MaxReviewCycles, BaseBranch: "main",
		BillingMode: cfg.ADTBillingMode, CostRates: costRates,
	})

	var sess *store.Session
	if resuming {
		sess, err = st.GetSession(ctx, *resumeSessionID)
		if err != nil {
			return err
		}
		requeued, err := st.RecoverRunningTasks(ctx, sess.ID)
		if err != nil {
			return substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		logger.Info("resumed session, applied crash recovery", "session_id", sess.ID, "requeued_tasks", requeued)
	} else {
		graphPath := fs.Arg(0)
		raw, err := os.ReadFile(graphPath)
		if err != nil {
			return substraterr.Wrap(substraterr.CodeParse, op, err)
		}
		doc, err := graph.Load(graphPath)
		if err != nil {
			return err
		}
		if err := doc.Validate(); err != nil {
			return err
		}

		sess, err = graph.Materialize(ctx, st, doc, graphPath, "main", cfg.DefaultRetryCeiling)
		if err != nil {
			return err
		}

		plan, err := st.CreatePlan(ctx, sess.ID, doc.Session.Name)
		if err != nil {
			return substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
		if _, err := st.CreatePlanVersion(ctx, plan.ID, string(raw)); err != nil {
			return substraterr.Wrap(substraterr.CodeSystem, op, err)
		}
	}

	retentionSweeper := retention.New(retention.Config{
		Store: st, Log: logger, RetentionDays: cfg.RetentionDays, Schedule: cfg.RetentionSchedule,
	})
	retentionSweeper.Start(ctx)
	defer retentionSweeper.Stop()

	orch.Start(ctx, sess.ID)
	defer orch.Stop()

	// The orchestrator's conflict-group queues are independent of the
	// engine's pause/resume state machine (they react to task:ready, not to
	// signals), so keep them in lockstep here rather than inside either
	// package.
	pauseSub := eventBus.Subscribe(bus.TopicGraphPaused, func(ev bus.Event) {
		if payload, ok := ev.Payload.(map[string]any); ok && payload["session_id"] == sess.ID {
			orch.Pause()
		}
	})
	resumeSub := eventBus.Subscribe(bus.TopicGraphResumed, func(ev bus.Event) {
		if payload, ok := ev.Payload.(map[string]any); ok && payload["session_id"] == sess.ID {
			orch.Resume(ctx)
		}
	})
	defer eventBus.Unsubscribe(pauseSub)
	defer eventBus.Unsubscribe(resumeSub)

	jsonMode := *outputFormat == "json"
	done := make(chan struct{})
	if jsonMode {
		for _, topic := range []string{
			bus.TopicOrchestratorStoryPhaseComplete, bus.TopicOrchestratorStoryComplete,
			bus.TopicOrchestratorStoryEscalated, bus.TopicGraphPaused, bus.TopicGraphResumed,
			bus.TopicGraphCancelled, bus.TopicGraphComplete,
		} {
			topic := topic
			eventBus.Subscribe(topic, func(ev bus.Event) { emitEnvelope(topic, ev.Payload) })
		}
	}
	completeSub := eventBus.Subscribe(bus.TopicGraphComplete, func(ev bus.Event) {
		if payload, ok := ev.Payload.(map[string]any); ok && payload["session_id"] == sess.ID {
			close(done)
		}
	})
	defer eventBus.Unsubscribe(completeSub)

	if err := eng.StartExecution(ctx, sess.ID, cfg.MaxConcurrency); err != nil {
		return err
	}

	select {
	case <-done:
		logger.Info("session complete", "session_id", sess.ID)
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping in-flight work", "session_id", sess.ID)
		_ = eng.Cancel(context.Background())
	}
	return nil
}

func emitEnvelope(event string, data any) {
	env := envelope{Event: event, Timestamp: time.Now().UTC(), Data: data}
	b, err := json.Marshal(env)
	if err != nil {
		return
	}
	fmt.Println(string(b))
}

func registerAdapters(registry *workeradapter.Registry, adapters []config.AdapterConfig) {
	for _, a := range adapters {
		registry.Register(workeradapter.NewCLIAdapter(workeradapter.CLIAdapterConfig{
			ID: a.ID, Binary: a.Binary, PromptFlag: a.PromptFlag, PlanFlag: a.PlanFlag,
			BillingEnv: a.BillingEnv, UnsetEnvKeys: a.UnsetEnvKeys,
		}))
	}
}

// watchConfig applies config.yaml changes to the pieces of a running session
// that can be hot-swapped without a restart: adapter commands/credentials
// (Registry.Register replaces an adapter in place by id) and log verbosity
// via levelVar. max_concurrency, retention and conflict groups are read once
// at session start and still require a restart to change.
func watchConfig(ctx context.Context, w *config.Watcher, registry *workeradapter.Registry, levelVar *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			reloaded, err := config.Load()
			if err != nil {
				logger.Warn("config reload failed, keeping previous configuration", "path", ev.Path, "error", err)
				continue
			}
			registerAdapters(registry, reloaded.Adapters)
			levelVar.Set(telemetry.ParseLevel(reloaded.LogLevel))
			logger.Info("config reloaded", "path", ev.Path, "adapters", len(reloaded.Adapters), "log_level", reloaded.LogLevel)
		}
	}
}
