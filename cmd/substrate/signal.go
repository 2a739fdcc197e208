package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"path/filepath"
	"time"

	"github.com/basket/substrate/internal/bus"
	"github.com/basket/substrate/internal/config"
	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/substraterr"
)

var signalKinds = map[string]store.SignalKind{
	"pause": store.SignalPause, "resume": store.SignalResume, "cancel": store.SignalCancel,
}

var signalTopics = map[string]string{
	"pause": bus.TopicSessionPauseRequested, "resume": bus.TopicSessionResumeRequested,
	"cancel": bus.TopicSessionCancelRequested,
}

// runSignal implements the pause/resume/cancel verbs: queue one row in
// session_signals and exit. The running "start" process (if any) picks the
// row up on its next poll interval, not this process, which never touches
// the engine directly.
func runSignal(ctx context.Context, args []string, verb string) error {
	const op = "cmd.signal"
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	outputFormat := fs.String("output-format", "table", "table|json")
	if err := fs.Parse(args); err != nil {
		return substraterr.Wrap(substraterr.CodeValidation, op, err)
	}
	if fs.NArg() != 1 {
		return substraterr.New(substraterr.CodeValidation, op, fmt.Sprintf("usage: substrate %s <session>", verb))
	}
	sessionID := fs.Arg(0)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := store.LoadOrInitialize(filepath.Join(cfg.HomeDir, "state.db"))
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}
	defer st.Close()

	if _, err := st.GetSession(ctx, sessionID); err != nil {
		return err
	}

	kind := signalKinds[verb]
	id, err := st.InsertSignal(ctx, sessionID, kind)
	if err != nil {
		return substraterr.Wrap(substraterr.CodeSystem, op, err)
	}

	data := map[string]any{"session_id": sessionID, "signal_id": id, "kind": string(kind)}
	if *outputFormat == "json" {
		// A local, throwaway bus: no running process shares it, but emitting
		// through it keeps every command's JSON output shaped the same way
		// (one envelope keyed by a bus topic), preserving the distinction
		// between this process requesting a signal and the engine that
		// eventually consumes and applies it.
		topic := signalTopics[verb]
		b := bus.New()
		b.Subscribe(topic, func(ev bus.Event) {
			env := envelope{Event: topic, Timestamp: time.Now().UTC(), Data: ev.Payload}
			out, _ := json.Marshal(env)
			fmt.Println(string(out))
		})
		b.Emit(topic, data)
	} else {
		fmt.Printf("queued %s signal %d for session %s\n", kind, id, sessionID)
	}
	return nil
}
