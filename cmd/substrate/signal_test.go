package main

import (
	"context"
	"testing"

	"github.com/basket/substrate/internal/store"
	"github.com/basket/substrate/internal/substraterr"
)

func TestRunSignal_QueuesRow(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, st)

	if err := runSignal(ctx, []string{sess.ID}, "pause"); err != nil {
		t.Fatalf("runSignal pause: %v", err)
	}

	sigs, err := st.ListUnprocessedSignals(ctx, sess.ID)
	if err != nil {
		t.Fatalf("ListUnprocessedSignals: %v", err)
	}
	if len(sigs) != 1 || sigs[0].Kind != store.SignalPause {
		t.Fatalf("expected one queued pause signal, got %+v", sigs)
	}
}

func TestRunSignal_UnknownSession(t *testing.T) {
	newTestStore(t)
	err := runSignal(context.Background(), []string{"does-not-exist"}, "cancel")
	if err == nil {
		t.Fatal("expected error for unknown session")
	}
	if !substraterr.Is(err, substraterr.CodeNotFound) {
		t.Fatalf("expected CodeNotFound, got %v", err)
	}
}

func TestRunSignal_MissingArg(t *testing.T) {
	newTestStore(t)
	err := runSignal(context.Background(), nil, "resume")
	if err == nil || !substraterr.Is(err, substraterr.CodeValidation) {
		t.Fatalf("expected CodeValidation, got %v", err)
	}
}
