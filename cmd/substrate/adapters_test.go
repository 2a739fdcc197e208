package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeTestConfig(t *testing.T, home string, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config.yaml: %v", err)
	}
}

func TestRunAdapters_List(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", home)
	writeTestConfig(t, home, `
adapters:
  - id: echo-agent
    binary: /bin/echo
    prompt_flag: "-p"
`)

	if err := runAdapters(context.Background(), []string{"list"}); err != nil {
		t.Fatalf("runAdapters list: %v", err)
	}
}

func TestRunAdapters_Check(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", home)
	writeTestConfig(t, home, `
adapters:
  - id: echo-agent
    binary: /bin/echo
    prompt_flag: "-p"
`)

	if err := runAdapters(context.Background(), []string{"check"}); err != nil {
		t.Fatalf("runAdapters check: %v", err)
	}
}

func TestRunAdapters_MissingSubcommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", home)
	if err := runAdapters(context.Background(), nil); err == nil {
		t.Fatal("expected error for missing subcommand")
	}
}

func TestRunAdapters_UnknownSubcommand(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SUBSTRATE_HOME", home)
	if err := runAdapters(context.Background(), []string{"bogus"}); err == nil {
		t.Fatal("expected error for unknown subcommand")
	}
}
