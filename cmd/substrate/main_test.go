package main

import (
	"bytes"
	"os"
	"testing"
)

func TestPrintUsage_ListsCommands(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	origStderr := os.Stderr
	os.Stderr = w
	printUsage()
	w.Close()
	os.Stderr = origStderr

	var buf bytes.Buffer
	buf.ReadFrom(r)
	out := buf.String()

	for _, want := range []string{"start <graph-file>", "pause <session>", "adapters list|check", "plan validate|list|show|diff", "SUBSTRATE_HOME"} {
		if !bytes.Contains([]byte(out), []byte(want)) {
			t.Errorf("usage output missing %q, got: %s", want, out)
		}
	}
}
