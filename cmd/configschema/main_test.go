package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunWritesSchemaCoveringConfigKeys(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "schema", "lockstep.json")
	var stderr bytes.Buffer
	if code := run([]string{"-out", out}, &stderr); code != 0 {
		t.Fatalf("exit %d: %s", code, stderr.String())
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("schema is not valid JSON: %v", err)
	}
	for _, key := range []string{`"tickRate"`, `"retryCap"`, `"electionWindow"`, `"logging"`, `"minimumSeverity"`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("schema missing %s", key)
		}
	}
	entries, _ := os.ReadDir(filepath.Dir(out))
	if len(entries) != 1 {
		t.Fatalf("expected only the schema file, found %d entries", len(entries))
	}
}

func TestRunCheckDetectsDrift(t *testing.T) {
	out := filepath.Join(t.TempDir(), "lockstep.json")
	var stderr bytes.Buffer
	if code := run([]string{"-out", out}, &stderr); code != 0 {
		t.Fatalf("write exit %d: %s", code, stderr.String())
	}
	if code := run([]string{"-out", out, "-check"}, &stderr); code != 0 {
		t.Fatalf("fresh schema should pass check: %s", stderr.String())
	}
	if err := os.WriteFile(out, []byte("{}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	stderr.Reset()
	if code := run([]string{"-out", out, "-check"}, &stderr); code != 1 {
		t.Fatalf("expected drift to fail, got exit %d", code)
	}
	if !strings.Contains(stderr.String(), "schema out of date") {
		t.Fatalf("unexpected message %q", stderr.String())
	}
}

func TestRunRequiresOut(t *testing.T) {
	var stderr bytes.Buffer
	if code := run(nil, &stderr); code != 2 {
		t.Fatalf("expected usage exit, got %d", code)
	}
}
