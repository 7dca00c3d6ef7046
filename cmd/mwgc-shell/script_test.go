package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testScenario = `heap: 256
steps:
  - alloc 16 a
  - alloc 16 b
  - stats
  - gc a
  - stats
  - dump
`

func TestRunScript(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	if err := os.WriteFile(path, []byte(testScenario), 0o644); err != nil {
		t.Fatal(err)
	}

	var out strings.Builder
	if err := runScript(path, &out, false); err != nil {
		t.Fatalf("runScript: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, "a = 0x") {
		t.Errorf("output does not report the allocation address:\n%s", text)
	}
	// One block stays live after collecting with only "a" rooted.
	if !strings.Contains(text, "224B free of 240B") {
		t.Errorf("output does not report the post-gc statistics:\n%s", text)
	}
	if !strings.Contains(text, "*") || !strings.Contains(text, "·") {
		t.Errorf("dump missing from output:\n%s", text)
	}
}

func TestShellErrors(t *testing.T) {
	sh, err := newShell(256, &strings.Builder{}, false)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		line string
		want string
	}{
		{"frobnicate", "unknown command"},
		{"alloc", "usage"},
		{"retire nosuch", "no allocation named"},
		{"alloc 9999", "out of memory"},
		{"verify", "no snapshot"},
	}
	for _, tc := range tests {
		err := sh.exec(tc.line)
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Errorf("exec(%q) = %v, want error containing %q", tc.line, err, tc.want)
		}
	}

	// Comments and blank lines are fine.
	if err := sh.exec(""); err != nil {
		t.Errorf("blank line: %v", err)
	}
	if err := sh.exec("# comment"); err != nil {
		t.Errorf("comment: %v", err)
	}
}

func TestShellLifecycle(t *testing.T) {
	var out strings.Builder
	sh, err := newShell(256, &out, false)
	if err != nil {
		t.Fatal(err)
	}

	for _, line := range []string{
		"alloc 16 a",
		"alloc 16 b",
		"snap",
		"gc a b",
		"verify",
		"retire b",
		"gc a",
	} {
		if err := sh.exec(line); err != nil {
			t.Fatalf("exec(%q): %v", line, err)
		}
	}
	if _, ok := sh.names["a"]; !ok {
		t.Error("rooted allocation lost its name")
	}
	if _, ok := sh.names["b"]; ok {
		t.Error("retired allocation kept its name")
	}
}
