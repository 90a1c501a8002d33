package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const scenarioDoc = `
scenario: {name: smoke}
nodes: {count: 3}
mobility:
  kind: static
  static:
    - {a: 1, b: 2, distance: 5}
    - {a: 2, b: 3, distance: 12}
observability: {metrics_addr: "127.0.0.1:0", log_level: warn}
`

func TestEmulatorLocalRunSmoke(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dir := t.TempDir()
	path := filepath.Join(dir, "scenario.yaml")
	if err := os.WriteFile(path, []byte(scenarioDoc), 0o644); err != nil {
		t.Fatalf("write scenario: %v", err)
	}

	var stdout, stderr bytes.Buffer
	args := []string{"-config", path, "-max-steps", "3", "-ledger", filepath.Join(dir, "ledger.db")}
	if err := run(ctx, args, &stdout, &stderr); err != nil {
		t.Fatalf("run: %v\n%s", err, stderr.String())
	}
	if got := strings.TrimSpace(stdout.String()); got != "steps=3 skipped=2 created=2 up=0 down=0 reimpaired=0" {
		t.Fatalf("summary = %q", got)
	}
}

func TestEmulatorRejectsBadScenario(t *testing.T) {
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), []string{"-config", filepath.Join(t.TempDir(), "missing.yaml")}, &stdout, &stderr)
	if err == nil {
		t.Fatalf("missing scenario should fail")
	}
}
