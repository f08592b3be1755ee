package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRuleFile(t *testing.T, path, version, decision string) {
	t.Helper()
	content := `{
		"version": "` + version + `",
		"rules": [
			{
				"id": "R1",
				"name": "Amount",
				"logic": "AND",
				"conditions": [{"field": "transaction_amount", "operator": ">", "value": 1000}],
				"outcome": {"risk_score": 80, "decision": "` + decision + `", "reason": "big"}
			},
			{
				"id": "DEFAULT",
				"name": "Default",
				"logic": "ALWAYS",
				"outcome": {"risk_score": 0, "decision": "ALLOW", "reason": "clean"}
			}
		]
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write rule file: %v", err)
	}
}

func waitForVersion(t *testing.T, engine *Engine, version string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if engine.Version() == version {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("engine never reached version %s (at %s)", version, engine.Version())
}

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	writeRuleFile(t, path, "w1", "BLOCK")

	rs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	engine := NewEngine(rs)

	watcher, err := NewWatcher(path, engine)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer watcher.Close()

	reloaded := make(chan string, 4)
	watcher.OnReload = func(version string) { reloaded <- version }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)

	writeRuleFile(t, path, "w2", "REVIEW")
	waitForVersion(t, engine, "w2")

	select {
	case v := <-reloaded:
		if v != "w2" {
			t.Errorf("expected reload callback with w2, got %s", v)
		}
	case <-time.After(time.Second):
		t.Error("reload callback not invoked")
	}
}

func TestWatcherKeepsActiveSetOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.json")
	writeRuleFile(t, path, "w1", "BLOCK")

	rs, err := LoadFile(path)
	if err != nil {
		t.Fatalf("initial load failed: %v", err)
	}
	engine := NewEngine(rs)

	watcher, err := NewWatcher(path, engine)
	if err != nil {
		t.Fatalf("failed to create watcher: %v", err)
	}
	defer watcher.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	watcher.Start(ctx)

	// A rule set with no DEFAULT rule must be rejected.
	bad := `{"version": "broken", "rules": [{"id": "R1", "name": "n", "logic": "AND",
		"conditions": [{"field": "transaction_amount", "operator": ">", "value": 1}],
		"outcome": {"risk_score": 10, "decision": "ALLOW", "reason": "r"}}]}`
	if err := os.WriteFile(path, []byte(bad), 0644); err != nil {
		t.Fatalf("failed to write bad file: %v", err)
	}

	// Give the watcher time to see the change and reject it.
	time.Sleep(600 * time.Millisecond)

	if engine.Version() != "w1" {
		t.Errorf("invalid file must not replace active set, got version %s", engine.Version())
	}
}
