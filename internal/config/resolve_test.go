package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestResolveTargetFlagWins(t *testing.T) {
	withTempHome(t)

	target, err := ResolveTarget("t1", "t2")
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if target != "t1" {
		t.Errorf("target = %q, want t1", target)
	}
}

func TestResolveTargetEnvWins(t *testing.T) {
	withTempHome(t)

	target, err := ResolveTarget("", "t2")
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if target != "t2" {
		t.Errorf("target = %q, want t2", target)
	}
}

func TestResolveTargetConfigFallback(t *testing.T) {
	withTempHome(t)

	if err := Set("default_target", "t5"); err != nil {
		t.Fatal(err)
	}

	target, err := ResolveTarget("", "")
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if target != "t5" {
		t.Errorf("target = %q, want t5", target)
	}
}

func TestResolveTargetMostRecent(t *testing.T) {
	tmp := withTempHome(t)

	for _, name := range []string{"old", "newer", "newest"} {
		dir := filepath.Join(tmp, "targets", name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	// Force a known mtime ordering: "old" predates the others.
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(filepath.Join(tmp, "targets", "old"), past, past); err != nil {
		t.Fatal(err)
	}

	target, err := ResolveTarget("", "")
	if err != nil {
		t.Fatalf("ResolveTarget: %v", err)
	}
	if target == "old" {
		t.Errorf("target = %q, want the more recently modified directory", target)
	}
}

func TestResolveTargetNothingConfigured(t *testing.T) {
	withTempHome(t)

	if _, err := ResolveTarget("", ""); err == nil {
		t.Fatal("expected error when nothing is configured")
	}
}

