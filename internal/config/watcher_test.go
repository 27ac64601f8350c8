package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeWatched(t *testing.T, path, prefix string) {
	t.Helper()
	content := []byte("rename:\n  prefix: " + prefix + "\n  rules:\n    X-Spam-Flag: ~\n")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
}

func TestWatcher_Reload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeWatched(t, path, "X-First-")

	changes := make(chan *Config, 4)
	w, err := NewWatcher(path, 20*time.Millisecond, func(cfg *Config) { changes <- cfg }, nil)
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w.Start(ctx)
	defer w.Stop()

	writeWatched(t, path, "X-Second-")

	select {
	case cfg := <-changes:
		if cfg.Relocation().Prefix != "X-Second-" {
			t.Errorf("reloaded prefix = %s, want X-Second-", cfg.Relocation().Prefix)
		}
		if cfg.Path() != path {
			t.Errorf("reloaded Path() = %s", cfg.Path())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no reload after config change")
	}

	// An invalid edit is skipped
	if err := os.WriteFile(path, []byte("rename:\n  rules: {}\n"), 0644); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(300 * time.Millisecond)
	for waiting := true; waiting; {
		select {
		case cfg := <-changes:
			// A late duplicate of the previous write is fine
			if cfg.Relocation().Prefix != "X-Second-" {
				t.Errorf("invalid config should not be delivered, got prefix %s", cfg.Relocation().Prefix)
			}
		case <-deadline:
			waiting = false
		}
	}

	// Other files in the directory are ignored
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.yaml"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	select {
	case cfg := <-changes:
		t.Errorf("unrelated file triggered a reload with prefix %s", cfg.Relocation().Prefix)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestNewWatcher_MissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "config.yaml")
	if _, err := NewWatcher(path, 0, func(*Config) {}, nil); err == nil {
		t.Error("expected error for missing directory")
	}
}
