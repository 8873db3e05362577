package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// TestReload verifies that Reload swaps the whitelist and keeps it when the file is broken
func TestReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hermes.toml")
	writeConfig(t, path, "[whitelist]\nusers = [\"username\"]\n")
	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.SetLogger(zap.NewNop())
	if cfg.File != path {
		t.Errorf("Expected File %q, got %q", path, cfg.File)
	}

	var reloads int32
	r, err := NewReloader(cfg, func() { atomic.AddInt32(&reloads, 1) })
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}
	defer r.Stop()

	writeConfig(t, path, "[whitelist]\nusers = [\"username\", \"email\"]\norders = [\"total\"]\n")
	if err := r.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := cfg.Whitelisted("users"); len(got) != 2 || got[1] != "email" {
		t.Errorf("Unexpected users whitelist %v", got)
	}
	if got := cfg.Whitelisted("orders"); len(got) != 1 {
		t.Errorf("Unexpected orders whitelist %v", got)
	}

	writeConfig(t, path, "[whitelist\n")
	if err := r.Reload(); err == nil {
		t.Error("Expected a parse error")
	}
	if got := cfg.Whitelisted("users"); len(got) != 2 {
		t.Errorf("Broken file should keep the whitelist, got %v", got)
	}
	if n := atomic.LoadInt32(&reloads); n != 1 {
		t.Errorf("Expected 1 reload callback, got %d", n)
	}
}

// TestReloadOnWrite verifies that writing the file triggers a reload
func TestReloadOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hermes.toml")
	writeConfig(t, path, "[server]\nport = 9000\n")
	cfg, err := Load([]string{"--config", path})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	cfg.SetLogger(zap.NewNop())

	reloaded := make(chan struct{}, 8)
	r, err := NewReloader(cfg, func() { reloaded <- struct{}{} })
	if err != nil {
		t.Fatalf("NewReloader failed: %v", err)
	}
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer r.Stop()

	// an unrelated file in the same directory is ignored
	writeConfig(t, filepath.Join(filepath.Dir(path), "other.toml"), "[whitelist]\nx = [\"y\"]\n")
	writeConfig(t, path, "[whitelist]\nusers = [\"username\"]\n")

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("Timed out waiting for reload")
	}
	if got := cfg.Whitelisted("users"); len(got) != 1 || got[0] != "username" {
		t.Errorf("Unexpected whitelist %v", got)
	}
	if cfg.Whitelisted("x") != nil {
		t.Error("Unrelated file should not be loaded")
	}
}
