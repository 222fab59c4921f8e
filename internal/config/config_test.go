package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "missing.toml"), discardLogger())
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}

	if cfg.SyncConcurrency != defaultSyncConcurrency {
		t.Errorf("SyncConcurrency = %d, want %d", cfg.SyncConcurrency, defaultSyncConcurrency)
	}
}

func TestLoadValidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	contents := `
sync_concurrency = 4
remote_delete_behavior = "trash"

[[sync_dir]]
source_path = "/home/user/Documents"
remote_root = "/Documents"

[[exclude]]
path = "/home/user/Documents"
globs = ["*.tmp", "~*"]
`

	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path, discardLogger())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.SyncConcurrency != 4 {
		t.Errorf("SyncConcurrency = %d, want 4", cfg.SyncConcurrency)
	}

	if len(cfg.SyncDirs) != 1 || cfg.SyncDirs[0].RemoteRoot != "/Documents" {
		t.Errorf("SyncDirs = %+v, want one entry with remote_root /Documents", cfg.SyncDirs)
	}

	if len(cfg.ExcludePatterns) != 1 || len(cfg.ExcludePatterns[0].Globs) != 2 {
		t.Errorf("ExcludePatterns = %+v, want one entry with two globs", cfg.ExcludePatterns)
	}
}

func TestLoadUnknownKey(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(path, []byte("bogus_key = 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path, discardLogger()); err == nil {
		t.Fatal("Load: expected error for unknown key, got nil")
	}
}

func TestValidateRejectsRelativeSourcePath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncDirs = []SyncDir{{SourcePath: "relative/path", RemoteRoot: "/x"}}

	if err := Validate(cfg); err == nil {
		t.Fatal("Validate: expected error for relative source_path, got nil")
	}
}

func TestValidateRejectsBadConcurrency(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncConcurrency = 0

	if err := Validate(cfg); err == nil {
		t.Fatal("Validate: expected error for zero concurrency, got nil")
	}
}
