package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverlay_MissingFile(t *testing.T) {
	overlay, err := LoadOverlay(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overlay.BatchSize != nil {
		t.Errorf("expected nil BatchSize, got %v", *overlay.BatchSize)
	}
}

func TestLoadOverlay_EmptyPath(t *testing.T) {
	overlay, err := LoadOverlay("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overlay == nil {
		t.Fatal("expected non-nil overlay")
	}
}

func TestLoadOverlay_AppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "overlay.yaml")
	content := "batch_size: 250\nupload_cron: \"*/10 * * * *\"\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	overlay, err := LoadOverlay(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if overlay.BatchSize == nil || *overlay.BatchSize != 250 {
		t.Fatalf("expected BatchSize=250, got %v", overlay.BatchSize)
	}

	cfg := &EnvConfig{BatchSize: 1000, UploadCron: "*/5 * * * *", MaxRetries: 3}
	overlay.Apply(cfg)
	if cfg.BatchSize != 250 {
		t.Errorf("BatchSize: got %d, want 250", cfg.BatchSize)
	}
	if cfg.UploadCron != "*/10 * * * *" {
		t.Errorf("UploadCron: got %q, want */10 * * * *", cfg.UploadCron)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("MaxRetries should be untouched: got %d, want 3", cfg.MaxRetries)
	}
}

func TestLoadOverlay_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("batch_size: [1, 2"), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	if _, err := LoadOverlay(path); err == nil {
		t.Fatal("expected parse error for malformed YAML")
	}
}
