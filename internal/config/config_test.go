package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Collection.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v, want 1m", cfg.Collection.PollInterval)
	}
	if cfg.Collection.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want 30", cfg.Collection.RetentionDays)
	}
	if cfg.Collection.BackfillChunk != 6*time.Hour {
		t.Errorf("BackfillChunk = %v, want 6h", cfg.Collection.BackfillChunk)
	}
	if cfg.Analysis.SuppressionInterval != 6*time.Hour {
		t.Errorf("SuppressionInterval = %v, want 6h", cfg.Analysis.SuppressionInterval)
	}
	if !cfg.Controller.VerifySSL {
		t.Error("VerifySSL should default on")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
collection:
  poll_interval: 5m
  retention_days: 7
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Collection.PollInterval != 5*time.Minute {
		t.Errorf("PollInterval = %v, want 5m", cfg.Collection.PollInterval)
	}
	if cfg.Collection.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7", cfg.Collection.RetentionDays)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Level = %q, want debug", cfg.Logging.Level)
	}
	// Untouched sections keep defaults.
	if cfg.Server.Port != 8080 {
		t.Errorf("Port = %d, want default 8080", cfg.Server.Port)
	}
	if cfg.Collection.RecentWindow != 24*time.Hour {
		t.Errorf("RecentWindow = %v, want default 24h", cfg.Collection.RecentWindow)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
