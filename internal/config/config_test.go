package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Backend.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.Backend.MaxRetries)
	}
	if cfg.Backend.RecognizeTimeout != 20*time.Second {
		t.Errorf("unexpected recognize timeout %s", cfg.Backend.RecognizeTimeout)
	}
	if cfg.Backend.RegisterTimeout != 120*time.Second {
		t.Errorf("unexpected register timeout %s", cfg.Backend.RegisterTimeout)
	}
	if cfg.Image.SmallImageThreshold != 50*1024 || cfg.Image.MaxImageSize != 5*1024*1024 {
		t.Errorf("unexpected image bounds %+v", cfg.Image)
	}
	if cfg.Capture.ShotCount != 3 || cfg.Capture.Interval != time.Second {
		t.Errorf("unexpected burst settings %+v", cfg.Capture)
	}
	if cfg.Capture.FramesUsedForSubmission != 1 {
		t.Errorf("expected first-frame policy, got %d", cfg.Capture.FramesUsedForSubmission)
	}
	if cfg.Diagnostics.ConfidenceThreshold != 0.7 {
		t.Errorf("unexpected threshold %f", cfg.Diagnostics.ConfidenceThreshold)
	}
	if !cfg.Backend.DegradedListing {
		t.Error("expected degraded listing enabled by default")
	}
	if cfg.Server.SessionIdleTTL != 30*time.Minute {
		t.Errorf("unexpected session idle ttl %s", cfg.Server.SessionIdleTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("BACKEND_URL", "http://localhost:9999")
	t.Setenv("BACKEND_MAX_RETRIES", "5")
	t.Setenv("BURST_INTERVAL", "250ms")
	t.Setenv("SHOW_DETAILED_ERRORS", "true")
	t.Setenv("CONFIDENCE_THRESHOLD", "0.8")
	t.Setenv("BACKEND_BACKOFF_BASE", "not-a-duration")
	t.Setenv("BACKEND_DEGRADED_LISTING", "false")
	t.Setenv("SESSION_IDLE_TTL", "5m")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Backend.URL != "http://localhost:9999" {
		t.Errorf("unexpected url %s", cfg.Backend.URL)
	}
	if cfg.Backend.MaxRetries != 5 {
		t.Errorf("unexpected retries %d", cfg.Backend.MaxRetries)
	}
	if cfg.Capture.Interval != 250*time.Millisecond {
		t.Errorf("unexpected interval %s", cfg.Capture.Interval)
	}
	if !cfg.Diagnostics.ShowDetailedErrors {
		t.Error("expected detailed errors")
	}
	if cfg.Diagnostics.ConfidenceThreshold != 0.8 {
		t.Errorf("unexpected threshold %f", cfg.Diagnostics.ConfidenceThreshold)
	}
	if cfg.Backend.BackoffBase != time.Second {
		t.Errorf("invalid duration should keep default, got %s", cfg.Backend.BackoffBase)
	}
	if cfg.Backend.DegradedListing {
		t.Error("expected degraded listing disabled by env")
	}
	if cfg.Server.SessionIdleTTL != 5*time.Minute {
		t.Errorf("unexpected session idle ttl %s", cfg.Server.SessionIdleTTL)
	}
}

func TestLoadConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "capture:\n  shot_count: 5\n  frames_used_for_submission: 2\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Capture.ShotCount != 5 || cfg.Capture.FramesUsedForSubmission != 2 {
		t.Errorf("overlay not applied: %+v", cfg.Capture)
	}
	if cfg.Capture.Interval != time.Second {
		t.Errorf("overlay should keep unspecified defaults, got %s", cfg.Capture.Interval)
	}
}

func TestValidateRejectsFramesAboveShotCount(t *testing.T) {
	cfg, err := Parse(defaultsYAML)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg.Capture.FramesUsedForSubmission = 4

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestLoadConfigFileClearsRedisAddr(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "redis:\n  addr: \"\"\nserver:\n  session_idle_ttl: 0s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("expected empty redis addr, got %q", cfg.Redis.Addr)
	}
	if cfg.Server.SessionIdleTTL != 0 {
		t.Errorf("expected idle reaping disabled, got %s", cfg.Server.SessionIdleTTL)
	}
	if cfg.Redis.ResultTTL != 10*time.Minute {
		t.Errorf("overlay should keep result ttl, got %s", cfg.Redis.ResultTTL)
	}
}
