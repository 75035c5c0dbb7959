package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("FOREMAN_TEST_KEY", "sk-test-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	body := `
listen:
  port: 9090
providers:
  anthropic:
    api_key: ${FOREMAN_TEST_KEY}
runner:
  max_history_pairs: 12
log_level: debug
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Providers.Anthropic.APIKey)
	}
	if cfg.Runner.MaxHistoryPairs != 12 {
		t.Errorf("MaxHistoryPairs = %d, want 12", cfg.Runner.MaxHistoryPairs)
	}
}

func TestRunnerDefaults(t *testing.T) {
	var r RunnerConfig
	r.ApplyDefaults()

	if r.StallThreshold != 5 {
		t.Errorf("StallThreshold = %d, want 5", r.StallThreshold)
	}
	if r.StableCheckpoints != 3 {
		t.Errorf("StableCheckpoints = %d, want 3", r.StableCheckpoints)
	}
	if r.HardCapCheckpoints != 8 {
		t.Errorf("HardCapCheckpoints = %d, want 8", r.HardCapCheckpoints)
	}
	if r.HardCapCheckpoints <= r.StableCheckpoints {
		t.Error("hard cap must exceed stable threshold")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{"  debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
