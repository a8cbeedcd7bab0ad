// ABOUTME: Tests for environment-driven configuration: defaults, overrides, dotenv, validation.
// ABOUTME: Uses t.Setenv throughout so the process environment is restored between cases.

package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var configEnvKeys = []string{
	"DIPEO_BASE_DIR",
	"ENGINE_MAX_PARALLEL",
	"DIPEO_MONITOR_BIND",
	"DIPEO_LOG_LEVEL",
	"DIPEO_LOG_FORMAT",
	"DIPEO_MEMORY_HARD_CAP",
	"DIPEO_MEMORY_DECAY_TAU",
	"DIPEO_MEMORY_WORD_OVERLAP",
	"DIPEO_MEMORY_RECENCY_WEIGHT",
	"DIPEO_MEMORY_FREQUENCY_WEIGHT",
	"DIPEO_LLM_PERSON_JOB_TEMPERATURE",
	"DIPEO_LLM_PERSON_JOB_MAX_TOKENS",
	"DIPEO_LLM_MEMORY_SELECTION_MAX_TOKENS",
}

// clearConfigEnv unsets every config variable for the test's duration.
// t.Setenv registers the restore; Unsetenv makes the key truly absent so
// defaults and dotenv loading apply.
func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range configEnvKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func mustLoad(t *testing.T) *Config {
	t.Helper()
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	clearConfigEnv(t)
	cfg := mustLoad(t)

	if cfg.BaseDir == "" {
		t.Error("BaseDir empty")
	}
	if cfg.MaxParallel != 10 {
		t.Errorf("MaxParallel = %d", cfg.MaxParallel)
	}
	if cfg.MonitorBind != "127.0.0.1:2397" {
		t.Errorf("MonitorBind = %q", cfg.MonitorBind)
	}
	if cfg.LogLevel != "info" || cfg.LogFormat != "text" {
		t.Errorf("logging = %s/%s", cfg.LogLevel, cfg.LogFormat)
	}

	mem := cfg.Memory
	if mem.HardCap != 30 || mem.DecayTau != 3600 || mem.WordOverlapThreshold != 0.8 {
		t.Errorf("memory = %+v", mem)
	}
	if mem.RecencyWeight != 0.6 || mem.FrequencyWeight != 0.4 {
		t.Errorf("memory weights = %+v", mem)
	}

	if cfg.LLM.PersonJobTemperature != 0.2 || cfg.LLM.PersonJobMaxTokens != 4096 {
		t.Errorf("llm = %+v", cfg.LLM)
	}
	if cfg.LLM.MemorySelectionMaxTokens != 500 {
		t.Errorf("MemorySelectionMaxTokens = %d", cfg.LLM.MemorySelectionMaxTokens)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("DIPEO_BASE_DIR", "/srv/dipeo")
	t.Setenv("ENGINE_MAX_PARALLEL", "3")
	t.Setenv("DIPEO_LOG_LEVEL", "debug")
	t.Setenv("DIPEO_MEMORY_HARD_CAP", "5")
	t.Setenv("DIPEO_MEMORY_DECAY_TAU", "60.5")
	t.Setenv("DIPEO_LLM_PERSON_JOB_TEMPERATURE", "0.7")

	cfg := mustLoad(t)
	if cfg.BaseDir != "/srv/dipeo" || cfg.MaxParallel != 3 || cfg.LogLevel != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Memory.HardCap != 5 || cfg.Memory.DecayTau != 60.5 {
		t.Errorf("memory = %+v", cfg.Memory)
	}
	if cfg.LLM.PersonJobTemperature != 0.7 {
		t.Errorf("temperature = %v", cfg.LLM.PersonJobTemperature)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantMsg string
	}{
		{"non-integer parallel", "ENGINE_MAX_PARALLEL", "ten", "is not an integer"},
		{"zero parallel", "ENGINE_MAX_PARALLEL", "0", "at least 1"},
		{"negative parallel", "ENGINE_MAX_PARALLEL", "-2", "at least 1"},
		{"non-number tau", "DIPEO_MEMORY_DECAY_TAU", "fast", "is not a number"},
		{"non-integer tokens", "DIPEO_LLM_PERSON_JOB_MAX_TOKENS", "many", "is not an integer"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			t.Setenv(tt.key, tt.value)
			_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.env"))
			if err == nil || !strings.Contains(err.Error(), tt.wantMsg) {
				t.Fatalf("err = %v, want %q", err, tt.wantMsg)
			}
		})
	}
}

func TestLoadReadsDotenv(t *testing.T) {
	clearConfigEnv(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	content := "DIPEO_MONITOR_BIND=0.0.0.0:9999\nDIPEO_MEMORY_HARD_CAP=12\n"
	if err := os.WriteFile(envFile, []byte(content), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}

	cfg, err := LoadFrom(envFile)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.MonitorBind != "0.0.0.0:9999" {
		t.Errorf("MonitorBind = %q, want the dotenv value", cfg.MonitorBind)
	}
	if cfg.Memory.HardCap != 12 {
		t.Errorf("HardCap = %d, want the dotenv value", cfg.Memory.HardCap)
	}
}

func TestEnvironmentBeatsDotenv(t *testing.T) {
	clearConfigEnv(t)
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("DIPEO_MONITOR_BIND=0.0.0.0:9999\n"), 0o644); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("DIPEO_MONITOR_BIND", "127.0.0.1:1234")

	cfg, err := LoadFrom(envFile)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.MonitorBind != "127.0.0.1:1234" {
		t.Errorf("MonitorBind = %q, want the process environment to win", cfg.MonitorBind)
	}
}

func TestLoadUnreadableDotenv(t *testing.T) {
	clearConfigEnv(t)
	// A directory is present but not readable as a dotenv file.
	if _, err := LoadFrom(t.TempDir()); err == nil {
		t.Fatal("LoadFrom succeeded on a directory")
	}
}

func TestSelectionConfigMapping(t *testing.T) {
	cfg := &Config{
		Memory: MemoryConfig{
			HardCap:              7,
			DecayTau:             120,
			WordOverlapThreshold: 0.5,
			RecencyWeight:        0.9,
			FrequencyWeight:      0.1,
		},
		LLM: LLMConfig{MemorySelectionMaxTokens: 256},
	}
	sel := cfg.SelectionConfig()
	if sel.HardCap != 7 || sel.DecayTau != 120 || sel.WordOverlapThreshold != 0.5 {
		t.Errorf("selection = %+v", sel)
	}
	if sel.RecencyWeight != 0.9 || sel.FrequencyWeight != 0.1 || sel.MaxTokens != 256 {
		t.Errorf("selection = %+v", sel)
	}
}

func TestLoggerRespectsLevelAndFormat(t *testing.T) {
	warn := (&Config{LogLevel: "warn"}).Logger()
	ctx := context.Background()
	if warn.Enabled(ctx, slog.LevelInfo) {
		t.Error("info enabled at warn level")
	}
	if !warn.Enabled(ctx, slog.LevelWarn) {
		t.Error("warn disabled at warn level")
	}

	if h := (&Config{LogFormat: "json"}).Logger().Handler(); h == nil {
		t.Fatal("nil handler")
	} else if _, ok := h.(*slog.JSONHandler); !ok {
		t.Errorf("json format produced %T", h)
	}
	if h := (&Config{}).Logger().Handler(); h == nil {
		t.Fatal("nil handler")
	} else if _, ok := h.(*slog.TextHandler); !ok {
		t.Errorf("default format produced %T", h)
	}
}

func TestDecayTauDuration(t *testing.T) {
	cfg := &Config{Memory: MemoryConfig{DecayTau: 1.5}}
	if got := cfg.DecayTauDuration(); got != 1500*time.Millisecond {
		t.Errorf("DecayTauDuration = %s", got)
	}
}
