// ABOUTME: Runtime configuration loaded from DIPEO_* environment variables with .env support.
// ABOUTME: Typed defaults for engine concurrency, memory selection tuning, LLM knobs, and logging.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/sorryhyun/DiPeO-sub003/conversation"
)

// Config holds everything the CLI and monitor need to build an engine.
type Config struct {
	BaseDir     string // DIPEO_BASE_DIR (default: ~/.dipeo, cwd fallback)
	MaxParallel int    // ENGINE_MAX_PARALLEL (default: 10)
	MonitorBind string // DIPEO_MONITOR_BIND (default: 127.0.0.1:2397)
	LogLevel    string // DIPEO_LOG_LEVEL: debug|info|warn|error (default: info)
	LogFormat   string // DIPEO_LOG_FORMAT: text|json (default: text)

	Memory MemoryConfig
	LLM    LLMConfig
}

// MemoryConfig tunes the conversation memory selector.
type MemoryConfig struct {
	HardCap              int     // DIPEO_MEMORY_HARD_CAP (default: 30)
	DecayTau             float64 // DIPEO_MEMORY_DECAY_TAU seconds (default: 3600)
	WordOverlapThreshold float64 // DIPEO_MEMORY_WORD_OVERLAP (default: 0.8)
	RecencyWeight        float64 // DIPEO_MEMORY_RECENCY_WEIGHT (default: 0.6)
	FrequencyWeight      float64 // DIPEO_MEMORY_FREQUENCY_WEIGHT (default: 0.4)
}

// LLMConfig sets completion defaults applied when node configs leave them
// unset.
type LLMConfig struct {
	PersonJobTemperature     float64 // DIPEO_LLM_PERSON_JOB_TEMPERATURE (default: 0.2)
	PersonJobMaxTokens       int     // DIPEO_LLM_PERSON_JOB_MAX_TOKENS (default: 4096)
	MemorySelectionMaxTokens int     // DIPEO_LLM_MEMORY_SELECTION_MAX_TOKENS (default: 500)
}

// Load reads .env (when present) and the environment into a Config.
func Load() (*Config, error) {
	return LoadFrom(".env")
}

// LoadFrom loads the given dotenv files before reading the environment.
// Missing files are fine; unreadable ones are not.
func LoadFrom(envFiles ...string) (*Config, error) {
	for _, file := range envFiles {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg := &Config{
		BaseDir:     envOrDefault("DIPEO_BASE_DIR", defaultBaseDir()),
		MonitorBind: envOrDefault("DIPEO_MONITOR_BIND", "127.0.0.1:2397"),
		LogLevel:    envOrDefault("DIPEO_LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("DIPEO_LOG_FORMAT", "text"),
	}

	var err error
	if cfg.MaxParallel, err = envInt("ENGINE_MAX_PARALLEL", 10); err != nil {
		return nil, err
	}
	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("ENGINE_MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}

	if cfg.Memory.HardCap, err = envInt("DIPEO_MEMORY_HARD_CAP", 30); err != nil {
		return nil, err
	}
	if cfg.Memory.DecayTau, err = envFloat("DIPEO_MEMORY_DECAY_TAU", 3600); err != nil {
		return nil, err
	}
	if cfg.Memory.WordOverlapThreshold, err = envFloat("DIPEO_MEMORY_WORD_OVERLAP", 0.8); err != nil {
		return nil, err
	}
	if cfg.Memory.RecencyWeight, err = envFloat("DIPEO_MEMORY_RECENCY_WEIGHT", 0.6); err != nil {
		return nil, err
	}
	if cfg.Memory.FrequencyWeight, err = envFloat("DIPEO_MEMORY_FREQUENCY_WEIGHT", 0.4); err != nil {
		return nil, err
	}

	if cfg.LLM.PersonJobTemperature, err = envFloat("DIPEO_LLM_PERSON_JOB_TEMPERATURE", 0.2); err != nil {
		return nil, err
	}
	if cfg.LLM.PersonJobMaxTokens, err = envInt("DIPEO_LLM_PERSON_JOB_MAX_TOKENS", 4096); err != nil {
		return nil, err
	}
	if cfg.LLM.MemorySelectionMaxTokens, err = envInt("DIPEO_LLM_MEMORY_SELECTION_MAX_TOKENS", 500); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Logger builds a slog logger per the configured level and format, writing
// to stderr so diagram output on stdout stays clean.
func (c *Config) Logger() *slog.Logger {
	var level slog.Level
	switch c.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// SelectionConfig maps the memory knobs onto the selector's tuning.
func (c *Config) SelectionConfig() conversation.SelectionConfig {
	sel := conversation.DefaultSelectionConfig()
	sel.HardCap = c.Memory.HardCap
	sel.DecayTau = c.Memory.DecayTau
	sel.WordOverlapThreshold = c.Memory.WordOverlapThreshold
	sel.RecencyWeight = c.Memory.RecencyWeight
	sel.FrequencyWeight = c.Memory.FrequencyWeight
	sel.MaxTokens = c.LLM.MemorySelectionMaxTokens
	return sel
}

// DecayTauDuration returns the decay constant as a duration.
func (c *Config) DecayTauDuration() time.Duration {
	return time.Duration(c.Memory.DecayTau * float64(time.Second))
}

func defaultBaseDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			return cwd
		}
		return "."
	}
	return filepath.Join(home, ".dipeo")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func envFloat(key string, defaultVal float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, v)
	}
	return f, nil
}
