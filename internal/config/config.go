// Package config loads aeroagent settings from defaults, a YAML settings
// file, a .env file and AEROAGENT_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/itsharex/aeroftp-sub001/internal/agent/approval"
	"github.com/itsharex/aeroftp-sub001/internal/agent/macro"
	"github.com/itsharex/aeroftp-sub001/internal/agent/tools"
)

const envPrefix = "AEROAGENT_"

// Config holds the runtime settings of the agent.
type Config struct {
	Mode     string `yaml:"mode"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	DataDir      string `yaml:"data_dir"`
	WorkspaceDir string `yaml:"workspace_dir"`
	PluginsDir   string `yaml:"plugins_dir"`
	MacrosFile   string `yaml:"macros_file"`
	MetricsAddr  string `yaml:"metrics_addr"`

	RateLimitPerMinute int           `yaml:"rate_limit_per_minute"`
	StreamTimeout      time.Duration `yaml:"stream_timeout"`
	MaxConcurrency     int           `yaml:"max_concurrency"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryBaseDelay     time.Duration `yaml:"retry_base_delay"`

	// BudgetCaps maps provider to a monthly spend cap in USD.
	BudgetCaps map[string]float64 `yaml:"budget_caps"`
	// DangerOverrides maps tool-name wildcard patterns to danger levels.
	DangerOverrides map[string]string `yaml:"danger_overrides"`
	ExclusiveTools  []string          `yaml:"exclusive_tools"`
	Macros          []macro.Macro     `yaml:"macros"`

	// Path is the settings file this config was loaded from, if any.
	Path string `yaml:"-"`
}

// Default returns the built-in settings.
func Default() *Config {
	dataDir := ".aeroagent"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".aeroagent")
	}
	return &Config{
		Mode:               string(approval.ModeNormal),
		Provider:           "ollama",
		Model:              "llama3",
		LogLevel:           "info",
		LogFormat:          "auto",
		DataDir:            dataDir,
		WorkspaceDir:       ".",
		PluginsDir:         filepath.Join(dataDir, "plugins"),
		RateLimitPerMinute: 20,
		StreamTimeout:      120 * time.Second,
		MaxConcurrency:     4,
		RetryAttempts:      3,
		RetryBaseDelay:     500 * time.Millisecond,
		BudgetCaps:         map[string]float64{},
		DangerOverrides:    map[string]string{},
	}
}

// Load builds a Config. path may be empty, in which case only defaults, the
// .env file in the working directory and the environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
		cfg.Path = path
	}

	envFiles := []string{".env"}
	if path != "" {
		envFiles = append([]string{filepath.Join(filepath.Dir(path), ".env")}, envFiles...)
	}
	for _, envFile := range envFiles {
		if _, err := os.Stat(envFile); err != nil {
			continue
		}
		// godotenv.Load never overrides variables already set in the process.
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
			continue
		}
		log.Debug().Str("file", envFile).Msg("Loaded .env file")
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config %s: %w", path, err)
	}
	log.Debug().Str("path", path).Msg("Loaded configuration file")
	return nil
}

func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"MODE":          &c.Mode,
		"PROVIDER":      &c.Provider,
		"MODEL":         &c.Model,
		"LOG_LEVEL":     &c.LogLevel,
		"LOG_FORMAT":    &c.LogFormat,
		"LOG_FILE":      &c.LogFile,
		"DATA_DIR":      &c.DataDir,
		"WORKSPACE_DIR": &c.WorkspaceDir,
		"PLUGINS_DIR":   &c.PluginsDir,
		"MACROS_FILE":   &c.MacrosFile,
		"METRICS_ADDR":  &c.MetricsAddr,
	}
	for key, dst := range strs {
		if val := os.Getenv(envPrefix + key); val != "" {
			*dst = val
		}
	}

	ints := map[string]*int{
		"RATE_LIMIT_PER_MINUTE": &c.RateLimitPerMinute,
		"MAX_CONCURRENCY":       &c.MaxConcurrency,
		"RETRY_ATTEMPTS":        &c.RetryAttempts,
	}
	for key, dst := range ints {
		val := os.Getenv(envPrefix + key)
		if val == "" {
			continue
		}
		n, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		"STREAM_TIMEOUT":   &c.StreamTimeout,
		"RETRY_BASE_DELAY": &c.RetryBaseDelay,
	}
	for key, dst := range durations {
		val := os.Getenv(envPrefix + key)
		if val == "" {
			continue
		}
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, key, err)
		}
		*dst = d
	}

	// AEROAGENT_BUDGET_CAPS=openai=20,anthropic=15.5
	if val := os.Getenv(envPrefix + "BUDGET_CAPS"); val != "" {
		caps, err := parseCaps(val)
		if err != nil {
			return fmt.Errorf("%sBUDGET_CAPS: %w", envPrefix, err)
		}
		if c.BudgetCaps == nil {
			c.BudgetCaps = map[string]float64{}
		}
		for provider, usd := range caps {
			c.BudgetCaps[provider] = usd
		}
	}
	if val := os.Getenv(envPrefix + "EXCLUSIVE_TOOLS"); val != "" {
		c.ExclusiveTools = splitList(val)
	}
	return nil
}

func parseCaps(val string) (map[string]float64, error) {
	caps := map[string]float64{}
	for _, pair := range splitList(val) {
		provider, amount, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("expected provider=usd, got %q", pair)
		}
		usd, err := strconv.ParseFloat(strings.TrimSpace(amount), 64)
		if err != nil {
			return nil, fmt.Errorf("cap for %s: %w", provider, err)
		}
		caps[strings.ToLower(strings.TrimSpace(provider))] = usd
	}
	return caps, nil
}

func splitList(val string) []string {
	var out []string
	for _, item := range strings.Split(val, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks the settings for values the agent cannot run with.
func (c *Config) Validate() error {
	if _, err := approval.ParseMode(c.Mode); err != nil {
		return err
	}
	if strings.TrimSpace(c.Provider) == "" {
		return fmt.Errorf("provider is required")
	}
	if c.RateLimitPerMinute <= 0 {
		return fmt.Errorf("rate_limit_per_minute must be positive, got %d", c.RateLimitPerMinute)
	}
	if c.StreamTimeout <= 0 {
		return fmt.Errorf("stream_timeout must be positive, got %s", c.StreamTimeout)
	}
	if c.MaxConcurrency <= 0 {
		return fmt.Errorf("max_concurrency must be positive, got %d", c.MaxConcurrency)
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry_attempts must be positive, got %d", c.RetryAttempts)
	}
	if c.RetryBaseDelay < 0 {
		return fmt.Errorf("retry_base_delay must not be negative")
	}
	for provider, usd := range c.BudgetCaps {
		if usd < 0 {
			return fmt.Errorf("budget cap for %s must not be negative", provider)
		}
	}
	if _, err := c.ParsedDangerOverrides(); err != nil {
		return err
	}
	for _, m := range c.Macros {
		if strings.TrimSpace(m.Name) == "" || len(m.Steps) == 0 {
			return fmt.Errorf("macro needs a name and at least one step")
		}
	}
	return nil
}

// AgentMode returns the configured mode. Callers must have validated the config.
func (c *Config) AgentMode() approval.Mode {
	mode, err := approval.ParseMode(c.Mode)
	if err != nil {
		return approval.ModeNormal
	}
	return mode
}

// ParsedDangerOverrides converts the danger override table to typed levels.
func (c *Config) ParsedDangerOverrides() (map[string]tools.DangerLevel, error) {
	out := make(map[string]tools.DangerLevel, len(c.DangerOverrides))
	for pattern, level := range c.DangerOverrides {
		parsed, err := tools.ParseDangerLevel(level)
		if err != nil {
			return nil, fmt.Errorf("danger override %q: %w", pattern, err)
		}
		out[pattern] = parsed
	}
	return out, nil
}

// LedgerPath is where the budget ledger database lives.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.DataDir, "budget.db")
}

// MemoryPath is the project memory file used by memory_read and memory_write.
func (c *Config) MemoryPath() string {
	return filepath.Join(c.DataDir, "memory.md")
}
