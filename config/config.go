// Package config handles stagehand configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/stagehand/agentloop"
)

// EnvPrefix prefixes every environment override, e.g. STAGEHAND_MODEL_PROVIDER.
const EnvPrefix = "STAGEHAND_"

// ErrNoConfig is returned by FindConfig when no file exists in the search path.
var ErrNoConfig = errors.New("no config file found")

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./stagehand.yaml, then
// ~/.config/stagehand/stagehand.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"stagehand.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "stagehand", "stagehand.yaml"))
	}
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing DefaultSearchPaths entry is returned, or
// ErrNoConfig.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w (searched: %v)", ErrNoConfig, DefaultSearchPaths())
}

// Config holds all stagehand configuration.
type Config struct {
	LogLevel     string             `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat    string             `yaml:"log_format" env:"LOG_FORMAT" validate:"omitempty,oneof=text json"`
	Model        ModelConfig        `yaml:"model" envPrefix:"MODEL_"`
	Pipeline     PipelineConfig     `yaml:"pipeline" envPrefix:"PIPELINE_"`
	Focus        FocusConfig        `yaml:"focus" envPrefix:"FOCUS_"`
	Capabilities CapabilitiesConfig `yaml:"capabilities" envPrefix:"CAPABILITIES_"`
	Memory       MemoryConfig       `yaml:"memory" envPrefix:"MEMORY_"`
	Prompts      agentloop.Prompts  `yaml:"prompts"`
}

// ModelConfig selects the model behind every stage.
type ModelConfig struct {
	Provider    string   `yaml:"provider" env:"PROVIDER" validate:"required"`
	Name        string   `yaml:"name" env:"NAME"`
	APIKey      string   `yaml:"api_key" env:"API_KEY"`
	Temperature *float64 `yaml:"temperature" env:"TEMPERATURE" validate:"omitempty,gte=0,lte=2"`
	MaxTokens   int      `yaml:"max_tokens" env:"MAX_TOKENS" validate:"gte=0"`
	MaxRetries  int      `yaml:"max_retries" env:"MAX_RETRIES" validate:"gte=0,lte=10"`
	// RequestTimeout bounds a single provider attempt. Zero disables it.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT" validate:"gte=0"`
}

// PipelineConfig tunes the turn pipeline.
type PipelineConfig struct {
	Sentinel            string         `yaml:"sentinel" env:"SENTINEL"`
	BudgetCeiling       int            `yaml:"budget_ceiling" env:"BUDGET_CEILING" validate:"gt=0"`
	TokenEncoding       string         `yaml:"token_encoding" env:"TOKEN_ENCODING"`
	ModelTimeout        time.Duration  `yaml:"model_timeout" env:"MODEL_TIMEOUT" validate:"gt=0"`
	CapabilityTimeout   time.Duration  `yaml:"capability_timeout" env:"CAPABILITY_TIMEOUT" validate:"gt=0"`
	MaxAutomatedTurns   int            `yaml:"max_automated_turns" env:"MAX_AUTOMATED_TURNS" validate:"gt=0"`
	LoopDetectionWindow int            `yaml:"loop_detection_window" env:"LOOP_DETECTION_WINDOW"`
	ResultCharLimit     int            `yaml:"result_char_limit" env:"RESULT_CHAR_LIMIT" validate:"gte=0"`
	ResultCharLimits    map[string]int `yaml:"result_char_limits"`
}

// FocusConfig selects the focus store backend.
type FocusConfig struct {
	// Backend is "file", "sqlite" or "memory".
	Backend string `yaml:"backend" env:"BACKEND" validate:"oneof=file sqlite memory"`
	Path    string `yaml:"path" env:"PATH" validate:"required_unless=Backend memory"`
}

// CapabilitiesConfig controls which capabilities are loaded and where the
// built-in tools operate.
type CapabilitiesConfig struct {
	// SourceRoot is scanned for tool_*.yaml manifests. Empty disables discovery.
	SourceRoot string `yaml:"source_root" env:"SOURCE_ROOT"`
	Workspace  string `yaml:"workspace" env:"WORKSPACE"`
	// Categories limits the built-in tool modules. Empty enables all.
	Categories     []string      `yaml:"categories" env:"CATEGORIES" envSeparator:","`
	SearchEndpoint string        `yaml:"search_endpoint" env:"SEARCH_ENDPOINT" validate:"omitempty,url"`
	UserAgent      string        `yaml:"user_agent" env:"USER_AGENT"`
	ScriptTimeout  time.Duration `yaml:"script_timeout" env:"SCRIPT_TIMEOUT" validate:"gte=0"`
}

// MemoryConfig locates the long-term memory database. An empty Path
// disables the memory capabilities.
type MemoryConfig struct {
	Path string `yaml:"path" env:"PATH"`
}

// Default returns the default configuration.
func Default() *Config {
	p := agentloop.DefaultConfig()
	return &Config{
		LogLevel:  "info",
		LogFormat: "text",
		Model: ModelConfig{
			Provider:   "openai",
			MaxTokens:      4096,
			MaxRetries:     2,
			RequestTimeout: 90 * time.Second,
		},
		Pipeline: PipelineConfig{
			Sentinel:            p.Sentinel,
			BudgetCeiling:       p.BudgetCeiling,
			TokenEncoding:       p.TokenEncoding,
			ModelTimeout:        p.ModelTimeout,
			CapabilityTimeout:   30 * time.Second,
			MaxAutomatedTurns:   p.MaxAutomatedTurns,
			LoopDetectionWindow: p.LoopDetectionWindow,
			ResultCharLimit:     p.ResultCharLimit,
		},
		Focus: FocusConfig{
			Backend: "file",
			Path:    filepath.Join(".stagehand", "focus.json"),
		},
		Capabilities: CapabilitiesConfig{
			ScriptTimeout: time.Minute,
		},
		Memory: MemoryConfig{
			Path: filepath.Join(".stagehand", "memory.db"),
		},
		Prompts: agentloop.DefaultPrompts(),
	}
}

// Parse decodes YAML configuration on top of the defaults. ${VAR}
// references are expanded from the environment first.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Load reads the config file found by FindConfig(explicit), applies
// STAGEHAND_* environment overrides and validates the result. When no file
// is found and none was requested, the defaults are used. The returned path
// is empty in that case.
func Load(explicit string) (*Config, string, error) {
	path, err := FindConfig(explicit)
	var cfg *Config
	switch {
	case err == nil:
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, "", fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(data); err != nil {
			return nil, "", fmt.Errorf("%s: %w", path, err)
		}
	case errors.Is(err, ErrNoConfig):
		cfg = Default()
	default:
		return nil, "", err
	}

	if err := cfg.ApplyEnv(); err != nil {
		return nil, "", err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	cfg.expandPaths()
	return cfg, path, nil
}

// ApplyEnv overrides fields from STAGEHAND_* environment variables.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

var validate = validator.New()

// Validate checks field constraints and the log level.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func (c *Config) expandPaths() {
	c.Focus.Path = expandHome(c.Focus.Path)
	c.Memory.Path = expandHome(c.Memory.Path)
	c.Capabilities.SourceRoot = expandHome(c.Capabilities.SourceRoot)
	c.Capabilities.Workspace = expandHome(c.Capabilities.Workspace)
}

func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

// AgentConfig converts the model and pipeline sections into pipeline
// settings.
func (c *Config) AgentConfig() agentloop.Config {
	ac := agentloop.Config{
		Model:               c.Model.Name,
		Provider:            c.Model.Provider,
		Temperature:         c.Model.Temperature,
		Sentinel:            c.Pipeline.Sentinel,
		BudgetCeiling:       c.Pipeline.BudgetCeiling,
		TokenEncoding:       c.Pipeline.TokenEncoding,
		ModelTimeout:        c.Pipeline.ModelTimeout,
		MaxAutomatedTurns:   c.Pipeline.MaxAutomatedTurns,
		LoopDetectionWindow: c.Pipeline.LoopDetectionWindow,
		ResultCharLimit:     c.Pipeline.ResultCharLimit,
		ResultCharLimits:    c.Pipeline.ResultCharLimits,
		Workspace:           c.Capabilities.Workspace,
		Prompts:             c.Prompts,
	}
	if c.Model.MaxTokens > 0 {
		n := c.Model.MaxTokens
		ac.MaxTokens = &n
	}
	return ac
}
