// Package config handles configuration loading and management for daybreak.
// It supports XDG config paths, project-level overrides, a .env file and
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ShayCichocki/daybreak/internal/orchestrator/policy"
	"github.com/ShayCichocki/daybreak/pkg/models"
)

// ProjectConfigName is the per-project override file, searched for from the
// working directory upwards.
const ProjectConfigName = ".daybreak.yaml"

// Config holds all configuration for daybreak.
type Config struct {
	Engine     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	Anthropic  AnthropicConfig  `mapstructure:"anthropic" yaml:"anthropic"`
	Gemini     GeminiConfig     `mapstructure:"gemini" yaml:"gemini"`
	Database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	Workflow   WorkflowConfig   `mapstructure:"workflow" yaml:"workflow"`
	Agents     AgentsConfig     `mapstructure:"agents" yaml:"agents"`
	Generation GenerationConfig `mapstructure:"generation" yaml:"generation"`
	Execution  ExecutionConfig  `mapstructure:"execution" yaml:"execution"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	Schedule   ScheduleConfig   `mapstructure:"schedule" yaml:"schedule"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Sandbox    SandboxConfig    `mapstructure:"sandbox" yaml:"sandbox"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	Notes      NotesConfig      `mapstructure:"notes" yaml:"notes"`
}

// EngineConfig selects the reasoning engine.
type EngineConfig struct {
	// Provider is "anthropic" or "gemini".
	Provider string `mapstructure:"provider" yaml:"provider"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	Model  string `mapstructure:"model" yaml:"model"`
	// Bedrock routes requests through AWS Bedrock using the default AWS
	// credential chain.
	Bedrock    bool   `mapstructure:"bedrock" yaml:"bedrock"`
	AWSRegion  string `mapstructure:"aws_region" yaml:"aws_region"`
	AWSProfile string `mapstructure:"aws_profile" yaml:"aws_profile"`
}

// GeminiConfig holds Google Gemini settings.
type GeminiConfig struct {
	APIKey string `mapstructure:"api_key" yaml:"api_key"`
	Model  string `mapstructure:"model" yaml:"model"`
}

// DatabaseConfig selects the task store.
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go), "sqlite3" (cgo) or "mysql".
	Driver string `mapstructure:"driver" yaml:"driver"`
	// Path is the SQLite file. Empty means the default under the user's
	// data directory.
	Path string `mapstructure:"path" yaml:"path"`
	// DSN is the MySQL data source name.
	DSN string `mapstructure:"dsn" yaml:"dsn"`
}

// WorkflowConfig holds run defaults.
type WorkflowConfig struct {
	UserID          string `mapstructure:"user_id" yaml:"user_id"`
	DurationMinutes int    `mapstructure:"duration_minutes" yaml:"duration_minutes"`
}

// AgentsConfig holds per-role iteration caps.
type AgentsConfig struct {
	GeneratorMaxIterations int `mapstructure:"generator_max_iterations" yaml:"generator_max_iterations"`
	ExecutorMaxIterations  int `mapstructure:"executor_max_iterations" yaml:"executor_max_iterations"`
	ReporterMaxIterations  int `mapstructure:"reporter_max_iterations" yaml:"reporter_max_iterations"`
}

// GenerationConfig controls the generator.
type GenerationConfig struct {
	MinTasks int `mapstructure:"min_tasks" yaml:"min_tasks"`
	MaxTasks int `mapstructure:"max_tasks" yaml:"max_tasks"`
	// Topics, when set, are created as the run's tasks verbatim.
	Topics []string `mapstructure:"topics" yaml:"topics"`
}

// ExecutionConfig controls the executing phase.
type ExecutionConfig struct {
	Reserve   time.Duration `mapstructure:"reserve" yaml:"reserve"`
	MinBudget time.Duration `mapstructure:"min_budget" yaml:"min_budget"`
	// TaskTimeout bounds each executor; zero disables it.
	TaskTimeout    time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
	MaxConcurrency int           `mapstructure:"max_concurrency" yaml:"max_concurrency"`
}

// RetryConfig controls retries of store calls.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval" yaml:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval" yaml:"max_interval"`
}

// ScheduleConfig controls the recurring trigger of `daybreak serve`.
type ScheduleConfig struct {
	// Interval between runs; zero disables the schedule.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
	// Immediate starts a run as soon as the schedule starts.
	Immediate bool `mapstructure:"immediate" yaml:"immediate"`
}

// ServerConfig controls the HTTP surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// SandboxConfig controls the run_isolated capability.
type SandboxConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	// Home is where scratch directories are created.
	Home    string        `mapstructure:"home" yaml:"home"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// File, when set, receives a copy of every log line.
	File string `mapstructure:"file" yaml:"file"`
}

// NotesConfig points at the operator notes file.
type NotesConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Load loads configuration from a .env file, XDG paths, project overrides
// and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (DAYBREAK_*, ANTHROPIC_API_KEY, GOOGLE_API_KEY)
// 2. Project config (.daybreak.yaml in current directory or parent)
// 3. User config (~/.config/daybreak/config.yaml)
// 4. Built-in defaults
//
// Variables from .env never override ones already set in the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}

	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file, still applying
// environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("DAYBREAK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "DAYBREAK_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	v.BindEnv("gemini.api_key", "DAYBREAK_GEMINI_API_KEY", "GOOGLE_API_KEY")
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Gemini.APIKey = expandEnv(cfg.Gemini.APIKey)
	cfg.Database.DSN = expandEnv(cfg.Database.DSN)
	return cfg, nil
}

// Validate rejects values no run could work with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine.Provider {
	case "anthropic", "gemini":
	default:
		errs = append(errs, fmt.Errorf("engine.provider must be anthropic or gemini, got %q", c.Engine.Provider))
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	case "mysql":
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the mysql driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver must be sqlite, sqlite3 or mysql, got %q", c.Database.Driver))
	}
	if c.Workflow.DurationMinutes < 1 {
		errs = append(errs, fmt.Errorf("workflow.duration_minutes must be at least 1, got %d", c.Workflow.DurationMinutes))
	}
	if c.Generation.MinTasks < 1 || c.Generation.MaxTasks < c.Generation.MinTasks {
		errs = append(errs, fmt.Errorf("generation needs 1 <= min_tasks <= max_tasks, got %d and %d", c.Generation.MinTasks, c.Generation.MaxTasks))
	}
	for name, n := range map[string]int{
		"agents.generator_max_iterations": c.Agents.GeneratorMaxIterations,
		"agents.executor_max_iterations":  c.Agents.ExecutorMaxIterations,
		"agents.reporter_max_iterations":  c.Agents.ReporterMaxIterations,
		"retry.max_attempts":              c.Retry.MaxAttempts,
	} {
		if n < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1, got %d", name, n))
		}
	}
	if c.Execution.Reserve < 0 || c.Execution.MinBudget <= 0 || c.Execution.TaskTimeout < 0 || c.Execution.MaxConcurrency < 0 {
		errs = append(errs, errors.New("execution: reserve, task_timeout and max_concurrency must not be negative and min_budget must be positive"))
	}
	if c.Retry.InitialInterval <= 0 || c.Retry.MaxInterval < c.Retry.InitialInterval {
		errs = append(errs, errors.New("retry: need 0 < initial_interval <= max_interval"))
	}
	if c.Schedule.Interval < 0 {
		errs = append(errs, errors.New("schedule.interval must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", c.Log.Level))
	}
	return errors.Join(errs...)
}

// Policy converts the execution and retry sections into an orchestrator
// policy.
func (c *Config) Policy() *policy.Config {
	p := policy.Default()
	p.Execution = policy.ExecutionPolicy{
		Reserve:        c.Execution.Reserve,
		MinBudget:      c.Execution.MinBudget,
		TaskTimeout:    c.Execution.TaskTimeout,
		MaxConcurrency: c.Execution.MaxConcurrency,
	}
	p.Retry = policy.RetryPolicy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
	}
	return p
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("engine.provider", d.Engine.Provider)

	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.model", d.Anthropic.Model)
	v.SetDefault("anthropic.bedrock", false)
	v.SetDefault("anthropic.aws_region", d.Anthropic.AWSRegion)
	v.SetDefault("anthropic.aws_profile", "")

	v.SetDefault("gemini.api_key", "")
	v.SetDefault("gemini.model", d.Gemini.Model)

	v.SetDefault("database.driver", d.Database.Driver)
	v.SetDefault("database.path", "")
	v.SetDefault("database.dsn", "")

	v.SetDefault("workflow.user_id", d.Workflow.UserID)
	v.SetDefault("workflow.duration_minutes", d.Workflow.DurationMinutes)

	v.SetDefault("agents.generator_max_iterations", d.Agents.GeneratorMaxIterations)
	v.SetDefault("agents.executor_max_iterations", d.Agents.ExecutorMaxIterations)
	v.SetDefault("agents.reporter_max_iterations", d.Agents.ReporterMaxIterations)

	v.SetDefault("generation.min_tasks", d.Generation.MinTasks)
	v.SetDefault("generation.max_tasks", d.Generation.MaxTasks)
	v.SetDefault("generation.topics", []string{})

	v.SetDefault("execution.reserve", "2m")
	v.SetDefault("execution.min_budget", "1m")
	v.SetDefault("execution.task_timeout", "0s")
	v.SetDefault("execution.max_concurrency", 0)

	v.SetDefault("retry.max_attempts", d.Retry.MaxAttempts)
	v.SetDefault("retry.initial_interval", "1s")
	v.SetDefault("retry.max_interval", "10s")

	v.SetDefault("schedule.interval", "0s")
	v.SetDefault("schedule.immediate", false)

	v.SetDefault("server.addr", d.Server.Addr)

	v.SetDefault("sandbox.enabled", false)
	v.SetDefault("sandbox.home", "")
	v.SetDefault("sandbox.timeout", "2m")

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.file", "")

	v.SetDefault("notes.path", "")
}

// getUserConfigDir returns the XDG config directory for daybreak.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "daybreak")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "daybreak")
	}
	return filepath.Join(home, ".config", "daybreak")
}

// findProjectConfig searches for .daybreak.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Engine: EngineConfig{Provider: "anthropic"},
		Anthropic: AnthropicConfig{
			Model:     "claude-haiku-4-5-20251001",
			AWSRegion: "us-east-1",
		},
		Gemini:   GeminiConfig{Model: "gemini-1.5-flash"},
		Database: DatabaseConfig{Driver: "sqlite"},
		Workflow: WorkflowConfig{
			UserID:          models.DefaultUserID,
			DurationMinutes: 60,
		},
		Agents: AgentsConfig{
			GeneratorMaxIterations: 8,
			ExecutorMaxIterations:  6,
			ReporterMaxIterations:  5,
		},
		Generation: GenerationConfig{MinTasks: 2, MaxTasks: 4},
		Execution: ExecutionConfig{
			Reserve:   2 * time.Minute,
			MinBudget: time.Minute,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: time.Second,
			MaxInterval:     10 * time.Second,
		},
		Server:  ServerConfig{Addr: "127.0.0.1:8080"},
		Sandbox: SandboxConfig{Timeout: 2 * time.Minute},
		Log:     LogConfig{Level: "info"},
	}
}
