package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Engine.Provider != "anthropic" {
		t.Errorf("expected provider 'anthropic', got %q", cfg.Engine.Provider)
	}
	if cfg.Workflow.UserID != "default_user" || cfg.Workflow.DurationMinutes != 60 {
		t.Errorf("workflow = %+v", cfg.Workflow)
	}
	if cfg.Agents.GeneratorMaxIterations != 8 || cfg.Agents.ExecutorMaxIterations != 6 || cfg.Agents.ReporterMaxIterations != 5 {
		t.Errorf("agents = %+v", cfg.Agents)
	}
	if cfg.Execution.Reserve != 2*time.Minute || cfg.Execution.MinBudget != time.Minute || cfg.Execution.TaskTimeout != 0 {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.InitialInterval != time.Second || cfg.Retry.MaxInterval != 10*time.Second {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadFromPath(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("DAYBREAK_TEST_KEY", "expanded-key")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	configContent := `
engine:
  provider: gemini
anthropic:
  api_key: ${DAYBREAK_TEST_KEY}
gemini:
  model: gemini-1.5-pro
workflow:
  user_id: alice
  duration_minutes: 2
generation:
  topics:
    - morning news
    - weather
execution:
  task_timeout: 45s
  max_concurrency: 2
retry:
  initial_interval: 500ms
schedule:
  interval: 24h
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath failed: %v", err)
	}

	if cfg.Engine.Provider != "gemini" || cfg.Gemini.Model != "gemini-1.5-pro" {
		t.Errorf("engine = %+v gemini = %+v", cfg.Engine, cfg.Gemini)
	}
	if cfg.Anthropic.APIKey != "expanded-key" {
		t.Errorf("expected expanded api key, got %q", cfg.Anthropic.APIKey)
	}
	if cfg.Workflow.UserID != "alice" || cfg.Workflow.DurationMinutes != 2 {
		t.Errorf("workflow = %+v", cfg.Workflow)
	}
	if len(cfg.Generation.Topics) != 2 || cfg.Generation.Topics[1] != "weather" {
		t.Errorf("topics = %v", cfg.Generation.Topics)
	}
	if cfg.Execution.TaskTimeout != 45*time.Second || cfg.Execution.MaxConcurrency != 2 {
		t.Errorf("execution = %+v", cfg.Execution)
	}
	if cfg.Execution.Reserve != 2*time.Minute {
		t.Errorf("unset reserve should keep its default, got %v", cfg.Execution.Reserve)
	}
	if cfg.Retry.InitialInterval != 500*time.Millisecond || cfg.Retry.MaxAttempts != 3 {
		t.Errorf("retry = %+v", cfg.Retry)
	}
	if cfg.Schedule.Interval != 24*time.Hour {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
}

func TestLoadFromPath_EnvOverrides(t *testing.T) {
	t.Setenv("DAYBREAK_WORKFLOW_DURATION_MINUTES", "15")
	t.Setenv("DAYBREAK_DATABASE_DRIVER", "sqlite3")

	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("workflow:\n  duration_minutes: 90\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Workflow.DurationMinutes != 15 || cfg.Database.Driver != "sqlite3" {
		t.Errorf("env did not override: %+v %+v", cfg.Workflow, cfg.Database)
	}
}

func TestLoadFromPath_Missing(t *testing.T) {
	if _, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"provider", func(c *Config) { c.Engine.Provider = "openai" }, "engine.provider"},
		{"driver", func(c *Config) { c.Database.Driver = "postgres" }, "database.driver"},
		{"mysql dsn", func(c *Config) { c.Database.Driver = "mysql" }, "database.dsn"},
		{"duration", func(c *Config) { c.Workflow.DurationMinutes = 0 }, "duration_minutes"},
		{"task range", func(c *Config) { c.Generation.MinTasks, c.Generation.MaxTasks = 3, 2 }, "min_tasks"},
		{"iterations", func(c *Config) { c.Agents.ExecutorMaxIterations = 0 }, "executor_max_iterations"},
		{"execution", func(c *Config) { c.Execution.TaskTimeout = -time.Second }, "execution"},
		{"retry", func(c *Config) { c.Retry.MaxInterval = time.Millisecond }, "retry"},
		{"log level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestPolicy(t *testing.T) {
	cfg := Default()
	cfg.Execution.TaskTimeout = 30 * time.Second
	cfg.Execution.MaxConcurrency = 4
	cfg.Retry.MaxAttempts = 5

	p := cfg.Policy()
	if p.Execution.TaskTimeout != 30*time.Second || p.Execution.MaxConcurrency != 4 || p.Retry.MaxAttempts != 5 {
		t.Errorf("policy = %+v", p)
	}
	if p.Events.BufferSize != 100 {
		t.Errorf("events buffer = %d", p.Events.BufferSize)
	}
}

func TestGetUserConfigDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := getUserConfigDir(); got != filepath.Join("/tmp/xdg", "daybreak") {
		t.Errorf("getUserConfigDir() = %q", got)
	}
	if got := GetUserConfigPath(); got != filepath.Join("/tmp/xdg", "daybreak", "config.yaml") {
		t.Errorf("GetUserConfigPath() = %q", got)
	}
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(root, ProjectConfigName)
	if err := os.WriteFile(want, []byte("workflow:\n  user_id: bob\n"), 0644); err != nil {
		t.Fatal(err)
	}
	t.Chdir(nested)

	got := findProjectConfig()
	// TempDir may sit behind a symlink, so compare resolved paths.
	gotResolved, _ := filepath.EvalSymlinks(got)
	wantResolved, _ := filepath.EvalSymlinks(want)
	if gotResolved != wantResolved {
		t.Errorf("findProjectConfig() = %q, want %q", got, want)
	}
}

func TestWriteStarter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daybreak", "config.yaml")
	if err := WriteStarter(path, false); err != nil {
		t.Fatalf("WriteStarter failed: %v", err)
	}
	if err := WriteStarter(path, false); err == nil {
		t.Error("expected an error when the file exists")
	}
	if err := WriteStarter(path, true); err != nil {
		t.Errorf("forced WriteStarter failed: %v", err)
	}

	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-from-env")
	cfg, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("starter config does not load: %v", err)
	}
	if len(cfg.Generation.Topics) != len(StarterTopics) {
		t.Errorf("topics = %v", cfg.Generation.Topics)
	}
	if cfg.Execution.Reserve != 2*time.Minute || cfg.Retry.MaxInterval != 10*time.Second {
		t.Errorf("durations did not round-trip: %+v %+v", cfg.Execution, cfg.Retry)
	}
	if cfg.Anthropic.APIKey != "sk-ant-from-env" {
		t.Errorf("api key = %q", cfg.Anthropic.APIKey)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("starter config invalid: %v", err)
	}
}
