package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"go.yaml.in/yaml/v3"
)

// StarterTopics are the daily topics written into a starter config.
var StarterTopics = []string{
	"Generate a comprehensive AI newsletter summarising the latest happenings in the AI world from the last 24 hours.",
	"Research and compile a report on financial news about gold and silver, including news, videos and articles released yesterday or today.",
	"Summarise any official feature releases or announcements from Anthropic, Google Gemini and OpenAI in the last 24 to 48 hours.",
}

const starterHeader = `# daybreak configuration.
# API keys are best left to the environment (ANTHROPIC_API_KEY, GOOGLE_API_KEY)
# or a .env file; ${VAR} references are expanded.
`

// Starter returns the default configuration with the starter topics and
// environment references for the API keys.
func Starter() *Config {
	cfg := Default()
	cfg.Anthropic.APIKey = "${ANTHROPIC_API_KEY}"
	cfg.Gemini.APIKey = "${GOOGLE_API_KEY}"
	cfg.Generation.Topics = append([]string(nil), StarterTopics...)
	cfg.Generation.MaxTasks = max(cfg.Generation.MaxTasks, len(StarterTopics))
	return cfg
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteStarter writes a starter config to path. An existing file is only
// replaced when force is set.
func WriteStarter(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	body, err := Marshal(Starter())
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, append([]byte(starterHeader), body...), 0o600)
}
