package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no API key is configured for the selected
// engine.
var ErrNoAPIKey = errors.New("no API key configured")

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv     KeySource = "environment"
	KeySourceConfig  KeySource = "config_file"
	KeySourceBedrock KeySource = "aws_bedrock"
	KeySourceNone    KeySource = "none"
)

// envKey returns the conventional environment variable of a provider.
func envKey(provider string) string {
	if provider == "gemini" {
		return "GOOGLE_API_KEY"
	}
	return "ANTHROPIC_API_KEY"
}

// GetAPIKey returns the API key of the configured engine provider.
// It checks in order: environment variable, config file.
func GetAPIKey(cfg *Config) (string, error) {
	key, _ := resolveKey(cfg)
	if key == "" {
		return "", ErrNoAPIKey
	}
	return key, nil
}

// GetAPIKeySource returns where the API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	if cfg != nil && cfg.Engine.Provider != "gemini" && cfg.Anthropic.Bedrock {
		return KeySourceBedrock
	}
	_, src := resolveKey(cfg)
	return src
}

func resolveKey(cfg *Config) (string, KeySource) {
	provider := "anthropic"
	if cfg != nil && cfg.Engine.Provider != "" {
		provider = cfg.Engine.Provider
	}
	if key := os.Getenv(envKey(provider)); key != "" {
		return key, KeySourceEnv
	}
	if cfg == nil {
		return "", KeySourceNone
	}

	configured := cfg.Anthropic.APIKey
	if provider == "gemini" {
		configured = cfg.Gemini.APIKey
	}
	key := os.ExpandEnv(configured)
	if key != "" && !strings.HasPrefix(key, "${") {
		return key, KeySourceConfig
	}
	return "", KeySourceNone
}

// MaskAPIKey returns a masked version of the API key for display.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 15 {
		return "***"
	}
	return key[:7] + "..." + key[len(key)-4:]
}
