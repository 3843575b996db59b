package config

import (
	"errors"
	"os"
	"strings"
)

// ErrNoAPIKey is returned when no provider API key is configured.
var ErrNoAPIKey = errors.New("no provider API key configured")

// APIKeyEnv is the environment variable that overrides provider.api_key.
// The pool hands the credential to workers through the same variable.
const APIKeyEnv = EnvPrefix + "_PROVIDER_API_KEY"

// GetAPIKey returns the provider API key.
// It checks in order: CREW_PROVIDER_API_KEY, config file (with ${VAR} expansion).
func GetAPIKey(cfg *Config) (string, error) {
	if key := os.Getenv(APIKeyEnv); key != "" {
		return key, nil
	}

	if cfg != nil && cfg.Provider.APIKey != "" {
		key := os.ExpandEnv(cfg.Provider.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return key, nil
		}
	}

	return "", ErrNoAPIKey
}

// MaskAPIKey returns a masked version of the API key for display.
// Shows the first 7 characters and last 4 characters.
func MaskAPIKey(key string) string {
	if key == "" {
		return "(not set)"
	}

	if len(key) <= 15 {
		return "***"
	}

	return key[:7] + "..." + key[len(key)-4:]
}

// KeySource represents where an API key was loaded from.
type KeySource string

const (
	KeySourceEnv    KeySource = "environment"
	KeySourceConfig KeySource = "config_file"
	KeySourceNone   KeySource = "none"
)

// GetAPIKeySource returns where the API key was sourced from.
func GetAPIKeySource(cfg *Config) KeySource {
	if os.Getenv(APIKeyEnv) != "" {
		return KeySourceEnv
	}

	if cfg != nil && cfg.Provider.APIKey != "" {
		key := os.ExpandEnv(cfg.Provider.APIKey)
		if key != "" && !strings.HasPrefix(key, "${") {
			return KeySourceConfig
		}
	}

	return KeySourceNone
}
