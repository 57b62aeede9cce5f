package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024
	envPrefix         = "SHIPYARD_"
)

// sections lists top-level keys, longest first so multi-word sections
// win over their prefixes when mapping environment variables.
var sections = []string{
	"auto_correction", "observability", "orchestrator", "anthropic",
	"redaction", "director", "pipeline", "temporal", "logging", "tracker", "events",
	"github", "openai", "server",
}

// nested lists sub-objects whose keys carry their own underscore.
var nested = map[string][]string{
	"director": {"circuit_breaker", "retry"},
}

// LoadWithFile loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Precedence (highest first):
//  1. SHIPYARD_* environment variables
//  2. the YAML file at configPath (skipped when it does not exist)
//  3. defaults
//
// Environment variables map onto keys by section:
//
//	SHIPYARD_SERVER_HTTP_PORT               -> server.http_port
//	SHIPYARD_AUTO_CORRECTION_MAX_ATTEMPTS   -> auto_correction.max_attempts
//	SHIPYARD_DIRECTOR_RETRY_MAX_ATTEMPTS    -> director.retry.max_attempts
//
// The file must be at most 1MB and, outside Windows, mode 0600 or 0400
// since it can hold API tokens.
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		configPath = DefaultPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		content, err := readConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// DefaultPath returns .shipyard/config.yaml under the working directory.
func DefaultPath() string {
	return filepath.Join(".shipyard", "config.yaml")
}

func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}

// envKey maps SHIPYARD_SECTION_FIELD_NAME to section.field_name.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, envPrefix))

	for _, section := range sections {
		if !strings.HasPrefix(key, section+"_") {
			continue
		}
		field := strings.TrimPrefix(key, section+"_")
		for _, sub := range nested[section] {
			if strings.HasPrefix(field, sub+"_") {
				return section + "." + sub + "." + strings.TrimPrefix(field, sub+"_")
			}
		}
		return section + "." + field
	}
	return key
}
