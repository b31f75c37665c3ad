// Package config loads the relay configuration: defaults, then an
// optional YAML file, then RELAYBOT_* environment variables, each
// layer overriding the last.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "RELAYBOT_"

// Config holds the relay's runtime configuration.
type Config struct {
	DataDir     string `koanf:"data_dir"`
	MemoryDir   string `koanf:"memory_dir"`
	MetricsAddr string `koanf:"metrics_addr"`
	LogLevel    string `koanf:"log_level"`

	Agent AgentConfig `koanf:"agent"`
}

// AgentConfig configures the Claude CLI invocation.
type AgentConfig struct {
	Command      string   `koanf:"command"`
	Model        string   `koanf:"model"`
	SystemPrompt string   `koanf:"system_prompt"`
	AllowedTools []string `koanf:"allowed_tools"`
	WorkingDir   string   `koanf:"working_dir"`
	TurnTimeout  string   `koanf:"turn_timeout"` // Go duration string, empty = no limit
}

func defaults() map[string]any {
	return map[string]any{
		"data_dir":     defaultDataDir(),
		"memory_dir":   "",
		"metrics_addr": "",
		"log_level":    "info",

		"agent.command":     "claude",
		"agent.model":       "",
		"agent.working_dir": "",
	}
}

// Load builds the configuration. path may be empty to skip the file
// layer; a named file that does not exist is an error.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// RELAYBOT_AGENT_MODEL=... → agent.model, etc. Underscores inside a
	// single key segment are not representable this way; none of our
	// keys after the first segment need them except via the file layer.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if rest, ok := strings.CutPrefix(s, "agent_"); ok {
			return "agent." + rest
		}
		return s
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if c.MemoryDir == "" {
		c.MemoryDir = filepath.Join(c.DataDir, "memory")
	}
	return &c, nil
}

// Validate checks the configuration values and ensures required
// directories exist.
func (c *Config) Validate() error {
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if err := os.MkdirAll(c.DataDir, 0o750); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	return nil
}

// SessionDBPath returns the path to the session mapping database.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataDir, "sessions.db")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".config", "relaybot")
	}
	return filepath.Join(home, ".config", "relaybot")
}
