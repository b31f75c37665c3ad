package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "claude", c.Agent.Command)
	assert.Equal(t, "info", c.LogLevel)
	assert.NotEmpty(t, c.DataDir)
	assert.Equal(t, filepath.Join(c.DataDir, "memory"), c.MemoryDir)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
agent:
  model: claude-sonnet-4
  allowed_tools: [Bash, Read]
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", c.LogLevel)
	assert.Equal(t, "claude-sonnet-4", c.Agent.Model)
	assert.Equal(t, []string{"Bash", "Read"}, c.Agent.AllowedTools)
	assert.Equal(t, "claude", c.Agent.Command) // default survives
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("agent:\n  model: from-file\n"), 0o644))
	t.Setenv("RELAYBOT_AGENT_MODEL", "from-env")
	t.Setenv("RELAYBOT_LOG_LEVEL", "warn")

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Agent.Model)
	assert.Equal(t, "warn", c.LogLevel)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	c := &Config{DataDir: filepath.Join(dir, "data"), LogLevel: "info", Agent: AgentConfig{Command: "claude"}}
	require.NoError(t, c.Validate())
	assert.DirExists(t, c.DataDir)
	assert.Equal(t, filepath.Join(c.DataDir, "sessions.db"), c.SessionDBPath())

	assert.Error(t, (&Config{DataDir: dir, LogLevel: "info"}).Validate())
	assert.Error(t, (&Config{DataDir: dir, LogLevel: "loud", Agent: AgentConfig{Command: "claude"}}).Validate())
}
