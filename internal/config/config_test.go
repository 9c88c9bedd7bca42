package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	Reset()
	t.Setenv("HOME", t.TempDir())
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Broker.Port)
	assert.Equal(t, DefaultWorkerPort, cfg.Broker.WorkerPort)
	assert.Equal(t, "./tools", cfg.ToolsDir)
	assert.Equal(t, 30, cfg.Gateway.CallTimeoutSeconds)
	assert.Equal(t, 300, cfg.Supervisor.DebounceMilliseconds)
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lootbox.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
tools_dir = "/srv/tools"

[broker]
port = 9000

[sandbox]
timeout_seconds = 20
`), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/tools", cfg.ToolsDir)
	assert.Equal(t, 9000, cfg.Broker.Port)
	assert.Equal(t, DefaultWorkerPort, cfg.Broker.WorkerPort, "unset keys keep their default")
	assert.Equal(t, 20, cfg.Sandbox.TimeoutSeconds)
}

func TestEnvironmentVariableOverridesFile(t *testing.T) {
	Reset()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("LOOTBOX_TOOLS_DIR", "/env/tools")
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/env/tools", cfg.ToolsDir)
}

func TestLoadCachesResult(t *testing.T) {
	Reset()
	t.Setenv("HOME", t.TempDir())
	t.Cleanup(Reset)

	first, err := Load()
	require.NoError(t, err)
	second, err := Load()
	require.NoError(t, err)

	assert.Same(t, first, second)
}
