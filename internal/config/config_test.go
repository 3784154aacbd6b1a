package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, "/run/mds", cfg.RuntimeRootDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, -1, cfg.SocketFD)
	assert.Equal(t, -1, cfg.StateFD)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	cfg := NewDefaultConfig()
	path := filepath.Join(t.TempDir(), "mds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nruntime_root_dir: /tmp/x\n"), 0644))
	require.NoError(t, cfg.LoadYAML(path))
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "/tmp/x", cfg.RuntimeRootDir)
}

func TestLoadYAMLEmptyPathIsNoop(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.LoadYAML(""))
	assert.Equal(t, "info", cfg.LogLevel)
}
