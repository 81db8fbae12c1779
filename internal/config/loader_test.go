package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "sera.json"))
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.Lane.MaxPending)
	assert.Equal(t, "claude-sonnet-4", cfg.Models.Default)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "runs.db"), cfg.Runlog.Path)
	assert.Equal(t, filepath.Join(cfg.DataDir, "sera.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join(cfg.DataDir, "workspace"), cfg.Sandbox.Workspace)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sera.json")
	content := `{
		"lane": {"max_pending": 5},
		"models": {"default": "m-test", "fallbacks": ["m-backup"]},
		"sandbox": {"enabled": true, "image": "debian:12", "fallback": false},
		"logging": {"level": "debug"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Lane.MaxPending)
	assert.Equal(t, "m-test", cfg.Models.Default)
	assert.Equal(t, []string{"m-backup"}, cfg.Models.Fallbacks)
	assert.True(t, cfg.Sandbox.Enabled)
	assert.Equal(t, "debian:12", cfg.Sandbox.Image)
	assert.False(t, cfg.Sandbox.Fallback)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, 300, cfg.Lane.DedupTTLSeconds)
	assert.Equal(t, 20, cfg.Loop.MaxIterations)
	assert.Equal(t, "none", cfg.Sandbox.Network)
}

func TestLoad_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sera.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_DerivedPathsFollowDataDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sera.json")
	content := `{"data_dir": "` + filepath.Join(dir, "state") + `"}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "state"), cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "state", "runs.db"), cfg.Runlog.Path)
	assert.Equal(t, filepath.Join(dir, "state", "sera.log"), cfg.Logging.File)
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "sera.json")
	loader := NewLoader(path)

	cfg := DefaultConfig()
	cfg.Lane.MaxPending = 42
	cfg.Models.Default = "m-saved"
	cfg.Tools.Enabled = []string{"exec", "read_file"}

	require.NoError(t, loader.Save(cfg))

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 42, loaded.Lane.MaxPending)
	assert.Equal(t, "m-saved", loaded.Models.Default)
	assert.Equal(t, []string{"exec", "read_file"}, loaded.Tools.Enabled)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/tmp/custom.json", NewLoader("/tmp/custom.json").GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".sera", "sera.json"), NewLoader("").GetConfigPath())
}
