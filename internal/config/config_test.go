package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Session.GracePeriod)
	assert.Equal(t, 30*time.Second, cfg.Session.InitDeadline)
	assert.Equal(t, 2*time.Second, cfg.Session.KillEscalation)
	assert.Equal(t, 50*time.Millisecond, cfg.Session.FlushInterval)
	assert.Equal(t, 512, cfg.Session.ReplayRing)
	assert.Equal(t, 200000, cfg.Models.ContextWindowDefault)
	assert.Equal(t, 15, cfg.Models.CompactionDropPercent)
	assert.Equal(t, "claude", cfg.Agent.Command)
}

func TestLoadRequiresScanRoot(t *testing.T) {
	t.Setenv("GUERIDON_ROOT", "")
	t.Setenv("PORT", "")
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "scan root")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("GUERIDON_ROOT", root)
	t.Setenv("PORT", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 3001, cfg.Server.Port)
	assert.Equal(t, root, cfg.Server.ScanRoot)
	assert.NotEmpty(t, cfg.Server.ConfigDir)
}

func TestLoadYAML(t *testing.T) {
	root := t.TempDir()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
server:
  port: 4000
  scan_root: ` + root + `
session:
  grace_period: 90s
  replay_ring: 64
models:
  context_window_default: 1000000
agent:
  command: mockagent
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	t.Setenv("GUERIDON_ROOT", "")
	t.Setenv("PORT", "")
	t.Setenv("GUERIDON_AGENT", "")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, root, cfg.Server.ScanRoot)
	assert.Equal(t, 90*time.Second, cfg.Session.GracePeriod)
	assert.Equal(t, 64, cfg.Session.ReplayRing)
	assert.Equal(t, 1000000, cfg.Models.ContextWindowDefault)
	assert.Equal(t, "mockagent", cfg.Agent.Command)
	// Untouched sections keep their defaults.
	assert.Equal(t, 2*time.Second, cfg.Session.KillEscalation)
}

func TestEnvOverrides(t *testing.T) {
	root := t.TempDir()
	home := t.TempDir()
	t.Setenv("GUERIDON_ROOT", root)
	t.Setenv("GUERIDON_HOME", home)
	t.Setenv("GUERIDON_AGENT", "/usr/local/bin/agent")
	t.Setenv("PORT", "8080")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, root, cfg.Server.ScanRoot)
	assert.Equal(t, home, cfg.Server.ConfigDir)
	assert.Equal(t, "/usr/local/bin/agent", cfg.Agent.Command)
	assert.Equal(t, filepath.Join(home, "sessions.json"), cfg.RecordsFile())
}
