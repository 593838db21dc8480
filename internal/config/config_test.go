package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "main", cfg.BaseBranch)
	assert.Equal(t, "wreckit/", cfg.BranchPrefix)
	assert.Equal(t, 1, cfg.Parallel)
	assert.Equal(t, "origin", cfg.PushRemote)
	assert.InDelta(t, 0.85, cfg.DedupThreshold, 1e-9)
	assert.Equal(t, AgentProcess, cfg.Agent.Kind)
}

func TestLoadJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.json", `{
		"base_branch": "trunk",
		"parallel": 4,
		"agent": {"kind": "process", "command": ["claude", "-p"], "env": {"A": "1", "B": "1"}}
	}`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "trunk", cfg.BaseBranch)
	assert.Equal(t, 4, cfg.Parallel)
	assert.Equal(t, []string{"claude", "-p"}, cfg.Agent.Command)
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", `
base_branch: develop
timeout_seconds: 120
agent:
  kind: mock
`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "develop", cfg.BaseBranch)
	assert.Equal(t, 120, cfg.TimeoutSeconds)
	assert.Equal(t, AgentMock, cfg.Agent.Kind)
}

func TestLocalOverlayWins(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.json", `{
		"base_branch": "main",
		"agent": {"kind": "process", "command": ["agent"], "env": {"SHARED": "base", "KEEP": "base"}}
	}`)
	writeFile(t, dir, "config.local.json", `{
		"base_branch": "local-main",
		"agent": {"env": {"SHARED": "local", "EXTRA": "local"}}
	}`)
	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "local-main", cfg.BaseBranch)
	// agent.env merges key by key with the local file winning.
	assert.Equal(t, "local", cfg.Agent.Env["SHARED"])
	assert.Equal(t, "base", cfg.Agent.Env["KEEP"])
	assert.Equal(t, "local", cfg.Agent.Env["EXTRA"])
	// untouched base fields survive the overlay
	assert.Equal(t, []string{"agent"}, cfg.Agent.Command)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Agent.Kind = "carrier-pigeon"
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Agent.Kind = AgentProcess
	cfg.Agent.Command = nil
	require.Error(t, cfg.Validate(), "process agent needs a command")

	cfg = Default()
	cfg.Agent.Kind = AgentMock
	require.NoError(t, cfg.Validate())
}

func TestPhaseTimeout(t *testing.T) {
	cfg := Default()
	cfg.TimeoutSeconds = 100
	cfg.PhaseTimeouts = map[string]int{"implement": 900}
	assert.Equal(t, 900, cfg.PhaseTimeout("implement"))
	assert.Equal(t, 100, cfg.PhaseTimeout("research"))

	cfg.TimeoutSeconds = 0
	assert.Equal(t, 0, cfg.PhaseTimeout("research"), "zero means phase-type default applies")
}
