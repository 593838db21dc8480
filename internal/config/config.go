// Package config loads the workspace configuration from
// .wreckit/config.json (or config.yaml), with config.local.json
// layered on top for machine-local overrides such as agent credentials.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentKind selects the agent transport. Closed set; see internal/agent.
type AgentKind string

const (
	AgentProcess     AgentKind = "process"
	AgentSDK         AgentKind = "sdk"
	AgentSandboxedVM AgentKind = "sandboxed-vm"
	AgentMock        AgentKind = "mock"
)

type AgentConfig struct {
	Kind AgentKind `json:"kind" yaml:"kind"`

	// Command is the agent executable and fixed arguments for the
	// process transport. The prompt is delivered on stdin.
	Command []string `json:"command,omitempty" yaml:"command,omitempty"`

	// CompletionSignal is a sentinel string a process agent prints on
	// successful termination. Empty means exit status alone decides.
	CompletionSignal string `json:"completion_signal,omitempty" yaml:"completion_signal,omitempty"`

	// Env is passed to agent subprocesses. config.local.json entries
	// take precedence over config.json entries key by key.
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	// SandboxCommand prefixes the agent command for the sandboxed-vm
	// transport (e.g. a container or VM runner).
	SandboxCommand []string `json:"sandbox_command,omitempty" yaml:"sandbox_command,omitempty"`
}

// Skill is a named capability a phase may advertise to the agent. The
// runner validates requested tools against the phase allowlist and
// warns on mismatch; the mismatch is never fatal.
type Skill struct {
	Name  string   `json:"name" yaml:"name"`
	Tools []string `json:"tools,omitempty" yaml:"tools,omitempty"`
}

type Config struct {
	BaseBranch   string `json:"base_branch,omitempty" yaml:"base_branch,omitempty"`
	BranchPrefix string `json:"branch_prefix,omitempty" yaml:"branch_prefix,omitempty"`

	// TimeoutSeconds overrides every phase deadline when > 0. Phase-type
	// defaults apply otherwise; PhaseTimeouts overrides a single phase.
	TimeoutSeconds int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	PhaseTimeouts  map[string]int `json:"phase_timeouts,omitempty" yaml:"phase_timeouts,omitempty"`

	Parallel int `json:"parallel,omitempty" yaml:"parallel,omitempty"`

	Agent AgentConfig `json:"agent" yaml:"agent"`

	Skills map[string][]Skill `json:"skills,omitempty" yaml:"skills,omitempty"`

	// QualityGate is an optional lightweight build/parse check run after
	// each story; empty disables the gate.
	QualityGate []string `json:"quality_gate,omitempty" yaml:"quality_gate,omitempty"`

	// SecretPatterns extends the built-in secret scan patterns.
	SecretPatterns []string `json:"secret_patterns,omitempty" yaml:"secret_patterns,omitempty"`

	// PushRemote names the remote item branches are pushed to.
	PushRemote string `json:"push_remote,omitempty" yaml:"push_remote,omitempty"`

	// DedupThreshold is the Jaro-Winkler similarity above which a new
	// idea is considered a duplicate of an existing item title.
	DedupThreshold float64 `json:"dedup_threshold,omitempty" yaml:"dedup_threshold,omitempty"`
}

func Default() *Config {
	return &Config{
		BaseBranch:     "main",
		BranchPrefix:   "wreckit/",
		Parallel:       1,
		PushRemote:     "origin",
		DedupThreshold: 0.85,
		Agent:          AgentConfig{Kind: AgentProcess},
	}
}

func (c *Config) applyDefaults() {
	d := Default()
	if strings.TrimSpace(c.BaseBranch) == "" {
		c.BaseBranch = d.BaseBranch
	}
	if strings.TrimSpace(c.BranchPrefix) == "" {
		c.BranchPrefix = d.BranchPrefix
	}
	if c.Parallel <= 0 {
		c.Parallel = d.Parallel
	}
	if strings.TrimSpace(c.PushRemote) == "" {
		c.PushRemote = d.PushRemote
	}
	if c.DedupThreshold <= 0 || c.DedupThreshold > 1 {
		c.DedupThreshold = d.DedupThreshold
	}
	if c.Agent.Kind == "" {
		c.Agent.Kind = AgentProcess
	}
}

func (c *Config) Validate() error {
	switch c.Agent.Kind {
	case AgentProcess, AgentSDK, AgentSandboxedVM, AgentMock:
	default:
		return fmt.Errorf("agent.kind %q is not one of process, sdk, sandboxed-vm, mock", c.Agent.Kind)
	}
	if c.Agent.Kind == AgentProcess && len(c.Agent.Command) == 0 {
		return errors.New("agent.kind=process requires agent.command")
	}
	if c.TimeoutSeconds < 0 {
		return errors.New("timeout_seconds must be >= 0")
	}
	return nil
}

// Load reads config.json or config.yaml under workspaceRoot and layers
// config.local.json on top. A missing config file yields the defaults.
func Load(workspaceRoot string) (*Config, error) {
	cfg := &Config{}
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		path := filepath.Join(workspaceRoot, name)
		b, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if err := decodeInto(path, b, cfg); err != nil {
			return nil, err
		}
		break
	}

	localPath := filepath.Join(workspaceRoot, "config.local.json")
	if b, err := os.ReadFile(localPath); err == nil {
		var local Config
		if err := decodeInto(localPath, b, &local); err != nil {
			return nil, err
		}
		overlay(cfg, &local)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config.json with stable formatting. Init uses this to
// seed a workspace.
func Save(workspaceRoot string, cfg *Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(workspaceRoot, "config.json"), append(b, '\n'), 0o644)
}

func decodeInto(path string, b []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, cfg); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// overlay applies non-zero fields of local over base. agent.env merges
// key by key with local winning.
func overlay(base, local *Config) {
	if strings.TrimSpace(local.BaseBranch) != "" {
		base.BaseBranch = local.BaseBranch
	}
	if strings.TrimSpace(local.BranchPrefix) != "" {
		base.BranchPrefix = local.BranchPrefix
	}
	if local.TimeoutSeconds > 0 {
		base.TimeoutSeconds = local.TimeoutSeconds
	}
	if len(local.PhaseTimeouts) > 0 {
		if base.PhaseTimeouts == nil {
			base.PhaseTimeouts = map[string]int{}
		}
		for k, v := range local.PhaseTimeouts {
			base.PhaseTimeouts[k] = v
		}
	}
	if local.Parallel > 0 {
		base.Parallel = local.Parallel
	}
	if local.Agent.Kind != "" {
		base.Agent.Kind = local.Agent.Kind
	}
	if len(local.Agent.Command) > 0 {
		base.Agent.Command = local.Agent.Command
	}
	if strings.TrimSpace(local.Agent.CompletionSignal) != "" {
		base.Agent.CompletionSignal = local.Agent.CompletionSignal
	}
	if len(local.Agent.SandboxCommand) > 0 {
		base.Agent.SandboxCommand = local.Agent.SandboxCommand
	}
	if len(local.Agent.Env) > 0 {
		if base.Agent.Env == nil {
			base.Agent.Env = map[string]string{}
		}
		for k, v := range local.Agent.Env {
			base.Agent.Env[k] = v
		}
	}
	if len(local.Skills) > 0 {
		if base.Skills == nil {
			base.Skills = map[string][]Skill{}
		}
		for k, v := range local.Skills {
			base.Skills[k] = v
		}
	}
	if len(local.QualityGate) > 0 {
		base.QualityGate = local.QualityGate
	}
	if len(local.SecretPatterns) > 0 {
		base.SecretPatterns = append(base.SecretPatterns, local.SecretPatterns...)
	}
	if strings.TrimSpace(local.PushRemote) != "" {
		base.PushRemote = local.PushRemote
	}
	if local.DedupThreshold > 0 {
		base.DedupThreshold = local.DedupThreshold
	}
}

// PhaseTimeout returns the configured deadline for a phase in seconds,
// or 0 when the phase-type default should apply.
func (c *Config) PhaseTimeout(phase string) int {
	if v, ok := c.PhaseTimeouts[phase]; ok && v > 0 {
		return v
	}
	return c.TimeoutSeconds
}
