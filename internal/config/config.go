package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Session SessionConfig `yaml:"session"`
	Models  ModelConfig   `yaml:"models"`
	Agent   AgentConfig   `yaml:"agent"`
}

type AgentConfig struct {
	// Command is the agent binary spawned per folder.
	Command string `yaml:"command"`
	// Args are prepended before the broker's own protocol flags.
	Args []string `yaml:"args"`
}

type ServerConfig struct {
	Port     int    `yaml:"port"`
	Host     string `yaml:"host"`
	ScanRoot string `yaml:"scan_root"`
	// ConfigDir holds broker-owned state such as the orphan records file.
	ConfigDir string `yaml:"config_dir"`
	// PingInterval is the SSE keepalive cadence.
	PingInterval time.Duration `yaml:"ping_interval"`
	// MaxBodyBytes caps prompt request bodies.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

type SessionConfig struct {
	// GracePeriod is how long a runtime survives after its last client detaches.
	GracePeriod time.Duration `yaml:"grace_period"`
	// InitDeadline bounds the wait for the child's system-init event.
	InitDeadline time.Duration `yaml:"init_deadline"`
	// KillEscalation is the delay between the polite and forceful signals.
	KillEscalation time.Duration `yaml:"kill_escalation"`
	// FlushInterval bounds how long small deltas are conflated before fan-out.
	FlushInterval time.Duration `yaml:"flush_interval"`
	// PromptAckTimeout bounds the transport-level wait for a prompt ack.
	PromptAckTimeout time.Duration `yaml:"prompt_ack_timeout"`
	// ReplayRing is the number of outbound frames retained for reconnect replay.
	ReplayRing int `yaml:"replay_ring"`
	// StderrRing is the number of child stderr lines kept for diagnostics.
	StderrRing int `yaml:"stderr_ring"`
	// OrphanMaxAge bounds how old a persisted child record may be and still be reaped.
	OrphanMaxAge time.Duration `yaml:"orphan_max_age"`
}

type ModelConfig struct {
	// ContextWindowDefault is used when the child reports no per-model window.
	ContextWindowDefault int `yaml:"context_window_default"`
	// CompactionDropPercent is the relative input-token drop that signals compaction.
	CompactionDropPercent int `yaml:"compaction_drop_percent"`
	// CompactionMinTokens is the floor below which drops are never compaction.
	CompactionMinTokens int `yaml:"compaction_min_tokens"`
	// AmberPercent and RedPercent are remaining-context bands for one-shot notes.
	AmberPercent int `yaml:"amber_percent"`
	RedPercent   int `yaml:"red_percent"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         3001,
			Host:         "0.0.0.0",
			PingInterval: 30 * time.Second,
			MaxBodyBytes: 1 << 20,
		},
		Session: SessionConfig{
			GracePeriod:      60 * time.Second,
			InitDeadline:     30 * time.Second,
			KillEscalation:   2 * time.Second,
			FlushInterval:    50 * time.Millisecond,
			PromptAckTimeout: 10 * time.Second,
			ReplayRing:       512,
			StderrRing:       20,
			OrphanMaxAge:     24 * time.Hour,
		},
		Models: ModelConfig{
			ContextWindowDefault:  200000,
			CompactionDropPercent: 15,
			CompactionMinTokens:   20000,
			AmberPercent:          20,
			RedPercent:            10,
		},
		Agent: AgentConfig{
			Command: "claude",
		},
	}
}

// Load reads the YAML config at path, if present, layered over defaults and
// environment overrides. A missing file is not an error; a missing scan root is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.Server.ScanRoot == "" {
		return nil, fmt.Errorf("scan root is required (set GUERIDON_ROOT or server.scan_root)")
	}
	abs, err := filepath.Abs(cfg.Server.ScanRoot)
	if err != nil {
		return nil, fmt.Errorf("resolving scan root: %w", err)
	}
	cfg.Server.ScanRoot = abs

	if cfg.Server.ConfigDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving config dir: %w", err)
		}
		cfg.Server.ConfigDir = filepath.Join(home, ".gueridon")
	}

	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Server.Port = n
		}
	}
	if v := os.Getenv("GUERIDON_ROOT"); v != "" {
		c.Server.ScanRoot = v
	}
	if v := os.Getenv("GUERIDON_HOME"); v != "" {
		c.Server.ConfigDir = v
	}
	if v := os.Getenv("GUERIDON_AGENT"); v != "" {
		c.Agent.Command = v
	}
}

// RecordsFile is the path of the orphan-reaper record file.
func (c *Config) RecordsFile() string {
	return filepath.Join(c.Server.ConfigDir, "sessions.json")
}
