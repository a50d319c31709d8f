package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Orchestrator  OrchestratorConfig  `toml:"orchestrator"`
	Consensus     ConsensusConfig     `toml:"consensus"`
	Quality       QualityConfig       `toml:"quality"`
	Budget        BudgetConfig        `toml:"budget"`
	Learning      LearningConfig      `toml:"learning"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	Agents        []AgentConfig       `toml:"agents"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	SpecRoot     string `toml:"spec_root"`
	EvidenceDir  string `toml:"evidence_dir"`
	DatabasePath string `toml:"database_path"`
	AnswerDir    string `toml:"answer_dir"`
}

// OrchestratorConfig bounds stage fan-out. MaxAttempts and MinQuorum are
// the single retry point for the whole system; no other layer retries.
type OrchestratorConfig struct {
	MaxAttempts  int    `toml:"max_attempts"`
	MinQuorum    int    `toml:"min_quorum"`
	AgentTimeout string `toml:"agent_timeout"`
	StageTimeout string `toml:"stage_timeout"`
	RunTimeout   string `toml:"run_timeout"`
}

// ConsensusConfig holds verdict classification settings.
// TiePolicy decides an even 50% split: "conflict" halts, "accept" advances.
type ConsensusConfig struct {
	TiePolicy string `toml:"tie_policy"`
}

// QualityConfig holds checkpoint review settings
type QualityConfig struct {
	Reviewers      []string `toml:"reviewers"`
	ValidatorAgent string   `toml:"validator_agent"`
}

// BudgetConfig holds per-spec spend thresholds. Alerts are warn-only;
// nothing halts on overrun.
type BudgetConfig struct {
	PerSpecUSD      float64 `toml:"per_spec_usd"`
	EvidenceLimitMB int     `toml:"evidence_limit_mb"`
}

// LearningConfig holds playbook hint settings. When Dir is empty the
// pipeline runs without hints.
type LearningConfig struct {
	Dir string `toml:"dir"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds status server settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// AgentConfig describes one configured agent backend. Stages lists the
// stages the agent participates in; Aggregator marks the one result
// treated as authoritative for agreement/conflict detection.
type AgentConfig struct {
	ID         string   `toml:"id"`
	Backend    string   `toml:"backend"` // "command" or "scripted"
	Command    string   `toml:"command"`
	Args       []string `toml:"args"`
	Model      string   `toml:"model"`
	Stages     []string `toml:"stages"`
	Aggregator bool     `toml:"aggregator"`
	Timeout    string   `toml:"timeout"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".spec-orchestrator")
	return &Config{
		General: GeneralConfig{
			SpecRoot:     "",
			EvidenceDir:  filepath.Join(base, "evidence"),
			DatabasePath: filepath.Join(base, "orchestrator.db"),
			AnswerDir:    filepath.Join(base, "answers"),
		},
		Orchestrator: OrchestratorConfig{
			MaxAttempts:  2,
			MinQuorum:    2,
			AgentTimeout: "10m",
			StageTimeout: "30m",
			RunTimeout:   "4h",
		},
		Consensus: ConsensusConfig{
			TiePolicy: "conflict",
		},
		Quality: QualityConfig{
			Reviewers:      []string{"claude", "gemini", "codex"},
			ValidatorAgent: "gpt-pro",
		},
		Budget: BudgetConfig{
			PerSpecUSD:      25.0,
			EvidenceLimitMB: 200,
		},
		Notifications: NotificationsConfig{
			Desktop: true,
		},
		Web: WebConfig{
			Port: 8484,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Expand paths
	cfg.General.SpecRoot = ExpandPath(cfg.General.SpecRoot)
	cfg.General.EvidenceDir = ExpandPath(cfg.General.EvidenceDir)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.General.AnswerDir = ExpandPath(cfg.General.AnswerDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the coordinator cannot run with
func (c *Config) Validate() error {
	if c.Orchestrator.MaxAttempts < 1 {
		return fmt.Errorf("orchestrator.max_attempts must be >= 1, got %d", c.Orchestrator.MaxAttempts)
	}
	if c.Orchestrator.MinQuorum < 1 {
		return fmt.Errorf("orchestrator.min_quorum must be >= 1, got %d", c.Orchestrator.MinQuorum)
	}
	switch c.Consensus.TiePolicy {
	case "conflict", "accept":
	default:
		return fmt.Errorf("consensus.tie_policy must be \"conflict\" or \"accept\", got %q", c.Consensus.TiePolicy)
	}
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent with empty id")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
	}
	for _, stage := range []string{"plan", "tasks", "implement", "validate", "audit", "unlock"} {
		n := len(c.AgentsForStage(stage))
		if n == 0 {
			continue // stage falls back to the full roster
		}
		if n < 2 || n > 5 {
			return fmt.Errorf("stage %q has %d agents, want 2-5", stage, n)
		}
	}
	return nil
}

// AgentsForStage returns the agents configured for a stage
func (c *Config) AgentsForStage(stage string) []AgentConfig {
	var out []AgentConfig
	for _, a := range c.Agents {
		for _, s := range a.Stages {
			if s == stage {
				out = append(out, a)
				break
			}
		}
	}
	return out
}

// AgentTimeout parses the per-agent timeout with a fallback
func (c *Config) AgentTimeout() time.Duration {
	return parseDuration(c.Orchestrator.AgentTimeout, 10*time.Minute)
}

// StageTimeout parses the per-stage timeout with a fallback
func (c *Config) StageTimeout() time.Duration {
	return parseDuration(c.Orchestrator.StageTimeout, 30*time.Minute)
}

// RunTimeout parses the coarse total-run backstop with a fallback
func (c *Config) RunTimeout() time.Duration {
	return parseDuration(c.Orchestrator.RunTimeout, 4*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "spec-orchestrator", "config.toml")
}
