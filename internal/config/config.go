// Package config loads the daemon configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses yaml duration strings like "5m" or "30s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard-library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full daemon configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`

	// Backend selects the queue backend: "sqlite" or "redis".
	Backend   string `yaml:"backend"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`

	// WorkspaceRoot is the directory task targets must stay inside.
	WorkspaceRoot string `yaml:"workspace_root"`
	// AgentRoot is the agent's own source tree, governed by self-update.
	AgentRoot string `yaml:"agent_root"`

	Workers      int      `yaml:"workers"`
	Lease        Duration `yaml:"lease"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxAttempts  int      `yaml:"max_attempts"`
	RetryBackoff Duration `yaml:"retry_backoff"`

	Guard GuardConfig `yaml:"guard"`

	Model       string   `yaml:"model"`
	LLMEndpoint string   `yaml:"llm_endpoint"`
	LLMTimeout  Duration `yaml:"llm_timeout"`
	APIKeyEnv   string   `yaml:"api_key_env"`

	ProtectedFiles  []string `yaml:"protected_files"`
	BackupRetention Duration `yaml:"backup_retention"`
}

// GuardConfig tunes the policy engine ceilings.
type GuardConfig struct {
	MaxContentBytes   int      `yaml:"max_content_bytes"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	AllowedCommands   []string `yaml:"allowed_commands"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	workDir, _ := os.Getwd()
	return &Config{
		ListenAddr:      "127.0.0.1:7520",
		DBPath:          filepath.Join(homeDir, ".minion", "minion.db"),
		Backend:         "sqlite",
		RedisAddr:       "127.0.0.1:6379",
		KeyPrefix:       "minion",
		WorkspaceRoot:   workDir,
		AgentRoot:       workDir,
		Workers:         2,
		Lease:           Duration(5 * time.Minute),
		PollInterval:    Duration(time.Second),
		MaxAttempts:     3,
		RetryBackoff:    Duration(10 * time.Second),
		Model:           "claude-sonnet-4-20250514",
		LLMEndpoint:     "https://api.anthropic.com/v1/messages",
		LLMTimeout:      Duration(2 * time.Minute),
		APIKeyEnv:       "ANTHROPIC_API_KEY",
		BackupRetention: Duration(7 * 24 * time.Hour),
	}
}

// Load reads the config file at path, layering it over the defaults. A
// missing file is not an error; the defaults stand.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.Backend != "sqlite" && c.Backend != "redis" {
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.Lease <= 0 {
		return fmt.Errorf("lease must be positive, got %v", c.Lease.Std())
	}
	return nil
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".minion", "config.yaml")
}
