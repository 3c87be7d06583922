package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

type ServerConfig struct {
	Port        int `mapstructure:"port"`
	MaxSessions int `mapstructure:"max_sessions"`
}

type SandboxConfig struct {
	DockerHost      string        `mapstructure:"docker_host"`
	WorkspaceRoot   string        `mapstructure:"workspace_root"`
	MountPath       string        `mapstructure:"mount_path"`
	Memory          string        `mapstructure:"memory"`
	CPUs            float64       `mapstructure:"cpus"`
	CPUShares       int64         `mapstructure:"cpu_shares"`
	PidsLimit       int64         `mapstructure:"pids_limit"`
	Network         bool          `mapstructure:"network"`
	ExecTimeout     time.Duration `mapstructure:"exec_timeout"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
	CleanupDelay    time.Duration `mapstructure:"cleanup_delay"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout"`
	PullTimeout     time.Duration `mapstructure:"pull_timeout"`
	MaxContainers   int           `mapstructure:"max_containers"`
	BlockSuspicious bool          `mapstructure:"block_suspicious"`
	LanguagesFile   string        `mapstructure:"languages_file"`
}

// MemoryBytes parses Memory ("100m", "1g") into bytes.
func (s SandboxConfig) MemoryBytes() (int64, error) {
	return units.RAMInBytes(s.Memory)
}

type LanguageConfig struct {
	Image    string   `mapstructure:"image" yaml:"image"`
	Filename string   `mapstructure:"filename" yaml:"filename"`
	Command  []string `mapstructure:"command" yaml:"command"`
}

type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

type StorageConfig struct {
	LedgerPath string `mapstructure:"ledger_path"`
}

type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Sandbox   SandboxConfig             `mapstructure:"sandbox"`
	Languages map[string]LanguageConfig `mapstructure:"languages"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Storage   StorageConfig             `mapstructure:"storage"`
}

// Load reads runbox.yaml from the working directory or $HOME/.runbox, applies
// RUNBOX_* environment overrides and validates the result. A missing config
// file is not an error.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("runbox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.runbox")

	v.SetEnvPrefix("RUNBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.max_sessions", 100)

	v.SetDefault("sandbox.workspace_root", filepath.Join(os.TempDir(), "runbox"))
	v.SetDefault("sandbox.mount_path", "/code")
	v.SetDefault("sandbox.memory", "100m")
	v.SetDefault("sandbox.cpus", 0.5)
	v.SetDefault("sandbox.cpu_shares", 512)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.network", false)
	v.SetDefault("sandbox.exec_timeout", 10*time.Second)
	v.SetDefault("sandbox.max_lifetime", 20*time.Second)
	v.SetDefault("sandbox.cleanup_delay", time.Second)
	v.SetDefault("sandbox.drain_timeout", 2*time.Second)
	v.SetDefault("sandbox.pull_timeout", 10*time.Minute)
	v.SetDefault("sandbox.max_containers", 10)
	v.SetDefault("sandbox.block_suspicious", false)

	v.SetDefault("languages", map[string]any{
		"python": map[string]any{
			"image":    "python:3.10-alpine",
			"filename": "main.py",
			"command":  []string{"python", "-u", "{file}"},
		},
		"javascript": map[string]any{
			"image":    "node:16-alpine",
			"filename": "main.js",
			"command":  []string{"node", "{file}"},
		},
	})

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")

	v.SetDefault("storage.ledger_path", filepath.Join(os.Getenv("HOME"), ".runbox", "ledger.db"))
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Server.MaxSessions <= 0 {
		return fmt.Errorf("server.max_sessions must be positive")
	}

	s := c.Sandbox
	if s.WorkspaceRoot == "" {
		return fmt.Errorf("sandbox.workspace_root is required")
	}
	if !strings.HasPrefix(s.MountPath, "/") {
		return fmt.Errorf("sandbox.mount_path must be absolute")
	}
	if _, err := s.MemoryBytes(); err != nil {
		return fmt.Errorf("sandbox.memory: %w", err)
	}
	if s.CPUs < 0 {
		return fmt.Errorf("sandbox.cpus must not be negative")
	}
	if s.ExecTimeout <= 0 {
		return fmt.Errorf("sandbox.exec_timeout must be positive")
	}
	if s.MaxLifetime <= s.ExecTimeout {
		return fmt.Errorf("sandbox.max_lifetime must be greater than sandbox.exec_timeout")
	}
	if s.CleanupDelay < 0 || s.DrainTimeout <= 0 || s.PullTimeout <= 0 {
		return fmt.Errorf("sandbox cleanup, drain and pull timeouts must be positive")
	}
	if s.MaxContainers <= 0 {
		return fmt.Errorf("sandbox.max_containers must be positive")
	}

	if len(c.Languages) == 0 && s.LanguagesFile == "" {
		return fmt.Errorf("at least one language must be configured")
	}
	for name, l := range c.Languages {
		if l.Image == "" || l.Filename == "" || len(l.Command) == 0 {
			return fmt.Errorf("language %q needs image, filename and command", name)
		}
	}

	switch c.Logging.Mode {
	case "development", "production":
	default:
		return fmt.Errorf("logging.mode must be development or production, got %q", c.Logging.Mode)
	}
	return nil
}
