package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"specforge/internal/executor"
)

// Config models specforge.yml.
type Config struct {
	Workspace    string `yaml:"workspace"`
	ProjectsRoot string `yaml:"projects_root"`
	Server       struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Workflow struct {
		AutoApprove  bool   `yaml:"auto_approve"`
		ContextLimit int    `yaml:"context_limit"`
		PhaseTimeout string `yaml:"phase_timeout"`
	} `yaml:"workflow"`
	Executor struct {
		Provider string          `yaml:"provider"`
		APIKey   string          `yaml:"api_key"`
		Models   executor.Models `yaml:"models"`
	} `yaml:"executor"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "specforge.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run sf init to create one", path)
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	return cfg, nil
}

// LoadOptional returns the default config when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default(workspace)
			return cfg, nil
		}
		return nil, err
	}
	cfg, err := FromYAML(data)
	if err != nil {
		return nil, err
	}
	if cfg.Workspace == "" {
		cfg.Workspace = workspace
	}
	return cfg, nil
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("config.server.addr is required")
	}
	switch c.Executor.Provider {
	case "anthropic", "stub":
	default:
		return fmt.Errorf("config.executor.provider must be 'anthropic' or 'stub'")
	}
	if c.Workflow.ContextLimit < 0 {
		return fmt.Errorf("config.workflow.context_limit must not be negative")
	}
	if _, err := c.PhaseTimeout(); err != nil {
		return err
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level must be one of debug, info, warn, error")
	}
	return nil
}

// PhaseTimeout parses the configured executor timeout.
func (c *Config) PhaseTimeout() (time.Duration, error) {
	if c.Workflow.PhaseTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Workflow.PhaseTimeout)
	if err != nil {
		return 0, fmt.Errorf("config.workflow.phase_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config.workflow.phase_timeout must not be negative")
	}
	return d, nil
}

// ProjectsDir resolves the projects root, defaulting to the workspace.
func (c *Config) ProjectsDir() string {
	if c.ProjectsRoot != "" {
		return c.ProjectsRoot
	}
	if c.Workspace != "" {
		return c.Workspace
	}
	return "."
}

// Default returns the default Config for a workspace.
func Default(workspace string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	cfg.Workspace = workspace
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `# specforge.yml

# Directory containing managed projects; defaults to the workspace.
projects_root: ""

server:
  addr: 127.0.0.1:8414
  base_path: /api/v1

workflow:
  # When true, phases are approved automatically and the workflow runs
  # end to end without human gates.
  auto_approve: false
  # Characters of each prior phase document carried into the next prompt.
  context_limit: 1500
  # Upper bound for a single phase generation; empty disables the bound.
  phase_timeout: 5m

executor:
  provider: anthropic
  # Prefer the ANTHROPIC_API_KEY environment variable over this field.
  api_key: ""
  models:
    large: claude-3-opus-20240229
    medium: claude-3-5-sonnet-20241022
    small: claude-3-haiku-20240307

log:
  level: info
`
