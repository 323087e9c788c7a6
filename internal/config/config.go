package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all genesis configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace layout
	Paths PathsConfig `yaml:"paths"`

	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Evolution loop pacing and caps
	Metabolism MetabolismConfig `yaml:"metabolism"`

	// Failure recovery
	Immunity ImmunityConfig `yaml:"immunity"`

	// Event bus
	Bus BusConfig `yaml:"bus"`

	// Code validation
	Security SecurityConfig `yaml:"security"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Seed goals for a fresh agent. Ignored once DNA exists.
	Goals []GoalConfig `yaml:"goals"`
}

// GoalConfig seeds one declarative goal.
type GoalConfig struct {
	Description string   `yaml:"description"`
	Patterns    []string `yaml:"patterns"`
	Priority    int      `yaml:"priority"`
}

// PathsConfig locates all persistent state. Relative paths are resolved
// against the workspace root at load time.
type PathsConfig struct {
	Workspace    string `yaml:"workspace"`
	OrganRoot    string `yaml:"organ_root"`
	DNAFile      string `yaml:"dna_file"`
	BackupDir    string `yaml:"backup_dir"`
	IdentityFile string `yaml:"identity_file"`
	EventLog     string `yaml:"event_log"`
}

// LLMConfig configures the code synthesis provider.
type LLMConfig struct {
	Provider   string `yaml:"provider"` // gemini, mock
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"`
}

// MetabolismConfig paces the evolution loop.
type MetabolismConfig struct {
	CycleInterval  string `yaml:"cycle_interval"`
	MaxPerCycle    int    `yaml:"max_per_cycle"`
	MaxComponents  int    `yaml:"max_components"`
	MaxConcurrent  int64  `yaml:"max_concurrent"`
	IntegrateGrace string `yaml:"integrate_grace"`
}

// ImmunityConfig configures the circuit breaker.
type ImmunityConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	Cooldown    string `yaml:"cooldown"`
	MaxBackups  int    `yaml:"max_backups"`
}

// BusConfig configures the internal event bus.
type BusConfig struct {
	QueueSize  int    `yaml:"queue_size"`
	Policy     string `yaml:"policy"` // drop_oldest, block
	RetainLast int    `yaml:"retain_last"`
	Durable    bool   `yaml:"durable"`
}

// SecurityConfig configures the static code validator.
type SecurityConfig struct {
	ExtraImports   []string `yaml:"extra_imports"`
	ProtectedRoots []string `yaml:"protected_roots"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration rooted at workspace.
func DefaultConfig(workspace string) *Config {
	state := filepath.Join(workspace, ".genesis")
	return &Config{
		Name:    "genesis",
		Version: "0.3.0",

		Paths: PathsConfig{
			Workspace:    workspace,
			OrganRoot:    filepath.Join(state, "organs"),
			DNAFile:      filepath.Join(state, "dna.json"),
			BackupDir:    filepath.Join(state, "backups"),
			IdentityFile: filepath.Join(state, "identity.json"),
			EventLog:     filepath.Join(state, "events.db"),
		},

		LLM: LLMConfig{
			Provider:   "gemini",
			Model:      "gemini-2.0-flash",
			Timeout:    "120s",
			MaxRetries: 3,
		},

		Metabolism: MetabolismConfig{
			CycleInterval:  "30s",
			MaxPerCycle:    2,
			MaxComponents:  64,
			MaxConcurrent:  16,
			IntegrateGrace: "5s",
		},

		Immunity: ImmunityConfig{
			MaxAttempts: 3,
			Cooldown:    "5m",
			MaxBackups:  20,
		},

		Bus: BusConfig{
			QueueSize:  1024,
			Policy:     "drop_oldest",
			RetainLast: 256,
			Durable:    true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults
// when the file does not exist.
func Load(path, workspace string) (*Config, error) {
	cfg := DefaultConfig(workspace)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	cfg.resolvePaths(workspace)

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Validate reports configuration problems. An empty slice means valid.
func (c *Config) Validate() []string {
	var problems []string

	if c.Paths.OrganRoot == "" {
		problems = append(problems, "paths.organ_root must be set")
	}
	if c.Paths.DNAFile == "" {
		problems = append(problems, "paths.dna_file must be set")
	}
	if c.Metabolism.MaxPerCycle < 1 {
		problems = append(problems, "metabolism.max_per_cycle must be at least 1")
	}
	if c.Metabolism.MaxConcurrent < 1 {
		problems = append(problems, "metabolism.max_concurrent must be at least 1")
	}
	if c.Immunity.MaxAttempts < 1 {
		problems = append(problems, "immunity.max_attempts must be at least 1")
	}
	if _, err := time.ParseDuration(c.Immunity.Cooldown); err != nil {
		problems = append(problems, fmt.Sprintf("immunity.cooldown is not a duration: %v", err))
	}
	if _, err := time.ParseDuration(c.Metabolism.CycleInterval); err != nil {
		problems = append(problems, fmt.Sprintf("metabolism.cycle_interval is not a duration: %v", err))
	}
	switch c.Bus.Policy {
	case "drop_oldest", "block":
	default:
		problems = append(problems, fmt.Sprintf("bus.policy must be drop_oldest or block, got %q", c.Bus.Policy))
	}
	if c.LLM.MaxRetries < 1 {
		problems = append(problems, "llm.max_retries must be at least 1")
	}

	return problems
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if key := os.Getenv("GENESIS_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("GENESIS_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if root := os.Getenv("GENESIS_ORGAN_ROOT"); root != "" {
		c.Paths.OrganRoot = root
	}
}

// resolvePaths anchors relative state paths at the workspace root so a
// config file can use short names.
func (c *Config) resolvePaths(workspace string) {
	if c.Paths.Workspace == "" {
		c.Paths.Workspace = workspace
	}
	anchor := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.Paths.Workspace, *p)
		}
	}
	anchor(&c.Paths.OrganRoot)
	anchor(&c.Paths.DNAFile)
	anchor(&c.Paths.BackupDir)
	anchor(&c.Paths.IdentityFile)
	anchor(&c.Paths.EventLog)
	for i := range c.Security.ProtectedRoots {
		anchor(&c.Security.ProtectedRoots[i])
	}
}

// GetLLMTimeout returns the LLM timeout as a duration.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetCycleInterval returns the evolution cycle interval as a duration.
func (c *Config) GetCycleInterval() time.Duration {
	d, err := time.ParseDuration(c.Metabolism.CycleInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetCooldown returns the circuit breaker cooldown as a duration.
func (c *Config) GetCooldown() time.Duration {
	d, err := time.ParseDuration(c.Immunity.Cooldown)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// GetIntegrateGrace returns the per-component activation grace period.
func (c *Config) GetIntegrateGrace() time.Duration {
	d, err := time.ParseDuration(c.Metabolism.IntegrateGrace)
	if err != nil {
		return 5 * time.Second
	}
	return d
}
