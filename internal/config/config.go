package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models buildline.yml.
type Config struct {
	Account struct {
		ID string `yaml:"id"`
	} `yaml:"account"`
	Credits struct {
		// Stage base costs in credits; scaled by the complexity multiplier
		// before any reserve. Cost policy is data, not code.
		Costs       map[string]int64 `yaml:"costs"`
		Multipliers map[string]int64 `yaml:"multipliers"`
		// StartingBalance seeds newly created accounts.
		StartingBalance int64 `yaml:"starting_balance"`
		// MaxBalance is the sanity cap on credit accumulation.
		MaxBalance int64 `yaml:"max_balance"`
		// ReservationTTLSeconds bounds how long an uncommitted hold survives.
		ReservationTTLSeconds int `yaml:"reservation_ttl_seconds"`
	} `yaml:"credits"`
	Pipeline struct {
		// MaxFixIterations is the inclusive cap on validate-fix cycles.
		MaxFixIterations int `yaml:"max_fix_iterations"`
		// FailureThreshold is how many consecutive stage failures move a
		// request to failed.
		FailureThreshold int `yaml:"failure_threshold"`
		// CollaboratorTimeoutSeconds bounds each external generator call.
		CollaboratorTimeoutSeconds int `yaml:"collaborator_timeout_seconds"`
	} `yaml:"pipeline"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Stages that carry a credit cost. The lifecycle edges that cost nothing
// (approval, verification, deployment) have no entry here.
var meteredStages = []string{"analysis", "proposal", "build", "refinement"}

var complexities = []string{"simple", "medium", "complex", "enterprise"}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Account.ID == "" {
		return fmt.Errorf("config.account.id is required")
	}
	if c.Credits.Costs == nil {
		return fmt.Errorf("config.credits.costs is required")
	}
	for _, stage := range meteredStages {
		cost, ok := c.Credits.Costs[stage]
		if !ok {
			return fmt.Errorf("config.credits.costs missing stage %s", stage)
		}
		if cost < 0 {
			return fmt.Errorf("config.credits.costs.%s must be >= 0", stage)
		}
	}
	if c.Credits.Multipliers == nil {
		return fmt.Errorf("config.credits.multipliers is required")
	}
	for _, cx := range complexities {
		mult, ok := c.Credits.Multipliers[cx]
		if !ok {
			return fmt.Errorf("config.credits.multipliers missing complexity %s", cx)
		}
		if mult < 1 {
			return fmt.Errorf("config.credits.multipliers.%s must be >= 1", cx)
		}
	}
	if c.Credits.MaxBalance <= 0 {
		return fmt.Errorf("config.credits.max_balance must be > 0")
	}
	if c.Credits.StartingBalance < 0 || c.Credits.StartingBalance > c.Credits.MaxBalance {
		return fmt.Errorf("config.credits.starting_balance must be within [0, max_balance]")
	}
	if c.Credits.ReservationTTLSeconds <= 0 {
		return fmt.Errorf("config.credits.reservation_ttl_seconds must be > 0")
	}
	if c.Pipeline.MaxFixIterations <= 0 {
		return fmt.Errorf("config.pipeline.max_fix_iterations must be > 0")
	}
	if c.Pipeline.FailureThreshold <= 0 {
		return fmt.Errorf("config.pipeline.failure_threshold must be > 0")
	}
	if c.Pipeline.CollaboratorTimeoutSeconds <= 0 {
		return fmt.Errorf("config.pipeline.collaborator_timeout_seconds must be > 0")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// StageCost returns the credit cost of a metered stage for a complexity.
// A stage with no entry in the cost table is free.
func (c *Config) StageCost(stage, complexity string) int64 {
	base, ok := c.Credits.Costs[stage]
	if !ok {
		return 0
	}
	mult, ok := c.Credits.Multipliers[complexity]
	if !ok {
		mult = 1
	}
	return base * mult
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "buildline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(accountID string) string {
	return fmt.Sprintf(defaultTemplate, accountID)
}

// Default returns the default Config struct for an account.
func Default(accountID string) *Config {
	var cfg Config
	cfg.Account.ID = accountID
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, accountID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `account:
  id: %s

credits:
  costs:
    analysis: 50
    proposal: 100
    build: 300
    refinement: 10

  multipliers:
    simple: 1
    medium: 2
    complex: 3
    enterprise: 5

  starting_balance: 1000
  max_balance: 100000
  reservation_ttl_seconds: 300

pipeline:
  max_fix_iterations: 3
  failure_threshold: 3
  collaborator_timeout_seconds: 60
`
