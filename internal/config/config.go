package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models creditline.yml.
type Config struct {
	Ledger struct {
		ChainID       int64         `yaml:"chain_id" json:"chain_id"`
		LeaseDuration time.Duration `yaml:"lease_duration" json:"lease_duration"`
	} `yaml:"ledger" json:"ledger"`
	Confirmation struct {
		PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
		Timeout       time.Duration `yaml:"timeout" json:"timeout"`
		RatePerSecond float64       `yaml:"rate_per_second" json:"rate_per_second"`
	} `yaml:"confirmation" json:"confirmation"`
	Estimator struct {
		DefaultMethodology string              `yaml:"default_methodology" json:"default_methodology"`
		Methodologies      []MethodologyConfig `yaml:"methodologies" json:"methodologies"`
	} `yaml:"estimator" json:"estimator"`
	Workflow struct {
		Guards map[string]string `yaml:"guards" json:"guards"`
	} `yaml:"workflow" json:"workflow"`
	RBAC struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles"`
	} `yaml:"rbac" json:"rbac"`
	Storage  StorageConfig   `yaml:"storage" json:"storage"`
	Chain    ChainConfig     `yaml:"chain" json:"chain"`
	Redis    RedisConfig     `yaml:"redis" json:"redis"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks"`
}

type MethodologyConfig struct {
	Code          string  `yaml:"code" json:"code"`
	Name          string  `yaml:"name" json:"name"`
	Versions      string  `yaml:"versions" json:"versions"`
	BufferPercent float64 `yaml:"buffer_percent" json:"buffer_percent"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type StorageConfig struct {
	Backend string `yaml:"backend" json:"backend"`
	Dir     string `yaml:"dir" json:"dir"`
	S3      struct {
		Bucket   string `yaml:"bucket" json:"bucket"`
		Region   string `yaml:"region" json:"region"`
		Endpoint string `yaml:"endpoint" json:"endpoint"`
		Prefix   string `yaml:"prefix" json:"prefix"`
	} `yaml:"s3" json:"s3"`
}

type ChainConfig struct {
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	APIKey       string `yaml:"api_key" json:"-"`
	ConfirmAfter int    `yaml:"confirm_after" json:"confirm_after"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db"`
	Channel  string `yaml:"channel" json:"channel"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events"`
	Secret         string   `yaml:"secret" json:"-"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

var knownRoles = []string{"admin", "developer", "verifier", "buyer"}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Ledger.LeaseDuration <= 0 {
		return fmt.Errorf("config.ledger.lease_duration must be positive")
	}
	if c.Confirmation.PollInterval <= 0 {
		return fmt.Errorf("config.confirmation.poll_interval must be positive")
	}
	if c.Confirmation.Timeout <= 0 {
		return fmt.Errorf("config.confirmation.timeout must be positive")
	}
	if c.Confirmation.RatePerSecond < 0 {
		return fmt.Errorf("config.confirmation.rate_per_second must not be negative")
	}
	if len(c.Estimator.Methodologies) == 0 {
		return fmt.Errorf("config.estimator.methodologies is required")
	}
	seen := map[string]bool{}
	for _, m := range c.Estimator.Methodologies {
		if m.Code == "" {
			return fmt.Errorf("methodology with empty code")
		}
		if seen[m.Code] {
			return fmt.Errorf("methodology %s defined twice", m.Code)
		}
		seen[m.Code] = true
		if m.BufferPercent < 0 || m.BufferPercent >= 100 {
			return fmt.Errorf("methodology %s buffer_percent must be in [0,100)", m.Code)
		}
	}
	if c.Estimator.DefaultMethodology != "" && !seen[c.Estimator.DefaultMethodology] {
		return fmt.Errorf("default methodology %s not defined", c.Estimator.DefaultMethodology)
	}
	for stepID, expr := range c.Workflow.Guards {
		if stepID == "" {
			return fmt.Errorf("config.workflow.guards has empty step id")
		}
		if expr == "" {
			return fmt.Errorf("guard for step %s is empty", stepID)
		}
	}
	if len(c.RBAC.Roles) > 0 {
		for _, r := range knownRoles {
			if _, ok := c.RBAC.Roles[r]; !ok {
				return fmt.Errorf("config.rbac.roles must include %s", r)
			}
		}
		for roleID, role := range c.RBAC.Roles {
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	switch c.Storage.Backend {
	case "", "file":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("config.storage.s3.bucket is required for s3 backend")
		}
	default:
		return fmt.Errorf("config.storage.backend must be file or s3")
	}
	if c.Chain.ConfirmAfter < 0 {
		return fmt.Errorf("config.chain.confirm_after must not be negative")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("webhook %d has empty url", i)
		}
	}
	return nil
}

// RolePermissions returns the permissions granted to a role.
func (c *Config) RolePermissions(role string) []string {
	if c == nil {
		return nil
	}
	return c.RBAC.Roles[role].Permissions
}

// Methodology looks up a configured methodology by code.
func (c *Config) Methodology(code string) (MethodologyConfig, bool) {
	for _, m := range c.Estimator.Methodologies {
		if m.Code == code {
			return m, true
		}
	}
	return MethodologyConfig{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "creditline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with cl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
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

const defaultTemplate = `ledger:
  chain_id: 80001
  lease_duration: 8760h

confirmation:
  poll_interval: 5s
  timeout: 10m
  rate_per_second: 10

estimator:
  default_methodology: VM0007
  methodologies:
    - code: VM0007
      name: "REDD+ Methodology Framework"
      versions: ">= 1.6.0, < 2.0.0"
      buffer_percent: 20
    - code: VM0042
      name: "Improved Agricultural Land Management"
      versions: ">= 2.0.0, < 3.0.0"
      buffer_percent: 15
    - code: AMS-I.D
      name: "Grid connected renewable electricity generation"
      versions: ">= 18.0.0"
      buffer_percent: 5

workflow:
  guards:
    initial-review: 'actor.role in ["admin", "verifier"]'
    verifier-assignment: 'actor.role == "admin"'
    verification: 'actor.role == "verifier" && (assignee == "" || assignee == actor.id)'
    credit-calculation: 'actor.role in ["admin", "verifier"]'

rbac:
  roles:
    admin:
      description: "Platform administrator"
      permissions: [workflow.submit, workflow.read, workflow.advance, workflow.assign, report.attach, calculation.run, calculation.read, ledger.read, ledger.write, ledger.mint, ledger.lease, ledger.burn, events.read, user.create]
    developer:
      description: "Project developer submitting monitoring reports"
      permissions: [workflow.submit, workflow.read, report.attach, calculation.read, ledger.read]
    verifier:
      description: "Accredited verification body"
      permissions: [workflow.read, workflow.advance, workflow.assign, calculation.run, calculation.read, events.read]
    buyer:
      description: "Credit buyer"
      permissions: [ledger.read, ledger.write, ledger.lease, ledger.burn]

storage:
  backend: file
  dir: ""

chain:
  endpoint: ""
  confirm_after: 2

redis:
  addr: ""
  channel: creditline.ledger
`
