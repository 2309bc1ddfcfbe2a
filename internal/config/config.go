package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config models tradeline.yml.
type Config struct {
	Workspace struct {
		ID       string `yaml:"id"`
		Currency string `yaml:"currency"`
	} `yaml:"workspace"`
	Categories map[string]CategoryConfig `yaml:"categories"`
	Tolerances struct {
		Max string `yaml:"max"`
		Min string `yaml:"min"`
	} `yaml:"tolerances"`
	Roles    map[string]RoleConfig `yaml:"roles"`
	Webhooks []WebhookConfig       `yaml:"webhooks,omitempty"`
}

// CategoryConfig binds a draw category to its threshold key. The key used to
// be derived by string-transforming the category name; here the mapping is an
// explicit table so a typo fails validation instead of silently bypassing the
// threshold.
type CategoryConfig struct {
	ThresholdKey string `yaml:"threshold_key"`
	Description  string `yaml:"description,omitempty"`
}

type RoleConfig struct {
	Description string `yaml:"description"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with tl config import --file <path>", path)
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

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Workspace.ID == "" {
		return fmt.Errorf("config.workspace.id is required")
	}
	if c.Workspace.Currency == "" {
		return fmt.Errorf("config.workspace.currency is required")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("config.categories is required")
	}
	seenKeys := map[string]string{}
	for name, cat := range c.Categories {
		if name == "" {
			return fmt.Errorf("config.categories contains empty category name")
		}
		if cat.ThresholdKey == "" {
			return fmt.Errorf("category %s is missing threshold_key", name)
		}
		if other, dup := seenKeys[cat.ThresholdKey]; dup {
			return fmt.Errorf("categories %s and %s share threshold_key %s", other, name, cat.ThresholdKey)
		}
		seenKeys[cat.ThresholdKey] = name
	}
	for _, field := range []struct{ name, value string }{
		{"tolerances.max", c.Tolerances.Max},
		{"tolerances.min", c.Tolerances.Min},
	} {
		if field.value == "" {
			continue
		}
		d, err := decimal.NewFromString(field.value)
		if err != nil {
			return fmt.Errorf("config.%s is not a decimal: %q", field.name, field.value)
		}
		if d.IsNegative() {
			return fmt.Errorf("config.%s must not be negative", field.name)
		}
	}
	for roleID := range c.Roles {
		if roleID == "" {
			return fmt.Errorf("config.roles contains empty role id")
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// CategoryKey returns the threshold key for a category name.
func (c *Config) CategoryKey(name string) (string, bool) {
	cat, ok := c.Categories[name]
	if !ok {
		return "", false
	}
	return cat.ThresholdKey, true
}

// KnownCategory reports whether a category is declared in the table.
func (c *Config) KnownCategory(name string) bool {
	_, ok := c.Categories[name]
	return ok
}

// DefaultMaxTolerance returns the configured max over-ceiling allowance.
func (c *Config) DefaultMaxTolerance() decimal.Decimal {
	return parseDecimal(c.Tolerances.Max)
}

// DefaultMinTolerance returns the configured min tolerance band.
func (c *Config) DefaultMinTolerance() decimal.Decimal {
	return parseDecimal(c.Tolerances.Min)
}

func parseDecimal(v string) decimal.Decimal {
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "tradeline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(workspaceID string) string {
	return fmt.Sprintf(defaultTemplate, workspaceID)
}

// Default returns the default Config struct for a workspace.
func Default(workspaceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, workspaceID))).Decode(&cfg)
	cfg.Workspace.ID = workspaceID
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

const defaultTemplate = `workspace:
  id: %s
  currency: EUR

categories:
  stock:
    threshold_key: THRESHOLD_STOCK
    description: "Advances on stock"
  invoice:
    threshold_key: THRESHOLD_INVOICE
    description: "Advances on invoices"
  documentary:
    threshold_key: THRESHOLD_DOCUMENTARY
    description: "Documentary credits and collections"
  mct:
    threshold_key: THRESHOLD_MCT
    description: "Medium-term credit"

tolerances:
  max: "0"
  min: "0"

roles:
  credit-officer:
    description: "Prepares and completes engagement steps"
  branch-manager:
    description: "Approves engagement steps gated on approval"
  back-office:
    description: "Settlement and document handling"
`
