package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models venality.yml.
type Config struct {
	Service struct {
		Listen string `yaml:"listen"`
		DB     string `yaml:"db"`
	} `yaml:"service"`
	Registry struct {
		Admin         string `yaml:"admin"`
		Currency      string `yaml:"currency"`
		RenewalFee    int64  `yaml:"renewal_fee"`
		LocalIdentity string `yaml:"local_identity"`
	} `yaml:"registry"`
	Policies struct {
		RenewLapsed  *bool  `yaml:"renew_lapsed"`
		LeaseSeconds uint64 `yaml:"lease_seconds"`
	} `yaml:"policies"`
	Auth struct {
		JWTSecret string   `yaml:"jwt_secret"`
		APIKeys   []string `yaml:"api_keys"`
	} `yaml:"auth"`
	Keyring  map[string]string `yaml:"keyring"`
	Webhooks []Webhook         `yaml:"webhooks"`
}

// Webhook subscribes an HTTP endpoint to registry events.
type Webhook struct {
	URL   string   `yaml:"url"`
	Types []string `yaml:"types"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with vn init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Registry.Admin == "" {
		return fmt.Errorf("config.registry.admin is required")
	}
	if c.Registry.Currency == "" {
		return fmt.Errorf("config.registry.currency is required")
	}
	if c.Registry.RenewalFee < 0 {
		return fmt.Errorf("config.registry.renewal_fee must not be negative")
	}
	for id, key := range c.Keyring {
		if id == "" {
			return fmt.Errorf("config.keyring contains empty identity")
		}
		if key == "" {
			return fmt.Errorf("config.keyring.%s has empty key", id)
		}
	}
	for _, k := range c.Auth.APIKeys {
		if k == "" {
			return fmt.Errorf("config.auth.api_keys contains empty key")
		}
	}
	for i, w := range c.Webhooks {
		if w.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// Invoker returns the identity local self-authorized calls act as.
func (c *Config) Invoker() string {
	if c.Registry.LocalIdentity != "" {
		return c.Registry.LocalIdentity
	}
	return c.Registry.Admin
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "venality.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(admin string) string {
	return fmt.Sprintf(defaultTemplate, admin, admin)
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

// Default returns the default Config struct for an admin identity.
func Default(admin string) *Config {
	var cfg Config
	cfg.Registry.Admin = admin
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(admin))).Decode(&cfg)
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

const defaultTemplate = `service:
  listen: "127.0.0.1:8787"

registry:
  admin: %s
  currency: USD
  renewal_fee: 5
  local_identity: %s

policies:
  renew_lapsed: true
  lease_seconds: 604800

auth:
  api_keys: []

keyring: {}
`
