package infra

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SecretConfig is the shape of an optional secrets file kept outside
// the main configuration, typically secrets/live.yaml.
type SecretConfig struct {
	API struct {
		Bitget struct {
			AccessKey  string `yaml:"access_key"`
			SecretKey  string `yaml:"secret_key"`
			Passphrase string `yaml:"passphrase"`
		} `yaml:"bitget"`
	} `yaml:"api"`
}

// LoadSecretConfig loads API keys from a separate yaml file. A missing
// file is an error: callers decide whether secrets are optional.
func LoadSecretConfig(path string) (*SecretConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read secret config: %w", err)
	}

	var cfg SecretConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse secret config: %w", err)
	}
	return &cfg, nil
}

// ApplySecrets merges non-empty secret values into the configuration.
// Environment variables applied at load time still win: this only
// fills fields that are empty.
func (c *Config) ApplySecrets(sc *SecretConfig) {
	if c.API.Bitget.AccessKey == "" {
		c.API.Bitget.AccessKey = sc.API.Bitget.AccessKey
	}
	if c.API.Bitget.SecretKey == "" {
		c.API.Bitget.SecretKey = sc.API.Bitget.SecretKey
	}
	if c.API.Bitget.Passphrase == "" {
		c.API.Bitget.Passphrase = sc.API.Bitget.Passphrase
	}
}
