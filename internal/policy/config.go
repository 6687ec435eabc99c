package policy

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config represents the policy configuration.
type Config struct {
	// Version is the config schema version
	Version string `yaml:"version"`

	// Algorithms holds the expiry table and hash preference
	Algorithms *AlgorithmPolicy `yaml:"algorithms,omitempty"`

	// Rules are CEL acceptance rules evaluated per verification record
	Rules []CELExpression `yaml:"rules,omitempty"`
}

// DefaultConfig returns the built-in algorithm table and no acceptance rules.
func DefaultConfig() *Config {
	return &Config{
		Version:    "v1",
		Algorithms: DefaultAlgorithmPolicy(),
	}
}

// LoadConfig loads policy configuration from a file.
// Searches for the policy in the following locations (in order):
//  1. Explicitly provided path
//  2. ./secsign-policy.yaml
//  3. ./.secsign-policy.yaml
//
// With no file found the default policy is returned.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		return loadConfigFromFile(path)
	}

	searchPaths := []string{
		"secsign-policy.yaml",
		".secsign-policy.yaml",
	}
	for _, searchPath := range searchPaths {
		if _, err := os.Stat(searchPath); err == nil {
			return loadConfigFromFile(searchPath)
		}
	}

	return DefaultConfig(), nil
}

func loadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read policy file %s", path)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML policy document. A missing
// algorithms section falls back to the built-in table.
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrap(err, "failed to parse policy")
	}
	if config.Algorithms == nil {
		config.Algorithms = DefaultAlgorithmPolicy()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid policy")
	}
	return &config, nil
}

// Validate validates the policy configuration.
func (c *Config) Validate() error {
	if c.Version != "v1" {
		return errors.Errorf("unsupported policy version: %s (expected v1)", c.Version)
	}
	if c.Algorithms != nil {
		if err := c.Algorithms.Validate(); err != nil {
			return err
		}
	}
	if len(c.Rules) > 0 {
		if _, err := NewCELEvaluator(c.Rules); err != nil {
			return err
		}
	}
	return nil
}

// SaveConfig writes the configuration as YAML.
func SaveConfig(config *Config, path string) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal policy")
	}

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrapf(err, "failed to create directory %s", dir)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.Wrapf(err, "failed to write policy file %s", path)
	}
	return nil
}
