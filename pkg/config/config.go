// Package config provides configuration loading and management for the
// atlas extraction tools. It handles loading configuration from YAML files
// and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Atlas parameters
	Atlas struct {
		// Dir is the root directory holding the bundled atlas files,
		// one versioned subdirectory per atlas family
		Dir string `yaml:"dir"`

		// MaskThreshold is the default threshold for binary masks
		MaskThreshold float64 `yaml:"maskThreshold"`
	} `yaml:"atlas"`

	// Extraction parameters
	Extraction struct {
		// Mode selects how region voxels are summarized:
		// vec, mean, box or img
		Mode string `yaml:"mode"`

		// CollectionMode selects how multi-region output is assembled:
		// concat or list
		CollectionMode string `yaml:"collectionMode"`

		// BackgroundID is the label index treated as background
		BackgroundID int `yaml:"backgroundId"`
	} `yaml:"extraction"`

	// Logging parameters
	Logging struct {
		// Verbose lowers the log level to debug
		Verbose bool `yaml:"verbose"`

		// JSON switches to structured JSON output
		JSON bool `yaml:"json"`
	} `yaml:"logging"`

	// Prewarm lists atlas names resolved at startup so parallel workers
	// hit a warm cache
	Prewarm []string `yaml:"prewarm"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Atlas.Dir = "atlases"
	cfg.Atlas.MaskThreshold = 0.5

	cfg.Extraction.Mode = "vec"
	cfg.Extraction.CollectionMode = "concat"
	cfg.Extraction.BackgroundID = 0

	cfg.Logging.Verbose = false
	cfg.Logging.JSON = false

	return cfg
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	// Read config file
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	// Parse YAML
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	// Create directory if it doesn't exist
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	// Marshal config to YAML
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	// Write to file
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}
