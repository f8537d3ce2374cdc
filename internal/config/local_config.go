package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LocalConfig represents the subset of config.yaml fields that need to be
// read directly from the file rather than through the viper singleton.
// This is needed when the CWD has changed since config initialization, or
// when checking config before viper is initialized.
//
// Using proper YAML parsing handles edge cases like comments, indentation,
// and special characters that regex-based parsing would miss.
type LocalConfig struct {
	ServerURL string `yaml:"server-url"`
	Actor     string `yaml:"actor"`
	Database  string `yaml:"db"`
	NoDaemon  bool   `yaml:"no-daemon"`
}

// LoadLocalConfig reads and parses config.yaml directly from the specified
// caravan directory, bypassing the viper singleton.
//
// Returns an empty LocalConfig (not nil) if the file doesn't exist or
// can't be parsed.
func LoadLocalConfig(caravanDir string) *LocalConfig {
	configPath := filepath.Join(caravanDir, "config.yaml")
	data, err := os.ReadFile(configPath) // #nosec G304 - config file path from caravanDir
	if err != nil {
		return &LocalConfig{}
	}

	var cfg LocalConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return &LocalConfig{}
	}

	return &cfg
}

// LoadLocalConfigWithEnv reads config.yaml and applies environment
// variable overrides. Environment variables take precedence over config
// file values.
//
// Supported environment variables:
// - CARAVAN_SERVER_URL: overrides server-url
// - CARAVAN_ACTOR: overrides actor
// - CARAVAN_DB: overrides db
func LoadLocalConfigWithEnv(caravanDir string) *LocalConfig {
	cfg := LoadLocalConfig(caravanDir)

	if envURL := os.Getenv("CARAVAN_SERVER_URL"); envURL != "" {
		cfg.ServerURL = envURL
	}
	if envActor := os.Getenv("CARAVAN_ACTOR"); envActor != "" {
		cfg.Actor = envActor
	}
	if envDB := os.Getenv("CARAVAN_DB"); envDB != "" {
		cfg.Database = envDB
	}

	return cfg
}

// GetLocalServerURL reads server-url from the local config.yaml file,
// checking CARAVAN_SERVER_URL first.
func GetLocalServerURL(caravanDir string) string {
	return LoadLocalConfigWithEnv(caravanDir).ServerURL
}
