package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const fileHeader = `# VisionGate configuration
#
# Every key can be overridden by an environment variable named
# VISIONGATE_<SECTION>_<KEY>, e.g. VISIONGATE_STORE_DSN.
# store.driver: sqlite | postgres | mysql | firestore | memory
# ratelimit.redis.addr: leave empty to limit in process memory
# server.trusted_proxies: CIDRs of reverse proxies allowed to set
#   X-Forwarded-For; leave empty when clients connect directly

`

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// LoadFile reads a YAML configuration file on top of the defaults.
// Environment variables referenced as ${VAR_NAME} are expanded before
// parsing.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteDefaultConfig writes the default configuration to a YAML file. It
// refuses to overwrite an existing file unless force is set.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	data, err := Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, append([]byte(fileHeader), data...), 0644)
}
