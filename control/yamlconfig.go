// control/yamlconfig.go
// Author: momentics <momentics@gmail.com>
//
// Config is the on-disk, YAML-loadable seed for a ConfigStore's
// defaults (SPEC_FULL.md §3 "Configuration"): the runtime-tunable
// values a long-running asynccommd process reads once at startup,
// then allows to be overridden live through ConfigStore.SetConfig.

package control

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level YAML document shape for cmd/asynccommd.
type Config struct {
	Listen struct {
		Address string `yaml:"address"`
	} `yaml:"listen"`

	Reactors struct {
		Count     int    `yaml:"count"`
		Mechanism string `yaml:"mechanism"` // "" (auto), "epoll", "kqueue", "eventport", "poll"
	} `yaml:"reactors"`

	Bind struct {
		RetryAttempts int           `yaml:"retry_attempts"`
		RetryInterval time.Duration `yaml:"retry_interval"`
	} `yaml:"bind"`

	Ephemeral struct {
		PortLow  uint16 `yaml:"port_low"`
		PortHigh uint16 `yaml:"port_high"`
	} `yaml:"ephemeral"`

	Proxy struct {
		IsMaster bool `yaml:"is_master"`
	} `yaml:"proxy"`

	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns the literal constants spec.md §4.7 names: 4
// reactors, auto backend, 24 bind retries at 10s, ephemeral range
// [49152, 65535].
func DefaultConfig() *Config {
	c := &Config{LogLevel: "info"}
	c.Listen.Address = "127.0.0.1:8900"
	c.Reactors.Count = 4
	c.Bind.RetryAttempts = 24
	c.Bind.RetryInterval = 10 * time.Second
	c.Ephemeral.PortLow = 49152
	c.Ephemeral.PortHigh = 65535
	return c
}

// LoadConfigFile reads and parses a YAML config file, starting from
// DefaultConfig so an omitted section keeps its default.
func LoadConfigFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("control: read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("control: parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Seed copies cfg's values into store, replacing its snapshot.
// cmd/asynccommd calls it once at startup and again on every SIGHUP
// reload of the config file.
func (cfg *Config) Seed(store *ConfigStore) {
	store.SetConfig(map[string]any{
		"listen.address":      cfg.Listen.Address,
		"reactors.count":      cfg.Reactors.Count,
		"reactors.mechanism":  cfg.Reactors.Mechanism,
		"bind.retry_attempts": cfg.Bind.RetryAttempts,
		"bind.retry_interval": cfg.Bind.RetryInterval,
		"ephemeral.port_low":  cfg.Ephemeral.PortLow,
		"ephemeral.port_high": cfg.Ephemeral.PortHigh,
		"proxy.is_master":     cfg.Proxy.IsMaster,
		"log_level":           cfg.LogLevel,
	})
}
