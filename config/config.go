// Package config loads the daemon's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level bertd configuration.
type Config struct {
	// Port is the connection string: a serial device path or
	// tcp://host:port.
	Port string `yaml:"port"`

	// HTTP is the API bind address, e.g. ":8480". Empty disables the API.
	HTTP string `yaml:"http"`

	// Profile is an optional register profile applied at connect time.
	Profile string `yaml:"profile"`

	Device  DeviceConfig  `yaml:"device"`
	Monitor MonitorConfig `yaml:"monitor"`
	Macro   MacroConfig   `yaml:"macro"`
}

// DeviceConfig describes the instrument chip under test.
type DeviceConfig struct {
	// Addr is the base 7-bit I2C address of the chip.
	Addr byte `yaml:"addr"`

	// Lanes is the number of signal lanes, each reachable at a
	// lane-offset device address.
	Lanes int `yaml:"lanes"`
}

// MonitorConfig controls the idle temperature/lock poll.
type MonitorConfig struct {
	IntervalMs int    `yaml:"interval_ms"`
	TempReg    uint16 `yaml:"temp_reg"`
	LockReg    uint16 `yaml:"lock_reg"`
}

// MacroConfig overrides macro engine defaults.
type MacroConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HTTP: ":8480",
		Device: DeviceConfig{
			Addr:  0x50,
			Lanes: 4,
		},
		Monitor: MonitorConfig{
			IntervalMs: 2000,
			TempReg:    0x00E0,
			LockReg:    0x00E1,
		},
		Macro: MacroConfig{TimeoutMs: 2000},
	}
}

// Load reads and validates a YAML configuration file, filling defaults for
// anything left unset.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: %v: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the daemon can not start with.
func (c *Config) Validate() error {
	if c.Device.Lanes < 1 || c.Device.Lanes > 16 {
		return fmt.Errorf("config: lanes must be 1..16, got %v", c.Device.Lanes)
	}
	if c.Device.Addr == 0 || c.Device.Addr > 0x7F {
		return fmt.Errorf("config: device addr 0x%02x out of 7-bit range", c.Device.Addr)
	}
	if c.Monitor.IntervalMs < 100 {
		return fmt.Errorf("config: monitor interval %vms too short", c.Monitor.IntervalMs)
	}
	return nil
}

// MonitorInterval returns the poll interval as a duration.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Monitor.IntervalMs) * time.Millisecond
}

// MacroTimeout returns the default macro poll budget as a duration.
func (c *Config) MacroTimeout() time.Duration {
	return time.Duration(c.Macro.TimeoutMs) * time.Millisecond
}
