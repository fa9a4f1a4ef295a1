package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.HTTP != ":8480" {
		t.Errorf("default HTTP %q", cfg.HTTP)
	}
	if cfg.Device.Addr != 0x50 || cfg.Device.Lanes != 4 {
		t.Errorf("default device %+v", cfg.Device)
	}
	if cfg.MonitorInterval() != 2*time.Second {
		t.Errorf("default monitor interval %v", cfg.MonitorInterval())
	}
	if cfg.MacroTimeout() != 2*time.Second {
		t.Errorf("default macro timeout %v", cfg.MacroTimeout())
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bertd.yaml")
	body := `port: /dev/ttyUSB0
http: ":9000"
device:
  addr: 0x52
  lanes: 8
monitor:
  interval_ms: 500
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "/dev/ttyUSB0" || cfg.HTTP != ":9000" {
		t.Errorf("port %q http %q", cfg.Port, cfg.HTTP)
	}
	if cfg.Device.Addr != 0x52 || cfg.Device.Lanes != 8 {
		t.Errorf("device %+v", cfg.Device)
	}
	if cfg.MonitorInterval() != 500*time.Millisecond {
		t.Errorf("monitor interval %v", cfg.MonitorInterval())
	}
	// Unset fields keep their defaults.
	if cfg.Monitor.TempReg != 0x00E0 || cfg.Macro.TimeoutMs != 2000 {
		t.Errorf("defaults not preserved: %+v %+v", cfg.Monitor, cfg.Macro)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero lanes", func(c *Config) { c.Device.Lanes = 0 }},
		{"too many lanes", func(c *Config) { c.Device.Lanes = 17 }},
		{"zero addr", func(c *Config) { c.Device.Addr = 0 }},
		{"addr beyond 7 bits", func(c *Config) { c.Device.Addr = 0x80 }},
		{"interval too short", func(c *Config) { c.Monitor.IntervalMs = 50 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%v: accepted", tc.name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
