package config

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func validConfig() Config {
	cfg := NewConfig()
	cfg.Services = []ServiceConfig{{
		Addr:    "10.0.0.100",
		Port:    80,
		Sched:   "rr",
		FullNAT: true,
		Locals:  []string{"10.2.0.2"},
		Dests:   []DestConfig{{Addr: "10.1.0.5", Port: 8080, Weight: 1}},
	}}
	return cfg
}

func TestValidate(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	mutate := []struct {
		name string
		fn   func(*Config)
	}{
		{"no services", func(c *Config) { c.Services = nil }},
		{"bad address", func(c *Config) { c.Services[0].Addr = "nope" }},
		{"no port", func(c *Config) { c.Services[0].Port = 0 }},
		{"bad sched", func(c *Config) { c.Services[0].Sched = "random" }},
		{"bad policy", func(c *Config) { c.Services[0].OnNoDest = "reject" }},
		{"fullnat no locals", func(c *Config) { c.Services[0].Locals = nil }},
		{"bad local", func(c *Config) { c.Services[0].Locals = []string{"x"} }},
		{"bad dest addr", func(c *Config) { c.Services[0].Dests[0].Addr = "x" }},
		{"dest no port", func(c *Config) { c.Services[0].Dests[0].Port = 0 }},
		{"zero threads", func(c *Config) { c.Queue.Threads = 0 }},
		{"tiny mtu", func(c *Config) { c.Queue.MTU = 100 }},
	}
	for _, tc := range mutate {
		cfg := validConfig()
		tc.fn(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := validConfig()
	cfg.TCP.TOA = false
	cfg.TCP.Timeouts = map[string]int{"ESTABLISHED": 300}
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatal(err)
	}

	loaded := NewConfig()
	if err := loaded.LoadFromFile(path); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(cfg, loaded); diff != "" {
		t.Fatalf("roundtrip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg := NewConfig()
	if err := cfg.LoadFromFile(filepath.Join(t.TempDir(), "absent.json")); err != nil {
		t.Fatalf("missing file treated as error: %v", err)
	}
	if cfg.Queue.Threads != 4 {
		t.Fatal("defaults lost")
	}
}
