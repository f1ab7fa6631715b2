// Package config loads, validates, and persists the balancer
// configuration, and binds it to the CLI flags.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/daniellavrushin/lb4/log"
)

// NewConfig returns the defaults a bare invocation runs with.
func NewConfig() Config {
	return Config{
		Queue: QueueConfig{
			StartNum:    537,
			Threads:     4,
			Mark:        0x8000,
			MTU:         1500,
			IPv4Enabled: true,
			IPv6Enabled: true,
		},
		TCP: TCPConfig{
			DropEntry:       false,
			MSSAdjust:       true,
			TimestampRemove: true,
			TOA:             true,
			ExpireRST:       true,
			ConnReuse:       true,
		},
		System: SystemConfig{
			Logging: Logging{Level: 1},
			Tables:  Tables{MonitorInterval: 10},
		},
		ConfigPath: "/etc/lb4/config.json",
	}
}

// LoadFromFile merges the JSON config at path over the current values.
// A missing file is not an error; the defaults stand.
func (c *Config) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Infof("no config file at %s, using defaults", path)
			return nil
		}
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	log.Infof("loaded config from %s", path)
	return nil
}

// SaveToFile writes the effective configuration back out.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}

// Validate rejects configurations the data plane cannot run with.
func (c *Config) Validate() error {
	if c.Queue.Threads < 1 {
		return fmt.Errorf("queue threads must be >= 1, got %d", c.Queue.Threads)
	}
	if c.Queue.MTU < 576 {
		return fmt.Errorf("mtu %d is below the IPv4 minimum", c.Queue.MTU)
	}
	if len(c.Services) == 0 {
		return fmt.Errorf("no services configured")
	}
	for i, s := range c.Services {
		if net.ParseIP(s.Addr) == nil {
			return fmt.Errorf("service %d: bad address %q", i, s.Addr)
		}
		if s.Port == 0 {
			return fmt.Errorf("service %d: port required", i)
		}
		switch s.Sched {
		case "", "rr", "wlc":
		default:
			return fmt.Errorf("service %d: unknown scheduler %q", i, s.Sched)
		}
		switch s.OnNoDest {
		case "", "drop", "bypass":
		default:
			return fmt.Errorf("service %d: unknown on_no_dest policy %q", i, s.OnNoDest)
		}
		if s.FullNAT && len(s.Locals) == 0 {
			return fmt.Errorf("service %d: fullnat requires local addresses", i)
		}
		for j, l := range s.Locals {
			if net.ParseIP(l) == nil {
				return fmt.Errorf("service %d: bad local address %d: %q", i, j, l)
			}
		}
		for j, d := range s.Dests {
			if net.ParseIP(d.Addr) == nil {
				return fmt.Errorf("service %d: bad dest address %d: %q", i, j, d.Addr)
			}
			if d.Port == 0 {
				return fmt.Errorf("service %d: dest %d: port required", i, j)
			}
		}
	}
	return nil
}

// ApplyLogLevel maps the --verbose string onto the logger.
func (c *Config) ApplyLogLevel(verbose string) {
	switch verbose {
	case "debug":
		c.System.Logging.Level = int(log.LevelDebug)
	case "trace":
		c.System.Logging.Level = int(log.LevelTrace)
	case "info":
		c.System.Logging.Level = int(log.LevelInfo)
	case "silent":
		c.System.Logging.Level = int(log.LevelError)
	}
	log.SetLevel(log.Level(c.System.Logging.Level))
}
