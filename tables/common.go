// Package tables installs the firewall rules that steer balanced traffic
// into the netfilter queues: packets addressed to the virtual services
// and return traffic from the real servers.
package tables

import (
	"bytes"
	"os/exec"
	"strings"

	"github.com/daniellavrushin/lb4/config"
	"github.com/daniellavrushin/lb4/log"
)

// AddRules detects the firewall backend and applies the steering rules.
func AddRules(cfg *config.Config) error {
	if cfg.System.Tables.SkipSetup {
		return nil
	}

	backend := detectFirewallBackend()
	log.Infof("Detected firewall backend: %s", backend)

	if backend == "nftables" {
		return newNFTables(cfg).Apply()
	}
	return newIPTables(cfg).Apply()
}

// ClearRules removes whatever AddRules installed.
func ClearRules(cfg *config.Config) error {
	if cfg.System.Tables.SkipSetup {
		return nil
	}

	if detectFirewallBackend() == "nftables" {
		return newNFTables(cfg).Clear()
	}
	return newIPTables(cfg).Clear()
}

func run(args ...string) (string, error) {
	var out bytes.Buffer
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

func hasBinary(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// detectFirewallBackend determines whether to use iptables or nftables.
func detectFirewallBackend() string {
	if hasBinary("nft") {
		out, err := run("nft", "list", "tables")
		if err == nil && out != "" {
			return "nftables"
		}
	}

	if hasBinary("iptables") {
		out, _ := run("iptables", "--version")
		if strings.Contains(out, "nf_tables") {
			return "nftables"
		}
		return "iptables"
	}

	return "iptables"
}
