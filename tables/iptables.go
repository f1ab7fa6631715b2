package tables

import (
	"fmt"
	"net"
	"strconv"

	"github.com/daniellavrushin/lb4/config"
	"github.com/daniellavrushin/lb4/log"
)

const chainName = "LB4"

type ipTables struct {
	cfg *config.Config
}

func newIPTables(cfg *config.Config) *ipTables {
	return &ipTables{cfg: cfg}
}

func (m *ipTables) binFor(addr string) string {
	ip := net.ParseIP(addr)
	if ip != nil && ip.To4() == nil {
		return "ip6tables"
	}
	return "iptables"
}

func (m *ipTables) nfqSpec() []string {
	start := m.cfg.Queue.StartNum
	threads := m.cfg.Queue.Threads
	if threads > 1 {
		bal := strconv.Itoa(start) + ":" + strconv.Itoa(start+threads-1)
		return []string{"-j", "NFQUEUE", "--queue-balance", bal, "--queue-bypass"}
	}
	return []string{"-j", "NFQUEUE", "--queue-num", strconv.Itoa(start), "--queue-bypass"}
}

func (m *ipTables) ensureChain(ipt string) {
	if _, err := run(ipt, "-t", "mangle", "-L", chainName, "-n"); err != nil {
		_, _ = run(ipt, "-t", "mangle", "-N", chainName)
	}
	if _, err := run(ipt, "-t", "mangle", "-C", "PREROUTING", "-j", chainName); err != nil {
		_, _ = run(ipt, "-t", "mangle", "-A", "PREROUTING", "-j", chainName)
	}
}

// Apply steers service and return traffic into the queues. Packets
// carrying our own mark pass straight through.
func (m *ipTables) Apply() error {
	markAccept := fmt.Sprintf("0x%x/0x%x", m.cfg.Queue.Mark, m.cfg.Queue.Mark)

	for _, bin := range []string{"iptables", "ip6tables"} {
		if !hasBinary(bin) {
			continue
		}
		m.ensureChain(bin)
		if _, err := run(bin, "-t", "mangle", "-A", chainName,
			"-m", "mark", "--mark", markAccept, "-j", "ACCEPT"); err != nil {
			return fmt.Errorf("%s mark rule: %w", bin, err)
		}
	}

	for _, svc := range m.cfg.Services {
		bin := m.binFor(svc.Addr)
		if !hasBinary(bin) {
			continue
		}

		// All TCP to the VIP goes through us, not just the service
		// port: the drop-stray policy needs to see strays too.
		args := append([]string{bin, "-t", "mangle", "-A", chainName,
			"-d", svc.Addr, "-p", "tcp"}, m.nfqSpec()...)
		if _, err := run(args...); err != nil {
			return fmt.Errorf("vip rule for %s: %w", svc.Addr, err)
		}

		for _, d := range svc.Dests {
			bin := m.binFor(d.Addr)
			if !hasBinary(bin) {
				continue
			}
			args := append([]string{bin, "-t", "mangle", "-A", chainName,
				"-s", d.Addr, "-p", "tcp",
				"--sport", strconv.Itoa(int(d.Port))}, m.nfqSpec()...)
			if _, err := run(args...); err != nil {
				return fmt.Errorf("return rule for %s: %w", d.Addr, err)
			}
		}
	}

	log.Infof("iptables steering rules installed")
	return nil
}

func (m *ipTables) Clear() error {
	for _, bin := range []string{"iptables", "ip6tables"} {
		if !hasBinary(bin) {
			continue
		}
		_, _ = run(bin, "-t", "mangle", "-D", "PREROUTING", "-j", chainName)
		_, _ = run(bin, "-t", "mangle", "-F", chainName)
		_, _ = run(bin, "-t", "mangle", "-X", chainName)
	}
	log.Infof("iptables steering rules cleared")
	return nil
}

// Installed reports whether the steering chain is still wired in.
func (m *ipTables) Installed() bool {
	_, err := run("iptables", "-t", "mangle", "-C", "PREROUTING", "-j", chainName)
	return err == nil
}
