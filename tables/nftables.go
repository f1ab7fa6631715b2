package tables

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/daniellavrushin/lb4/config"
	"github.com/daniellavrushin/lb4/log"
)

const nftTable = "lb4"

type nfTables struct {
	cfg *config.Config
}

func newNFTables(cfg *config.Config) *nfTables {
	return &nfTables{cfg: cfg}
}

func (m *nfTables) queueExpr() string {
	start := m.cfg.Queue.StartNum
	threads := m.cfg.Queue.Threads
	if threads > 1 {
		return fmt.Sprintf("queue num %d-%d bypass", start, start+threads-1)
	}
	return fmt.Sprintf("queue num %d bypass", start)
}

func (m *nfTables) Apply() error {
	mark := fmt.Sprintf("0x%x", m.cfg.Queue.Mark)

	cmds := [][]string{
		{"nft", "add", "table", "inet", nftTable},
		{"nft", "add", "chain", "inet", nftTable, "prerouting",
			"{", "type", "filter", "hook", "prerouting", "priority", "mangle", ";", "}"},
		{"nft", "add", "rule", "inet", nftTable, "prerouting",
			"meta", "mark", "&", mark, "==", mark, "accept"},
	}

	for _, svc := range m.cfg.Services {
		fam := "ip"
		if ip := net.ParseIP(svc.Addr); ip != nil && ip.To4() == nil {
			fam = "ip6"
		}
		cmds = append(cmds, append([]string{"nft", "add", "rule", "inet", nftTable, "prerouting",
			fam, "daddr", svc.Addr, "meta", "l4proto", "tcp"},
			strings.Fields(m.queueExpr())...))

		for _, d := range svc.Dests {
			fam := "ip"
			if ip := net.ParseIP(d.Addr); ip != nil && ip.To4() == nil {
				fam = "ip6"
			}
			cmds = append(cmds, append([]string{"nft", "add", "rule", "inet", nftTable, "prerouting",
				fam, "saddr", d.Addr, "tcp", "sport", strconv.Itoa(int(d.Port))},
				strings.Fields(m.queueExpr())...))
		}
	}

	for _, c := range cmds {
		if out, err := run(c...); err != nil {
			return fmt.Errorf("%v: %s: %w", c, out, err)
		}
	}
	log.Infof("nftables steering rules installed")
	return nil
}

func (m *nfTables) Clear() error {
	_, _ = run("nft", "delete", "table", "inet", nftTable)
	log.Infof("nftables steering rules cleared")
	return nil
}

// Installed reports whether the steering table still exists.
func (m *nfTables) Installed() bool {
	out, err := run("nft", "list", "tables")
	return err == nil && strings.Contains(out, nftTable)
}
