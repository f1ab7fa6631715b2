package tables

import (
	"sync"
	"time"

	"github.com/daniellavrushin/lb4/config"
	"github.com/daniellavrushin/lb4/log"
)

// Monitor re-applies the steering rules if something wipes the firewall
// while the balancer runs.
type Monitor struct {
	cfg      *config.Config
	stop     chan struct{}
	wg       sync.WaitGroup
	interval time.Duration
	backend  string
}

func NewMonitor(cfg *config.Config) *Monitor {
	interval := time.Duration(cfg.System.Tables.MonitorInterval) * time.Second
	if interval < time.Second {
		interval = 10 * time.Second
	}

	return &Monitor{
		cfg:      cfg,
		stop:     make(chan struct{}),
		interval: interval,
		backend:  detectFirewallBackend(),
	}
}

func (m *Monitor) Start() {
	if m.cfg.System.Tables.SkipSetup || m.cfg.System.Tables.MonitorInterval <= 0 {
		log.Infof("Tables monitor disabled")
		return
	}

	m.wg.Add(1)
	go m.monitorLoop()
	log.Infof("Started tables monitor (backend: %s, interval: %v)", m.backend, m.interval)
}

func (m *Monitor) Stop() {
	if m.cfg.System.Tables.SkipSetup || m.cfg.System.Tables.MonitorInterval <= 0 {
		return
	}

	close(m.stop)
	m.wg.Wait()
	log.Infof("Stopped tables monitor")
}

func (m *Monitor) monitorLoop() {
	defer m.wg.Done()

	t := time.NewTicker(m.interval)
	defer t.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.checkAndRestore()
		}
	}
}

func (m *Monitor) checkAndRestore() {
	var installed bool
	if m.backend == "nftables" {
		installed = newNFTables(m.cfg).Installed()
	} else {
		installed = newIPTables(m.cfg).Installed()
	}
	if installed {
		return
	}

	log.Warnf("steering rules missing, restoring")
	if err := AddRules(m.cfg); err != nil {
		log.Errorf("failed to restore steering rules: %v", err)
	}
}
