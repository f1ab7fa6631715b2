package nfq

import (
	"context"
	"fmt"

	"github.com/daniellavrushin/lb4/config"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/service"
	"github.com/daniellavrushin/lb4/sock"
	"github.com/daniellavrushin/lb4/synproxy"
	"github.com/daniellavrushin/lb4/tcpvs"
)

// NewPool wires the full data plane: service registry, transmit sockets,
// the TCP protocol module, the shared connection table, and one worker
// per configured queue.
func NewPool(cfg *config.Config) (*Pool, error) {
	registry, err := service.FromConfig(cfg.Services, cfg.TCP.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("services: %w", err)
	}

	sender, err := sock.NewSenderWithMark(int(cfg.Queue.Mark))
	if err != nil {
		return nil, fmt.Errorf("raw sockets: %w", err)
	}

	opts := tcpvs.Options{
		DropEntry:       cfg.TCP.DropEntry,
		MSSAdjust:       cfg.TCP.MSSAdjust,
		TimestampRemove: cfg.TCP.TimestampRemove,
		TOA:             cfg.TCP.TOA,
		ExpireRST:       cfg.TCP.ExpireRST,
		ConnReuse:       cfg.TCP.ConnReuse,
	}
	tcp := tcpvs.New(opts, registry, synproxy.Passthrough{}, sender, nil)
	if cfg.TCP.SecureState {
		tcp.TimeoutChange(1)
	}
	for name, secs := range cfg.TCP.Timeouts {
		if secs == 0 {
			continue
		}
		if err := tcp.SetStateTimeout(name, secs); err != nil {
			sender.Close()
			return nil, err
		}
	}

	table := NewConnTable(tcp)

	p := &Pool{
		cfg:      cfg,
		registry: registry,
		table:    table,
		tcp:      tcp,
		sender:   sender,
	}

	for i := 0; i < cfg.Queue.Threads; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		p.workers = append(p.workers, &Worker{
			qnum:   uint16(cfg.Queue.StartNum + i),
			cfg:    cfg,
			ctx:    ctx,
			cancel: cancel,
			tcp:    tcp,
			table:  table,
			sender: sender,
		})
	}
	return p, nil
}

func (p *Pool) Start() error {
	for _, w := range p.workers {
		if err := w.Start(); err != nil {
			p.Stop()
			return err
		}
	}
	log.Infof("nfq pool running, queues %d-%d",
		p.cfg.Queue.StartNum, p.cfg.Queue.StartNum+len(p.workers)-1)
	return nil
}

func (p *Pool) Stop() {
	for _, w := range p.workers {
		w.Stop()
	}
	p.table.Flush()
	p.sender.Close()
}

// Registry exposes the live service registry for the web API.
func (p *Pool) Registry() *service.Registry { return p.registry }

// Protocol exposes the protocol capability record.
func (p *Pool) Protocol() *tcpvs.Protocol { return p.tcp.Register() }

// ConnCount reports live connections across the pool.
func (p *Pool) ConnCount() int { return p.table.Count() }

// Workers returns per-worker stats for the web API.
func (p *Pool) Workers() []*Worker { return p.workers }
