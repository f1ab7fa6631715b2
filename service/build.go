package service

import (
	"fmt"
	"net"

	"github.com/daniellavrushin/lb4/config"
)

// FromConfig materializes the registry from the configured services.
func FromConfig(cfgs []config.ServiceConfig, maxConns int64) (*Registry, error) {
	reg := NewRegistry()
	reg.MaxConns = maxConns

	for i, sc := range cfgs {
		addr := net.ParseIP(sc.Addr)
		if addr == nil {
			return nil, fmt.Errorf("service %d: bad address %q", i, sc.Addr)
		}
		af := 6
		if addr.To4() != nil {
			af = 4
			addr = addr.To4()
		}

		svc := &Service{
			AF:      af,
			Proto:   6,
			Addr:    addr,
			Port:    sc.Port,
			Mark:    sc.Mark,
			FullNAT: sc.FullNAT,
			Sched:   sc.Sched,
		}
		if sc.OnNoDest == "bypass" {
			svc.OnNoDest = NoDestBypass
		}

		for j, lc := range sc.Locals {
			lip := net.ParseIP(lc)
			if lip == nil {
				return nil, fmt.Errorf("service %d: bad local address %d: %q", i, j, lc)
			}
			if lip.To4() != nil {
				lip = lip.To4()
			}
			svc.AddLocal(lip)
		}

		for j, dc := range sc.Dests {
			dip := net.ParseIP(dc.Addr)
			if dip == nil {
				return nil, fmt.Errorf("service %d: bad dest address %d: %q", i, j, dc.Addr)
			}
			if dip.To4() != nil {
				dip = dip.To4()
			}
			svc.AddDest(dip, dc.Port, dc.Weight)
		}

		if err := reg.Add(svc); err != nil {
			return nil, err
		}
	}
	return reg, nil
}
