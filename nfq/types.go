// Package nfq is the ingress side of the balancer: NFQUEUE workers pull
// raw packets off the kernel, resolve them to balanced connections, run
// the TCP protocol module over them, and re-emit the rewritten packets.
package nfq

import (
	"context"
	"sync"

	"github.com/florianl/go-nfqueue"

	"github.com/daniellavrushin/lb4/config"
	"github.com/daniellavrushin/lb4/service"
	"github.com/daniellavrushin/lb4/sock"
	"github.com/daniellavrushin/lb4/tcpvs"
)

// Pool runs one worker per netfilter queue.
type Pool struct {
	cfg      *config.Config
	workers  []*Worker
	registry *service.Registry
	table    *ConnTable
	tcp      *tcpvs.TCP
	sender   *sock.Sender
}

// Worker serves one queue number.
type Worker struct {
	packetsProcessed uint64
	qnum             uint16
	cfg              *config.Config
	ctx              context.Context
	cancel           context.CancelFunc
	q                *nfqueue.Nfqueue
	wg               sync.WaitGroup

	tcp    *tcpvs.TCP
	table  *ConnTable
	sender *sock.Sender
}
