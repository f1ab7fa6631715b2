// Package metrics collects the balancer's extended statistics: packet and
// verdict totals, defense-policy hits, full-NAT connection reuse broken
// down by the reused state, and client-address option outcomes.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter identifies one extended statistic.
type Counter int

const (
	PacketsIn Counter = iota
	PacketsOut
	Accepted
	Dropped
	ConnsCreated
	ConnsExpired
	DefenceTCPDrop
	ConnReused
	ConnReusedClose
	ConnReusedTimeWait
	ConnReusedFinWait
	ConnReusedCloseWait
	ConnReusedLastAck
	ConnReusedEstablished
	TOAOK
	TOAFailProto
	TOAFailLen
	TOAFailMem
	RSTOut
	RSTIn
	counterMax
)

var counterNames = [counterMax]string{
	PacketsIn:             "packets_in",
	PacketsOut:            "packets_out",
	Accepted:              "accepted",
	Dropped:               "dropped",
	ConnsCreated:          "conns_created",
	ConnsExpired:          "conns_expired",
	DefenceTCPDrop:        "defence_tcp_drop",
	ConnReused:            "fullnat_conn_reused",
	ConnReusedClose:       "fullnat_conn_reused_close",
	ConnReusedTimeWait:    "fullnat_conn_reused_timewait",
	ConnReusedFinWait:     "fullnat_conn_reused_finwait",
	ConnReusedCloseWait:   "fullnat_conn_reused_closewait",
	ConnReusedLastAck:     "fullnat_conn_reused_lastack",
	ConnReusedEstablished: "fullnat_conn_reused_estab",
	TOAOK:                 "fullnat_add_toa_ok",
	TOAFailProto:          "fullnat_add_toa_fail_proto",
	TOAFailLen:            "fullnat_add_toa_fail_len",
	TOAFailMem:            "fullnat_add_toa_fail_mem",
	RSTOut:                "rst_out",
	RSTIn:                 "rst_in",
}

type SystemEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// Collector is the process-wide stats sink.
type Collector struct {
	StartTime time.Time

	counters [counterMax]atomic.Uint64

	mu     sync.RWMutex
	events []SystemEvent
}

var (
	collector *Collector
	once      sync.Once
)

// Get returns the singleton collector.
func Get() *Collector {
	once.Do(func() {
		collector = &Collector{StartTime: time.Now()}
	})
	return collector
}

func (c *Collector) Inc(ctr Counter) { c.counters[ctr].Add(1) }

func (c *Collector) Add(ctr Counter, n uint64) { c.counters[ctr].Add(n) }

func (c *Collector) Value(ctr Counter) uint64 { return c.counters[ctr].Load() }

// RecordEvent appends to the bounded event log shown in the web UI.
func (c *Collector) RecordEvent(level, msg string) {
	c.mu.Lock()
	c.events = append(c.events, SystemEvent{Timestamp: time.Now(), Level: level, Message: msg})
	if len(c.events) > 50 {
		c.events = c.events[len(c.events)-50:]
	}
	c.mu.Unlock()
}

// Snapshot renders all counters and recent events for the stats API.
func (c *Collector) Snapshot() map[string]any {
	out := make(map[string]any, counterMax+2)
	for i := Counter(0); i < counterMax; i++ {
		out[counterNames[i]] = c.counters[i].Load()
	}
	out["uptime"] = time.Since(c.StartTime).Round(time.Second).String()
	c.mu.RLock()
	events := make([]SystemEvent, len(c.events))
	copy(events, c.events)
	c.mu.RUnlock()
	out["recent_events"] = events
	return out
}
