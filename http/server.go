// Package http serves the balancer's status API: stats, the service
// table, and a live log stream over WebSocket.
package http

import (
	"encoding/json"
	"fmt"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/daniellavrushin/lb4/config"
	"github.com/daniellavrushin/lb4/http/ws"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/metrics"
	"github.com/daniellavrushin/lb4/nfq"
)

func StartServer(cfg *config.Config, pool *nfq.Pool) (*stdhttp.Server, error) {
	if cfg.System.WebServer.Port == 0 {
		log.Infof("Web server disabled (port 0)")
		return nil, nil
	}

	mux := stdhttp.NewServeMux()
	mux.HandleFunc("/api/ws/logs", ws.HandleLogsWebSocket)
	mux.HandleFunc("/api/stats", handleStats(pool))
	mux.HandleFunc("/api/services", handleServices(pool))

	addr := fmt.Sprintf(":%d", cfg.System.WebServer.Port)
	log.Infof("Starting web server on %s", addr)
	metrics.Get().RecordEvent("info", fmt.Sprintf("Web server started on port %d", cfg.System.WebServer.Port))

	srv := &stdhttp.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != stdhttp.ErrServerClosed {
			log.Errorf("Web server error: %v", err)
			metrics.Get().RecordEvent("error", fmt.Sprintf("Web server error: %v", err))
		}
	}()

	return srv, nil
}

func handleStats(pool *nfq.Pool) stdhttp.HandlerFunc {
	return func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		snap := metrics.Get().Snapshot()
		snap["live_conns"] = pool.ConnCount()

		type workerStat struct {
			Queue     int    `json:"queue"`
			Processed uint64 `json:"processed"`
			Status    string `json:"status"`
		}
		workers := make([]workerStat, 0, len(pool.Workers()))
		for i, wk := range pool.Workers() {
			n, status := wk.GetStats()
			workers = append(workers, workerStat{Queue: i, Processed: n, Status: status})
		}
		snap["workers"] = workers

		writeJSON(w, snap)
	}
}

func handleServices(pool *nfq.Pool) stdhttp.HandlerFunc {
	type destView struct {
		ID       string `json:"id"`
		Addr     string `json:"addr"`
		Port     uint16 `json:"port"`
		Weight   int32  `json:"weight"`
		Active   int64  `json:"active_conns"`
		Inactive int64  `json:"inact_conns"`
	}
	type svcView struct {
		ID      string     `json:"id"`
		Addr    string     `json:"addr"`
		Port    uint16     `json:"port"`
		Sched   string     `json:"sched"`
		FullNAT bool       `json:"fullnat"`
		Dests   []destView `json:"dests"`
	}

	return func(w stdhttp.ResponseWriter, r *stdhttp.Request) {
		var out []svcView
		for _, s := range pool.Registry().Services() {
			sv := svcView{
				ID:      s.ID.String(),
				Addr:    s.Addr.String(),
				Port:    s.Port,
				Sched:   s.Sched,
				FullNAT: s.FullNAT,
			}
			for _, d := range s.Dests() {
				sv.Dests = append(sv.Dests, destView{
					ID:       d.ID.String(),
					Addr:     d.Addr.String(),
					Port:     d.Port,
					Weight:   d.Weight,
					Active:   d.ActiveConns(),
					Inactive: d.InactConns(),
				})
			}
			out = append(out, sv)
		}
		writeJSON(w, out)
	}
}

func writeJSON(w stdhttp.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Tracef("write response: %v", err)
	}
}

func LogWriter() io.Writer {
	return ws.LogWriter()
}

func Shutdown() {
	ws.Shutdown()
}
