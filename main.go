package main

import (
	"context"
	"fmt"
	"io"
	stdhttp "net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/daniellavrushin/lb4/config"
	lb4http "github.com/daniellavrushin/lb4/http"
	"github.com/daniellavrushin/lb4/log"
	"github.com/daniellavrushin/lb4/metrics"
	"github.com/daniellavrushin/lb4/nfq"
	"github.com/daniellavrushin/lb4/tables"
)

var (
	cfg         = config.NewConfig()
	verboseFlag string
	showVersion bool
	clearTables bool
	Version     = "dev"
	Commit      = "none"
	Date        = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "lb4",
	Short: "LB4 layer-4 virtual server",
	Long:  `LB4 is a netfilter queue based layer-4 load balancer data plane (NAT and full-NAT TCP)`,
	RunE:  runLB4,
}

func init() {
	cfg.BindFlags(rootCmd)

	rootCmd.Flags().StringVar(&verboseFlag, "verbose", "info", "Set verbosity level (debug, trace, info, silent), default: info")
	rootCmd.Flags().BoolVarP(&showVersion, "version", "v", false, "Show version and exit")
	rootCmd.Flags().BoolVar(&clearTables, "clear-tables", false, "Perform only iptables/nftables cleanup and exit")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runLB4(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("LB4 version: %s (%s) %s\n", Version, Commit, Date)
		return nil
	}

	cfg.ApplyLogLevel(verboseFlag)
	if err := initLogging(&cfg); err != nil {
		return fmt.Errorf("logging initialization failed: %w", err)
	}

	if clearTables {
		log.Infof("Clearing steering rules as requested (--clear-tables)")
		tables.ClearRules(&cfg)
		return nil
	}

	log.Infof("Starting LB4 virtual server")

	if err := cfg.LoadFromFile(cfg.ConfigPath); err != nil {
		return err
	}
	if cmd.Flags().Changed("verbose") {
		cfg.ApplyLogLevel(verboseFlag)
	}

	if err := cfg.Validate(); err != nil {
		return log.Errorf("invalid configuration: %w", err)
	}

	printConfigDefaults(cmd)

	metrics.Get().RecordEvent("info", "LB4 starting up")

	pool, err := nfq.NewPool(&cfg)
	if err != nil {
		return fmt.Errorf("data plane setup failed: %w", err)
	}

	if !cfg.System.Tables.SkipSetup {
		log.Tracef("Clearing stale steering rules")
		tables.ClearRules(&cfg)
		if err := tables.AddRules(&cfg); err != nil {
			return fmt.Errorf("failed to add steering rules: %w", err)
		}
	} else {
		log.Infof("Skipping tables setup (--skip-tables)")
	}

	log.Infof("Starting netfilter queue pool (queue: %d, threads: %d)", cfg.Queue.StartNum, cfg.Queue.Threads)
	if err := pool.Start(); err != nil {
		metrics.Get().RecordEvent("error", fmt.Sprintf("NFQueue start failed: %v", err))
		return fmt.Errorf("netfilter queue start failed: %w", err)
	}
	metrics.Get().RecordEvent("info", fmt.Sprintf("NFQueue started with %d threads", cfg.Queue.Threads))

	var tablesMonitor *tables.Monitor
	if !cfg.System.Tables.SkipSetup && cfg.System.Tables.MonitorInterval > 0 {
		tablesMonitor = tables.NewMonitor(&cfg)
		tablesMonitor.Start()
	}

	httpServer, err := lb4http.StartServer(&cfg, pool)
	if err != nil {
		return log.Errorf("failed to start web server: %w", err)
	}

	log.Infof("LB4 is running. Press Ctrl+C to stop")
	metrics.Get().RecordEvent("info", "LB4 is fully operational")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	log.Infof("Received signal: %v, shutting down gracefully", sig)
	return gracefulShutdown(&cfg, pool, httpServer, tablesMonitor)
}

func gracefulShutdown(cfg *config.Config, pool *nfq.Pool, httpServer *stdhttp.Server, monitor *tables.Monitor) error {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if monitor != nil {
		monitor.Stop()
	}

	var wg sync.WaitGroup

	if httpServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("Shutting down HTTP server...")
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Errorf("HTTP server shutdown error: %v", err)
			}
		}()
	}

	lb4http.Shutdown()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Infof("Stopping netfilter queue pool...")
		pool.Stop()
	}()

	if !cfg.System.Tables.SkipSetup {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("Clearing steering rules...")
			if err := tables.ClearRules(cfg); err != nil {
				log.Errorf("Failed to clear steering rules: %v", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-done:
		log.Infof("LB4 stopped")
	case <-shutdownCtx.Done():
		log.Errorf("Shutdown timeout reached, forcing exit")
		log.Flush()
		time.Sleep(100 * time.Millisecond)
		os.Exit(1)
	}

	log.CloseErrorFile()
	log.Flush()
	return nil
}

func printConfigDefaults(cmd *cobra.Command) {
	var all []*pflag.Flag
	cmd.InheritedFlags().VisitAll(func(f *pflag.Flag) { all = append(all, f) })
	cmd.Flags().VisitAll(func(f *pflag.Flag) { all = append(all, f) })
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })

	log.Infof("Effective CLI flags:")
	line := ""
	for _, f := range all {
		if line == "" {
			line = fmt.Sprintf("--%s=%s", f.Name, f.Value.String())
		} else {
			line += " " + fmt.Sprintf("--%s=%s", f.Name, f.Value.String())
		}
	}
	log.Infof("  %s", line)
}

func initLogging(cfg *config.Config) error {
	if cfg.System.Logging.Syslog {
		if err := log.EnableSyslog("lb4"); err != nil {
			log.Errorf("Failed to enable syslog: %v", err)
			return err
		}
	}

	if cfg.System.Logging.ErrorFile != "" {
		if err := log.InitErrorFile(cfg.System.Logging.ErrorFile); err != nil {
			log.Errorf("Failed to open error log file: %v", err)
		}
	}

	w := io.MultiWriter(log.OrigStderr(), lb4http.LogWriter())
	log.Init(w, log.Level(cfg.System.Logging.Level), cfg.System.Logging.Instaflush)
	return nil
}
