package config

import "github.com/spf13/cobra"

func (c *Config) BindFlags(cmd *cobra.Command) {
	// Config path
	cmd.Flags().StringVar(&c.ConfigPath, "config", c.ConfigPath, "Path to config file")

	// Queue configuration
	cmd.Flags().IntVar(&c.Queue.StartNum, "queue-num", c.Queue.StartNum, "Netfilter queue number")
	cmd.Flags().IntVar(&c.Queue.Threads, "threads", c.Queue.Threads, "Number of worker threads")
	cmd.Flags().UintVar(&c.Queue.Mark, "mark", c.Queue.Mark, "Packet mark value (default 32768)")
	cmd.Flags().IntVar(&c.Queue.MTU, "mtu", c.Queue.MTU, "Path MTU assumed toward the backends")
	cmd.Flags().BoolVar(&c.Queue.IPv4Enabled, "ipv4", c.Queue.IPv4Enabled, "Enable IPv4 processing")
	cmd.Flags().BoolVar(&c.Queue.IPv6Enabled, "ipv6", c.Queue.IPv6Enabled, "Enable IPv6 processing")
	cmd.Flags().StringSliceVar(&c.Queue.Interfaces, "interfaces", c.Queue.Interfaces, "Only steer traffic from these interfaces")

	// TCP protocol module toggles
	cmd.Flags().BoolVar(&c.TCP.DropEntry, "tcp-drop-entry", c.TCP.DropEntry, "Drop stray TCP packets sent to a VIP without a service on that port")
	cmd.Flags().BoolVar(&c.TCP.MSSAdjust, "tcp-mss-adjust", c.TCP.MSSAdjust, "Shrink advertised MSS to fit the client-address option")
	cmd.Flags().BoolVar(&c.TCP.TimestampRemove, "tcp-timestamp-remove", c.TCP.TimestampRemove, "Strip the timestamp option from client SYNs")
	cmd.Flags().BoolVar(&c.TCP.TOA, "tcp-toa", c.TCP.TOA, "Inject the client-address TCP option toward backends")
	cmd.Flags().BoolVar(&c.TCP.ExpireRST, "tcp-expire-rst", c.TCP.ExpireRST, "Send RSTs to both peers when a connection expires")
	cmd.Flags().BoolVar(&c.TCP.ConnReuse, "tcp-conn-reuse", c.TCP.ConnReuse, "Allow ISN re-init when an old connection is reused mid-handshake")
	cmd.Flags().BoolVar(&c.TCP.SecureState, "tcp-secure-state", c.TCP.SecureState, "Start with the DoS-resistant state table")
	cmd.Flags().Int64Var(&c.TCP.MaxConns, "max-conns", c.TCP.MaxConns, "Connection count ceiling before new SYNs are shed (0 = unlimited)")

	// System configuration
	cmd.Flags().IntVar(&c.System.Tables.MonitorInterval, "tables-monitor-interval", c.System.Tables.MonitorInterval, "Tables monitor interval in seconds (default 10, 0 to disable)")
	cmd.Flags().BoolVar(&c.System.Tables.SkipSetup, "skip-tables", c.System.Tables.SkipSetup, "Skip iptables/nftables setup on startup")

	cmd.Flags().BoolVarP(&c.System.Logging.Instaflush, "instaflush", "i", c.System.Logging.Instaflush, "Flush logs immediately")
	cmd.Flags().BoolVar(&c.System.Logging.Syslog, "syslog", c.System.Logging.Syslog, "Enable syslog output")

	cmd.Flags().IntVar(&c.System.WebServer.Port, "web-port", c.System.WebServer.Port, "Port for internal web server (0 disables)")
}
