package config

// QueueConfig controls how ingress traffic reaches the workers.
type QueueConfig struct {
	StartNum    int      `json:"start_num"`
	Threads     int      `json:"threads"`
	Mark        uint     `json:"mark"`
	MTU         int      `json:"mtu"`
	IPv4Enabled bool     `json:"ipv4"`
	IPv6Enabled bool     `json:"ipv6"`
	Interfaces  []string `json:"interfaces"`
}

// TCPConfig carries the protocol module toggles and the per-state idle
// timeouts (seconds; zero keeps the default).
type TCPConfig struct {
	DropEntry       bool `json:"drop_entry"`
	MSSAdjust       bool `json:"mss_adjust"`
	TimestampRemove bool `json:"timestamp_remove"`
	TOA             bool `json:"toa"`
	ExpireRST       bool `json:"conn_expire_rst"`
	ConnReuse       bool `json:"conn_reuse"`
	SecureState     bool `json:"secure_state"`

	MaxConns int64 `json:"max_conns"`

	Timeouts map[string]int `json:"timeouts"`
}

// DestConfig is one real server behind a service.
type DestConfig struct {
	Addr   string `json:"addr"`
	Port   uint16 `json:"port"`
	Weight int32  `json:"weight"`
}

// ServiceConfig is one virtual server.
type ServiceConfig struct {
	Addr     string       `json:"addr"`
	Port     uint16       `json:"port"`
	Mark     uint32       `json:"mark"`
	Sched    string       `json:"sched"`
	FullNAT  bool         `json:"fullnat"`
	OnNoDest string       `json:"on_no_dest"`
	Locals   []string     `json:"locals"`
	Dests    []DestConfig `json:"dests"`
}

type Logging struct {
	Level      int    `json:"level"`
	Syslog     bool   `json:"syslog"`
	Instaflush bool   `json:"instaflush"`
	ErrorFile  string `json:"error_file"`
}

type WebServer struct {
	Port int `json:"port"`
}

type Tables struct {
	SkipSetup       bool `json:"skip_setup"`
	MonitorInterval int  `json:"monitor_interval"`
}

type SystemConfig struct {
	Logging   Logging   `json:"logging"`
	WebServer WebServer `json:"web_server"`
	Tables    Tables    `json:"tables"`
}

// Config is the whole balancer configuration.
type Config struct {
	Queue    QueueConfig     `json:"queue"`
	TCP      TCPConfig       `json:"tcp"`
	Services []ServiceConfig `json:"services"`
	System   SystemConfig    `json:"system"`

	ConfigPath string `json:"-"`
}
