// Package config loads and validates the miel TOML configuration file:
// global daemon settings plus one ServiceConfig per advertised honeypot
// service. Loaded values are treated as immutable for the life of the
// process; Controller re-reads and diffs them on SIGHUP.
package config

import "time"

// Transport is the wire-level protocol a service listens on.
type Transport string

const (
	TransportTCP Transport = "tcp"
	TransportUDP Transport = "udp"
)

// Capture selects which capture surfaces are active for a service.
type Capture struct {
	PTY      bool `toml:"pty" yaml:"pty"`
	Pcap     bool `toml:"pcap" yaml:"pcap"`
	Metadata bool `toml:"metadata" yaml:"metadata"`
}

// SessionLimits bounds a single Session's lifetime and volume.
type SessionLimits struct {
	TimeoutSeconds int   `toml:"timeout_seconds" yaml:"timeout_seconds"`
	MaxBytes       int64 `toml:"max_bytes" yaml:"max_bytes"`
}

// ResourceLimits bounds a spawned container's CPU/RAM consumption, wired
// straight into systemd-run's own cgroup accounting so a compromised
// service can't starve the host or its sibling containers.
type ResourceLimits struct {
	CPUQuotaPercent int   `toml:"cpu_quota_percent" yaml:"cpu_quota_percent"`
	MemoryMaxBytes  int64 `toml:"memory_max_bytes" yaml:"memory_max_bytes"`
}

// ServiceConfig is one [[service]] block. Immutable after Load.
type ServiceConfig struct {
	Name              string         `toml:"name" yaml:"name"`
	Port              int            `toml:"port" yaml:"port"`
	Protocol          Transport      `toml:"protocol" yaml:"protocol"`
	ContainerTemplate string         `toml:"container_template" yaml:"container_template"`
	Capture           Capture        `toml:"capture" yaml:"capture"`
	Session           SessionLimits  `toml:"session" yaml:"session"`
	Resources         ResourceLimits `toml:"resources" yaml:"resources"`
	PoolTarget        int            `toml:"pool_target" yaml:"pool_target"`

	// SharedPort and the pattern fields support the optional service
	// detector (internal/listen) for deployments that bind one address
	// across multiple services instead of one port each. Unused by the
	// dedicated-port path exercised in the core scenarios.
	SharedPort     bool     `toml:"shared_port" yaml:"shared_port"`
	HeaderPatterns []string `toml:"header_patterns" yaml:"header_patterns"`
	BannerPatterns []string `toml:"banner_patterns" yaml:"banner_patterns"`
}

// key identifies a ServiceConfig by its (port, transport) uniqueness invariant.
func (s ServiceConfig) key() string {
	return string(s.Protocol) + "/" + itoa(s.Port)
}

// Pool default/derived accessors keep zero-value configs sane without
// silently rewriting what the operator wrote to disk.
func (s ServiceConfig) poolTargetOrDefault() int {
	if s.PoolTarget <= 0 {
		return 1
	}
	return s.PoolTarget
}

func (s ServiceConfig) idleTimeout() time.Duration {
	if s.Session.TimeoutSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.Session.TimeoutSeconds) * time.Second
}

// PoolTargetSize returns the operator-configured, or default, warm pool size.
func (s ServiceConfig) PoolTargetSize() int { return s.poolTargetOrDefault() }

// IdleTimeout returns the operator-configured, or default, idle timeout.
func (s ServiceConfig) IdleTimeout() time.Duration { return s.idleTimeout() }

// MaxSessionBytes returns the configured byte cap, or 0 for unlimited.
func (s ServiceConfig) MaxSessionBytes() int64 { return s.Session.MaxBytes }

// CPUQuotaOrDefault returns the container's CPU cgroup quota as a
// percentage of one core, defaulting to 50% so a single honeypot
// service can't monopolize the host.
func (s ServiceConfig) CPUQuotaOrDefault() int {
	if s.Resources.CPUQuotaPercent <= 0 {
		return 50
	}
	return s.Resources.CPUQuotaPercent
}

// MemoryMaxOrDefault returns the container's memory cgroup ceiling in
// bytes, defaulting to 256MiB.
func (s ServiceConfig) MemoryMaxOrDefault() int64 {
	if s.Resources.MemoryMaxBytes <= 0 {
		return 256 * 1024 * 1024
	}
	return s.Resources.MemoryMaxBytes
}

// Pool holds pool-tuning knobs shared across all services.
type Pool struct {
	WarmDeadlineMS    int `toml:"warm_deadline_ms" yaml:"warm_deadline_ms"`
	AcquireDeadlineMS int `toml:"acquire_deadline_ms" yaml:"acquire_deadline_ms"`
}

// SessionGlobals holds session-tuning knobs shared across all services.
type SessionGlobals struct {
	DrainDeadlineMS int `toml:"drain_deadline_ms" yaml:"drain_deadline_ms"`
}

// Global is the [global] table.
type Global struct {
	BindAddress   string         `toml:"bind_address" yaml:"bind_address"`
	StatusAddress string         `toml:"status_address" yaml:"status_address"`
	LogSinkAddr   string         `toml:"log_sink_address" yaml:"log_sink_address"`
	LogLevel      string         `toml:"log_level" yaml:"log_level"`
	LogDir        string         `toml:"log_dir" yaml:"log_dir"`
	DBPath        string         `toml:"db_path" yaml:"db_path"`
	SpoolDir      string         `toml:"spool_dir" yaml:"spool_dir"`
	MaxSessions   int            `toml:"max_sessions" yaml:"max_sessions"`
	Pool          Pool           `toml:"pool" yaml:"pool"`
	Session       SessionGlobals `toml:"session" yaml:"session"`
}

// StatusAddressOrDefault is where the read-only JSON status API binds,
// defaulting to loopback-only per spec.md's "no exposed dashboard" stance.
func (g Global) StatusAddressOrDefault() string {
	if g.StatusAddress == "" {
		return "127.0.0.1:9090"
	}
	return g.StatusAddress
}

// DBPathOrDefault is where the SQLite artifact index lives.
func (g Global) DBPathOrDefault() string {
	if g.DBPath == "" {
		return "/var/lib/miel/artifacts.db"
	}
	return g.DBPath
}

// LogDirOrDefault is the root of both process logs and, per spec.md §6's
// persisted state layout, the per-session artifact tree
// (<log_dir>/sessions/) and the storage spool (<log_dir>/spool/).
func (g Global) LogDirOrDefault() string {
	if g.LogDir == "" {
		return "/var/log/miel"
	}
	return g.LogDir
}

// SessionsDirOrDefault is <log_dir>/sessions/, where Storage writes each
// Artifact's metadata, transcript, and optional pcap file.
func (g Global) SessionsDirOrDefault() string {
	return g.LogDirOrDefault() + "/sessions"
}

// SpoolDirOrDefault is where sealed artifacts spool to disk when Storage
// is unavailable, per spec.md §6's `<log_dir>/spool/` layout. An
// explicit spool_dir override still wins, for operators who want the
// spool on separate storage from the rest of the artifact tree.
func (g Global) SpoolDirOrDefault() string {
	if g.SpoolDir != "" {
		return g.SpoolDir
	}
	return g.LogDirOrDefault() + "/spool"
}

// WarmDeadline is the bounded wait for at least one Ready container per
// service at boot, defaulting to 10s per spec.
func (g Global) WarmDeadline() time.Duration {
	if g.Pool.WarmDeadlineMS <= 0 {
		return 10 * time.Second
	}
	return time.Duration(g.Pool.WarmDeadlineMS) * time.Millisecond
}

// AcquireDeadline is how long a Session will wait on Pool.Acquire before
// failing with ErrExhausted, defaulting to 250ms per spec.
func (g Global) AcquireDeadline() time.Duration {
	if g.Pool.AcquireDeadlineMS <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(g.Pool.AcquireDeadlineMS) * time.Millisecond
}

// DrainDeadline is how long Controller waits for live Sessions to end
// during shutdown before force-closing them, defaulting to 30s per spec.
func (g Global) DrainDeadline() time.Duration {
	if g.Session.DrainDeadlineMS <= 0 {
		return 30 * time.Second
	}
	return time.Duration(g.Session.DrainDeadlineMS) * time.Millisecond
}

// Config is the fully parsed and validated configuration file.
type Config struct {
	Global   Global          `toml:"global" yaml:"global"`
	Services []ServiceConfig `toml:"service" yaml:"services"`
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	pos := len(buf)
	for n > 0 {
		pos--
		buf[pos] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
