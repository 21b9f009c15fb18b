// Package config provides configuration loading, validation, and hot-reload
// for the CXLMemSim node daemon.
//
// Configuration file: /etc/cxlmemsim/config.yaml (default), overridable via
// the CXLMEMSIM_CONFIG environment variable.
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml.
//   - Apply non-destructive changes only (LogP parameters, log level,
//     heartbeat/timeout tuning).
//   - Destructive changes (SHM names, topology, node_id) require restart.
//   - If the new config is invalid, the old config remains active and an
//     error is logged. The daemon does NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (capacities, timeouts, LogP parameters >= 0).
//   - HDM ranges must be non-overlapping; overlap is a configuration error
//     reported here, not a decode-time error.
//   - Invalid config on startup: the daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.

package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// TopologyMode selects how the HDM decoder resolves addresses.
type TopologyMode string

const (
	TopologyRangeBased  TopologyMode = "range_based"
	TopologyInterleaved TopologyMode = "interleaved"
	TopologyHybrid      TopologyMode = "hybrid"
)

// Config is the root configuration structure for a CXLMemSim node.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this node within the fabric, in [0, 16).
	NodeID uint32 `yaml:"node_id"`

	Topology      TopologyConfig      `yaml:"topology"`
	LogP          LogPConfig          `yaml:"logp"`
	Fabric        FabricConfig        `yaml:"fabric"`
	SharedMemory  SharedMemoryConfig  `yaml:"shared_memory"`
	Coherency     CoherencyConfig     `yaml:"coherency"`
	Storage       StorageConfig       `yaml:"storage"`
	Observability ObservabilityConfig `yaml:"observability"`
	Admin         AdminConfig         `yaml:"admin"`
}

// HDMRangeConfig mirrors hdm.Range for YAML decoding.
type HDMRangeConfig struct {
	Base     uint64 `yaml:"base"`
	Size     uint64 `yaml:"size"`
	TargetID uint32 `yaml:"target_id"`
	IsRemote bool   `yaml:"is_remote"`
}

// InterleaveConfig mirrors hdm.InterleaveConfig for YAML decoding.
type InterleaveConfig struct {
	Granularity uint64   `yaml:"granularity"`
	Targets     []uint32 `yaml:"targets"`
	Base        uint64   `yaml:"base"`
	TotalSize   uint64   `yaml:"total_size"`
}

// TopologyConfig configures the HDM decoder for this node's view of the fabric.
type TopologyConfig struct {
	Mode       TopologyMode     `yaml:"mode"`
	Ranges     []HDMRangeConfig `yaml:"ranges"`
	Interleave InterleaveConfig `yaml:"interleave"`
}

// PeerLogPConfig holds a per-peer LogP override.
type PeerLogPConfig struct {
	LNs  float64 `yaml:"l_ns"`
	OsNs float64 `yaml:"os_ns"`
	OrNs float64 `yaml:"or_ns"`
	GNs  float64 `yaml:"g_ns"`
}

// LogPConfig holds the default LogP network cost model and per-peer overrides.
type LogPConfig struct {
	LNs     float64                   `yaml:"l_ns"`
	OsNs    float64                   `yaml:"os_ns"`
	OrNs    float64                   `yaml:"or_ns"`
	GNs     float64                   `yaml:"g_ns"`
	PerPeer map[uint32]PeerLogPConfig `yaml:"per_peer"`
}

// FabricConfig configures the inter-node message fabric.
type FabricConfig struct {
	// ShmName is the POSIX shared-memory segment name carrying the message
	// fabric header, node table, and per-(src,dst) ring queues.
	ShmName string `yaml:"shm_name"`

	// QueueCapacity is the per-(src,dst) ring queue depth. Default 4096.
	QueueCapacity int `yaml:"queue_capacity"`

	// WorkerCount is the number of fabric worker goroutines. Default 2.
	WorkerCount int `yaml:"worker_count"`

	// MaxMessagesPerTick bounds how many envelopes one worker dequeues per
	// pass before yielding. Default 64.
	MaxMessagesPerTick int `yaml:"max_messages_per_tick"`

	// SendAndWaitTimeoutMS is the default request/response timeout.
	SendAndWaitTimeoutMS int `yaml:"send_and_wait_timeout_ms"`

	// HeartbeatIntervalMS is the period between heartbeat broadcasts.
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`

	// HeartbeatTimeoutMS is the missed-heartbeat window after which a peer
	// is marked OFFLINE.
	HeartbeatTimeoutMS int `yaml:"heartbeat_timeout_ms"`
}

// SharedMemoryConfig configures the per-node cacheline data segment.
type SharedMemoryConfig struct {
	// ShmNamePrefix + node_id forms the POSIX shm name for this node's
	// memory-server segment.
	ShmNamePrefix string `yaml:"shm_name_prefix"`

	// NumCachelines is the number of 64B cachelines backing this node's
	// share of the address space.
	NumCachelines uint64 `yaml:"num_cachelines"`
}

// CoherencyConfig configures the directory/coherency engine.
type CoherencyConfig struct {
	// BandwidthGbps is used by fabric link traversal-latency calculations.
	BandwidthGbps float64 `yaml:"bandwidth_gbps"`

	// BaseDeviceLatencyNS is the fixed per-request device latency used in
	// the contention-latency formula. Default 100.
	BaseDeviceLatencyNS float64 `yaml:"base_device_latency_ns"`
}

// StorageConfig holds BoltDB parameters for the advisory audit ledger.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	DBPath string `yaml:"db_path"`

	// RetentionDays is the ledger retention period. Default: 30.
	RetentionDays int `yaml:"retention_days"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// AdminConfig configures the Unix-socket introspection surface.
type AdminConfig struct {
	// SocketPath is the Unix domain socket path for the admin CLI.
	// Permissions: 0600.
	SocketPath string `yaml:"socket_path"`

	// Enabled controls whether the admin socket is active. Default: true.
	Enabled bool `yaml:"enabled"`
}

// DefaultDBPath is the default BoltDB file location.
const DefaultDBPath = "/var/lib/cxlmemsim/cxlmemsim.db"

// DefaultConfigPath is the default config file location.
const DefaultConfigPath = "/etc/cxlmemsim/config.yaml"

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		NodeID:        0,
		Topology: TopologyConfig{
			Mode: TopologyRangeBased,
		},
		LogP: LogPConfig{
			LNs:  500,
			OsNs: 100,
			OrNs: 100,
			GNs:  50,
		},
		Fabric: FabricConfig{
			ShmName:              "/cxlmemsim_dist",
			QueueCapacity:        4096,
			WorkerCount:          2,
			MaxMessagesPerTick:   64,
			SendAndWaitTimeoutMS: 2000,
			HeartbeatIntervalMS:  1000,
			HeartbeatTimeoutMS:   10000,
		},
		SharedMemory: SharedMemoryConfig{
			ShmNamePrefix: "/cxlmemsim_smm",
			NumCachelines: 1 << 20,
		},
		Coherency: CoherencyConfig{
			BandwidthGbps:       25.0,
			BaseDeviceLatencyNS: 100,
		},
		Storage: StorageConfig{
			DBPath:        DefaultDBPath,
			RetentionDays: 30,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Admin: AdminConfig{
			SocketPath: "/run/cxlmemsim/admin.sock",
			Enabled:    true,
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// ValidationError aggregates every violated field Validate found, so a
// caller sees the whole list in one pass instead of one-error-at-a-time.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation errors:\n  - %s", strings.Join(e.Violations, "\n  - "))
}

// Validate checks all config fields for correctness, including that
// configured HDM ranges do not overlap.
// Returns a *ValidationError listing all violations found, or nil.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID >= 16 {
		errs = append(errs, fmt.Sprintf("node_id must be in [0, 16), got %d", cfg.NodeID))
	}

	switch cfg.Topology.Mode {
	case TopologyRangeBased, TopologyInterleaved, TopologyHybrid:
	default:
		errs = append(errs, fmt.Sprintf("topology.mode must be one of range_based|interleaved|hybrid, got %q", cfg.Topology.Mode))
	}
	if overlap := findOverlap(cfg.Topology.Ranges); overlap != "" {
		errs = append(errs, "topology.ranges overlap: "+overlap)
	}

	if cfg.LogP.LNs < 0 || cfg.LogP.OsNs < 0 || cfg.LogP.OrNs < 0 || cfg.LogP.GNs < 0 {
		errs = append(errs, "logp.{l_ns,os_ns,or_ns,g_ns} must all be >= 0")
	}
	for peer, p := range cfg.LogP.PerPeer {
		if p.LNs < 0 || p.OsNs < 0 || p.OrNs < 0 || p.GNs < 0 {
			errs = append(errs, fmt.Sprintf("logp.per_peer[%d] must all be >= 0", peer))
		}
	}

	if cfg.Fabric.QueueCapacity < 2 {
		errs = append(errs, fmt.Sprintf("fabric.queue_capacity must be >= 2, got %d", cfg.Fabric.QueueCapacity))
	}
	if cfg.Fabric.WorkerCount < 1 {
		errs = append(errs, fmt.Sprintf("fabric.worker_count must be >= 1, got %d", cfg.Fabric.WorkerCount))
	}
	if cfg.Fabric.MaxMessagesPerTick < 1 {
		errs = append(errs, fmt.Sprintf("fabric.max_messages_per_tick must be >= 1, got %d", cfg.Fabric.MaxMessagesPerTick))
	}
	if cfg.Fabric.SendAndWaitTimeoutMS < 1 {
		errs = append(errs, fmt.Sprintf("fabric.send_and_wait_timeout_ms must be >= 1, got %d", cfg.Fabric.SendAndWaitTimeoutMS))
	}
	if cfg.Fabric.HeartbeatIntervalMS < 1 {
		errs = append(errs, fmt.Sprintf("fabric.heartbeat_interval_ms must be >= 1, got %d", cfg.Fabric.HeartbeatIntervalMS))
	}
	if cfg.Fabric.HeartbeatTimeoutMS <= cfg.Fabric.HeartbeatIntervalMS {
		errs = append(errs, "fabric.heartbeat_timeout_ms must be greater than heartbeat_interval_ms")
	}

	if cfg.SharedMemory.NumCachelines < 1 {
		errs = append(errs, "shared_memory.num_cachelines must be >= 1")
	}

	if cfg.Coherency.BandwidthGbps <= 0 {
		errs = append(errs, "coherency.bandwidth_gbps must be > 0")
	}
	if cfg.Coherency.BaseDeviceLatencyNS < 0 {
		errs = append(errs, "coherency.base_device_latency_ns must be >= 0")
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Storage.RetentionDays < 1 {
		errs = append(errs, fmt.Sprintf("storage.retention_days must be >= 1, got %d", cfg.Storage.RetentionDays))
	}

	switch cfg.Observability.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_level must be one of debug|info|warn|error, got %q", cfg.Observability.LogLevel))
	}
	switch cfg.Observability.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("observability.log_format must be json|console, got %q", cfg.Observability.LogFormat))
	}

	if len(errs) > 0 {
		return &ValidationError{Violations: errs}
	}
	return nil
}

// findOverlap reports the first pair of overlapping ranges found, formatted
// for an error message, or "" if none overlap.
func findOverlap(ranges []HDMRangeConfig) string {
	sorted := make([]HDMRangeConfig, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Base < sorted[j].Base })

	for i := 1; i < len(sorted); i++ {
		prevEnd := sorted[i-1].Base + sorted[i-1].Size
		if sorted[i].Base < prevEnd {
			return fmt.Sprintf("[base=0x%x size=%d] overlaps [base=0x%x size=%d]",
				sorted[i-1].Base, sorted[i-1].Size, sorted[i].Base, sorted[i].Size)
		}
	}
	return ""
}

// HeartbeatInterval returns the configured heartbeat interval as a Duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.Fabric.HeartbeatIntervalMS) * time.Millisecond
}

// HeartbeatTimeout returns the configured heartbeat timeout as a Duration.
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Fabric.HeartbeatTimeoutMS) * time.Millisecond
}

// SendAndWaitTimeout returns the configured default request timeout.
func (c *Config) SendAndWaitTimeout() time.Duration {
	return time.Duration(c.Fabric.SendAndWaitTimeoutMS) * time.Millisecond
}
