package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Config holds every process-level option for the cache engine. Policy
// documents (budgets, ranking weights, pin rules) are loaded separately so
// they can be hot-reloaded without restarting the process.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Data         DataConfig         `koanf:"data"`
	Store        StoreConfig        `koanf:"store"`
	Queue        QueueConfig        `koanf:"queue"`
	Connectivity ConnectivityConfig `koanf:"connectivity"`
	Sync         SyncConfig         `koanf:"sync"`
	Origin       OriginConfig       `koanf:"origin"`
	Policy       PolicyConfig       `koanf:"policy"`
}

// ServerConfig collects the HTTP listener and logging knobs.
type ServerConfig struct {
	Listen  ListenConfig  `koanf:"listen"`
	Logging LoggingConfig `koanf:"logging"`
}

// ListenConfig instructs the HTTP listener about bind address and port.
type ListenConfig struct {
	Address string `koanf:"address"`
	Port    int    `koanf:"port"`
}

// LoggingConfig expresses log level and format.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DataConfig names the directory that holds the engine's durable state:
// the content database, the query queue database, and sync cursors.
type DataConfig struct {
	Dir string `koanf:"dir"`
}

// StoreConfig selects the content store backend.
type StoreConfig struct {
	Backend string       `koanf:"backend"`
	Valkey  ValkeyConfig `koanf:"valkey"`
}

// ValkeyConfig carries connection details for the valkey backend.
type ValkeyConfig struct {
	Address  string          `koanf:"address"`
	Username string          `koanf:"username"`
	Password string          `koanf:"password"`
	DB       int             `koanf:"db"`
	TLS      ValkeyTLSConfig `koanf:"tls"`
}

type ValkeyTLSConfig struct {
	Enabled bool   `koanf:"enabled"`
	CAFile  string `koanf:"caFile"`
}

// QueueConfig tunes retry behavior for deferred requests.
type QueueConfig struct {
	MaxAttempts      int `koanf:"maxAttempts"`
	BaseDelaySeconds int `koanf:"baseDelaySeconds"`
	MaxDelaySeconds  int `koanf:"maxDelaySeconds"`
	LeaseSeconds     int `koanf:"leaseSeconds"`
}

// ConnectivityConfig shapes probe cadence and tier classification.
// Thresholds are measured throughput in kilobits per second.
type ConnectivityConfig struct {
	ProbeURL             string `koanf:"probeUrl"`
	ProbeIntervalSeconds int    `koanf:"probeIntervalSeconds"`
	ProbeTimeoutSeconds  int    `koanf:"probeTimeoutSeconds"`
	DebounceSamples      int    `koanf:"debounceSamples"`
	OfflineBelowKbps     int    `koanf:"offlineBelowKbps"`
	DegradedBelowKbps    int    `koanf:"degradedBelowKbps"`
}

// SyncConfig controls the periodic sync pass.
type SyncConfig struct {
	IntervalSeconds int      `koanf:"intervalSeconds"`
	BatchSize       int      `koanf:"batchSize"`
	Collections     []string `koanf:"collections"`
}

// OriginConfig points at the origin service that serves change feeds and
// answers deferred queries.
type OriginConfig struct {
	BaseURL        string `koanf:"baseUrl"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

// PolicyConfig announces how policy documents are sourced.
type PolicyConfig struct {
	PolicyFolder string `koanf:"policyFolder"`
	PolicyFile   string `koanf:"policyFile"`
}

// DefinitionSkip describes a policy artifact the loader intentionally
// ignored, for example a budget defined twice across files. The status
// surface reports these so operators know which definitions were dropped.
type DefinitionSkip struct {
	Kind    string   `json:"kind"`
	Name    string   `json:"name"`
	Reason  string   `json:"reason"`
	Sources []string `json:"sources"`
}

// Validate enforces invariants that keep the runtime predictable before
// serving traffic.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config: nil")
	}
	if c.Server.Listen.Port <= 0 || c.Server.Listen.Port > 65535 {
		return fmt.Errorf("config: listen.port invalid: %d", c.Server.Listen.Port)
	}
	if strings.TrimSpace(c.Data.Dir) == "" {
		return errors.New("config: data.dir required")
	}
	backend := strings.TrimSpace(strings.ToLower(c.Store.Backend))
	switch backend {
	case "", "sqlite", "memory":
	case "valkey":
		if strings.TrimSpace(c.Store.Valkey.Address) == "" {
			return errors.New("config: store.valkey.address required for valkey backend")
		}
	default:
		return fmt.Errorf("config: store.backend unsupported: %s", c.Store.Backend)
	}
	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("config: queue.maxAttempts invalid: %d", c.Queue.MaxAttempts)
	}
	if c.Queue.BaseDelaySeconds < 1 || c.Queue.MaxDelaySeconds < c.Queue.BaseDelaySeconds {
		return fmt.Errorf("config: queue delay window invalid: base=%d max=%d", c.Queue.BaseDelaySeconds, c.Queue.MaxDelaySeconds)
	}
	if c.Queue.LeaseSeconds < 1 {
		return fmt.Errorf("config: queue.leaseSeconds invalid: %d", c.Queue.LeaseSeconds)
	}
	if c.Connectivity.ProbeIntervalSeconds < 1 || c.Connectivity.ProbeTimeoutSeconds < 1 {
		return fmt.Errorf("config: connectivity probe timings invalid: interval=%d timeout=%d",
			c.Connectivity.ProbeIntervalSeconds, c.Connectivity.ProbeTimeoutSeconds)
	}
	if c.Connectivity.DebounceSamples < 1 {
		return fmt.Errorf("config: connectivity.debounceSamples invalid: %d", c.Connectivity.DebounceSamples)
	}
	if c.Connectivity.OfflineBelowKbps <= 0 || c.Connectivity.DegradedBelowKbps <= c.Connectivity.OfflineBelowKbps {
		return fmt.Errorf("config: connectivity thresholds invalid: offline=%d degraded=%d",
			c.Connectivity.OfflineBelowKbps, c.Connectivity.DegradedBelowKbps)
	}
	if c.Sync.IntervalSeconds < 1 {
		return fmt.Errorf("config: sync.intervalSeconds invalid: %d", c.Sync.IntervalSeconds)
	}
	if c.Sync.BatchSize < 1 {
		return fmt.Errorf("config: sync.batchSize invalid: %d", c.Sync.BatchSize)
	}
	if len(c.Sync.Collections) == 0 {
		return errors.New("config: sync.collections must name at least one collection")
	}
	if base := strings.TrimSpace(c.Origin.BaseURL); base != "" {
		parsed, err := url.Parse(base)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("config: origin.baseUrl invalid: %s", c.Origin.BaseURL)
		}
	}
	if c.Origin.TimeoutSeconds < 1 {
		return fmt.Errorf("config: origin.timeoutSeconds invalid: %d", c.Origin.TimeoutSeconds)
	}
	if c.Policy.PolicyFolder != "" && c.Policy.PolicyFile != "" {
		return errors.New("config: policyFolder and policyFile are mutually exclusive")
	}
	return nil
}

// DefaultConfig returns the baseline values the engine boots with when no
// file or environment overrides are present.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    8080,
			},
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
		},
		Data: DataConfig{
			Dir: "./data",
		},
		Store: StoreConfig{
			Backend: "sqlite",
		},
		Queue: QueueConfig{
			MaxAttempts:      8,
			BaseDelaySeconds: 1,
			MaxDelaySeconds:  300,
			LeaseSeconds:     60,
		},
		Connectivity: ConnectivityConfig{
			ProbeIntervalSeconds: 30,
			ProbeTimeoutSeconds:  5,
			DebounceSamples:      3,
			OfflineBelowKbps:     64,
			DegradedBelowKbps:    2000,
		},
		Sync: SyncConfig{
			IntervalSeconds: 300,
			BatchSize:       200,
			Collections:     []string{"schemes", "resources", "opportunities"},
		},
		Origin: OriginConfig{
			BaseURL:        "http://127.0.0.1:9090",
			TimeoutSeconds: 15,
		},
		Policy: PolicyConfig{
			PolicyFolder: "./policy",
		},
	}
}
