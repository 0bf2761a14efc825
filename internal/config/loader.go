package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Loader hydrates the runtime configuration while respecting env > file > default precedence.
type Loader struct {
	envPrefix string
	files     []string
}

// NewLoader prepares a config hydrator for the given env prefix and optional config files.
func NewLoader(envPrefix string, files ...string) *Loader {
	return &Loader{
		envPrefix: envPrefix,
		files:     files,
	}
}

// Load assembles the effective configuration snapshot.
func (l *Loader) Load(ctx context.Context) (Config, error) {
	defaultCfg := DefaultConfig()
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(structToMap(defaultCfg), "."), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}

	for _, path := range l.files {
		if path == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return Config{}, ctx.Err()
		default:
		}
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("config: file %s not found", path)
			}
			return Config{}, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("config: load file %s: %w", path, err)
		}
	}

	if l.envPrefix != "" {
		canonical := map[string]string{
			"store.valkey.tls.cafile":           "store.valkey.tls.caFile",
			"queue.maxattempts":                 "queue.maxAttempts",
			"queue.basedelayseconds":            "queue.baseDelaySeconds",
			"queue.maxdelayseconds":             "queue.maxDelaySeconds",
			"queue.leaseseconds":                "queue.leaseSeconds",
			"connectivity.probeurl":             "connectivity.probeUrl",
			"connectivity.probeintervalseconds": "connectivity.probeIntervalSeconds",
			"connectivity.probetimeoutseconds":  "connectivity.probeTimeoutSeconds",
			"connectivity.debouncesamples":      "connectivity.debounceSamples",
			"connectivity.offlinebelowkbps":     "connectivity.offlineBelowKbps",
			"connectivity.degradedbelowkbps":    "connectivity.degradedBelowKbps",
			"sync.intervalseconds":              "sync.intervalSeconds",
			"sync.batchsize":                    "sync.batchSize",
			"origin.baseurl":                    "origin.baseUrl",
			"origin.timeoutseconds":             "origin.timeoutSeconds",
			"policy.policyfolder":               "policy.policyFolder",
			"policy.policyfile":                 "policy.policyFile",
		}
		transform := func(s string) string {
			// Double underscores signal a nested path (SYNCACHE_SERVER__LISTEN__PORT -> server.listen.port).
			key := strings.TrimPrefix(s, l.envPrefix+"_")
			key = strings.ReplaceAll(key, "__", ".")
			lower := strings.ToLower(key)
			if mapped, ok := canonical[lower]; ok {
				return mapped
			}
			// Single underscores are removed so LISTEN_PORT collapses into listenport when callers
			// choose not to use double underscores for object nesting.
			key = strings.ReplaceAll(key, "_", "")
			return strings.ToLower(key)
		}
		if err := k.Load(env.Provider(l.envPrefix, ".", transform), nil); err != nil {
			return Config{}, fmt.Errorf("config: load env: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// structToMap converts DefaultConfig into a map for the koanf confmap provider.
func structToMap(cfg Config) map[string]any {
	return map[string]any{
		"server": map[string]any{
			"listen": map[string]any{
				"address": cfg.Server.Listen.Address,
				"port":    cfg.Server.Listen.Port,
			},
			"logging": map[string]any{
				"level":  cfg.Server.Logging.Level,
				"format": cfg.Server.Logging.Format,
			},
		},
		"data": map[string]any{
			"dir": cfg.Data.Dir,
		},
		"store": map[string]any{
			"backend": cfg.Store.Backend,
			"valkey": map[string]any{
				"address":  cfg.Store.Valkey.Address,
				"username": cfg.Store.Valkey.Username,
				"password": cfg.Store.Valkey.Password,
				"db":       cfg.Store.Valkey.DB,
				"tls": map[string]any{
					"enabled": cfg.Store.Valkey.TLS.Enabled,
					"caFile":  cfg.Store.Valkey.TLS.CAFile,
				},
			},
		},
		"queue": map[string]any{
			"maxAttempts":      cfg.Queue.MaxAttempts,
			"baseDelaySeconds": cfg.Queue.BaseDelaySeconds,
			"maxDelaySeconds":  cfg.Queue.MaxDelaySeconds,
			"leaseSeconds":     cfg.Queue.LeaseSeconds,
		},
		"connectivity": map[string]any{
			"probeUrl":             cfg.Connectivity.ProbeURL,
			"probeIntervalSeconds": cfg.Connectivity.ProbeIntervalSeconds,
			"probeTimeoutSeconds":  cfg.Connectivity.ProbeTimeoutSeconds,
			"debounceSamples":      cfg.Connectivity.DebounceSamples,
			"offlineBelowKbps":     cfg.Connectivity.OfflineBelowKbps,
			"degradedBelowKbps":    cfg.Connectivity.DegradedBelowKbps,
		},
		"sync": map[string]any{
			"intervalSeconds": cfg.Sync.IntervalSeconds,
			"batchSize":       cfg.Sync.BatchSize,
			"collections":     cfg.Sync.Collections,
		},
		"origin": map[string]any{
			"baseUrl":        cfg.Origin.BaseURL,
			"timeoutSeconds": cfg.Origin.TimeoutSeconds,
		},
		"policy": map[string]any{
			"policyFolder": cfg.Policy.PolicyFolder,
			"policyFile":   cfg.Policy.PolicyFile,
		},
	}
}
