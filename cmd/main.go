package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gramsetu/syncache/internal/config"
	"github.com/gramsetu/syncache/internal/connectivity"
	"github.com/gramsetu/syncache/internal/engine"
	"github.com/gramsetu/syncache/internal/logging"
	"github.com/gramsetu/syncache/internal/metrics"
	"github.com/gramsetu/syncache/internal/origin"
	"github.com/gramsetu/syncache/internal/queue"
	"github.com/gramsetu/syncache/internal/server"
	"github.com/gramsetu/syncache/internal/store"
	"github.com/gramsetu/syncache/internal/syncer"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to engine configuration file")
		envPrefix  = flag.String("env-prefix", "SYNCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		logger.Error("data directory setup failed", slog.String("dir", cfg.Data.Dir), slog.Any("error", err))
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(promRegistry)

	contentStore := buildContentStore(ctx, logger.With(slog.String("component", "store_factory")), cfg)

	requests, err := queue.Open(ctx, filepath.Join(cfg.Data.Dir, "queue.db"), queue.Policy{
		MaxAttempts: cfg.Queue.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Queue.BaseDelaySeconds) * time.Second,
		MaxDelay:    time.Duration(cfg.Queue.MaxDelaySeconds) * time.Second,
		Lease:       time.Duration(cfg.Queue.LeaseSeconds) * time.Second,
	})
	if err != nil {
		logger.Error("query queue setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	cursors, err := syncer.OpenSQLiteCursors(ctx, filepath.Join(cfg.Data.Dir, "cursors.db"))
	if err != nil {
		logger.Error("cursor store setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	monitor := connectivity.NewMonitor(connectivity.Options{
		OfflineBelowKbps:  cfg.Connectivity.OfflineBelowKbps,
		DegradedBelowKbps: cfg.Connectivity.DegradedBelowKbps,
		DebounceSamples:   cfg.Connectivity.DebounceSamples,
		Logger:            logger.With(slog.String("component", "connectivity")),
	})
	recorder.SetTier(string(monitor.Tier()))

	probeURL := strings.TrimSpace(cfg.Connectivity.ProbeURL)
	if probeURL == "" {
		probeURL = strings.TrimRight(cfg.Origin.BaseURL, "/") + "/probe"
	}
	prober := connectivity.NewHTTPProber(probeURL, time.Duration(cfg.Connectivity.ProbeTimeoutSeconds)*time.Second)
	probeInterval := time.Duration(cfg.Connectivity.ProbeIntervalSeconds) * time.Second

	originClient, err := origin.New(origin.Options{
		BaseURL: cfg.Origin.BaseURL,
		Timeout: time.Duration(cfg.Origin.TimeoutSeconds) * time.Second,
		Samples: monitor,
		Logger:  logger.With(slog.String("component", "origin")),
	})
	if err != nil {
		logger.Error("origin client setup failed", slog.Any("error", err))
		os.Exit(1)
	}

	eng, err := engine.New(ctx, engine.Options{
		Content:      contentStore,
		Requests:     requests,
		Cursors:      cursors,
		Feed:         originClient,
		Answers:      originClient,
		Tiers:        monitor,
		Collections:  cfg.Sync.Collections,
		BatchSize:    cfg.Sync.BatchSize,
		SyncInterval: time.Duration(cfg.Sync.IntervalSeconds) * time.Second,
		LoadPolicy: func(loadCtx context.Context) (config.PolicyBundle, error) {
			return config.LoadPolicy(loadCtx, cfg.Policy)
		},
		RunProbe: func(probeCtx context.Context) {
			monitor.Run(probeCtx, prober, probeInterval)
		},
		Metrics: recorder,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("engine setup failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := eng.Close(shutdownCtx); err != nil {
			logger.Error("engine shutdown failed", slog.Any("error", err))
		}
	}()

	// Tier transitions feed the gauge for the offline indicator.
	transitions, unsubscribe := monitor.Subscribe()
	defer unsubscribe()
	go func() {
		for transition := range transitions {
			recorder.SetTier(string(transition.To))
			recorder.ObserveTransition(string(transition.From), string(transition.To))
		}
	}()

	eng.Start(ctx)

	if cfg.Policy.PolicyFile != "" || cfg.Policy.PolicyFolder != "" {
		watcher, err := config.WatchPolicy(ctx, cfg.Policy, func(bundle config.PolicyBundle) {
			if err := eng.InstallPolicy(bundle); err != nil {
				logger.Error("policy install failed", slog.Any("error", err))
			}
		}, func(err error) {
			if err != nil {
				logger.Error("policy watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("policy watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	handler, err := server.NewHandler(eng, recorder.Handler(), logger)
	if err != nil {
		logger.Error("unable to construct routes", slog.Any("error", err))
		os.Exit(1)
	}
	srv, err := server.New(cfg, logger, handler)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildContentStore selects the configured backend, falling back to the
// in-memory store rather than refusing to boot. A kiosk that lost its
// valkey box or its disk still serves what it can.
func buildContentStore(ctx context.Context, logger *slog.Logger, cfg config.Config) store.ContentStore {
	backend := strings.TrimSpace(strings.ToLower(cfg.Store.Backend))
	switch backend {
	case "", "sqlite":
		path := filepath.Join(cfg.Data.Dir, "content.db")
		sqliteStore, err := store.OpenSQLite(ctx, path)
		if err != nil {
			if logger != nil {
				logger.Error("sqlite content store initialization failed", slog.String("path", path), slog.Any("error", err))
				logger.Info("falling back to memory content store")
			}
			return store.NewMemory()
		}
		if logger != nil {
			logger.Info("using sqlite content store", slog.String("path", path))
		}
		return sqliteStore
	case "memory":
		if logger != nil {
			logger.Info("using memory content store")
		}
		return store.NewMemory()
	case "valkey":
		valkeyStore, err := store.NewValkey(store.ValkeyConfig{
			Address:  cfg.Store.Valkey.Address,
			Username: cfg.Store.Valkey.Username,
			Password: cfg.Store.Valkey.Password,
			DB:       cfg.Store.Valkey.DB,
			TLS: store.ValkeyTLSConfig{
				Enabled: cfg.Store.Valkey.TLS.Enabled,
				CAFile:  cfg.Store.Valkey.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("valkey content store initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory content store")
			}
			return store.NewMemory()
		}
		if logger != nil {
			logger.Info("using valkey content store", slog.String("address", cfg.Store.Valkey.Address))
		}
		return valkeyStore
	default:
		if logger != nil {
			logger.Warn("unsupported store backend, defaulting to memory", slog.String("backend", cfg.Store.Backend))
		}
		return store.NewMemory()
	}
}
