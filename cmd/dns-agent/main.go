package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"dns-agent/pkg/api"
	"dns-agent/pkg/blocklist"
	"dns-agent/pkg/cache"
	"dns-agent/pkg/config"
	dnssrv "dns-agent/pkg/dns"
	"dns-agent/pkg/forwarder"
	"dns-agent/pkg/logging"
	"dns-agent/pkg/ratelimit"
	"dns-agent/pkg/storage"
	"dns-agent/pkg/sysdns"
	"dns-agent/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to configuration file")
	host       = flag.String("host", "", "Listen address, overrides config")
	port       = flag.Int("port", 0, "Listen port, overrides config")
	upstreams  = flag.String("upstream", "", "Comma-separated upstream resolvers, overrides config")

	version   = "dev"
	buildTime = "unknown"
)

func main() {
	flag.Parse()
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.New(&cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	logging.SetGlobal(logger)

	logger.Info("DNS agent starting",
		"version", version,
		"build_time", buildTime,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telem, err := telemetry.New(ctx, &cfg.Telemetry, logger)
	if err != nil {
		logger.Error("Failed to initialize telemetry", "error", err)
		return 1
	}

	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("Failed to initialize metrics", "error", err)
		return 1
	}

	blocklistMgr := blocklist.NewManager(&cfg.Blocklist, logger, metrics, nil)
	if err := blocklistMgr.Start(ctx); err != nil {
		logger.Error("Failed to load blocklist", "error", err)
		return 1
	}
	defer blocklistMgr.Stop()

	responseCache, err := cache.New(&cfg.Cache, logger)
	if err != nil {
		logger.Error("Failed to initialize cache", "error", err)
		return 1
	}
	defer responseCache.Close()

	fwd, err := forwarder.New(&cfg.Upstream, logger)
	if err != nil {
		logger.Error("Failed to initialize forwarder", "error", err)
		return 1
	}

	synth, err := dnssrv.NewSynthesizer(&cfg.Sinkhole)
	if err != nil {
		logger.Error("Invalid sinkhole configuration", "error", err)
		return 1
	}

	handler := dnssrv.NewHandler(synth, fwd, logger)
	handler.Blocklist = blocklistMgr
	handler.Cache = responseCache
	handler.Metrics = metrics

	var store storage.Storage
	if cfg.Storage.Enabled {
		store, err = storage.NewSQLite(&cfg.Storage, metrics, logger)
		if err != nil {
			logger.Error("Failed to open query log storage", "error", err)
			return 1
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("Error closing storage", "error", err)
			}
		}()

		queryLog := dnssrv.NewQueryLogger(store, logger, cfg.Storage.BufferSize, 0)
		defer func() { _ = queryLog.Close() }()
		handler.QueryLog = queryLog

		go retentionLoop(ctx, store, cfg.Storage.RetentionDays, logger)
	}

	server := dnssrv.NewServer(&cfg.Server, handler, logger, metrics)
	limiter := ratelimit.New(&cfg.RateLimit, logger)
	server.Limiter = limiter
	defer limiter.Stop()
	if err := server.Start(ctx); err != nil {
		logger.Error("Failed to start DNS server", "error", err)
		return 1
	}

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.New(&api.Config{
			Dashboard: &cfg.Dashboard,
			Storage:   store,
			Blocklist: blocklistMgr,
			Cache:     responseCache,
			Logger:    logger,
			Version:   version,
		})
		go func() {
			if err := apiServer.Start(ctx); err != nil {
				logger.Error("API server failed", "error", err)
			}
		}()
	}

	sysDNS := sysdns.New(logger)
	if cfg.ManageSystemDNS {
		if err := sysDNS.Apply(ctx, cfg.Server.Host); err != nil {
			logger.Error("Failed to take over system resolver, continuing without", "error", err)
		}
	}

	logger.Info("DNS agent is running",
		"address", cfg.Server.ListenAddress(),
		"upstreams", cfg.Upstream.Servers,
		"blocklist_entries", blocklistMgr.Size(),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	logger.Info("Received shutdown signal", "signal", sig.String())

	if cfg.ManageSystemDNS {
		if err := sysDNS.Restore(); err != nil {
			logger.Error("Failed to restore system resolver", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during DNS server shutdown", "error", err)
	}
	if apiServer != nil {
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error during API server shutdown", "error", err)
		}
	}
	cancel()

	if err := telem.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during telemetry shutdown", "error", err)
	}

	logger.Info("DNS agent stopped")
	return 0
}

func loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error

	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.LoadWithDefaults()
	}

	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *upstreams != "" {
		var servers []string
		for _, s := range strings.Split(*upstreams, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			servers = append(servers, s)
		}
		cfg.Upstream.Servers = servers
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// retentionLoop prunes query log rows past the retention window once a
// day, with an initial pass shortly after startup.
func retentionLoop(ctx context.Context, store storage.Storage, retentionDays int, logger *logging.Logger) {
	if retentionDays <= 0 {
		return
	}

	cleanup := func() {
		cutoff := time.Now().AddDate(0, 0, -retentionDays)
		cleanupCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if err := store.Cleanup(cleanupCtx, cutoff); err != nil {
			logger.Error("Query log cleanup failed",
				"retention_days", retentionDays,
				"error", err)
		}
	}

	initial := time.NewTimer(time.Minute)
	defer initial.Stop()
	select {
	case <-ctx.Done():
		return
	case <-initial.C:
		cleanup()
	}

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cleanup()
		}
	}
}
