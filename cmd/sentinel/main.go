// Command sentinel runs the DNS resolver, policy engine, and core HTTP API
// as a single process.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/robotnikz/sentinel-dns-sub002/pkg/api"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/blocklist"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/cache"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/cluster"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/config"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/dnsserver"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/forwarder"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/geoip"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/logging"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/policy"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/querylog"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/secrets"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/storage"
	"github.com/robotnikz/sentinel-dns-sub002/pkg/telemetry"
)

var (
	configPath     = flag.String("config", "config.yml", "Path to configuration file")
	showVersion    = flag.Bool("version", false, "Show version information and exit")
	validateConfig = flag.Bool("validate-config", false, "Validate configuration file and exit")
	healthCheck    = flag.Bool("health-check", false, "Perform health check and exit (for container HEALTHCHECK)")
	apiAddress     = flag.String("api-address", "", "Override API address for health check (default: from config)")
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Sentinel DNS\n")
		fmt.Printf("Version:     %s\n", version)
		fmt.Printf("Git Commit:  %s\n", gitCommit)
		fmt.Printf("Build Time:  %s\n", buildTime)
		fmt.Printf("Go Version:  %s\n", runtime.Version())
		os.Exit(0)
	}

	if *validateConfig {
		if _, err := config.Load(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration valid.")
		return
	}

	if *healthCheck {
		os.Exit(performHealthCheck(*apiAddress, *configPath))
	}

	ctx := context.Background()

	cfgWatcher, err := config.NewWatcher(*configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize config watcher: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgWatcher.Config()

	logger, err := logging.New(logging.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format,
		Output: cfg.Logging.Output, FilePath: cfg.Logging.FilePath, AddSource: cfg.Logging.AddSource,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	logging.SetGlobal(logger)

	cfgWatcher, err = config.NewWatcher(*configPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to reinitialize config watcher with logger: %v\n", err)
		os.Exit(1)
	}
	cfg = cfgWatcher.Config()

	watcherCtx, watcherCancel := context.WithCancel(ctx)
	defer watcherCancel()
	go cfgWatcher.Start(watcherCtx)

	logger.Info("sentinel starting", "version", version, "build_time", buildTime)

	telem, err := telemetry.New(ctx, cfg.Telemetry, logger)
	if err != nil {
		logger.Error("failed to initialize telemetry", "error", err)
		os.Exit(1)
	}
	metrics, err := telem.InitMetrics()
	if err != nil {
		logger.Error("failed to initialize metrics", "error", err)
		os.Exit(1)
	}
	sampler := telemetry.NewProcessSampler(metrics, cfg.Telemetry.ProcessSampleRate)
	if err := sampler.Register(ctx, telem.MeterProvider()); err != nil {
		logger.Error("failed to register process sampler", "error", err)
	}

	store, err := storage.Open(storage.Config{
		Path: cfg.Database.Path, BusyTimeoutMs: cfg.Database.BusyTimeoutMs, WALMode: cfg.Database.WALMode,
		CacheSizeKB: cfg.Database.CacheSizeKB, BufferSize: cfg.Database.BufferSize, FlushInterval: cfg.Database.FlushInterval,
		BatchSize: cfg.Database.BatchSize, StatementTimeout: cfg.Database.StatementTimeout,
		ConnIdleTimeout: cfg.Database.ConnIdleTimeout, MaxOpenConns: cfg.Database.MaxOpenConns,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}

	secretStore := secrets.NewStore(cfg.Secrets.KeyEnvVar)

	policyEngine := policy.NewEngine(store, cfg.Policy.RefreshInterval, cfg.Policy.RefreshCooldown, logger)
	policyEngine.SetMetrics(metrics)
	go func() {
		if err := policyEngine.Start(ctx); err != nil {
			logger.Error("policy engine stopped", "error", err)
		}
	}()

	blocklistRefresher := blocklist.NewRefresher(store, logger, policyEngine.TriggerRefresh)
	blocklistRefresher.SetMetrics(metrics)
	go blocklistRefresher.Start(ctx)

	dnsCache := cache.New(cfg.Cache.MaxEntries, cfg.Cache.NegativeTTL)

	fwd := forwarder.New(forwarder.Config{
		Transport: forwarder.Transport(cfg.Forwarder.Transport), Upstreams: cfg.UpstreamDNSServers,
		DoHURL: cfg.Forwarder.DoHURL, UDPTimeout: cfg.Forwarder.UDPTimeout, TCPTimeout: cfg.Forwarder.TCPTimeout,
		DoTTimeout: cfg.Forwarder.DoTTimeout, DoHTimeout: cfg.Forwarder.DoHTimeout, PreferIPv4: cfg.Forwarder.PreferIPv4,
		FailureThreshold: cfg.Forwarder.CircuitBreaker.FailureThreshold, SuccessThreshold: cfg.Forwarder.CircuitBreaker.SuccessThreshold,
		BreakerTimeout: time.Duration(cfg.Forwarder.CircuitBreaker.TimeoutSeconds) * time.Second,
	})

	handler := dnsserver.NewHandler(policyEngine, dnsCache, fwd, store, logger)
	handler.ShadowResolveBlocked = cfg.Server.ShadowResolveBlocked
	handler.DecisionTrace = cfg.Server.DecisionTrace
	handler.SetMetrics(metrics)

	// geoReader backs /api/stats/geo (pkg/querylog.AggregateGeo), not the
	// resolve hot path, so it isn't threaded into the DNS handler itself.
	var geoReader *geoip.Reader
	if cfg.GeoIP.DatabasePath != "" {
		geoReader = geoip.Open(cfg.GeoIP.DatabasePath, cfg.GeoIP.RestatInterval)
	}

	retention := querylog.NewRetentionTask(store, logger, cfg.Database.RetentionDays, cfg.Database.RetentionInterval, cfg.Database.RetentionBatchSize)
	go retention.Run(ctx)

	ingestor := querylog.NewIngestor(store)

	roleOverride := cluster.NewRoleOverride(cfg.Cluster.RoleOverridePath, cfg.Cluster.RoleOverrideTTL)
	configuredRole := cluster.Role(cfg.Cluster.Role)
	effectiveRoleFn := func() cluster.Role { return cluster.EffectiveRole(configuredRole, roleOverride) }

	var verifier *cluster.Verifier
	var follower *cluster.Follower
	if cfg.Cluster.Enabled && cfg.Cluster.PSK != "" {
		verifier = cluster.NewVerifier(cfg.Cluster.PSK, cfg.Cluster.RequestSkew, cfg.Cluster.NonceCacheSize, cfg.Cluster.NonceTTL)
		if configuredRole == cluster.RoleFollower {
			follower = cluster.NewFollower(cfg.Cluster.LeaderURL, cfg.Cluster.PSK, store, secretStore, logger)
			follower.SetMetrics(metrics)
			go follower.Run(ctx, cfg.Cluster.SyncInterval, effectiveRoleFn)
		}
	}

	dnsSrv := dnsserver.NewServer(cfg.Server, handler, logger)

	apiSrv := api.New(api.Config{
		ListenAddress: cfg.Server.APIAddress, Version: version, Logger: logger,
		DNSHandler: handler, Ingestor: ingestor, Store: store, Secrets: secretStore, Metrics: metrics,
		GeoReader: geoReader,
		ClusterVerifier: verifier, Follower: follower,
		ConfiguredRole: func() cluster.Role { return configuredRole }, EffectiveRole: effectiveRoleFn,
		ReadyFreshness: cfg.Cluster.ReadyFreshness,
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	serverCtx, serverCancel := context.WithCancel(ctx)
	defer serverCancel()

	errChan := make(chan error, 2)
	go func() {
		if err := dnsSrv.Start(serverCtx); err != nil {
			errChan <- fmt.Errorf("dns server error: %w", err)
		}
	}()
	go func() {
		if err := apiSrv.Start(); err != nil {
			errChan <- fmt.Errorf("api server error: %w", err)
		}
	}()

	logger.Info("sentinel running",
		"dns_address", cfg.Server.ListenAddress,
		"api_address", cfg.Server.APIAddress,
		"role", configuredRole,
		"upstreams", cfg.UpstreamDNSServers,
	)

	select {
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig.String())
		serverCancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		if err := dnsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during dns server shutdown", "error", err)
		}
		if err := apiSrv.Shutdown(); err != nil {
			logger.Error("error during api server shutdown", "error", err)
		}
		if err := store.Close(); err != nil {
			logger.Error("error during storage shutdown", "error", err)
		}
		if geoReader != nil {
			if err := geoReader.Close(); err != nil {
				logger.Error("error closing geoip reader", "error", err)
			}
		}
		if err := telem.Shutdown(shutdownCtx); err != nil {
			logger.Error("error during telemetry shutdown", "error", err)
		}
		if err := cfgWatcher.Close(); err != nil {
			logger.Error("error closing config watcher", "error", err)
		}

		logger.Info("sentinel stopped")

	case err := <-errChan:
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

func performHealthCheck(apiAddr, configPath string) int {
	if apiAddr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: cannot load config: %v\n", err)
			return 1
		}
		apiAddr = cfg.Server.APIAddress
		if apiAddr != "" && apiAddr[0] == ':' {
			apiAddr = "http://localhost" + apiAddr
		}
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiAddr + "/api/health")
	if err != nil {
		fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "health check failed: status code %d\n", resp.StatusCode)
		return 1
	}
	fmt.Println("health check passed")
	return 0
}
