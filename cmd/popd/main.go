package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/migadu/popd/cache"
	"github.com/migadu/popd/config"
	"github.com/migadu/popd/db"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/mailstore"
	"github.com/migadu/popd/pkg/metrics"
	"github.com/migadu/popd/server/httpapi"
	"github.com/migadu/popd/server/pop3"
	"github.com/migadu/popd/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const metricsCollectInterval = time.Minute

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("popd version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	if err := loadAndValidateConfig(*configPath, &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "popd: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "popd: warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logger.Error("popd: exiting", "error", err)
		os.Exit(1)
	}
	logger.Info("popd: shutdown complete")
}

func loadAndValidateConfig(configPath string, cfg *config.Config) error {
	if err := config.LoadConfigFromFile(configPath, cfg); err != nil {
		if !os.IsNotExist(err) || configPath != "config.toml" {
			return fmt.Errorf("failed to load configuration file '%s': %w", configPath, err)
		}
		fmt.Fprintf(os.Stderr, "popd: default configuration file '%s' not found, using defaults\n", configPath)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// run wires the stores and servers and blocks until ctx is cancelled or a
// server fails.
func run(ctx context.Context, cfg config.Config) error {
	if cfg.Database.AutoMigrate {
		if err := db.RunMigrations(ctx, &cfg.Database); err != nil {
			return fmt.Errorf("failed to apply migrations: %w", err)
		}
	}

	database, err := db.NewDatabaseFromConfig(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	s3, err := storage.New(cfg.S3)
	if err != nil {
		return err
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return err
	}

	var (
		bodyCache      mailstore.BodyCache
		cacheStats     httpapi.CacheStats
		collectorCache metrics.CacheStatsProvider
	)
	if cfg.LocalCache.Enabled {
		cacheInstance, err := openCache(ctx, cfg.LocalCache)
		if err != nil {
			return err
		}
		defer cacheInstance.Close()
		bodyCache, cacheStats, collectorCache = cacheInstance, cacheInstance, cacheInstance
	}

	store := mailstore.New(database, s3, bodyCache)

	collector := metrics.NewCollector(database, collectorCache, metricsCollectInterval)
	go collector.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	var servers []*pop3.POP3Server
	if cfg.Servers.POP3.Start {
		servers, err = newPOP3Servers(gctx, cfg.Servers.POP3, database, store)
		if err != nil {
			return err
		}
		for _, srv := range servers {
			g.Go(func() error {
				errChan := make(chan error, 1)
				go srv.Start(errChan)
				select {
				case err := <-errChan:
					return err
				case <-gctx.Done():
					srv.Close()
					return nil
				}
			})
		}
	}

	if cfg.Servers.HTTPAPI.Start {
		counters := make([]httpapi.ConnectionCounter, 0, len(servers))
		for _, srv := range servers {
			counters = append(counters, srv)
		}
		metricsPath := ""
		if cfg.Servers.Metrics.Enabled {
			metricsPath = cfg.Servers.Metrics.Path
		}
		api, err := httpapi.New(database, httpapi.ServerOptions{
			Addr:         cfg.Servers.HTTPAPI.Addr,
			APIKey:       cfg.Servers.HTTPAPI.APIKey,
			AllowedHosts: cfg.Servers.HTTPAPI.AllowedHosts,
			MetricsPath:  metricsPath,
			Counters:     counters,
			Cache:        cacheStats,
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return api.Start(gctx) })
	}

	logger.Info("popd: started", "version", version, "pop3_listeners", len(servers), "http_api", cfg.Servers.HTTPAPI.Start)
	return g.Wait()
}

func openCache(ctx context.Context, cfg config.LocalCacheConfig) (*cache.Cache, error) {
	capacity, err := cfg.GetCapacity()
	if err != nil {
		return nil, err
	}
	maxObjectSize, err := cfg.GetMaxObjectSize()
	if err != nil {
		return nil, err
	}
	purgeInterval, err := cfg.GetPurgeInterval()
	if err != nil {
		return nil, err
	}

	c, err := cache.New(cfg.Path, capacity, maxObjectSize, purgeInterval)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	if err := c.SyncFromDisk(ctx); err != nil {
		logger.Warn("popd: failed to sync cache index from disk", "error", err)
	}
	c.StartPurgeLoop(ctx)
	return c, nil
}

// newPOP3Servers creates the plaintext (STLS capable) and TLS-native
// listeners that are configured.
func newPOP3Servers(ctx context.Context, cfg config.POP3ServerConfig, database *db.Database, store *mailstore.Store) ([]*pop3.POP3Server, error) {
	commandTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return nil, err
	}
	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	options := pop3.POP3ServerOptions{
		TLSCertFile:          cfg.TLSCertFile,
		TLSKeyFile:           cfg.TLSKeyFile,
		AllowCleartextLogins: cfg.AllowCleartextLogins,
		SASLGSSAPIEnabled:    cfg.SASLGSSAPIEnabled,
		Banner:               cfg.Banner,
		Goodbye:              cfg.Goodbye,
		Implementation:       cfg.Implementation,
		CommandTimeout:       commandTimeout,
		MaxConnections:       cfg.MaxConnections,
		MaxLineLength:        cfg.MaxLineLength,
	}

	var servers []*pop3.POP3Server
	if cfg.Addr != "" {
		srv, err := pop3.New(ctx, "pop3", hostname, cfg.Addr, database, store, options)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	if cfg.SSLAddr != "" {
		options.ImplicitTLS = true
		srv, err := pop3.New(ctx, "pop3s", hostname, cfg.SSLAddr, database, store, options)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}
