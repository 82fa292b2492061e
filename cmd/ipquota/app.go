package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"mercator-hq/ipquota/pkg/cache"
	"mercator-hq/ipquota/pkg/cli"
	"mercator-hq/ipquota/pkg/clientip"
	"mercator-hq/ipquota/pkg/config"
	"mercator-hq/ipquota/pkg/limits"
	"mercator-hq/ipquota/pkg/limits/storage"
	"mercator-hq/ipquota/pkg/telemetry/health"
	"mercator-hq/ipquota/pkg/telemetry/logging"
	"mercator-hq/ipquota/pkg/telemetry/metrics"
)

// app holds the components shared by serve and the admin commands.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	collector *metrics.Collector
	cache     cache.Cache
	store     storage.Backend
	usage     *limits.Service
	resolver  *clientip.Resolver
	checker   *health.Checker
}

// configPath returns the config file to load. The default path is optional;
// an explicit --config must exist.
func configPath() (string, error) {
	if rootCmd.PersistentFlags().Changed("config") {
		return cfgFile, nil
	}
	if _, err := os.Stat(cfgFile); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	return cfgFile, nil
}

// loadConfig reads .env files and the config file, applies environment
// overrides and installs the result as the process configuration.
func loadConfig() (*config.Config, string, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, "", cli.NewConfigError("env-file", err.Error())
	}

	path, err := configPath()
	if err != nil {
		return nil, "", cli.NewConfigError(cfgFile, err.Error())
	}

	cfg, err := config.ReloadConfig(path)
	if err != nil {
		source := path
		if source == "" {
			source = "defaults"
		}
		return nil, path, cli.NewConfigError(source, err.Error())
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	return cfg, path, nil
}

func newLogger(cfg *config.Config, w io.Writer) (*logging.Logger, error) {
	lc := logging.FromConfig(cfg.Telemetry.Logging)
	lc.Writer = w
	return logging.New(lc)
}

// resolverOptions maps configuration to resolver options.
func resolverOptions(cfg *config.Config) clientip.Options {
	return clientip.Options{
		TrustProxy:        cfg.ClientIP.TrustProxyEnabled(),
		MapIPv4MappedIPv6: cfg.ClientIP.MapIPv4MappedEnabled(),
		AllowLocalhost:    cfg.ClientIP.AllowLocalhost,
		Production:        cfg.IsProduction(),
		DevFallbackIP:     cfg.ClientIP.DevFallbackIP,
	}
}

func cacheConfig(cfg config.CacheConfig) cache.Config {
	return cache.Config{
		URL:              cfg.URL,
		Address:          cfg.Address,
		Username:         cfg.Username,
		Password:         cfg.Password,
		DB:               cfg.DB,
		DefaultTTL:       cfg.DefaultTTL,
		MaxRetries:       cfg.MaxRetries,
		RetryBaseDelay:   cfg.RetryBaseDelay,
		RetryMaxDelay:    cfg.RetryMaxDelay,
		OperationTimeout: cfg.OperationTimeout,
		PoolSize:         cfg.PoolSize,
	}
}

func usageConfig(cfg config.UsageConfig) limits.Config {
	return limits.Config{
		MaxUsage:        cfg.MaxUsage,
		Window:          cfg.Window,
		LockEnabled:     cfg.LockEnabled,
		LockTTL:         cfg.LockTTL,
		KeyPrefix:       cfg.KeyPrefix,
		MirrorQueueSize: cfg.MirrorQueueSize,
	}
}

// newStore opens the configured durable store. Backend "none" returns nil.
func newStore(cfg config.StorageConfig) (storage.Backend, error) {
	switch cfg.Backend {
	case config.StorageBackendNone:
		return nil, nil
	case config.StorageBackendMemory:
		return storage.NewMemoryBackendWithConfig(storage.MemoryBackendConfig{
			MaxEntries: cfg.MaxEntries,
		}), nil
	case config.StorageBackendSQLite:
		if dir := filepath.Dir(cfg.SQLite.Path); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
		b, err := storage.NewSQLiteBackendWithConfig(storage.SQLiteBackendConfig{
			DBPath:             cfg.SQLite.Path,
			Driver:             cfg.SQLite.Driver,
			CheckpointInterval: cfg.SQLite.CheckpointInterval,
			BusyTimeout:        cfg.SQLite.BusyTimeout,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
}

// newApp builds the usage stack from cfg. Close releases it.
func newApp(cfg *config.Config, logger *logging.Logger, version string) (*app, error) {
	a := &app{
		cfg:       cfg,
		logger:    logger,
		collector: metrics.NewCollector(cfg.Telemetry.Metrics, nil, version),
		resolver:  clientip.NewResolver(resolverOptions(cfg)),
		checker:   health.New(cfg.Telemetry.Health.CheckTimeout),
	}

	c, err := cache.New(cacheConfig(cfg.Cache),
		cache.WithLogger(logger.Logger),
		cache.WithMetrics(cache.NewMetrics(a.collector.Registerer())),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	a.cache = c

	store, err := newStore(cfg.Storage)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}
	a.store = store

	opts := []limits.Option{
		limits.WithLogger(logger.Logger),
		limits.WithMetrics(limits.NewMetrics(a.collector.Registerer())),
	}
	if store != nil {
		opts = append(opts, limits.WithStore(store))
		a.checker.RegisterCheck("store", health.PingCheck(store))
	}
	a.usage = limits.NewService(c, usageConfig(cfg.Usage), opts...)

	// Usage fails open or falls back to the store without the cache.
	a.checker.RegisterOptionalCheck("cache", health.PingCheck(c))

	logger.Debug("usage stack ready",
		"cache", c.Name(),
		"storage", cfg.Storage.Backend,
		"max_usage", a.usage.Config().MaxUsage,
		"window", a.usage.Config().Window.String(),
	)
	return a, nil
}

// Close flushes the usage service and closes the cache and store.
func (a *app) Close() error {
	var errs []error
	if err := a.usage.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.cache.Close(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
	}
	return errors.Join(errs...)
}
