// Command cachefront runs a caching reverse proxy in front of a single
// origin API. Responses are cached in a pluggable durable store and
// served on repeat requests until they expire.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cachefront/cachefront/pkg/logging"
	"github.com/cachefront/cachefront/pkg/proxy"
	"github.com/cachefront/cachefront/pkg/stats"
	"github.com/cachefront/cachefront/pkg/store"
)

var (
	configFlag      string
	originFlag      string
	listenFlag      string
	adminListenFlag string
	storeFlag       string
	logLevelFlag    string
	logPrettyFlag   bool
)

func init() {
	flag.StringVar(&configFlag, "config", "", "Path to YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin base URL to proxy to (overrides config)")
	flag.StringVar(&listenFlag, "listen", "", "Proxy listen address (overrides config)")
	flag.StringVar(&adminListenFlag, "admin-listen", "", "Admin listen address (overrides config)")
	flag.StringVar(&storeFlag, "store", "", "Cache backend: memory, redis, sqlite or bolt (overrides config)")
	flag.StringVar(&logLevelFlag, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.BoolVar(&logPrettyFlag, "log-pretty", false, "Human-readable log output")
}

func main() {
	flag.Parse()

	cfg, err := buildConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logging.Setup(logging.Config{
		Level:  logging.LogLevel(cfg.Log.Level),
		Pretty: cfg.Log.Pretty,
		Output: os.Stderr,
	})
	logger := logging.NewLogger("main")

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("Proxy terminated")
	}
	logger.Info().Msg("Shutdown complete")
}

// buildConfig resolves the configuration: defaults, config file,
// environment, flags.
func buildConfig() (Config, error) {
	cfg := defaultConfig()

	if configFlag != "" {
		if err := loadConfigFile(configFlag, &cfg); err != nil {
			return cfg, err
		}
	}
	cfg.applyEnv()

	if originFlag != "" {
		cfg.Origin = originFlag
	}
	if listenFlag != "" {
		cfg.Listen = listenFlag
	}
	if adminListenFlag != "" {
		cfg.AdminListen = adminListenFlag
	}
	if storeFlag != "" {
		cfg.Store.Backend = storeFlag
	}
	if logLevelFlag != "" {
		cfg.Log.Level = logLevelFlag
	}
	if logPrettyFlag {
		cfg.Log.Pretty = true
	}

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func run(cfg Config, logger zerolog.Logger) error {
	origin, err := url.Parse(cfg.Origin)
	if err != nil {
		return fmt.Errorf("parse origin: %w", err)
	}

	st, redisClient, err := buildStore(cfg)
	if err != nil {
		return fmt.Errorf("initialize %s store: %w", cfg.Store.Backend, err)
	}
	defer st.Close()

	collector := stats.NewCollector(redisClient, logging.NewLogger("stats"))

	p := proxy.New(proxy.Config{
		Origin:        origin,
		Store:         st,
		ControlHeader: cfg.ControlHeader,
		DefaultTTL:    cfg.defaultTTL(),
		Methods:       cfg.Methods,
		BodyMethods:   cfg.BodyMethods,
		ForwardHook:   forwardHook(cfg.ForwardHeaders),
		Compression:   cfg.Compression,
		Stats:         collector,
		Writer:        cfg.writerConfig(),
	})
	defer p.Close()

	proxySrv := &http.Server{Addr: cfg.Listen, Handler: p}
	adminSrv := &http.Server{Addr: cfg.AdminListen, Handler: newAdminRouter(st, collector, cfg.AdminSecret)}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Listen).
			Str("origin", cfg.Origin).
			Str("store", cfg.Store.Backend).
			Msg("Proxy listening")
		if err := proxySrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("proxy server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.Info().Str("addr", cfg.AdminListen).Msg("Admin endpoints listening")
		if err := adminSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := proxySrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Proxy server shutdown incomplete")
		}
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Admin server shutdown incomplete")
		}
		return nil
	})

	return g.Wait()
}

// buildStore creates the configured backend. For the Redis backend the
// client is returned as well so the stats collector can share it.
func buildStore(cfg Config) (store.Store, *redis.Client, error) {
	switch cfg.Store.Backend {
	case "memory":
		return store.NewMemoryStore(cfg.Store.Memory.Capacity), nil, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Store.Redis.Addr, err)
		}
		return store.NewRedisStoreFromClient(client, cfg.Store.Redis.Prefix), client, nil

	case "sqlite":
		st, err := store.NewSQLiteStore(cfg.Store.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil

	case "bolt":
		st, err := store.NewBoltStore(cfg.Store.Bolt.Path)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	}
	return nil, nil, fmt.Errorf("unsupported store backend %q", cfg.Store.Backend)
}
