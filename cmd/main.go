package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/escrowcache/internal/config"
	"github.com/l0p7/escrowcache/internal/escrow"
	"github.com/l0p7/escrowcache/internal/expr"
	"github.com/l0p7/escrowcache/internal/logging"
	"github.com/l0p7/escrowcache/internal/metrics"
	"github.com/l0p7/escrowcache/internal/runtime"
	"github.com/l0p7/escrowcache/internal/runtime/cache"
	"github.com/l0p7/escrowcache/internal/runtime/recoverability"
	"github.com/l0p7/escrowcache/internal/runtime/viability"
	"github.com/l0p7/escrowcache/internal/server"
	"github.com/l0p7/escrowcache/internal/templates"
	"github.com/l0p7/escrowcache/internal/trustclient"
	"github.com/l0p7/escrowcache/internal/truststate"
)

type fileConfigLoader struct {
	*config.Loader
}

func (l fileConfigLoader) Watch(ctx context.Context, onChange func(config.Config), onError func(error)) (configWatcher, error) {
	if len(l.Files()) == 0 {
		return nil, nil
	}
	return l.Loader.Watch(ctx, onChange, onError)
}

var (
	newConfigLoader = func(envPrefix, configFile string) configLoader {
		return fileConfigLoader{config.NewLoader(envPrefix, configFile)}
	}
	newHTTPServer = func(cfg config.Config, logger *slog.Logger, handler http.Handler) (runnableServer, error) {
		return server.New(cfg, logger, handler)
	}
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "ESCROWCACHE", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *envPrefix, *configFile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, envPrefix, configFile string) error {
	loader := newConfigLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		return fmt.Errorf("configure logger: %w", err)
	}

	app, err := buildApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := app.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	watcher, err := loader.Watch(ctx, func(next config.Config) {
		app.manager.ApplyConfig(ctx, next)
	}, func(err error) {
		if err != nil {
			logger.Error("config watcher error", slog.Any("error", err))
		}
	})
	if err != nil {
		logger.Error("config watcher setup failed", slog.Any("error", err))
	} else if watcher != nil {
		defer watcher.Stop()
	}

	go func() {
		if err := app.manager.Resume(ctx, app.preload); err != nil {
			logger.Warn("escrow preload incomplete", slog.Any("error", err))
		}
	}()

	srv, err := newHTTPServer(cfg, logger, app.handler)
	if err != nil {
		return fmt.Errorf("construct server: %w", err)
	}
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("server terminated: %w", err)
	}

	logger.Info("server shutdown complete")
	return nil
}

type application struct {
	manager *runtime.Manager
	trust   *truststate.Local
	metrics *metrics.Recorder
	handler http.Handler
	preload []escrow.AccountContext
}

func (a *application) Close(ctx context.Context) error {
	return a.manager.Close(ctx)
}

// buildApplication wires every component described by cfg. The returned
// handler serves the account API and /metrics.
func buildApplication(ctx context.Context, cfg config.Config, logger *slog.Logger) (*application, error) {
	coverage, err := expr.CoverageFunc(cfg.Escrow.CoverageExpression)
	if err != nil {
		return nil, fmt.Errorf("compile coverage expression: %w", err)
	}
	preload, err := cfg.Escrow.Accounts()
	if err != nil {
		return nil, err
	}

	recorder := metrics.NewRecorder(prometheus.NewRegistry())

	fetcher, err := trustclient.New(logger, trustclient.Options{
		BaseURL: cfg.TrustService.URL,
		Timeout: time.Duration(cfg.TrustService.TimeoutSeconds) * time.Second,
		Retry: trustclient.RetryConfig{
			MaxAttempts:  cfg.TrustService.MaxAttempts,
			InitialDelay: time.Duration(cfg.TrustService.InitialBackoffMillis) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.TrustService.MaxBackoffMillis) * time.Millisecond,
		},
		MaxPages: cfg.TrustService.MaxPages,
	})
	if err != nil {
		return nil, fmt.Errorf("configure trust service client: %w", err)
	}

	store := buildStore(logger.With(slog.String("agent", "cache_factory")), cfg.Server.Cache)
	escrowCache, err := viability.New(logger, viability.Options{
		Store:      store,
		Fetcher:    fetcher,
		Classifier: escrow.NewClassifier(coverage),
		Timeout:    cfg.Escrow.CacheTimeout(),
		Platform: viability.Platform{
			SupportsEscrowRecords:  cfg.Platform.SupportsEscrowRecords,
			SupportsLegacyProtocol: cfg.Platform.SupportsLegacyProtocol,
		},
		Metrics: recorder,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	trust := truststate.NewLocal(logger, cfg.Platform.Views)
	seeds, err := trustSeeds(cfg.TrustState)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}
	if err := trust.Apply(ctx, seeds); err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("seed trust state: %w", err)
	}

	evaluator, err := recoverability.New(logger, trust, recorder)
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	var reporter *templates.Reporter
	if folder := strings.TrimSpace(cfg.Server.Templates.TemplatesFolder); folder != "" {
		r, err := templates.NewReporter(folder, cfg.Server.Templates.ReportTemplate)
		if err != nil {
			logger.Warn("report template setup failed, using built-in template",
				slog.String("templates_folder", folder),
				slog.Any("error", err),
			)
		} else {
			reporter = r
		}
	}

	manager, err := runtime.NewManager(logger, runtime.Options{
		Viability:      escrowCache,
		Recoverability: evaluator,
		Reporter:       reporter,
	})
	if err != nil {
		_ = store.Close(ctx)
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", recorder.Handler())
	mux.Handle("/", server.NewHandler(manager))

	return &application{
		manager: manager,
		trust:   trust,
		metrics: recorder,
		handler: mux,
		preload: preload,
	}, nil
}

func trustSeeds(cfg config.TrustStateConfig) ([]truststate.Seed, error) {
	seeds := make([]truststate.Seed, 0, len(cfg.Accounts))
	for i, account := range cfg.Accounts {
		acct, err := config.ParseAccount(account.Account)
		if err != nil {
			return nil, fmt.Errorf("trustState.accounts[%d]: %w", i, err)
		}
		seeds = append(seeds, truststate.Seed{
			Account:      acct,
			PeerID:       account.PeerID,
			TrustedPeers: account.TrustedPeers,
		})
	}
	return seeds, nil
}

func buildStore(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Store {
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory escrow cache")
		}
		return cache.NewMemory()
	case "redis":
		redisStore, err := cache.NewRedis(cache.RedisConfig{
			Address:   cfg.Redis.Address,
			Username:  cfg.Redis.Username,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Namespace: cfg.Namespace,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory()
		}
		if logger != nil {
			logger.Info("using redis escrow cache", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory()
	}
}
