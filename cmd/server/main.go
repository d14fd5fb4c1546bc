package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sablesocial/sable/internal/cache"
	"github.com/sablesocial/sable/internal/config"
	"github.com/sablesocial/sable/internal/domain"
	"github.com/sablesocial/sable/internal/federation"
	"github.com/sablesocial/sable/internal/httpserver"
	"github.com/sablesocial/sable/internal/job"
	"github.com/sablesocial/sable/internal/metrics"
	"github.com/sablesocial/sable/internal/postgres"
	"github.com/sablesocial/sable/internal/relay"
	"github.com/sablesocial/sable/internal/resolve"
	"github.com/sablesocial/sable/internal/webfinger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store, closeStore, err := newCacheStore(ctx, cfg, m)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("cache store ready", "backend", string(cfg.CacheBackend))

	var signer *federation.Signer
	if cfg.SigningKeyPath != "" {
		keyPEM, err := os.ReadFile(cfg.SigningKeyPath)
		if err != nil {
			return fmt.Errorf("read signing key: %w", err)
		}
		keyID := fmt.Sprintf("https://%s/actor#main-key", cfg.Domain)
		if signer, err = federation.NewSigner(keyID, keyPEM); err != nil {
			return err
		}
	} else {
		logger.Warn("no signing key configured, outbound requests are unsigned")
	}

	// Durable collaborators. Without a database the job queue falls back to
	// the in-memory store and refreshed actors are not persisted.
	var (
		queue  job.Queue = job.NewMemoryQueue()
		actors domain.ActorRepository
	)
	if cfg.DatabaseURL != "" {
		repo, err := postgres.NewRepository(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("create repository: %w", err)
		}
		defer repo.Close()
		if err := repo.EnsureSchema(ctx); err != nil {
			return err
		}
		queue = repo
		actors = repo
		logger.Info("connected to database")
	} else {
		logger.Warn("no database configured, using the in-memory job queue")
	}

	httpClient := &http.Client{Timeout: cfg.RequestTimeout}
	policy := federation.Policy{LocalDomain: cfg.Domain, AllowInsecure: cfg.AllowInsecure}

	fetcher := federation.NewFetcher(
		federation.Config{
			Policy:      policy,
			CacheTTL:    cfg.CacheTTL,
			NegativeTTL: cfg.NegativeTTL,
		},
		store, httpClient, signer, actors, m, logger,
	)

	identity := webfinger.New(
		webfinger.Config{TTL: cfg.WebfingerTTL, AllowInsecure: cfg.AllowInsecure},
		store, httpClient, m, logger,
	)

	postResolver := resolve.NewPostResolver(
		resolve.Config{Timeout: cfg.ResolveTimeout, Parallelism: cfg.ResolveParallelism},
		identity, fetcher, logger,
	)

	deliverer := federation.NewDeliverer(policy, httpClient, signer, logger)

	dispatcher := job.NewDispatcher(
		job.Config{
			Workers:      cfg.JobWorkers,
			MaxAttempts:  cfg.JobMaxAttempts,
			BackoffBase:  cfg.JobBackoffBase,
			BackoffCap:   cfg.JobBackoffCap,
			LeaseTimeout: cfg.JobLeaseTimeout,
		},
		queue, m, logger,
	)
	dispatcher.Register(job.KindDeliver, job.NewDeliverHandler(deliverer))
	dispatcher.Register(job.KindRefreshActor, job.NewRefreshActorHandler(fetcher))
	dispatcher.Register(job.KindFetchObject, job.NewFetchObjectHandler(fetcher))
	dispatcher.Start(ctx)

	if cfg.RelayURL != "" {
		subscriber := relay.NewSubscriber(cfg.RelayURL, dispatcher, logger)
		go func() {
			if err := subscriber.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("relay subscriber exited with error", "error", err)
			}
		}()
	}

	server := httpserver.NewServer(cfg.Port, registry, postResolver, logger)
	go func() {
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Error("ops server exited with error", "error", err)
		}
	}()

	logger.Info("server started", "domain", cfg.Domain, "port", cfg.Port, "workers", cfg.JobWorkers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down", "signal", sig)
	cancel()

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Error("error shutting down ops server", "error", err)
	}
	dispatcher.Wait()

	return nil
}

// newCacheStore builds the configured cache backend wrapped with metrics.
func newCacheStore(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (cache.Store, func(), error) {
	switch cfg.CacheBackend {
	case config.CacheNoop:
		return cache.NewNoop(), func() {}, nil
	case config.CacheRedis:
		r, err := cache.NewRedis(ctx, cfg.RedisURL, "sable:")
		if err != nil {
			return nil, nil, fmt.Errorf("create redis cache: %w", err)
		}
		return cache.WithMetrics(r, "redis", m), func() { r.Close() }, nil
	default:
		mem := cache.NewMemory()
		return cache.WithMetrics(mem, "memory", m), mem.Close, nil
	}
}
