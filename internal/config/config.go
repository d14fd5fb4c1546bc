package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// CacheBackend selects which cache store implementation is used.
type CacheBackend string

const (
	CacheNoop   CacheBackend = "noop"
	CacheMemory CacheBackend = "memory"
	CacheRedis  CacheBackend = "redis"
)

// Config holds all configuration for the application.
type Config struct {
	// Domain is the public domain this server is reachable at. Fetch policy
	// rejects this domain as a remote target.
	Domain string

	// Port is the operational HTTP server port (health, metrics).
	Port int

	// DatabaseURL is the Postgres connection string. Empty disables the
	// durable job store and actor persistence.
	DatabaseURL string

	// RedisURL is the Redis connection string, required when CacheBackend
	// is "redis".
	RedisURL string

	// CacheBackend selects the cache store: noop, memory or redis.
	CacheBackend CacheBackend

	// CacheTTL is the default TTL for fetched objects and actors.
	CacheTTL time.Duration

	// WebfingerTTL is the TTL for resolved identities.
	WebfingerTTL time.Duration

	// NegativeTTL is the short TTL for cached not-found tombstones.
	NegativeTTL time.Duration

	// RequestTimeout bounds a single outbound federation HTTP request.
	RequestTimeout time.Duration

	// ResolveTimeout bounds resolving all mentions of one post.
	ResolveTimeout time.Duration

	// ResolveParallelism caps concurrent mention resolutions per post.
	ResolveParallelism int

	// JobWorkers is the dispatcher worker pool size.
	JobWorkers int

	// JobMaxAttempts is the attempt count after which a job is failed
	// terminally.
	JobMaxAttempts int

	// JobBackoffBase and JobBackoffCap parameterize retry scheduling:
	// delay = base * 2^attempt, capped at JobBackoffCap.
	JobBackoffBase time.Duration
	JobBackoffCap  time.Duration

	// JobLeaseTimeout is the visibility timeout after which a claimed but
	// unfinished job may be reclaimed by another worker.
	JobLeaseTimeout time.Duration

	// RelayURL is an optional websocket relay endpoint to ingest activity
	// envelopes from. Empty disables the relay subscriber.
	RelayURL string

	// SigningKeyPath points to the instance RSA private key in PEM form,
	// used to sign outbound requests.
	SigningKeyPath string

	// AllowInsecure permits plain http remote URIs. Development only.
	AllowInsecure bool
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Domain:             os.Getenv("SABLE_DOMAIN"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RedisURL:           os.Getenv("REDIS_URL"),
		RelayURL:           os.Getenv("SABLE_RELAY_URL"),
		SigningKeyPath:     os.Getenv("SABLE_SIGNING_KEY"),
		CacheBackend:       CacheMemory,
		CacheTTL:           time.Hour,
		WebfingerTTL:       time.Hour,
		NegativeTTL:        5 * time.Minute,
		RequestTimeout:     10 * time.Second,
		ResolveTimeout:     15 * time.Second,
		ResolveParallelism: 4,
		JobWorkers:         5,
		JobMaxAttempts:     10,
		JobBackoffBase:     time.Second,
		JobBackoffCap:      time.Hour,
		JobLeaseTimeout:    5 * time.Minute,
		Port:               3000,
	}

	if cfg.Domain == "" {
		return nil, fmt.Errorf("SABLE_DOMAIN is required")
	}

	if p := os.Getenv("PORT"); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
		cfg.Port = port
	}

	if b := os.Getenv("SABLE_CACHE_BACKEND"); b != "" {
		switch CacheBackend(b) {
		case CacheNoop, CacheMemory, CacheRedis:
			cfg.CacheBackend = CacheBackend(b)
		default:
			return nil, fmt.Errorf("invalid SABLE_CACHE_BACKEND %q", b)
		}
	}
	if cfg.CacheBackend == CacheRedis && cfg.RedisURL == "" {
		return nil, fmt.Errorf("REDIS_URL is required for the redis cache backend")
	}

	var err error
	if cfg.CacheTTL, err = durationEnv("SABLE_CACHE_TTL", cfg.CacheTTL); err != nil {
		return nil, err
	}
	if cfg.WebfingerTTL, err = durationEnv("SABLE_WEBFINGER_TTL", cfg.WebfingerTTL); err != nil {
		return nil, err
	}
	if cfg.NegativeTTL, err = durationEnv("SABLE_NEGATIVE_TTL", cfg.NegativeTTL); err != nil {
		return nil, err
	}
	if cfg.RequestTimeout, err = durationEnv("SABLE_REQUEST_TIMEOUT", cfg.RequestTimeout); err != nil {
		return nil, err
	}
	if cfg.ResolveTimeout, err = durationEnv("SABLE_RESOLVE_TIMEOUT", cfg.ResolveTimeout); err != nil {
		return nil, err
	}
	if cfg.JobBackoffBase, err = durationEnv("SABLE_JOB_BACKOFF_BASE", cfg.JobBackoffBase); err != nil {
		return nil, err
	}
	if cfg.JobBackoffCap, err = durationEnv("SABLE_JOB_BACKOFF_CAP", cfg.JobBackoffCap); err != nil {
		return nil, err
	}
	if cfg.JobLeaseTimeout, err = durationEnv("SABLE_JOB_LEASE_TIMEOUT", cfg.JobLeaseTimeout); err != nil {
		return nil, err
	}

	if cfg.ResolveParallelism, err = intEnv("SABLE_RESOLVE_PARALLELISM", cfg.ResolveParallelism); err != nil {
		return nil, err
	}
	if cfg.JobWorkers, err = intEnv("SABLE_JOB_WORKERS", cfg.JobWorkers); err != nil {
		return nil, err
	}
	if cfg.JobMaxAttempts, err = intEnv("SABLE_JOB_MAX_ATTEMPTS", cfg.JobMaxAttempts); err != nil {
		return nil, err
	}

	cfg.AllowInsecure = os.Getenv("SABLE_ALLOW_INSECURE") == "true"

	return cfg, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid %s: must be a positive integer", key)
	}
	return n, nil
}
