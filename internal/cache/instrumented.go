package cache

import (
	"context"
	"time"

	"github.com/sablesocial/sable/internal/metrics"
)

// WithMetrics wraps store so hits and misses are counted under name.
func WithMetrics(store Store, name string, m *metrics.Metrics) Store {
	return &instrumented{store: store, name: name, metrics: m}
}

type instrumented struct {
	store   Store
	name    string
	metrics *metrics.Metrics
}

func (i *instrumented) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, ok, err := i.store.Get(ctx, key)
	if ok {
		i.metrics.CacheHits.WithLabelValues(i.name).Inc()
	} else {
		i.metrics.CacheMisses.WithLabelValues(i.name).Inc()
	}
	return value, ok, err
}

func (i *instrumented) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return i.store.Set(ctx, key, value, ttl)
}

func (i *instrumented) Delete(ctx context.Context, key string) error {
	return i.store.Delete(ctx, key)
}
