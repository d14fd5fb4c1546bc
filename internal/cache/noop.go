package cache

import (
	"context"
	"time"
)

// Noop is a Store that never stores anything. It disables caching without
// touching call sites.
type Noop struct{}

// NewNoop creates a no-op cache store.
func NewNoop() Noop { return Noop{} }

// Get always reports absence.
func (Noop) Get(_ context.Context, _ string) ([]byte, bool, error) {
	return nil, false, nil
}

// Set discards the value.
func (Noop) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}

// Delete does nothing.
func (Noop) Delete(_ context.Context, _ string) error {
	return nil
}
