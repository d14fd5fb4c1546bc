package cache

import (
	"context"
	"sync"
	"time"
)

const defaultSweepInterval = time.Minute

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Memory is an in-process Store with per-entry TTLs. Expired entries are
// dropped lazily on read and actively by a background sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]*memoryEntry

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemory creates an in-memory cache store and starts its sweep loop.
// Call Close to stop the sweeper.
func NewMemory() *Memory {
	m := &Memory{
		entries: make(map[string]*memoryEntry),
		stop:    make(chan struct{}),
	}
	go m.sweep(defaultSweepInterval)
	return m
}

// Get retrieves the value for key if present and unexpired.
func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	ent, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if ent.expired(time.Now()) {
		m.mu.Lock()
		// Re-check under the write lock: the entry may have been replaced.
		if cur, ok := m.entries[key]; ok && cur == ent {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}

	return ent.value, true, nil
}

// Set stores value under key for ttl.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	ent := &memoryEntry{value: value}
	if ttl > 0 {
		ent.expiresAt = time.Now().Add(ttl)
	}

	m.mu.Lock()
	m.entries[key] = ent
	m.mu.Unlock()
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored entries, including not-yet-swept expired
// ones.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Close stops the background sweeper.
func (m *Memory) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case now := <-ticker.C:
			m.mu.Lock()
			for key, ent := range m.entries {
				if ent.expired(now) {
					delete(m.entries, key)
				}
			}
			m.mu.Unlock()
		}
	}
}
