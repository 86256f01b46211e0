package devicecache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type memoryEntry struct {
	devices []string
	expires time.Time
}

// MemoryDeviceCache is a process-local DeviceFetcher with TTL expiry,
// for deployments without Redis and for unit tests.
type MemoryDeviceCache struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	ttl      time.Duration
	fallback DeviceFetcher
	logger   zerolog.Logger
	now      func() time.Time
}

// NewMemoryDeviceCache creates a MemoryDeviceCache in front of a fallback.
func NewMemoryDeviceCache(ttl time.Duration, fallback DeviceFetcher, logger zerolog.Logger) *MemoryDeviceCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &MemoryDeviceCache{
		entries:  make(map[string]memoryEntry),
		ttl:      ttl,
		fallback: fallback,
		logger:   logger.With().Str("component", "MemoryDeviceCache").Logger(),
		now:      time.Now,
	}
}

// OwnerDevices serves from the local map until the entry expires, then
// refreshes from the fallback.
func (c *MemoryDeviceCache) OwnerDevices(ctx context.Context, eventID string) ([]string, error) {
	c.mu.Lock()
	entry, ok := c.entries[eventID]
	if ok && c.now().Before(entry.expires) {
		devices := append([]string(nil), entry.devices...)
		c.mu.Unlock()
		return devices, nil
	}
	c.mu.Unlock()

	devices, err := c.fallback.OwnerDevices(ctx, eventID)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[eventID] = memoryEntry{
		devices: append([]string(nil), devices...),
		expires: c.now().Add(c.ttl),
	}
	c.mu.Unlock()

	return devices, nil
}

// Invalidate drops the cached device list for an event.
func (c *MemoryDeviceCache) Invalidate(_ context.Context, eventID string) error {
	c.mu.Lock()
	delete(c.entries, eventID)
	c.mu.Unlock()
	return nil
}

var _ DeviceFetcher = (*MemoryDeviceCache)(nil)
