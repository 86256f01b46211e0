package devicecache_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-ccs/pkg/devicecache"
	"github.com/illmade-knight/go-ccs/pkg/eventstore"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingFetcher wraps a fetcher and counts fallback hits.
type countingFetcher struct {
	inner devicecache.DeviceFetcher
	calls atomic.Int32
	err   error
}

func (f *countingFetcher) OwnerDevices(ctx context.Context, eventID string) ([]string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.inner.OwnerDevices(ctx, eventID)
}

func newFetcherOverStore(t *testing.T) (*countingFetcher, string) {
	t.Helper()
	ctx := context.Background()
	store := eventstore.NewMemoryStore()
	require.NoError(t, store.CreateUser(ctx, map[string]string{"userId": "u-1", "device": "device-1"}))
	require.NoError(t, store.CreateUser(ctx, map[string]string{"userId": "u-2", "device": "device-2"}))
	event, err := store.CreateEvent(ctx, map[string]string{"name": "trip", "ownersId": "u-1,u-2"})
	require.NoError(t, err)
	return &countingFetcher{inner: devicecache.NewStoreFetcher(store)}, event["_id"]
}

func TestMemoryDeviceCache_ServesFromCacheUntilExpiry(t *testing.T) {
	fetcher, eventID := newFetcherOverStore(t)
	cache := devicecache.NewMemoryDeviceCache(time.Minute, fetcher, zerolog.Nop())
	ctx := context.Background()

	devices, err := cache.OwnerDevices(ctx, eventID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"device-1", "device-2"}, devices)
	assert.Equal(t, int32(1), fetcher.calls.Load())

	// Second lookup is served locally.
	_, err = cache.OwnerDevices(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestMemoryDeviceCache_InvalidateForcesRefresh(t *testing.T) {
	fetcher, eventID := newFetcherOverStore(t)
	cache := devicecache.NewMemoryDeviceCache(time.Minute, fetcher, zerolog.Nop())
	ctx := context.Background()

	_, err := cache.OwnerDevices(ctx, eventID)
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, eventID))

	_, err = cache.OwnerDevices(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), fetcher.calls.Load())
}

func TestMemoryDeviceCache_FallbackErrorPropagates(t *testing.T) {
	fetcher := &countingFetcher{err: errors.New("store down")}
	cache := devicecache.NewMemoryDeviceCache(time.Minute, fetcher, zerolog.Nop())

	_, err := cache.OwnerDevices(context.Background(), "event-1")
	require.Error(t, err)
}
