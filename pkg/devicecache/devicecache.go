// Package devicecache caches the owner-device address resolution that
// sits on the updatePosition fan-out path, so a burst of position
// updates for one event does not hammer the document store.
package devicecache

import (
	"context"

	"github.com/illmade-knight/go-ccs/pkg/eventstore"
)

// DeviceFetcher resolves an event id to the device addresses of the
// event's owners.
type DeviceFetcher interface {
	OwnerDevices(ctx context.Context, eventID string) ([]string, error)
}

// StoreFetcher adapts the persistent store into a DeviceFetcher so it
// can serve as a cache fallback.
type StoreFetcher struct {
	store eventstore.Store
}

// NewStoreFetcher wraps a store as the source of truth for device lookups.
func NewStoreFetcher(store eventstore.Store) *StoreFetcher {
	return &StoreFetcher{store: store}
}

func (f *StoreFetcher) OwnerDevices(ctx context.Context, eventID string) ([]string, error) {
	return f.store.OwnerDevices(ctx, eventID)
}

var _ DeviceFetcher = (*StoreFetcher)(nil)
