package providers

import (
	"fmt"
	"slices"
	"sync"

	"modelhub/internal/core"
)

var (
	registryMu sync.RWMutex
	// registry holds all registered vendor dialects
	registry = make(map[core.Vendor]*Adapter)
)

// Register allows vendor packages to register themselves.
// This should be called from init() functions in vendor packages.
func Register(d Dialect) {
	if d.Vendor == "" {
		panic("providers: Register with empty vendor")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[d.Vendor] = NewAdapter(d)
}

// Lookup returns the adapter for vendor.
func Lookup(vendor core.Vendor) (*Adapter, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	a, ok := registry[vendor]
	if !ok {
		return nil, core.NewInvalidRequestError(fmt.Sprintf("unknown vendor: %s", vendor), nil)
	}
	return a, nil
}

// ListRegistered returns all registered vendors in sorted order.
func ListRegistered() []core.Vendor {
	registryMu.RLock()
	defer registryMu.RUnlock()
	vendors := make([]core.Vendor, 0, len(registry))
	for v := range registry {
		vendors = append(vendors, v)
	}
	slices.Sort(vendors)
	return vendors
}
