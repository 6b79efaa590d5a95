package geo

import (
	"context"
	"sync"
)

// StaticResolver serves lookups from a fixed in-memory table. Used when no
// GeoIP database is configured and throughout the tests.
type StaticResolver struct {
	mu      sync.RWMutex
	entries map[string]*Location
}

// NewStaticResolver creates an empty static resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{entries: make(map[string]*Location)}
}

// Add maps an IP to a location.
func (r *StaticResolver) Add(ip string, loc Location) *StaticResolver {
	r.mu.Lock()
	r.entries[ip] = &loc
	r.mu.Unlock()
	return r
}

func (r *StaticResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	loc, ok := r.entries[ip]
	if !ok {
		return nil, nil
	}
	cp := *loc
	return &cp, nil
}
