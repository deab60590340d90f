package eta

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/models"
)

// CitySpeedMph is the assumed average driver speed to a pickup.
const CitySpeedMph = 25.0

// ArrivalMinutes estimates minutes for a driver at from to reach to, rounded up.
func ArrivalMinutes(from, to models.Coord) int {
	return int(math.Ceil(geo.DistanceMiles(from, to) / CitySpeedMph * 60))
}

// RouteClient resolves trip distances when the caller did not supply one.
type RouteClient interface {
	RouteMiles(ctx context.Context, from, to models.Coord) (float64, error)
}

// Haversine is the fallback RouteClient: straight-line distance.
type Haversine struct{}

func (Haversine) RouteMiles(_ context.Context, from, to models.Coord) (float64, error) {
	return geo.DistanceMiles(from, to), nil
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps a RouteClient with a Cache and falls back to straight-line
// distance when the upstream lookup fails.
type Cached struct {
	Client RouteClient
	Cache  *Cache
}

func (c *Cached) RouteMiles(ctx context.Context, from, to models.Coord) (float64, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	v, err := c.Client.RouteMiles(ctx, from, to)
	if err != nil {
		return Haversine{}.RouteMiles(ctx, from, to)
	}
	if c.Cache != nil {
		c.Cache.Set(from, to, v)
	}
	return v, nil
}
