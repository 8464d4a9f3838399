// molangcomplete/helpers_cache.go
// Contains helper functions for memory caching (Ristretto).
package molangcomplete

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

// ============================================================================
// Memory Cache
// ============================================================================

// MemoryCache is the narrow cache surface used by the engine.
type MemoryCache interface {
	GetMemoryCache(key string) (any, bool)
	SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool
	MemoryCacheEnabled() bool
}

// RistrettoMemoryCache implements MemoryCache on top of a ristretto cache.
type RistrettoMemoryCache struct {
	mu     sync.RWMutex
	cache  *ristretto.Cache
	logger *slog.Logger
}

// NewRistrettoMemoryCache creates the in-memory cache used for composed member maps.
func NewRistrettoMemoryCache(logger *slog.Logger) (*RistrettoMemoryCache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 20, // Cost is counted in members.
		BufferItems: 64,
		Metrics:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: creating ristretto cache: %w", ErrCache, err)
	}
	return &RistrettoMemoryCache{cache: cache, logger: logger.With("component", "MemoryCache")}, nil
}

// GetMemoryCache implements MemoryCache.
func (c *RistrettoMemoryCache) GetMemoryCache(key string) (any, bool) {
	c.mu.RLock()
	cache := c.cache
	c.mu.RUnlock()
	if cache == nil {
		return nil, false
	}
	return cache.Get(key)
}

// SetMemoryCache implements MemoryCache.
func (c *RistrettoMemoryCache) SetMemoryCache(key string, value any, cost int64, ttl time.Duration) bool {
	c.mu.RLock()
	cache := c.cache
	c.mu.RUnlock()
	if cache == nil {
		return false
	}
	return cache.SetWithTTL(key, value, cost, ttl)
}

// MemoryCacheEnabled implements MemoryCache.
func (c *RistrettoMemoryCache) MemoryCacheEnabled() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache != nil
}

// Wait blocks until buffered writes are applied.
func (c *RistrettoMemoryCache) Wait() {
	c.mu.RLock()
	cache := c.cache
	c.mu.RUnlock()
	if cache != nil {
		cache.Wait()
	}
}

// Clear drops every cached entry.
func (c *RistrettoMemoryCache) Clear() {
	c.mu.RLock()
	cache := c.cache
	c.mu.RUnlock()
	if cache != nil {
		c.logger.Debug("Clearing memory cache")
		cache.Clear()
	}
}

// Metrics returns ristretto's counters, or nil once closed.
func (c *RistrettoMemoryCache) Metrics() *ristretto.Metrics {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil {
		return nil
	}
	return c.cache.Metrics
}

// Close releases the cache.
func (c *RistrettoMemoryCache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cache != nil {
		c.logger.Info("Closing ristretto memory cache.")
		c.cache.Close()
		c.cache = nil
	}
}

// ============================================================================
// Memory Cache Helpers
// ============================================================================

// memberMapCacheKey keys the composed member map of a struct type.
func memberMapCacheKey(structType string) string {
	return "members:" + structType
}

// withMemoryCache wraps a function call with caching logic.
// Tries to fetch from cache using cacheKey. If miss, calls computeFn,
// stores the result with cost and ttl, and returns it.
// Returns the result (cached or computed), a boolean indicating cache hit, and any error from computeFn.
func withMemoryCache[T any](
	cache MemoryCache,
	cacheKey string,
	cost int64,
	ttl time.Duration,
	computeFn func() (T, error),
	logger *slog.Logger,
) (T, bool, error) {
	var zero T
	if logger == nil {
		logger = slog.Default()
	}

	if cache == nil || !cache.MemoryCacheEnabled() {
		result, err := computeFn()
		return result, false, err
	}

	if cached, found := cache.GetMemoryCache(cacheKey); found {
		if typed, ok := cached.(T); ok {
			return typed, true, nil
		}
		logger.Error("Memory cache type assertion failed", "cache_key", cacheKey, "expected_type", fmt.Sprintf("%T", zero), "actual_type", fmt.Sprintf("%T", cached))
	}

	computed, err := computeFn()
	if err != nil {
		return zero, false, err
	}

	if cost <= 0 {
		cost = estimateCost(computed)
	}
	if !cache.SetMemoryCache(cacheKey, computed, cost, ttl) {
		logger.Debug("Memory cache Set rejected, item not cached", "cache_key", cacheKey, "cost", cost, "ttl", ttl)
	}
	return computed, false, nil
}

// estimateCost approximates the cache cost of a value.
func estimateCost(v any) int64 {
	switch val := v.(type) {
	case *MemberMap:
		if n := val.Len(); n > 0 {
			return int64(n)
		}
		return 1
	case string:
		return max(int64(len(val)), 1)
	case []string:
		return max(int64(len(val)), 1)
	default:
		return 1
	}
}
