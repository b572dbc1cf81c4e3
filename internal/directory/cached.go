package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud-pbx/internal/coordinator"
)

// DefaultCacheTTL bounds staleness when no invalidation event arrives.
const DefaultCacheTTL = 5 * time.Minute

// CachedResolver fronts a Resolver with the coordinator cache. Lookups that fail
// (including not found) are never cached.
type CachedResolver struct {
	next  Resolver
	cache *coordinator.Coordinator
	ttl   time.Duration
}

func NewCachedResolver(next Resolver, cache *coordinator.Coordinator, ttl time.Duration) *CachedResolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedResolver{next: next, cache: cache, ttl: ttl}
}

// DIDCacheKey is the cache key of a DID lookup.
func DIDCacheKey(number string) string {
	return "directory:did:" + number
}

// DestinationCacheKey is the cache key of a resolved destination.
func DestinationCacheKey(tenantID string, ref Ref) string {
	return fmt.Sprintf("directory:%s:%s:%s", tenantID, ref.Type, ref.ID)
}

// ExtensionNumberCacheKey is the cache key of an extension number lookup.
func ExtensionNumberCacheKey(tenantID, number string) string {
	return fmt.Sprintf("directory:%s:extension_number:%s", tenantID, number)
}

func (r *CachedResolver) LookupDID(ctx context.Context, number string) (*DID, error) {
	d, err := coordinator.GetOrComputeJSON(ctx, r.cache, DIDCacheKey(number), r.ttl, func(ctx context.Context) (DID, error) {
		d, err := r.next.LookupDID(ctx, number)
		if err != nil {
			return DID{}, err
		}
		return *d, nil
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *CachedResolver) Resolve(ctx context.Context, tenantID string, ref Ref) (Destination, error) {
	if d, ok := inline(tenantID, ref); ok {
		return d, nil
	}
	raw, err := r.cache.CacheGetOrCompute(ctx, DestinationCacheKey(tenantID, ref), r.ttl, func(ctx context.Context) ([]byte, error) {
		d, err := r.next.Resolve(ctx, tenantID, ref)
		if err != nil {
			return nil, err
		}
		return encodeDestination(d)
	})
	if err != nil {
		return nil, err
	}
	d, err := decodeDestination(raw)
	if err != nil {
		r.cache.Forget(ctx, DestinationCacheKey(tenantID, ref))
		return r.next.Resolve(ctx, tenantID, ref)
	}
	if err := checkType(ref, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (r *CachedResolver) ExtensionByNumber(ctx context.Context, tenantID, number string) (*Extension, error) {
	raw, err := r.cache.CacheGetOrCompute(ctx, ExtensionNumberCacheKey(tenantID, number), r.ttl, func(ctx context.Context) ([]byte, error) {
		ext, err := r.next.ExtensionByNumber(ctx, tenantID, number)
		if err != nil {
			return nil, err
		}
		return json.Marshal(ext)
	})
	if err != nil {
		return nil, err
	}
	var ext Extension
	if err := json.Unmarshal(raw, &ext); err != nil {
		r.cache.Forget(ctx, ExtensionNumberCacheKey(tenantID, number))
		return r.next.ExtensionByNumber(ctx, tenantID, number)
	}
	return &ext, nil
}

// Invalidate drops cached entries. Used by the config change listener.
func (r *CachedResolver) Invalidate(ctx context.Context, keys ...string) int {
	n := 0
	for _, k := range keys {
		if r.cache.Forget(ctx, k) {
			n++
		}
	}
	return n
}
