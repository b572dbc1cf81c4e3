package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"cloud-pbx/internal/directory"
)

func InvalidationTopic(prefix string) string {
	return fmt.Sprintf("%s/config/invalidate", prefix)
}

// Invalidation is published by the configuration service after a change.
// Keys are raw cache keys; the typed fields are expanded with the directory
// key helpers.
type Invalidation struct {
	TenantID         string          `json:"tenant_id"`
	DIDs             []string        `json:"dids,omitempty"`
	Destinations     []directory.Ref `json:"destinations,omitempty"`
	ExtensionNumbers []string        `json:"extension_numbers,omitempty"`
	Keys             []string        `json:"keys,omitempty"`
}

func (inv Invalidation) CacheKeys() []string {
	out := make([]string, 0, len(inv.DIDs)+len(inv.Destinations)+len(inv.ExtensionNumbers)+len(inv.Keys))
	for _, n := range inv.DIDs {
		out = append(out, directory.DIDCacheKey(n))
	}
	if inv.TenantID != "" {
		for _, ref := range inv.Destinations {
			out = append(out, directory.DestinationCacheKey(inv.TenantID, ref))
		}
		for _, n := range inv.ExtensionNumbers {
			out = append(out, directory.ExtensionNumberCacheKey(inv.TenantID, n))
		}
	}
	return append(out, inv.Keys...)
}

// Invalidator drops cached entries; *directory.CachedResolver implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) int
}

// ListenInvalidation subscribes target to config change notifications.
func ListenInvalidation(ctx context.Context, sub Subscriber, prefix string, target Invalidator, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "invalidation")
	topic := InvalidationTopic(prefix)
	return sub.Subscribe(topic, func(_ string, payload []byte) {
		var inv Invalidation
		if err := json.Unmarshal(payload, &inv); err != nil {
			log.Warn("invalid invalidation payload", "err", err)
			return
		}
		keys := inv.CacheKeys()
		if len(keys) == 0 {
			return
		}
		n := target.Invalidate(ctx, keys...)
		log.Info("cache invalidated", "tenant_id", inv.TenantID, "keys", len(keys), "forgotten", n)
	})
}
