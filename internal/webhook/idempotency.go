package webhook

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"cloud-pbx/internal/coordinator"
)

const headerIdempotencyKey = "Idempotency-Key"

// DefaultIdempotencyWindow is how long a rendered response is replayed to duplicates.
const DefaultIdempotencyWindow = 10 * time.Minute

// storedResponse is the cached outcome of one webhook delivery.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// dedupKey prefers an explicit Idempotency-Key header. Otherwise the provider
// call id plus the endpoint-specific discriminators (attempt, turn, ...) name
// one logical delivery.
func dedupKey(endpoint, header, callID string, parts ...string) string {
	if h := strings.TrimSpace(header); h != "" {
		return "webhook:" + endpoint + ":key:" + h
	}
	if callID == "" {
		return ""
	}
	k := "webhook:" + endpoint + ":" + callID
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

type responseCache struct {
	coord  *coordinator.Coordinator
	window time.Duration
}

func (c responseCache) load(ctx context.Context, key string) (storedResponse, bool) {
	if key == "" {
		return storedResponse{}, false
	}
	raw, ok := c.coord.Get(ctx, key)
	if !ok {
		return storedResponse{}, false
	}
	var r storedResponse
	if err := json.Unmarshal(raw, &r); err != nil || r.Status == 0 {
		return storedResponse{}, false
	}
	return r, true
}

// store is best-effort: in degraded mode duplicates are re-processed, which is
// safe because record creation is insert-if-absent.
func (c responseCache) store(ctx context.Context, key string, r storedResponse) bool {
	if key == "" {
		return false
	}
	raw, err := json.Marshal(r)
	if err != nil {
		return false
	}
	return c.coord.Put(ctx, key, raw, c.window)
}
