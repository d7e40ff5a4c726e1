package ephemeral

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charla-io/charla/infrastructure/valkey"
	"github.com/charla-io/charla/observability"
)

// ValkeyEmbeddingCache caches query embedding vectors per workspace with a
// TTL and a bounded FIFO index list used for eviction.
type ValkeyEmbeddingCache struct {
	client  *valkey.Client
	ttl     time.Duration
	maxSize int64
}

func NewValkeyEmbeddingCache(client *valkey.Client, ttl time.Duration, maxSize int) *ValkeyEmbeddingCache {
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &ValkeyEmbeddingCache{client: client, ttl: ttl, maxSize: int64(maxSize)}
}

func (c *ValkeyEmbeddingCache) Get(ctx context.Context, workspaceID, queryHash string) ([]float32, bool, error) {
	inner := c.client.Inner()
	key := c.client.Key("embcache", workspaceID, queryHash)

	raw, err := inner.Do(ctx, inner.B().Get().Key(key).Build()).ToString()
	if err != nil {
		if valkey.IsNil(err) {
			observability.EmbedCacheHits.WithLabelValues("miss").Inc()
			return nil, false, nil
		}
		return nil, false, err
	}

	var vector []float32
	if err := json.Unmarshal([]byte(raw), &vector); err != nil {
		return nil, false, nil
	}
	observability.EmbedCacheHits.WithLabelValues("hit").Inc()
	return vector, true, nil
}

func (c *ValkeyEmbeddingCache) Put(ctx context.Context, workspaceID, queryHash string, vector []float32) error {
	inner := c.client.Inner()
	key := c.client.Key("embcache", workspaceID, queryHash)
	indexKey := c.client.Key("embcache-index", workspaceID)

	raw, err := json.Marshal(vector)
	if err != nil {
		return err
	}

	if err := inner.Do(ctx, inner.B().Set().Key(key).Value(string(raw)).Ex(c.ttl).Build()).Error(); err != nil {
		return err
	}

	// FIFO eviction: track insertion order, drop the oldest entry once the
	// index grows past the cap.
	n, err := inner.Do(ctx, inner.B().Rpush().Key(indexKey).Element(key).Build()).AsInt64()
	if err != nil {
		return err
	}
	if n > c.maxSize {
		oldest, err := inner.Do(ctx, inner.B().Lpop().Key(indexKey).Build()).ToString()
		if err == nil && oldest != "" {
			_ = inner.Do(ctx, inner.B().Del().Key(oldest).Build()).Error()
		}
	}
	return nil
}
