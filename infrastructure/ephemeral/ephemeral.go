package ephemeral

import (
	"context"
	"time"
)

// Capability interfaces for the ephemeral coordination state. The valkey
// implementations below are the only concrete ones; tests may substitute
// in-memory fakes.

// DedupStore marks provider message ids as seen. SetIfAbsent is the only
// legal write: true means the caller won the message and may proceed.
type DedupStore interface {
	SetIfAbsent(ctx context.Context, workspaceID, providerMessageID string, ttl time.Duration) (bool, error)
}

// BufferedMessage is one inbound message waiting in a debounce window.
type BufferedMessage struct {
	MessageID  string `json:"message_id"`
	ProviderID string `json:"provider_id"`
	Text       string `json:"text"`
	ReceivedAt int64  `json:"received_at"`
}

// DebounceBuffer accumulates inbound messages per (workspace, contact).
// Flush drains the buffer atomically; concurrent flushes see disjoint sets.
type DebounceBuffer interface {
	Append(ctx context.Context, workspaceID, contactID string, msg BufferedMessage) (int, error)
	Flush(ctx context.Context, workspaceID, contactID string) ([]BufferedMessage, error)
}

// RateLimiter counts messages per minute bucket for a contact and its
// workspace. Allow returns false when either cap is exceeded.
type RateLimiter interface {
	Allow(ctx context.Context, workspaceID, contactID string) (bool, error)
}

// EmbeddingCache stores query embedding vectors with TTL and a bounded
// FIFO index so an abusive tenant cannot grow the keyspace unbounded.
type EmbeddingCache interface {
	Get(ctx context.Context, workspaceID, queryHash string) ([]float32, bool, error)
	Put(ctx context.Context, workspaceID, queryHash string, vector []float32) error
}
