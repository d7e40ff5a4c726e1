package ephemeral

import (
	"context"
	"time"

	"github.com/charla-io/charla/infrastructure/valkey"
)

// ValkeyDedupStore implements DedupStore with SET NX EX.
type ValkeyDedupStore struct {
	client *valkey.Client
}

func NewValkeyDedupStore(client *valkey.Client) *ValkeyDedupStore {
	return &ValkeyDedupStore{client: client}
}

func (s *ValkeyDedupStore) SetIfAbsent(ctx context.Context, workspaceID, providerMessageID string, ttl time.Duration) (bool, error) {
	inner := s.client.Inner()
	key := s.client.Key("dedup", workspaceID, providerMessageID)

	resp := inner.Do(ctx, inner.B().Set().Key(key).Value("1").Nx().Ex(ttl).Build())
	if err := resp.Error(); err != nil {
		if valkey.IsNil(err) {
			// NX failed: the key already exists, someone else won.
			return false, nil
		}
		return false, err
	}
	return true, nil
}
