package ephemeral

import (
	"context"
	"fmt"
	"time"

	"github.com/charla-io/charla/infrastructure/valkey"
)

// ValkeyRateLimiter keeps per-minute counters for contacts and workspaces.
// Contact cap is N, workspace cap is 10N. Counter TTL is 70s so clock skew
// across servers cannot leak buckets.
type ValkeyRateLimiter struct {
	client       *valkey.Client
	perContact   int64
	perWorkspace int64
	now          func() time.Time
}

func NewValkeyRateLimiter(client *valkey.Client, perContactPerMin int) *ValkeyRateLimiter {
	n := int64(perContactPerMin)
	if n <= 0 {
		n = 20
	}
	return &ValkeyRateLimiter{
		client:       client,
		perContact:   n,
		perWorkspace: n * 10,
		now:          time.Now,
	}
}

func (l *ValkeyRateLimiter) Allow(ctx context.Context, workspaceID, contactID string) (bool, error) {
	bucket := fmt.Sprintf("%d", l.now().UTC().Unix()/60)

	contactCount, err := l.bump(ctx, l.client.Key("ratelimit", workspaceID, contactID, bucket))
	if err != nil {
		return false, err
	}
	workspaceCount, err := l.bump(ctx, l.client.Key("ratelimit", workspaceID, bucket))
	if err != nil {
		return false, err
	}

	return contactCount <= l.perContact && workspaceCount <= l.perWorkspace, nil
}

func (l *ValkeyRateLimiter) bump(ctx context.Context, key string) (int64, error) {
	inner := l.client.Inner()
	n, err := inner.Do(ctx, inner.B().Incr().Key(key).Build()).AsInt64()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		if err := inner.Do(ctx, inner.B().Expire().Key(key).Seconds(70).Build()).Error(); err != nil {
			return n, err
		}
	}
	return n, nil
}
