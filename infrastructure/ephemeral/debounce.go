package ephemeral

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charla-io/charla/infrastructure/valkey"
)

// ValkeyDebounceBuffer keeps the pre-persistence aggregation state in a
// valkey list per (workspace, contact). The list TTL is the debounce window
// plus a grace period so an orphaned buffer cannot survive a crash.
type ValkeyDebounceBuffer struct {
	client *valkey.Client
	window time.Duration
	grace  time.Duration
}

func NewValkeyDebounceBuffer(client *valkey.Client, window time.Duration) *ValkeyDebounceBuffer {
	return &ValkeyDebounceBuffer{
		client: client,
		window: window,
		grace:  5 * time.Second,
	}
}

// flushScript drains the buffer atomically: readers never observe a
// partially cleared list.
const flushScript = `local v = redis.call('LRANGE', KEYS[1], 0, -1)
redis.call('DEL', KEYS[1])
return v`

func (b *ValkeyDebounceBuffer) Append(ctx context.Context, workspaceID, contactID string, msg BufferedMessage) (int, error) {
	inner := b.client.Inner()
	key := b.client.Key("debounce", workspaceID, contactID)

	raw, err := json.Marshal(msg)
	if err != nil {
		return 0, err
	}

	n, err := inner.Do(ctx, inner.B().Rpush().Key(key).Element(string(raw)).Build()).AsInt64()
	if err != nil {
		return 0, err
	}

	ttl := b.window + b.grace
	if err := inner.Do(ctx, inner.B().Expire().Key(key).Seconds(int64(ttl.Seconds())+1).Build()).Error(); err != nil {
		return int(n), err
	}
	return int(n), nil
}

func (b *ValkeyDebounceBuffer) Flush(ctx context.Context, workspaceID, contactID string) ([]BufferedMessage, error) {
	inner := b.client.Inner()
	key := b.client.Key("debounce", workspaceID, contactID)

	raws, err := inner.Do(ctx, inner.B().Eval().Script(flushScript).Numkeys(1).Key(key).Build()).AsStrSlice()
	if err != nil {
		if valkey.IsNil(err) {
			return nil, nil
		}
		return nil, err
	}

	out := make([]BufferedMessage, 0, len(raws))
	for _, raw := range raws {
		var msg BufferedMessage
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}
