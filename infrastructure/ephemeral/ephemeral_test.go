package ephemeral

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/charla-io/charla/infrastructure/valkey"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*valkey.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := valkey.NewClient(valkey.Config{
		Address:   mr.Addr(),
		KeyPrefix: "charla:",
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, mr
}

func TestDedup_SetIfAbsent(t *testing.T) {
	client, _ := newTestClient(t)
	store := NewValkeyDedupStore(client)
	ctx := context.Background()

	// Primera vez gana, la segunda es duplicado
	won, err := store.SetIfAbsent(ctx, "ws1", "SM123", time.Hour)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = store.SetIfAbsent(ctx, "ws1", "SM123", time.Hour)
	require.NoError(t, err)
	assert.False(t, won)

	// El mismo sid en otro workspace no colisiona
	won, err = store.SetIfAbsent(ctx, "ws2", "SM123", time.Hour)
	require.NoError(t, err)
	assert.True(t, won)
}

func TestDebounceBuffer_AppendAndFlush(t *testing.T) {
	client, _ := newTestClient(t)
	buf := NewValkeyDebounceBuffer(client, 700*time.Millisecond)
	ctx := context.Background()

	n, err := buf.Append(ctx, "ws1", "c1", BufferedMessage{MessageID: "m1", Text: "Hola"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = buf.Append(ctx, "ws1", "c1", BufferedMessage{MessageID: "m2", Text: "quiero pedir"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := buf.Flush(ctx, "ws1", "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hola", msgs[0].Text)
	assert.Equal(t, "quiero pedir", msgs[1].Text)

	// Flush limpia el buffer: la segunda llamada retorna vacío
	msgs, err = buf.Flush(ctx, "ws1", "c1")
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRateLimiter_ContactAndWorkspaceCaps(t *testing.T) {
	client, _ := newTestClient(t)
	limiter := NewValkeyRateLimiter(client, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(ctx, "ws1", "c1")
		require.NoError(t, err)
		assert.True(t, ok, "mensaje %d dentro del límite", i+1)
	}

	ok, err := limiter.Allow(ctx, "ws1", "c1")
	require.NoError(t, err)
	assert.False(t, ok, "el cuarto mensaje del contacto excede N")

	// Otro contacto del mismo workspace sigue permitido (cap workspace = 10N)
	ok, err = limiter.Allow(ctx, "ws1", "c2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEmbeddingCache_FIFOEviction(t *testing.T) {
	client, _ := newTestClient(t)
	cache := NewValkeyEmbeddingCache(client, time.Hour, 2)
	ctx := context.Background()

	require.NoError(t, cache.Put(ctx, "ws1", "q1", []float32{0.1, 0.2}))
	require.NoError(t, cache.Put(ctx, "ws1", "q2", []float32{0.3, 0.4}))
	require.NoError(t, cache.Put(ctx, "ws1", "q3", []float32{0.5, 0.6}))

	// q1 fue expulsado por FIFO
	_, found, err := cache.Get(ctx, "ws1", "q1")
	require.NoError(t, err)
	assert.False(t, found)

	vec, found, err := cache.Get(ctx, "ws1", "q3")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []float32{0.5, 0.6}, vec)
}
