//go:build integration

package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisWindow(t *testing.T) {
	addr := os.Getenv("ACRONYM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ACRONYM_TEST_REDIS_ADDR not set")
	}

	rdb := r.NewClient(&r.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })

	ctx := context.Background()
	w := NewRedisWindow(rdb, "test:"+uuid.NewString()+":", 2, time.Second)
	require.NoError(t, w.Ping(ctx))

	for range 2 {
		ok, err := w.Allow(ctx, "a")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := w.Allow(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	wait, err := w.TimeUntilNextSlot(ctx, "a")
	require.NoError(t, err)
	assert.Greater(t, wait, time.Duration(0))
	assert.LessOrEqual(t, wait, time.Second)

	time.Sleep(wait + 20*time.Millisecond)
	ok, err = w.Allow(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
}
