package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Integration test - requires redis")
	}
	c, err := NewClient(addr, "", 15)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestEmbeddedScripts(t *testing.T) {
	assert.Contains(t, slidingWindowScript, "ZREMRANGEBYSCORE")
	assert.Contains(t, releaseLockScript, "DEL")
}

func TestSlidingWindow(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := c.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}

	ok, err := c.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockOwnership(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()

	token, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	second, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, c.ReleaseLock(ctx, key, "someone-else"))
	second, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, second)

	require.NoError(t, c.ReleaseLock(ctx, key, token))
	second, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.NotEmpty(t, second)
	_ = c.ReleaseLock(ctx, key, second)
}

func TestReplayCache(t *testing.T) {
	c := openTestClient(t)
	ctx := context.Background()
	ref := "TXN-" + uuid.NewString()

	entry, err := c.LookupReplay(ctx, ref)
	require.NoError(t, err)
	assert.Nil(t, entry)

	require.NoError(t, c.RememberReplay(ctx, ref, ReplayEntry{PaymentID: "p1", Outcome: "succeeded", Status: "SUCCEEDED"}, time.Minute))
	entry, err = c.LookupReplay(ctx, ref)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "SUCCEEDED", entry.Status)
}
