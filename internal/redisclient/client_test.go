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

// newTestClient connects to REDIS_ADDR; the tests are skipped without one.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	c, err := NewClient(addr, os.Getenv("REDIS_PASSWORD"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestIdempotencyKeyLifecycle(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "test:" + uuid.NewString()
	t.Cleanup(func() { _ = c.ReleaseIdempotencyKey(ctx, key) })

	existing, claimed, err := c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Empty(t, existing)

	_, claimed, err = c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "second claim while pending")

	require.NoError(t, c.CompleteIdempotencyKey(ctx, key, "order-1", time.Minute))
	existing, claimed, err = c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, "order-1", existing)

	require.NoError(t, c.ReleaseIdempotencyKey(ctx, key))
	_, claimed, err = c.ClaimIdempotencyKey(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestLockReleasedOnlyByOwner(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	key := "verify:" + uuid.NewString()

	token, ok, err := c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, key, "someone-else"))
	_, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "foreign token must not release the lock")

	require.NoError(t, c.ReleaseLock(ctx, key, token))
	token, ok, err = c.AcquireLock(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, c.ReleaseLock(ctx, key, token))
}

func TestLedgerDriftFlags(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	id := uuid.NewString()

	flagged, err := c.IsLedgerDriftFlagged(ctx, id)
	require.NoError(t, err)
	assert.False(t, flagged)

	require.NoError(t, c.FlagLedgerDrift(ctx, id))
	flagged, err = c.IsLedgerDriftFlagged(ctx, id)
	require.NoError(t, err)
	assert.True(t, flagged)

	require.NoError(t, c.ClearLedgerDrift(ctx, id))
	flagged, err = c.IsLedgerDriftFlagged(ctx, id)
	require.NoError(t, err)
	assert.False(t, flagged)
}
