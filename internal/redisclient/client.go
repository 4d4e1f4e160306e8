package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

const (
	idempotencyPending = "pending"
	driftSetKey        = "inventory:drift"
)

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ClaimIdempotencyKey marks key as in progress. If the key was already claimed it
// returns the stored value: the order id of a finished request, or "" while the
// first request is still running.
func (c *Client) ClaimIdempotencyKey(ctx context.Context, key string, ttl time.Duration) (existing string, claimed bool, err error) {
	redisKey := fmt.Sprintf("idempotency:%s", key)

	claimed, err = c.rdb.SetNX(ctx, redisKey, idempotencyPending, ttl).Result()
	if err != nil || claimed {
		return "", claimed, err
	}

	value, err := c.rdb.Get(ctx, redisKey).Result()
	if errors.Is(err, redis.Nil) {
		// expired between SETNX and GET; treat as in progress and let the client retry
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if value == idempotencyPending {
		return "", false, nil
	}
	return value, false, nil
}

// CompleteIdempotencyKey stores the order id produced for key
func (c *Client) CompleteIdempotencyKey(ctx context.Context, key, orderID string, ttl time.Duration) error {
	return c.rdb.Set(ctx, fmt.Sprintf("idempotency:%s", key), orderID, ttl).Err()
}

// ReleaseIdempotencyKey forgets a key whose request failed so it can be retried
func (c *Client) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("idempotency:%s", key)).Err()
}

// AcquireLock acquires a distributed lock and returns the owner token
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if it is still held by token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
}

// FlagLedgerDrift records that a product needs ledger reconciliation
func (c *Client) FlagLedgerDrift(ctx context.Context, productID string) error {
	return c.rdb.SAdd(ctx, driftSetKey, productID).Err()
}

// IsLedgerDriftFlagged reports whether a product is awaiting reconciliation
func (c *Client) IsLedgerDriftFlagged(ctx context.Context, productID string) (bool, error) {
	return c.rdb.SIsMember(ctx, driftSetKey, productID).Result()
}

// ClearLedgerDrift removes the reconciliation flag
func (c *Client) ClearLedgerDrift(ctx context.Context, productID string) error {
	return c.rdb.SRem(ctx, driftSetKey, productID).Err()
}
