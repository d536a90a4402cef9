package redisclient

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/sliding_window.lua
var slidingWindowScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

const notificationRetryKey = "notifications:retry"

type Client struct {
	rdb             *redis.Client
	rateLimitScript *redis.Script
	unlockScript    *redis.Script
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

	return newClient(rdb), nil
}

func newClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:             rdb,
		rateLimitScript: redis.NewScript(slidingWindowScript),
		unlockScript:    redis.NewScript(releaseLockScript),
	}
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// ReplayEntry is what the webhook fast path remembers about a settled gateway reference.
type ReplayEntry struct {
	PaymentID string `json:"payment_id"`
	Outcome   string `json:"outcome"`
	Status    string `json:"status"`
}

// RememberReplay caches the settled result for a gateway reference with TTL.
// The cache is advisory; the idempotency ledger in Postgres stays authoritative.
func (c *Client) RememberReplay(ctx context.Context, ref string, entry ReplayEntry, ttl time.Duration) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, fmt.Sprintf("webhook:replay:%s", ref), b, ttl).Err()
}

// LookupReplay returns the cached result for a gateway reference, if any
func (c *Client) LookupReplay(ctx context.Context, ref string) (*ReplayEntry, error) {
	b, err := c.rdb.Get(ctx, fmt.Sprintf("webhook:replay:%s", ref)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry ReplayEntry
	if err := json.Unmarshal(b, &entry); err != nil {
		return nil, fmt.Errorf("corrupt replay entry for %s: %w", ref, err)
	}
	return &entry, nil
}

// Allow records a request against a sliding window and reports whether it fits the limit.
func (c *Client) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := time.Now().UnixMilli()
	result, err := c.rateLimitScript.Run(ctx, c.rdb,
		[]string{fmt.Sprintf("ratelimit:%s", key)},
		now, window.Milliseconds(), limit, fmt.Sprintf("%d-%s", now, uuid.NewString())).Result()
	if err != nil {
		return false, fmt.Errorf("rate limit script failed: %w", err)
	}

	allowed, ok := result.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected script result type")
	}
	return allowed == 1, nil
}

// AcquireLock acquires a distributed lock and returns the token needed to release it.
// An empty token means the lock is held elsewhere.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", err
	}
	return token, nil
}

// ReleaseLock releases a distributed lock if it is still owned by token
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	return c.unlockScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Err()
}

// PushNotificationRetry parks a notification that could not be published
func (c *Client) PushNotificationRetry(ctx context.Context, payload []byte) error {
	return c.rdb.RPush(ctx, notificationRetryKey, payload).Err()
}

// PopNotificationRetries takes up to max parked notifications, oldest first
func (c *Client) PopNotificationRetries(ctx context.Context, max int) ([][]byte, error) {
	out := make([][]byte, 0, max)
	for i := 0; i < max; i++ {
		b, err := c.rdb.LPop(ctx, notificationRetryKey).Bytes()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, err
		}
		out = append(out, b)
	}
	return out, nil
}
