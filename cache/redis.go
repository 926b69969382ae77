package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const dialTimeout = 5 * time.Second

// Client is the Redis handle for the façade's read-side caches and the
// pub/sub mirror of the classified flow stream. The core pipeline never
// depends on it; callers treat a missing Redis as caching disabled.
type Client struct {
	rdb *redis.Client
}

// New dials Redis and verifies the connection. The error is advisory:
// the supervisor logs it and runs without a cache.
func New(host, port, password string) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%s", host, port),
		Password:    password,
		DialTimeout: dialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s:%s: %w", host, port, err)
	}

	return &Client{rdb: rdb}, nil
}

// Set stores a JSON-encoded value under key for the given TTL.
func (c *Client) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, payload, ttl).Err()
}

// Get decodes the JSON value under key into dest. A miss surfaces as
// redis.Nil.
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	payload, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, dest)
}

// Publish mirrors an event onto a Redis channel so out-of-process
// consumers can follow the flow stream without an SSE connection.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) error {
	payload, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", channel, err)
	}
	return c.rdb.Publish(ctx, channel, payload).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
