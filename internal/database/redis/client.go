// Package redis keeps the pool's short-lived shared state: which keys are
// connected, which shares were already claimed, per-account rate limits and
// the last published template.
package redis

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	presencePrefix = "presence:"
	sharePrefix    = "share:"
	ratePrefix     = "rate:"
	templateKey    = "template:current"
	connectedKey   = "keys:connected"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = stderrors.New("redis: not found")

// Client wraps Redis operations for the pool.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects and pings the server.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Presence is what the pool publishes about a connected key.
type Presence struct {
	AccountID   string    `json:"account_id"`
	Label       string    `json:"label"`
	RemoteAddr  string    `json:"remote_addr,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// SetPresence marks keyID as connected. The connected-key count only rises
// when no presence record existed, so further sessions on the same key
// refresh the record without counting it twice.
func (c *Client) SetPresence(ctx context.Context, keyID string, p Presence, ttl time.Duration) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	err = c.rdb.SetArgs(ctx, presencePrefix+keyID, data, redis.SetArgs{TTL: ttl, Get: true}).Err()
	switch {
	case stderrors.Is(err, redis.Nil):
		if err := c.rdb.Incr(ctx, connectedKey).Err(); err != nil {
			return fmt.Errorf("failed to update connected keys: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

// ClearPresence removes keyID's presence. The count only drops if the
// presence record still existed.
func (c *Client) ClearPresence(ctx context.Context, keyID string) error {
	n, err := c.rdb.Del(ctx, presencePrefix+keyID).Result()
	if err != nil {
		return fmt.Errorf("failed to clear presence: %w", err)
	}
	if n > 0 {
		if err := c.rdb.Decr(ctx, connectedKey).Err(); err != nil {
			return fmt.Errorf("failed to update connected keys: %w", err)
		}
	}
	return nil
}

// ConnectedKeys returns how many keys hold presence across every pool
// instance sharing this Redis.
func (c *Client) ConnectedKeys(ctx context.Context) (int64, error) {
	n, err := c.rdb.Get(ctx, connectedKey).Int64()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get connected keys: %w", err)
	}
	return n, nil
}

// ClaimShare records a share ID. It returns false if the ID was claimed
// before and has not yet expired.
func (c *Client) ClaimShare(ctx context.Context, shareID string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, sharePrefix+shareID, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim share: %w", err)
	}
	return ok, nil
}

// CheckRateLimit reports whether another action under key fits in limit per
// window.
func (c *Client) CheckRateLimit(ctx context.Context, key string, limit int64, window time.Duration) (bool, error) {
	pipe := c.rdb.Pipeline()
	incr := pipe.Incr(ctx, ratePrefix+key)
	pipe.ExpireNX(ctx, ratePrefix+key, window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to check rate limit: %w", err)
	}
	return incr.Val() <= limit, nil
}

// SetCurrentTemplate stores the encoded current template.
func (c *Client) SetCurrentTemplate(ctx context.Context, encoded []byte) error {
	if err := c.rdb.Set(ctx, templateKey, encoded, 0).Err(); err != nil {
		return fmt.Errorf("failed to store template: %w", err)
	}
	return nil
}

// GetCurrentTemplate loads the encoded template stored by SetCurrentTemplate.
func (c *Client) GetCurrentTemplate(ctx context.Context) ([]byte, error) {
	data, err := c.rdb.Get(ctx, templateKey).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to load template: %w", err)
	}
	return data, nil
}
