package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"supply-orders/internal/models"

	"github.com/go-redis/redis/v8"
)

// ErrNoSnapshot is returned when no cart snapshot is stored for a restaurant.
var ErrNoSnapshot = errors.New("no cart snapshot")

type Client struct {
	rdb *redis.Client
}

// NewClient creates a new Redis client and verifies the connection
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

	return &Client{rdb: rdb}, nil
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func cartKey(restaurantID string) string {
	return fmt.Sprintf("cart:%s", restaurantID)
}

// SaveCartSnapshot stores the last known cart for a restaurant with a TTL
func (c *Client) SaveCartSnapshot(ctx context.Context, snapshot *models.CartSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal cart snapshot: %w", err)
	}
	return c.rdb.Set(ctx, cartKey(snapshot.RestaurantID), data, ttl).Err()
}

// GetCartSnapshot loads the last known cart for a restaurant
func (c *Client) GetCartSnapshot(ctx context.Context, restaurantID string) (*models.CartSnapshot, error) {
	data, err := c.rdb.Get(ctx, cartKey(restaurantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}

	var snapshot models.CartSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cart snapshot: %w", err)
	}
	return &snapshot, nil
}

// DeleteCartSnapshot removes the stored cart for a restaurant
func (c *Client) DeleteCartSnapshot(ctx context.Context, restaurantID string) error {
	return c.rdb.Del(ctx, cartKey(restaurantID)).Err()
}

// AcquireLock acquires a distributed lock
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), "1", ttl).Result()
}

// ReleaseLock releases a distributed lock
func (c *Client) ReleaseLock(ctx context.Context, lockKey string) error {
	return c.rdb.Del(ctx, fmt.Sprintf("lock:%s", lockKey)).Err()
}
