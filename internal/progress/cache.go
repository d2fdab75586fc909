// Package progress keeps a short-lived copy of each account's setup progress
// in Redis so dashboards can poll without hitting the database.
package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/timmy/phonefarm/internal/config"
	"github.com/timmy/phonefarm/internal/domain"
)

// ErrNotFound is returned when no snapshot is cached for the account.
var ErrNotFound = errors.New("progress snapshot not found")

// Snapshot is the cached view of an account's provisioning state.
type Snapshot struct {
	AccountID   string             `json:"account_id"`
	BatchID     string             `json:"batch_id"`
	Status      domain.SetupStatus `json:"status"`
	Step        string             `json:"current_setup_step"`
	Progress    int                `json:"setup_progress"`
	BatchStatus domain.BatchStatus `json:"batch_status"`
	Error       string             `json:"batch_error,omitempty"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Key returns the Redis key for an account.
func Key(accountID string) string {
	return "setup_progress:" + accountID
}

// Cache stores snapshots in Redis with a TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewClient connects to Redis and verifies the connection.
func NewClient(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// Publish overwrites the account's snapshot.
func (c *Cache) Publish(ctx context.Context, snap Snapshot) error {
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now()
	}
	body, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, Key(snap.AccountID), body, c.ttl).Err()
}

// Get returns the account's cached snapshot.
func (c *Cache) Get(ctx context.Context, accountID string) (*Snapshot, error) {
	body, err := c.client.Get(ctx, Key(accountID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("decode progress snapshot: %w", err)
	}
	return &snap, nil
}
