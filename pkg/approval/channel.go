package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisChannel publishes approval requests on per-recipient Redis
// pub/sub channels, where reviewer frontends subscribe.
type RedisChannel struct {
	client *redis.Client
	prefix string
}

func NewRedisChannel(addr, password string, db int) *RedisChannel {
	return &RedisChannel{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: "conclave:approvals:",
	}
}

// Notify implements contracts.NotificationChannel.
func (c *RedisChannel) Notify(ctx context.Context, recipient string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if err := c.client.Publish(ctx, c.prefix+recipient, body).Err(); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *RedisChannel) Close() error {
	return c.client.Close()
}

// MemoryChannel collects notifications in memory. Test double.
type MemoryChannel struct {
	mu       sync.Mutex
	delivery map[string][]map[string]any
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{delivery: make(map[string][]map[string]any)}
}

// Notify implements contracts.NotificationChannel.
func (c *MemoryChannel) Notify(ctx context.Context, recipient string, payload map[string]any) error {
	_ = ctx
	c.mu.Lock()
	defer c.mu.Unlock()
	c.delivery[recipient] = append(c.delivery[recipient], payload)
	return nil
}

// Delivered returns the notifications sent to a recipient.
func (c *MemoryChannel) Delivered(recipient string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]map[string]any(nil), c.delivery[recipient]...)
}
