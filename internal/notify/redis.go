// Package notify publishes committed transition events to Redis Pub/Sub so
// downstream consumers (SMS, email, webhooks) can react without being in
// the commit path.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/remitwire/settlement-engine/internal/config"
	"github.com/remitwire/settlement-engine/pkg/settlement"
)

// RedisNotifier implements the engine's Notifier interface over a Redis
// channel. Delivery is at-most-once: a dropped message never blocks or
// rolls back a settlement transition.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

// NewRedisNotifier connects to Redis and verifies the connection.
func NewRedisNotifier(ctx context.Context, cfg config.NotifyConfig) (*RedisNotifier, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisNotifier{client: client, channel: cfg.Channel}, nil
}

// Dispatch implements settlement.Notifier.
func (n *RedisNotifier) Dispatch(ctx context.Context, event settlement.TransitionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := n.client.Publish(ctx, n.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", n.channel, err)
	}
	return nil
}

// Close releases the Redis connection.
func (n *RedisNotifier) Close() error {
	return n.client.Close()
}

var _ settlement.Notifier = (*RedisNotifier)(nil)
