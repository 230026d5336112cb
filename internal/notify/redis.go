package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisPublisher fans live updates out over Redis Pub/Sub.
type RedisPublisher struct {
	redis *redis.Client
}

func NewRedisPublisher(redis *redis.Client) *RedisPublisher {
	return &RedisPublisher{redis: redis}
}

func (p *RedisPublisher) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	return p.redis.Publish(ctx, topic, body).Err()
}

// Subscribe opens a pattern subscription, e.g. "ride:<id>:*". The caller closes it.
func (p *RedisPublisher) Subscribe(ctx context.Context, patterns ...string) *redis.PubSub {
	return p.redis.PSubscribe(ctx, patterns...)
}
