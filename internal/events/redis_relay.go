package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"Xinyu/server/internal/logging"
)

// redisPublisher is the part of *redis.Client the relay uses.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisRelay republishes bus events as JSON on a Redis pub/sub channel.
type RedisRelay struct {
	client  redisPublisher
	channel string
	timeout time.Duration
	logger  *slog.Logger
}

func NewRedisRelay(client *redis.Client, channel string, logger *slog.Logger) *RedisRelay {
	return newRedisRelay(client, channel, logger)
}

func newRedisRelay(client redisPublisher, channel string, logger *slog.Logger) *RedisRelay {
	return &RedisRelay{
		client:  client,
		channel: channel,
		timeout: 3 * time.Second,
		logger:  logging.OrDiscard(logger).With("component", "redis_relay"),
	}
}

// Attach subscribes the relay to every topic of bus.
func (r *RedisRelay) Attach(bus *Bus) *Subscription {
	return bus.Subscribe(r.relay)
}

func (r *RedisRelay) relay(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		r.logger.Error("failed to marshal event", "topic", e.Topic, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	receivers, err := r.client.Publish(ctx, r.channel, payload).Result()
	if err != nil {
		r.logger.Warn("failed to relay event", "topic", e.Topic, "channel", r.channel, "error", err)
		return
	}
	r.logger.Debug("event relayed", "topic", e.Topic, "receivers", receivers)
}
