package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"

	"pricealerts/internal/models"
)

const DefaultChannel = "price_alerts"

// RedisSink publishes an AlertMessage on a Redis pub/sub channel, where SSE
// brokers of every API instance pick it up.
type RedisSink struct {
	client  *redis.Client
	channel string
}

func NewRedisSink(client *redis.Client, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (*RedisSink) Name() string { return "redis" }

func (s *RedisSink) Notify(ctx context.Context, t models.TriggeredAlert) error {
	b, err := json.Marshal(NewAlertMessage(t))
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, s.channel, b).Err()
}
