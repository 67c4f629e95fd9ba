package events

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Publisher fans transient observability events (batch progress, lifecycle
// notifications) out to interested consumers. Nothing here is durable.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload any) error
}

// RedisPublisher broadcasts JSON payloads over redis pub/sub so dashboards
// and other processes can follow dispatch progress live.
type RedisPublisher struct {
	client *redis.Client
	log    *logrus.Logger
}

func NewRedisPublisher(client *redis.Client, log *logrus.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, channel, data).Err(); err != nil {
		p.log.WithError(err).WithField("channel", channel).Warn("failed to publish event")
		return err
	}
	return nil
}

// NopPublisher is used when no redis address is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, any) error { return nil }
