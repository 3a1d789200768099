package broker

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Redis fans events out over a single Pub/Sub channel. Delivery is at most
// once, which matches the no-backlog contract of realtime topics.
type Redis struct {
	rdb     *redis.Client
	channel string
	sink    Sink
	logger  *slog.Logger
}

func NewRedis(rdb *redis.Client, channel string, sink Sink, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{rdb: rdb, channel: channel, sink: sink, logger: logger.With("component", "broker.redis")}
}

func (r *Redis) Publish(ctx context.Context, topic string, v any) error {
	msg, err := encode(topic, v)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, r.channel, payload).Err()
}

func (r *Redis) Run(ctx context.Context) error {
	ps := r.rdb.Subscribe(ctx, r.channel)
	defer ps.Close()

	// Wait for the subscription to be confirmed before reporting ready.
	if _, err := ps.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.logger.Warn("dropping undecodable payload", "error", err)
				continue
			}
			r.sink.Deliver(msg)
		}
	}
}

func (r *Redis) Close() error { return nil }
