package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	wstypes "smartfarm-notifier/internal/domain/websocket"
)

// Redis publishes through a redis channel; every instance subscribed with
// Run delivers the events to its own sink.
type Redis struct {
	client   redis.UniversalClient
	channel  string
	sink     Sink
	instance string
	logger   *zap.Logger
}

func NewRedis(client redis.UniversalClient, channel string, sink Sink, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{
		client:   client,
		channel:  channel,
		sink:     sink,
		instance: ulid.Make().String(),
		logger:   logger.With(zap.String("component", "gateway"), zap.String("channel", channel)),
	}
}

func (r *Redis) Publish(ctx context.Context, userIDs []string, eventType wstypes.EventType, data interface{}) error {
	env, err := newEnvelope(r.instance, userIDs, eventType, data)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

// Run subscribes to the channel and delivers events to the sink until ctx
// is done.
func (r *Redis) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	r.logger.Info("gateway subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.deliver([]byte(msg.Payload))
		}
	}
}

func (r *Redis) deliver(payload []byte) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		r.logger.Warn("dropping malformed gateway message", zap.Error(err))
		return
	}
	if env.Type == "" {
		r.logger.Warn("dropping gateway message without type")
		return
	}
	r.sink.PublishTo(env.UserIDs, env.Type, env.Data)
}
