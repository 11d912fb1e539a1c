package realtime

import (
	"context"
	"encoding/json"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"fieldsync/internal/domain"
	"fieldsync/internal/xid"
)

type envelope struct {
	Origin string       `json:"origin"`
	Event  domain.Event `json:"event"`
}

// RedisRelay mirrors hub events across server instances through Redis
// pub/sub. Each instance tags what it sends and ignores its own echo.
type RedisRelay struct {
	client     *redis.Client
	hub        *Hub
	prefix     string
	instanceID string
	log        *zap.Logger
}

func NewRedisRelay(client *redis.Client, hub *Hub, prefix string, log *zap.Logger) *RedisRelay {
	if prefix == "" {
		prefix = "fieldsync"
	}
	if log == nil {
		log = zap.NewNop()
	}
	relay := &RedisRelay{
		client:     client,
		hub:        hub,
		prefix:     prefix,
		instanceID: xid.New("node"),
		log:        log,
	}
	hub.SetForwarder(relay.forward)
	return relay
}

func (r *RedisRelay) InstanceID() string {
	return r.instanceID
}

// Run consumes relayed events until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.prefix+":*")
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	r.log.Info("realtime relay subscribed", zap.String("instance", r.instanceID), zap.String("pattern", r.prefix+":*"))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.handle(msg.Channel, msg.Payload)
		}
	}
}

func (r *RedisRelay) forward(ctx context.Context, event domain.Event) {
	payload, err := json.Marshal(envelope{Origin: r.instanceID, Event: event})
	if err != nil {
		r.log.Warn("realtime relay encode failed", zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, r.prefix+":"+event.Channel, payload).Err(); err != nil {
		r.log.Warn("realtime relay publish failed", zap.String("channel", event.Channel), zap.Error(err))
	}
}

func (r *RedisRelay) handle(redisChannel string, payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.log.Warn("realtime relay dropped malformed message", zap.String("channel", redisChannel), zap.Error(err))
		return
	}
	if env.Origin == r.instanceID {
		return
	}
	if env.Event.Channel != strings.TrimPrefix(redisChannel, r.prefix+":") || !ValidChannel(env.Event.Channel) {
		r.log.Warn("realtime relay channel mismatch", zap.String("channel", redisChannel))
		return
	}
	r.hub.Deliver(env.Event)
}
