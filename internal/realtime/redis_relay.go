package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/pixelfield/internal/fields"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannelPrefix = "pixelfield"

var (
	errMissingRedisClient = errors.New("redis client is required")
	errMissingDispatcher  = errors.New("dispatcher is required")
)

// RedisRelayConfig wires a relay between the local dispatcher and Redis pub/sub.
type RedisRelayConfig struct {
	Client        redis.UniversalClient
	Dispatcher    *Dispatcher
	ChannelPrefix string
	InstanceID    string
	Logger        *zap.Logger
}

// RedisRelay publishes local events to Redis and replays events from other instances locally.
type RedisRelay struct {
	client     redis.UniversalClient
	dispatcher *Dispatcher
	prefix     string
	instanceID string
	logger     *zap.Logger

	mu        sync.RWMutex
	observers []func(fields.ChangeEvent)
}

type envelope struct {
	Origin string             `json:"origin"`
	Event  fields.ChangeEvent `json:"event"`
}

// NewRedis opens a Redis client for the relay.
func NewRedis(address, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
}

func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{
		client:     cfg.Client,
		dispatcher: cfg.Dispatcher,
		prefix:     prefix,
		instanceID: instanceID,
		logger:     logger,
	}, nil
}

// Channel returns the Redis channel carrying events for fieldID.
func (r *RedisRelay) Channel(fieldID string) string {
	return fmt.Sprintf("%s:field:%s", r.prefix, fieldID)
}

// Publish delivers locally, then forwards to Redis. Redis failures are logged, not returned.
func (r *RedisRelay) Publish(ctx context.Context, event fields.ChangeEvent) {
	r.dispatcher.Publish(ctx, event)

	payload, err := json.Marshal(envelope{Origin: r.instanceID, Event: event})
	if err != nil {
		r.logger.Error("encode change event", zap.String("field_id", event.FieldID), zap.Error(err))
		return
	}
	if err := r.client.Publish(ctx, r.Channel(event.FieldID), payload).Err(); err != nil {
		r.logger.Warn("redis publish failed",
			zap.String("operation", "realtime.redis_publish"),
			zap.String("field_id", event.FieldID),
			zap.Error(err),
		)
	}
}

// OnReplay registers fn to see every foreign event before it reaches the local dispatcher.
func (r *RedisRelay) OnReplay(fn func(fields.ChangeEvent)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, fn)
}

// Run subscribes to every field channel and replays foreign events until ctx ends.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.client.PSubscribe(ctx, r.Channel("*"))
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe: %w", err)
	}
	r.logger.Info("redis relay subscribed", zap.String("pattern", r.Channel("*")), zap.String("instance_id", r.instanceID))

	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}
			r.handlePayload(ctx, message.Payload)
		}
	}
}

// handlePayload reports whether the payload was replayed into the dispatcher.
func (r *RedisRelay) handlePayload(ctx context.Context, payload string) bool {
	var decoded envelope
	if err := json.Unmarshal([]byte(payload), &decoded); err != nil {
		r.logger.Warn("discarding malformed relay payload", zap.Error(err))
		return false
	}
	if decoded.Origin == r.instanceID {
		return false
	}
	r.mu.RLock()
	observers := r.observers
	r.mu.RUnlock()
	for _, observe := range observers {
		observe(decoded.Event)
	}
	r.dispatcher.Publish(ctx, decoded.Event)
	return true
}
