package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/SukunDev/emo-chan-gui/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultChannel = "emo:events"

// Envelope wraps every mirrored payload so subscribers can tell listener
// instances apart.
type Envelope struct {
	InstanceID string          `json:"instance_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Payload    json.RawMessage `json:"payload"`
}

// Publisher is the subset of *redis.Client the event bus needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// EventBus mirrors hub broadcasts onto a Redis pub/sub channel.
type EventBus struct {
	client     Publisher
	instanceID string
	channel    string
	logger     *zap.SugaredLogger
	now        func() time.Time
}

var _ ports.EventMirror = (*EventBus)(nil)

func NewEventBus(client Publisher, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
		now:        time.Now,
	}
}

func (eb *EventBus) Name() string { return "redis" }

// Publish wraps payload, which must already be JSON, and publishes it.
func (eb *EventBus) Publish(ctx context.Context, payload []byte) error {
	data, err := json.Marshal(Envelope{
		InstanceID: eb.instanceID,
		Timestamp:  eb.now().UTC(),
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	receivers, err := eb.client.Publish(ctx, eb.channel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"channel", eb.channel,
		"receivers", receivers,
		"bytes", len(data),
	)
	return nil
}

// NewRedisClient creates a Redis client and verifies the connection.
func NewRedisClient(ctx context.Context, address, password string, db, poolSize int, logger *zap.SugaredLogger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         address,
		Password:     password,
		DB:           db,
		PoolSize:     poolSize,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Infow("connected to Redis",
		"address", address,
		"db", db,
		"pool_size", poolSize,
	)
	return client, nil
}
