package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type recordingPublisher struct {
	channel string
	message []byte
	err     error
}

func (p *recordingPublisher) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	p.channel = channel
	p.message, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if p.err != nil {
		cmd.SetErr(p.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestEventBus_PublishWrapsPayload(t *testing.T) {
	pub := &recordingPublisher{}
	bus := NewEventBus(pub, "listener-1", "", zaptest.NewLogger(t).Sugar())
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	require.NoError(t, bus.Publish(context.Background(), []byte(`{"type":"audio"}`)))
	assert.Equal(t, DefaultChannel, pub.channel)

	var env Envelope
	require.NoError(t, json.Unmarshal(pub.message, &env))
	assert.Equal(t, "listener-1", env.InstanceID)
	assert.True(t, fixed.Equal(env.Timestamp))
	assert.JSONEq(t, `{"type":"audio"}`, string(env.Payload))
	assert.Equal(t, "redis", bus.Name())
}

func TestEventBus_PublishError(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("connection refused")}
	bus := NewEventBus(pub, "listener-1", "custom", zaptest.NewLogger(t).Sugar())

	err := bus.Publish(context.Background(), []byte(`{}`))
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, "custom", pub.channel)
}

func TestEventBus_RejectsNonJSONPayload(t *testing.T) {
	bus := NewEventBus(&recordingPublisher{}, "x", "", zaptest.NewLogger(t).Sugar())
	assert.Error(t, bus.Publish(context.Background(), []byte("not json")))
}
