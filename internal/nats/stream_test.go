package nats

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/chat-relay/internal/dispatch"
)

func TestSubject(t *testing.T) {
	assert.Equal(t, "relay.work.batch.submit", Subject(dispatch.KindBatchSubmit))
	assert.Equal(t, "relay.work.retry.request", Subject(dispatch.KindRetryRequest))
}

func TestWorkStreamConfig(t *testing.T) {
	cfg := StreamConfig{}.withDefaults()
	sc := workStreamConfig(cfg)

	assert.Equal(t, StreamName, sc.Name)
	assert.Equal(t, []string{"relay.work.>"}, sc.Subjects)
	assert.Equal(t, jetstream.WorkQueuePolicy, sc.Retention)
	assert.Equal(t, 1, sc.Replicas)
	assert.Equal(t, 7*24*time.Hour, sc.MaxAge)
}

func TestWorkConsumerConfig(t *testing.T) {
	cc := workConsumerConfig(StreamConfig{Durable: "w", MaxDeliver: 3, AckWait: time.Minute}.withDefaults())

	assert.Equal(t, "w", cc.Durable)
	assert.Equal(t, jetstream.AckExplicitPolicy, cc.AckPolicy)
	assert.Equal(t, 3, cc.MaxDeliver)
	assert.Equal(t, time.Minute, cc.AckWait)
	assert.Equal(t, "relay.work.>", cc.FilterSubject)
}

func TestStreamConfigDefaults(t *testing.T) {
	cfg := StreamConfig{}.withDefaults()
	assert.Equal(t, DefaultDurable, cfg.Durable)
	assert.Equal(t, dispatch.DefaultMaxAttempts, cfg.MaxDeliver)
	assert.Equal(t, 10, cfg.FetchBatch)
	assert.Equal(t, 2*time.Second, cfg.FetchWait)
}

func TestIsFetchTimeout(t *testing.T) {
	assert.True(t, isFetchTimeout(context.DeadlineExceeded))
	assert.True(t, isFetchTimeout(jetstream.ErrNoMessages))
	assert.False(t, isFetchTimeout(jetstream.ErrStreamNotFound))
}
