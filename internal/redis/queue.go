package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/dispatch"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

const (
	// DefaultQueueKey is the list work is pushed to.
	DefaultQueueKey = "relay:queue:work"

	backend = "redis"
)

// QueueConfig tunes the list queue.
type QueueConfig struct {
	Key         string
	MaxAttempts int
	PollTimeout time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Key == "" {
		c.Key = DefaultQueueKey
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = dispatch.DefaultMaxAttempts
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 2 * time.Second
	}
	return c
}

// DeadLetterKey returns the list holding envelopes that will not be retried.
func (c QueueConfig) DeadLetterKey() string {
	return c.Key + ":dead"
}

// Queue is a FIFO work queue on a Redis list: LPUSH to enqueue, BRPOP to
// consume. It implements both dispatch.Gateway and dispatch.Consumer.
type Queue struct {
	client *Client
	cfg    QueueConfig
}

// NewQueue creates a queue on client.
func NewQueue(client *Client, cfg QueueConfig) *Queue {
	return &Queue{client: client, cfg: cfg.withDefaults()}
}

// Enqueue implements dispatch.Gateway.
func (q *Queue) Enqueue(ctx context.Context, e *dispatch.Envelope) error {
	data, err := dispatch.Encode(e)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(backend, string(e.Kind), "invalid").Inc()
		return err
	}

	if err := q.client.rdb.LPush(ctx, q.cfg.Key, data).Err(); err != nil {
		metrics.DispatchTotal.WithLabelValues(backend, string(e.Kind), "error").Inc()
		return fmt.Errorf("failed to push envelope: %w", err)
	}
	metrics.DispatchTotal.WithLabelValues(backend, string(e.Kind), "ok").Inc()
	return nil
}

// Len returns the number of queued envelopes.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.rdb.LLen(ctx, q.cfg.Key).Result()
}

// Consume implements dispatch.Consumer.
func (q *Queue) Consume(ctx context.Context, h dispatch.Handler) error {
	log := q.client.logger
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := q.client.rdb.BRPop(ctx, q.cfg.PollTimeout, q.cfg.Key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("queue pop failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(q.cfg.PollTimeout):
			}
			continue
		}

		// BRPOP returns the key followed by the value.
		payload := []byte(res[1])
		e, err := dispatch.Decode(payload)
		if err != nil {
			log.Error("dropping malformed envelope", zap.Error(err))
			q.push(q.cfg.DeadLetterKey(), payload)
			continue
		}

		herr := h.Handle(ctx, e)
		e.Attempt++
		switch next := settle(herr, e.Attempt, q.cfg.MaxAttempts, ctx.Err() != nil); next {
		case settleDone:
		case settleRequeue:
			q.repush(q.cfg.Key, e)
		case settleDead:
			log.Warn("envelope dead-lettered",
				zap.String("envelope_id", e.ID),
				zap.String("kind", string(e.Kind)),
				zap.Int("attempt", e.Attempt),
				zap.Error(herr),
			)
			q.repush(q.cfg.DeadLetterKey(), e)
		}
	}
}

func (q *Queue) repush(key string, e *dispatch.Envelope) {
	data, err := dispatch.Encode(e)
	if err != nil {
		q.client.logger.Error("failed to encode envelope", zap.String("envelope_id", e.ID), zap.Error(err))
		return
	}
	q.push(key, data)
}

func (q *Queue) push(key string, data []byte) {
	// Detached so work is not lost when the consumer is shutting down.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.client.rdb.LPush(ctx, key, data).Err(); err != nil {
		q.client.logger.Error("failed to push envelope", zap.String("key", key), zap.Error(err))
	}
}

type settlement int

const (
	settleDone settlement = iota
	settleRequeue
	settleDead
)

// settle decides what happens to an envelope after a delivery. Work
// interrupted by shutdown is always requeued.
func settle(err error, attempt, maxAttempts int, shuttingDown bool) settlement {
	switch {
	case err == nil:
		return settleDone
	case dispatch.IsPermanent(err):
		return settleDead
	case shuttingDown:
		return settleRequeue
	case attempt >= maxAttempts:
		return settleDead
	default:
		return settleRequeue
	}
}
