package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/dispatch"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

const (
	// StreamName is the name of the work stream.
	StreamName = "RELAY_WORK"

	// SubjectPrefix is the prefix for all work subjects.
	SubjectPrefix = "relay.work"

	// DefaultDurable names the shared worker consumer.
	DefaultDurable = "relay-workers"

	backend = "nats"
)

// StreamConfig tunes the work stream and its consumer.
type StreamConfig struct {
	Replicas   int
	MaxAge     time.Duration
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
	FetchBatch int
	FetchWait  time.Duration
	NakDelay   time.Duration
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 7 * 24 * time.Hour
	}
	if c.Durable == "" {
		c.Durable = DefaultDurable
	}
	if c.MaxDeliver <= 0 {
		c.MaxDeliver = dispatch.DefaultMaxAttempts
	}
	if c.AckWait <= 0 {
		c.AckWait = 2 * time.Minute
	}
	if c.FetchBatch <= 0 {
		c.FetchBatch = 10
	}
	if c.FetchWait <= 0 {
		c.FetchWait = 2 * time.Second
	}
	if c.NakDelay <= 0 {
		c.NakDelay = 5 * time.Second
	}
	return c
}

// Subject returns the subject work of the given kind is published on.
func Subject(kind dispatch.Kind) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, kind)
}

func workStreamConfig(cfg StreamConfig) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{SubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      cfg.MaxAge,
		Storage:     jetstream.FileStorage,
		Replicas:    cfg.Replicas,
		Duplicates:  2 * time.Minute,
		Description: "Batch submissions and retry directives awaiting a worker",
	}
}

func workConsumerConfig(cfg StreamConfig) jetstream.ConsumerConfig {
	return jetstream.ConsumerConfig{
		Durable:       cfg.Durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       cfg.AckWait,
		MaxDeliver:    cfg.MaxDeliver,
		FilterSubject: SubjectPrefix + ".>",
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}
}

// StreamManager handles JetStream stream operations.
type StreamManager struct {
	client *Client
	cfg    StreamConfig
}

// NewStreamManager creates a new stream manager.
func NewStreamManager(client *Client, cfg StreamConfig) *StreamManager {
	return &StreamManager{client: client, cfg: cfg.withDefaults()}
}

// EnsureStream ensures the work stream exists with proper configuration.
func (m *StreamManager) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	if _, err := js.CreateStream(ctx, workStreamConfig(m.cfg)); err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	m.client.logger.Info("created work stream", zap.String("stream", StreamName))
	return nil
}

// Gateway returns a dispatch gateway publishing onto the work stream.
func (m *StreamManager) Gateway() *Gateway {
	return &Gateway{js: m.client.JetStream()}
}

// Consumer binds the durable worker consumer.
func (m *StreamManager) Consumer(ctx context.Context) (*Consumer, error) {
	cons, err := m.client.JetStream().CreateOrUpdateConsumer(ctx, StreamName, workConsumerConfig(m.cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	return &Consumer{
		consumer: cons,
		cfg:      m.cfg,
		logger:   m.client.logger,
	}, nil
}

// Gateway publishes envelopes to JetStream. The envelope id is used as the
// message id so duplicate publishes inside the stream's window collapse.
type Gateway struct {
	js jetstream.JetStream
}

// Enqueue implements dispatch.Gateway.
func (g *Gateway) Enqueue(ctx context.Context, e *dispatch.Envelope) error {
	data, err := dispatch.Encode(e)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues(backend, string(e.Kind), "invalid").Inc()
		return err
	}

	if _, err := g.js.Publish(ctx, Subject(e.Kind), data, jetstream.WithMsgID(e.ID)); err != nil {
		metrics.DispatchTotal.WithLabelValues(backend, string(e.Kind), "error").Inc()
		return fmt.Errorf("failed to publish envelope: %w", err)
	}
	metrics.DispatchTotal.WithLabelValues(backend, string(e.Kind), "ok").Inc()
	return nil
}

// Consumer pulls envelopes from the durable worker consumer.
type Consumer struct {
	consumer jetstream.Consumer
	cfg      StreamConfig
	logger   *logger.Logger
}

// Consume implements dispatch.Consumer. Successful work is acked, permanent
// failures are terminated and anything else is redelivered after NakDelay
// until MaxDeliver is reached.
func (c *Consumer) Consume(ctx context.Context, h dispatch.Handler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := c.consumer.Fetch(c.cfg.FetchBatch, jetstream.FetchMaxWait(c.cfg.FetchWait))
		if err != nil {
			c.logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.FetchWait):
			}
			continue
		}

		for msg := range batch.Messages() {
			c.handle(ctx, h, msg)
		}
		if err := batch.Error(); err != nil && !isFetchTimeout(err) {
			c.logger.Warn("fetch batch error", zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, h dispatch.Handler, msg jetstream.Msg) {
	e, err := dispatch.Decode(msg.Data())
	if err != nil {
		c.logger.Error("dropping malformed envelope", zap.String("subject", msg.Subject()), zap.Error(err))
		c.settle(msg.Term())
		return
	}

	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 0 {
		e.Attempt = int(meta.NumDelivered - 1)
	}

	err = h.Handle(ctx, e)
	switch {
	case err == nil:
		c.settle(msg.Ack())
	case dispatch.IsPermanent(err):
		c.settle(msg.Term())
	default:
		c.settle(msg.NakWithDelay(c.cfg.NakDelay))
	}
}

func (c *Consumer) settle(err error) {
	if err != nil {
		c.logger.Warn("failed to settle message", zap.Error(err))
	}
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, jetstream.ErrNoMessages)
}
