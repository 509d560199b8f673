package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/config"
	"github.com/capitalize-ai/chat-relay/internal/dispatch"
	"github.com/capitalize-ai/chat-relay/internal/handler"
	natsclient "github.com/capitalize-ai/chat-relay/internal/nats"
	redisclient "github.com/capitalize-ai/chat-relay/internal/redis"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

type locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// backends holds the storage, queue and lock implementations selected by
// config.
type backends struct {
	store    store.Store
	gateway  dispatch.Gateway
	consumer dispatch.Consumer
	locker   locker
	checks   map[string]handler.Pinger
	closers  []func()
}

func (b *backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func openBackends(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *backends, err error) {
	b := &backends{checks: map[string]handler.Pinger{}}
	defer func() {
		if err != nil {
			b.Close()
		}
	}()

	switch cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgres(ctx, store.PostgresConfig{
			DSN:             cfg.Database.URL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		b.store = pg
	default:
		b.store = store.NewMemory()
	}
	b.closers = append(b.closers, func() { _ = b.store.Close() })
	b.checks["store"] = b.store
	b.locker = b.store

	var rc *redisclient.Client
	if cfg.UsesRedis() {
		rc, err = redisclient.Connect(ctx, redisclient.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, log)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() { _ = rc.Close() })
		b.checks["redis"] = rc
	}
	if cfg.Lock.Backend == "redis" {
		b.locker = redisclient.NewLocker(rc, cfg.Lock.TTL)
	}

	switch cfg.Queue.Backend {
	case "nats":
		nc, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATS.URL,
			Name:     "chat-relay",
			CAFile:   cfg.NATS.CAFile,
			CertFile: cfg.NATS.CertFile,
			KeyFile:  cfg.NATS.KeyFile,
			Token:    cfg.NATS.Token,
		}, log)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, nc.Close)
		b.checks["nats"] = nc

		streams := natsclient.NewStreamManager(nc, natsclient.StreamConfig{
			Replicas:   cfg.NATS.Replicas,
			Durable:    cfg.NATS.Durable,
			MaxDeliver: cfg.Queue.MaxAttempts,
			AckWait:    cfg.NATS.AckWait,
		})
		if err := streams.EnsureStream(ctx); err != nil {
			return nil, err
		}
		consumer, err := streams.Consumer(ctx)
		if err != nil {
			return nil, err
		}
		b.gateway, b.consumer = streams.Gateway(), consumer
	case "redis":
		q := redisclient.NewQueue(rc, redisclient.QueueConfig{
			Key:         cfg.Redis.QueueKey,
			MaxAttempts: cfg.Queue.MaxAttempts,
		})
		b.gateway, b.consumer = q, q
	default:
		q := dispatch.NewMemory(0)
		q.MaxAttempts = cfg.Queue.MaxAttempts
		b.gateway, b.consumer = q, q
	}

	log.Info("backends ready",
		zap.String("store", cfg.Store.Backend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("lock", cfg.Lock.Backend),
	)
	return b, nil
}
