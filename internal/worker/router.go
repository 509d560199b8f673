// Package worker routes queued work to the batch processor and the retry
// orchestrator and runs the consumers that feed them.
package worker

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/dispatch"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/retry"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// BatchHandler submits one batch job.
type BatchHandler interface {
	Handle(ctx context.Context, job model.BatchJob) error
}

// RetryHandler runs one retry directive.
type RetryHandler interface {
	Handle(ctx context.Context, req model.RetryRequest) (*retry.Result, error)
}

// Router dispatches envelopes by kind.
type Router struct {
	batch  BatchHandler
	retry  RetryHandler
	logger *logger.Logger
}

// NewRouter creates a router.
func NewRouter(batches BatchHandler, retries RetryHandler, log *logger.Logger) *Router {
	return &Router{batch: batches, retry: retries, logger: log.Named("worker")}
}

// Handle implements dispatch.Handler. Retry directive failures are marked
// permanent unless ctx ended; processor errors are returned unchanged.
func (r *Router) Handle(ctx context.Context, e *dispatch.Envelope) error {
	err := r.route(ctx, e)

	result := "ok"
	switch {
	case err == nil:
	case dispatch.IsPermanent(err):
		result = "permanent_error"
	default:
		result = "transient_error"
	}
	metrics.WorkerHandledTotal.WithLabelValues(string(e.Kind), result).Inc()

	if err != nil {
		r.logger.Warn("work unit failed",
			zap.String("envelope_id", e.ID),
			zap.String("kind", string(e.Kind)),
			zap.Int("attempt", e.Attempt),
			zap.String("result", result),
			zap.Error(err),
		)
	}
	return err
}

func (r *Router) route(ctx context.Context, e *dispatch.Envelope) error {
	if err := e.Validate(); err != nil {
		return dispatch.Permanent(err)
	}

	switch e.Kind {
	case dispatch.KindBatchSubmit:
		job := *e.Batch
		job.Attempt = e.Attempt
		return r.batch.Handle(ctx, job)
	case dispatch.KindRetryRequest:
		if _, err := r.retry.Handle(ctx, *e.Retry); err != nil {
			if ctx.Err() != nil {
				return err
			}
			return dispatch.Permanent(err)
		}
		return nil
	default:
		return dispatch.Permanent(fmt.Errorf("unknown envelope kind %q", e.Kind))
	}
}

// Run starts n consumers feeding h and blocks until ctx is done and every
// consumer has returned.
func Run(ctx context.Context, c dispatch.Consumer, h dispatch.Handler, n int, log *logger.Logger) {
	if n < 1 {
		n = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			if err := c.Consume(ctx, h); err != nil && ctx.Err() == nil {
				log.Error("consumer stopped", zap.Int("worker", id), zap.Error(err))
			}
		}(i)
	}
	wg.Wait()
}
