package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/dispatch"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

const tracerName = "github.com/capitalize-ai/chat-relay/internal/retry"

const unclaimTimeout = 5 * time.Second

// Repository is the persistence the orchestrator needs.
type Repository interface {
	SubjectReader
	GetFailedMessage(ctx context.Context, id string) (*model.FailedMessage, error)
	AppendRetryHistory(ctx context.Context, id string, entry model.RetryHistoryEntry) error
	MarkRetried(ctx context.Context, id string, entry model.RetryHistoryEntry) error
	SaveBatch(ctx context.Context, task *model.RequestTask, msgs []*model.Message) error
	TransitionRequestTask(ctx context.Context, id string, from []model.RequestTaskStatus, to model.RequestTaskStatus) error
}

// Locker serializes work on one key across workers.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// FailedMessageLockKey is the lock held for the whole retry of one failed message.
func FailedMessageLockKey(id string) string {
	return "failed_message:" + id
}

// RequestTaskLockKey is the lock held while a batch retry supersedes a task.
func RequestTaskLockKey(id string) string {
	return "request_task:" + id
}

// Config holds orchestrator settings.
type Config struct {
	// DispatchTimeout bounds one enqueue call; zero means no bound.
	DispatchTimeout time.Duration
}

// Result describes a dispatched retry.
type Result struct {
	FailedMessageID string             `json:"failed_message_id"`
	Mode            Mode               `json:"mode"`
	RequestTask     *model.RequestTask `json:"request_task"`
	Messages        []*model.Message   `json:"messages"`
	OriginalTaskID  string             `json:"original_request_task_id,omitempty"`
}

// Orchestrator executes retry directives. At most one directive per failed
// message runs at a time: the failed-message lock is held from the first
// history checkpoint until the terminal one.
type Orchestrator struct {
	repo    Repository
	locker  Locker
	gateway dispatch.Gateway
	engine  *Engine
	clock   clock.Clock
	cfg     Config
	logger  *logger.Logger
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(
	repo Repository,
	locker Locker,
	gateway dispatch.Gateway,
	engine *Engine,
	c clock.Clock,
	cfg Config,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		repo:    repo,
		locker:  locker,
		gateway: gateway,
		engine:  engine,
		clock:   c,
		cfg:     cfg,
		logger:  log.Named("retry"),
	}
}

// Handle runs one retry directive to completion.
func (o *Orchestrator) Handle(ctx context.Context, req model.RetryRequest) (res *Result, err error) {
	mode := ModeOf(req.RetryWholeBatch)
	start := time.Now()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "retry.handle")
	span.SetAttributes(
		attribute.String("failed_message_id", req.FailedMessageID),
		attribute.String("retry_mode", string(mode)),
	)
	defer func() {
		metrics.RecordRetry(string(mode), OutcomeLabel(err), time.Since(start).Seconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := o.logger.WithFailedMessage(req.FailedMessageID, req.RetryWholeBatch)

	unlock, err := o.locker.Lock(ctx, FailedMessageLockKey(req.FailedMessageID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock failed message %s: %w", req.FailedMessageID, err)
	}
	defer unlock()

	fm, err := o.repo.GetFailedMessage(ctx, req.FailedMessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &NotFoundError{Kind: KindFailedMessage, ID: req.FailedMessageID}
		}
		return nil, fmt.Errorf("failed to load failed message: %w", err)
	}
	if fm.Retried {
		log.Info("failed message already retried")
		return nil, &AlreadyRetriedError{FailedMessageID: fm.ID}
	}

	if err := o.appendHistory(ctx, fm.ID, model.HistoryRetryStarted); err != nil {
		return nil, err
	}

	res, err = o.retry(ctx, fm, req, mode)
	if err != nil {
		var already *AlreadyRetriedError
		if !errors.As(err, &already) {
			if herr := o.appendHistory(ctx, fm.ID, model.RetryFailed(err.Error())); herr != nil {
				log.Error("failed to record retry failure", zap.Error(herr))
			}
		}
		log.Warn("retry failed", zap.Error(err))
		return nil, err
	}

	log.Info("retry dispatched",
		zap.String("request_task_id", res.RequestTask.ID),
		zap.String("task_id", res.RequestTask.TaskID),
		zap.Int("message_count", res.RequestTask.MessageCount),
	)
	return res, nil
}

func (o *Orchestrator) retry(ctx context.Context, fm *model.FailedMessage, req model.RetryRequest, mode Mode) (*Result, error) {
	release, err := o.lockTask(ctx, fm, req.RetryWholeBatch)
	if err != nil {
		return nil, err
	}
	defer release()

	subject, err := LoadSubject(ctx, o.repo, fm, req.RetryWholeBatch)
	if err != nil {
		return nil, err
	}

	plan, err := o.engine.Plan(subject, req)
	if err != nil {
		return nil, err
	}

	res := &Result{
		FailedMessageID: fm.ID,
		Mode:            mode,
		RequestTask:     plan.Task,
		Messages:        plan.Messages,
	}

	// Claim the original before the replacement is persisted or dispatched.
	if plan.Original != nil {
		err := o.repo.TransitionRequestTask(ctx, plan.Original.ID, model.RetriableStatuses, model.TaskRetrying)
		if errors.Is(err, store.ErrStatusConflict) {
			return nil, &NotRetriableError{
				FailedMessageID: fm.ID,
				RequestTaskID:   plan.Original.ID,
				Status:          plan.Original.Status,
				Reason:          "task status changed before the retry was dispatched",
			}
		}
		if err != nil {
			return nil, fmt.Errorf("failed to mark request task retrying: %w", err)
		}
		res.OriginalTaskID = plan.Original.ID
	}

	if err := o.repo.SaveBatch(ctx, plan.Task, plan.Messages); err != nil {
		o.unclaim(ctx, plan)
		return nil, fmt.Errorf("failed to persist retry task: %w", err)
	}

	if err := o.dispatch(ctx, plan); err != nil {
		o.unclaim(ctx, plan)
		return nil, &DispatchError{Err: err}
	}

	entry := model.RetryHistoryEntry{Timestamp: o.clock.Now(), Result: model.HistoryRetrySuccess}
	if err := o.repo.MarkRetried(ctx, fm.ID, entry); err != nil {
		if errors.Is(err, store.ErrAlreadyRetried) {
			return nil, &AlreadyRetriedError{FailedMessageID: fm.ID}
		}
		return nil, fmt.Errorf("failed to mark failed message retried: %w", err)
	}

	return res, nil
}

// unclaim returns the original task to the status it had before the retry
// claimed it.
func (o *Orchestrator) unclaim(ctx context.Context, plan *Plan) {
	if plan.Original == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unclaimTimeout)
	defer cancel()

	err := o.repo.TransitionRequestTask(ctx, plan.Original.ID, []model.RequestTaskStatus{model.TaskRetrying}, plan.Original.Status)
	if err != nil {
		o.logger.Error("failed to restore request task status",
			zap.String("request_task_id", plan.Original.ID),
			zap.String("status", string(plan.Original.Status)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) dispatch(ctx context.Context, plan *Plan) error {
	if o.cfg.DispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.DispatchTimeout)
		defer cancel()
	}
	env := dispatch.NewBatchEnvelope(model.NewBatchJob(plan.Task, plan.Messages), o.clock.Now())
	return o.gateway.Enqueue(ctx, env)
}

// lockTask takes the request task lock for a batch retry. The task is read
// only after the lock is held, so two failed messages pointing at one task
// cannot both supersede it.
func (o *Orchestrator) lockTask(ctx context.Context, fm *model.FailedMessage, wholeBatch bool) (func(), error) {
	if !wholeBatch || fm.RequestTaskID == nil {
		return func() {}, nil
	}
	unlock, err := o.locker.Lock(ctx, RequestTaskLockKey(*fm.RequestTaskID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock request task %s: %w", *fm.RequestTaskID, err)
	}
	return unlock, nil
}

func (o *Orchestrator) appendHistory(ctx context.Context, id, result string) error {
	entry := model.RetryHistoryEntry{Timestamp: o.clock.Now(), Result: result}
	if err := o.repo.AppendRetryHistory(ctx, id, entry); err != nil {
		return fmt.Errorf("failed to append retry history: %w", err)
	}
	return nil
}

// OutcomeLabel maps a retry error to a metrics label.
func OutcomeLabel(err error) string {
	var (
		notFound     *NotFoundError
		already      *AlreadyRetriedError
		notRetriable *NotRetriableError
		missing      *MissingDataError
		dispatchErr  *DispatchError
	)
	switch {
	case err == nil:
		return "success"
	case errors.As(err, &notFound):
		return "not_found"
	case errors.As(err, &already):
		return "already_retried"
	case errors.As(err, &notRetriable):
		return "not_retriable"
	case errors.As(err, &missing):
		return "missing_data"
	case errors.As(err, &dispatchErr):
		return "dispatch_error"
	default:
		return "error"
	}
}
