package batch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/dispatch"
	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// DefaultSeparator joins message contents into the task payload.
const DefaultSeparator = "\n\n"

// MetaConversationID records the conversation a task was aggregated from.
const MetaConversationID = "conversation_id"

// AggregatorRepository is the persistence the aggregator needs.
type AggregatorRepository interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	ListPendingMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error)
	SaveBatch(ctx context.Context, task *model.RequestTask, msgs []*model.Message) error
	TransitionRequestTask(ctx context.Context, id string, from []model.RequestTaskStatus, to model.RequestTaskStatus) error
	SaveMessages(ctx context.Context, msgs ...*model.Message) error
	SaveFailedMessage(ctx context.Context, fm *model.FailedMessage) error
}

// Locker serializes flushes of one conversation.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// AggregatorConfig holds aggregation settings.
type AggregatorConfig struct {
	// MaxMessages caps the messages taken into one task; zero means no cap.
	MaxMessages int
	Separator   string
}

// Aggregator turns pending conversation messages into request tasks.
type Aggregator struct {
	repo    AggregatorRepository
	locker  Locker
	gateway dispatch.Gateway
	ids     idgen.Generator
	clock   clock.Clock
	cfg     AggregatorConfig
	logger  *logger.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(
	repo AggregatorRepository,
	locker Locker,
	gateway dispatch.Gateway,
	ids idgen.Generator,
	c clock.Clock,
	cfg AggregatorConfig,
	log *logger.Logger,
) *Aggregator {
	if cfg.Separator == "" {
		cfg.Separator = DefaultSeparator
	}
	return &Aggregator{
		repo:    repo,
		locker:  locker,
		gateway: gateway,
		ids:     ids,
		clock:   c,
		cfg:     cfg,
		logger:  log.Named("aggregator"),
	}
}

// Flush aggregates the pending messages of a conversation into one request
// task and enqueues it. It returns a nil task when nothing is pending.
func (a *Aggregator) Flush(ctx context.Context, conversationID string) (*model.RequestTask, []*model.Message, error) {
	unlock, err := a.locker.Lock(ctx, "conversation:"+conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to lock conversation %s: %w", conversationID, err)
	}
	defer unlock()

	if _, err := a.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, nil, fmt.Errorf("failed to load conversation %s: %w", conversationID, err)
	}

	pending, err := a.repo.ListPendingMessages(ctx, conversationID, a.cfg.MaxMessages)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil, nil
	}

	now := a.clock.Now()
	task := &model.RequestTask{
		ID:           a.ids.NewID(),
		TaskID:       a.ids.NewTaskID(idgen.PrefixTask),
		Status:       model.TaskPending,
		MessageCount: len(pending),
		Metadata:     map[string]any{MetaConversationID: conversationID},
		CreatedAt:    now,
	}

	contents := make([]string, 0, len(pending))
	for _, m := range pending {
		contents = append(contents, m.Content)
		taskID := task.ID
		m.RequestTaskID = &taskID
		m.Status = model.MessageAggregated
	}
	task.Content = strings.Join(contents, a.cfg.Separator)

	if err := a.repo.SaveBatch(ctx, task, pending); err != nil {
		return nil, nil, fmt.Errorf("failed to persist request task: %w", err)
	}

	log := a.logger.WithTask(task.ID, task.TaskID)
	env := dispatch.NewBatchEnvelope(model.NewBatchJob(task, pending), now)
	if err := a.gateway.Enqueue(ctx, env); err != nil {
		log.Error("failed to dispatch request task", zap.Error(err))
		if ferr := a.failDispatch(ctx, task, pending, err); ferr != nil {
			err = errors.Join(err, ferr)
		}
		return nil, nil, fmt.Errorf("failed to dispatch request task: %w", err)
	}

	metrics.BatchMessagesTotal.Add(float64(len(pending)))
	log.Info("request task aggregated",
		zap.String("conversation_id", conversationID),
		zap.Int("message_count", task.MessageCount),
	)
	return task, pending, nil
}

// failDispatch records an enqueue failure so the task can be retried by an
// operator like any failed submission.
func (a *Aggregator) failDispatch(ctx context.Context, task *model.RequestTask, msgs []*model.Message, cause error) error {
	for _, m := range msgs {
		m.Status = model.MessageFailed
	}
	if err := a.repo.SaveMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to mark messages failed: %w", err)
	}

	rec := failureRecorder{save: a.repo.SaveFailedMessage}
	if _, err := rec.record(ctx, task, msgs, cause, model.ErrorClassDispatch, submission{}, a.clock.Now()); err != nil {
		return err
	}

	if err := a.repo.TransitionRequestTask(ctx, task.ID, []model.RequestTaskStatus{model.TaskPending}, model.TaskFailed); err != nil {
		return fmt.Errorf("failed to mark request task failed: %w", err)
	}
	task.Status = model.TaskFailed
	return nil
}
