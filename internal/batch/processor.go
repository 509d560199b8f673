package batch

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
	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

const tracerName = "github.com/capitalize-ai/chat-relay/internal/batch"

// finishTimeout bounds the writes that record a submission result. They run
// detached from the job context so shutdown does not strand a task.
const finishTimeout = 10 * time.Second

// ProcessorRepository is the persistence the processor needs.
type ProcessorRepository interface {
	GetRequestTask(ctx context.Context, id string) (*model.RequestTask, error)
	SaveRequestTask(ctx context.Context, task *model.RequestTask) error
	TransitionRequestTask(ctx context.Context, id string, from []model.RequestTaskStatus, to model.RequestTaskStatus) error
	ListMessagesByTask(ctx context.Context, requestTaskID string) ([]*model.Message, error)
	ListFailedByTask(ctx context.Context, requestTaskID string) ([]*model.FailedMessage, error)
	SaveMessages(ctx context.Context, msgs ...*model.Message) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, conv *model.Conversation) error
	SaveFailedMessage(ctx context.Context, fm *model.FailedMessage) error
}

// ProcessorConfig holds submission settings.
type ProcessorConfig struct {
	// CallTimeout bounds one remote call; zero means no bound.
	CallTimeout time.Duration
	Model       string
	MaxTokens   int
}

// Processor submits request tasks to the remote API and records the result.
// Failures are persisted as FailedMessage records and are never retried
// automatically.
type Processor struct {
	repo   ProcessorRepository
	client llm.Client
	clock  clock.Clock
	cfg    ProcessorConfig
	logger *logger.Logger
}

// NewProcessor creates a processor.
func NewProcessor(
	repo ProcessorRepository,
	client llm.Client,
	c clock.Clock,
	cfg ProcessorConfig,
	log *logger.Logger,
) *Processor {
	return &Processor{
		repo:   repo,
		client: client,
		clock:  c,
		cfg:    cfg,
		logger: log.Named("processor"),
	}
}

// Handle submits one batch job. A returned error means the job should be
// redelivered unless it is marked permanent; a failed submission is recorded
// and returns nil.
//
// A redelivered job resumes a task left in processing. If failure records
// already exist the failure is finished without calling the remote API again;
// otherwise the task is resubmitted.
func (p *Processor) Handle(ctx context.Context, job model.BatchJob) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "batch.process")
	span.SetAttributes(
		attribute.String("request_task_id", job.RequestTaskID),
		attribute.String("task_id", job.TaskID),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := p.logger.WithTask(job.RequestTaskID, job.TaskID)

	task, err := p.repo.GetRequestTask(ctx, job.RequestTaskID)
	if errors.Is(err, store.ErrNotFound) {
		return dispatch.Permanent(fmt.Errorf("request task %s not found", job.RequestTaskID))
	}
	if err != nil {
		return fmt.Errorf("failed to load request task: %w", err)
	}
	resumed := false
	switch {
	case task.Status == model.TaskPending:
		err = p.repo.TransitionRequestTask(ctx, task.ID, []model.RequestTaskStatus{model.TaskPending}, model.TaskProcessing)
		if errors.Is(err, store.ErrStatusConflict) {
			log.Info("request task claimed by another worker")
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to claim request task: %w", err)
		}
		task.Status = model.TaskProcessing
	case task.Status == model.TaskProcessing && job.Attempt > 0:
		log.Warn("resuming request task left processing", zap.Int("attempt", job.Attempt))
		resumed = true
	default:
		log.Info("skipping request task that is not pending", zap.String("status", string(task.Status)))
		return nil
	}

	msgs, err := p.repo.ListMessagesByTask(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("failed to load task messages: %w", err)
	}
	msgs = userMessages(msgs)

	if resumed {
		recorded, err := p.repo.ListFailedByTask(ctx, task.ID)
		if err != nil {
			return fmt.Errorf("failed to load failed messages: %w", err)
		}
		if len(recorded) > 0 {
			cause := errors.New(recorded[0].Error)
			name, _ := recorded[0].Context[model.CtxErrorClass].(string)
			class := model.ErrorClass(name)
			if class == "" {
				class = Classify(cause)
			}
			return p.finish(ctx, func(ctx context.Context) error {
				return p.fail(ctx, log, task, msgs, cause, class)
			})
		}
	}

	sentAt := p.clock.Now()
	for _, m := range msgs {
		m.Status = model.MessageSent
		m.SentAt = &sentAt
	}
	if err := p.repo.SaveMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to mark messages sent: %w", err)
	}

	resp, callErr := p.submit(ctx, task)
	return p.finish(ctx, func(ctx context.Context) error {
		if callErr != nil {
			return p.fail(ctx, log, task, msgs, callErr, Classify(callErr))
		}
		return p.complete(ctx, log, task, msgs, resp)
	})
}

// finish runs fn on a context detached from ctx cancellation.
func (p *Processor) finish(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	return fn(ctx)
}

func (p *Processor) submit(ctx context.Context, task *model.RequestTask) (*llm.CompletionResponse, error) {
	if p.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.CallTimeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := p.client.Complete(ctx, &llm.CompletionRequest{
		Model:     p.cfg.Model,
		MaxTokens: p.cfg.MaxTokens,
		Messages:  []llm.ChatMessage{{Role: string(model.RoleUser), Content: task.Content}},
	})

	status := "success"
	var tokensIn, tokensOut int
	if err != nil {
		status = string(Classify(err))
	} else {
		tokensIn, tokensOut = resp.TokensIn, resp.TokensOut
	}
	metrics.RecordSubmission(p.client.Name(), p.cfg.Model, status, time.Since(start).Seconds(), tokensIn, tokensOut)

	return resp, err
}

// complete stores the reply and marks the task completed last.
func (p *Processor) complete(ctx context.Context, log *logger.Logger, task *model.RequestTask, msgs []*model.Message, resp *llm.CompletionResponse) error {
	now := p.clock.Now()

	for _, m := range msgs {
		m.Status = model.MessageReceived
		m.ReceivedAt = &now
	}
	if err := p.repo.SaveMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to mark messages received: %w", err)
	}

	if convID := conversationOf(task, msgs); convID != "" {
		if err := p.storeReply(ctx, convID, task, resp, now); err != nil {
			return err
		}
	}

	task.Status = model.TaskCompleted
	task.CompletedAt = &now
	if task.Metadata == nil {
		task.Metadata = make(map[string]any)
	}
	task.Metadata[model.MetaModel] = resp.Model
	task.Metadata[model.MetaTokensIn] = resp.TokensIn
	task.Metadata[model.MetaTokensOut] = resp.TokensOut
	task.Metadata[model.MetaResponseID] = resp.ID
	task.Metadata[model.MetaStopReason] = resp.StopReason
	task.Metadata[model.MetaLatencyMs] = resp.LatencyMs
	if err := p.repo.SaveRequestTask(ctx, task); err != nil {
		return fmt.Errorf("failed to save completed request task: %w", err)
	}

	log.Info("request task completed",
		zap.String("model", resp.Model),
		zap.Int("tokens_in", resp.TokensIn),
		zap.Int("tokens_out", resp.TokensOut),
		zap.Int64("latency_ms", resp.LatencyMs),
	)
	return nil
}

func (p *Processor) storeReply(ctx context.Context, convID string, task *model.RequestTask, resp *llm.CompletionResponse, now time.Time) error {
	taskID := task.ID
	reply := &model.Message{
		ID:             idgen.Derived("reply", task.ID),
		ConversationID: convID,
		RequestTaskID:  &taskID,
		Role:           model.RoleAssistant,
		Content:        resp.Content,
		Status:         model.MessageReceived,
		Metadata:       map[string]any{model.MetaResponseID: resp.ID, model.MetaModel: resp.Model},
		CreatedAt:      now,
		ReceivedAt:     &now,
	}
	if err := p.repo.SaveMessages(ctx, reply); err != nil {
		return fmt.Errorf("failed to save reply: %w", err)
	}

	if resp.ID == "" {
		return nil
	}
	conv, err := p.repo.GetConversation(ctx, convID)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if conv.RemoteID != nil {
		return nil
	}
	conv.RemoteID = model.StringPtr(resp.ID)
	conv.UpdatedAt = now
	if err := p.repo.UpdateConversation(ctx, conv); err != nil {
		return fmt.Errorf("failed to update conversation: %w", err)
	}
	return nil
}

// fail records the failure and then moves the task out of processing. Until
// the transition lands, a redelivered job can finish the recording.
func (p *Processor) fail(ctx context.Context, log *logger.Logger, task *model.RequestTask, msgs []*model.Message, cause error, class model.ErrorClass) error {
	status := taskStatusFor(class)

	for _, m := range msgs {
		m.Status = model.MessageFailed
	}
	if err := p.repo.SaveMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("failed to mark messages failed: %w", err)
	}

	rec := failureRecorder{save: p.repo.SaveFailedMessage}
	sub := submission{endpoint: p.client.Endpoint(), provider: p.client.Name(), model: p.cfg.Model}
	records, err := rec.record(ctx, task, msgs, cause, class, sub, p.clock.Now())
	if err != nil {
		return err
	}

	if err := p.repo.TransitionRequestTask(ctx, task.ID, []model.RequestTaskStatus{model.TaskProcessing}, status); err != nil {
		return fmt.Errorf("failed to mark request task %s: %w", status, err)
	}
	task.Status = status

	log.Warn("request task failed",
		zap.String("status", string(status)),
		zap.String("error_class", string(class)),
		zap.Int("failed_messages", len(records)),
		zap.Error(cause),
	)
	return nil
}

func userMessages(msgs []*model.Message) []*model.Message {
	out := msgs[:0]
	for _, m := range msgs {
		if m.Role == model.RoleUser {
			out = append(out, m)
		}
	}
	return out
}

func conversationOf(task *model.RequestTask, msgs []*model.Message) string {
	if len(msgs) > 0 {
		return msgs[0].ConversationID
	}
	if id, ok := task.Metadata[MetaConversationID].(string); ok {
		return id
	}
	return ""
}
