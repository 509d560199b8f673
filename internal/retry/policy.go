// Package retry decides whether a failed submission may be retried, builds
// the replacement work and runs a retry directive to a terminal outcome.
package retry

import (
	"time"

	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/model"
)

// Mode is the shape of a retry.
type Mode string

const (
	ModeSingle Mode = "single"
	ModeBatch  Mode = "batch"
)

// ModeOf maps the whole-batch flag to a Mode.
func ModeOf(wholeBatch bool) Mode {
	if wholeBatch {
		return ModeBatch
	}
	return ModeSingle
}

// Subject is a failed message together with the entities it references.
// Any reference that could not be resolved is nil.
type Subject struct {
	Failed       *model.FailedMessage
	Conversation *model.Conversation
	Message      *model.Message
	Task         *model.RequestTask
	TaskMessages []*model.Message
}

// Plan is the replacement work for one retry.
type Plan struct {
	Mode     Mode
	Task     *model.RequestTask
	Messages []*model.Message
	// Original is the task being superseded; set in batch mode only.
	Original *model.RequestTask
}

// Engine builds retry plans. It performs no I/O.
type Engine struct {
	clock clock.Clock
	ids   idgen.Generator
}

// NewEngine creates an engine.
func NewEngine(c clock.Clock, ids idgen.Generator) *Engine {
	return &Engine{clock: c, ids: ids}
}

// Plan checks that s may be retried as requested and constructs the new
// request task and messages. Inputs are never modified.
func (e *Engine) Plan(s Subject, req model.RetryRequest) (*Plan, error) {
	if s.Failed.Retried {
		return nil, &AlreadyRetriedError{FailedMessageID: s.Failed.ID}
	}
	if req.RetryWholeBatch {
		return e.planBatch(s, req)
	}
	return e.planSingle(s, req)
}

func (e *Engine) planBatch(s Subject, req model.RetryRequest) (*Plan, error) {
	fm := s.Failed
	if s.Task == nil {
		reason := "failed message has no request task"
		if fm.RequestTaskID != nil {
			reason = "request task " + *fm.RequestTaskID + " no longer exists"
		}
		return nil, &NotRetriableError{FailedMessageID: fm.ID, Reason: reason}
	}
	if !s.Task.IsRetriable() {
		return nil, &NotRetriableError{
			FailedMessageID: fm.ID,
			RequestTaskID:   s.Task.ID,
			Status:          s.Task.Status,
			Reason:          "only failed or timed out tasks can be retried",
		}
	}

	now := e.clock.Now()
	meta := model.CloneMap(s.Task.Metadata)
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[model.MetaRetryOfRequestTaskID] = s.Task.ID
	meta[model.MetaRetryFailedMessageID] = fm.ID
	meta[model.MetaRetryContext] = retryContext(req.Context)
	meta[model.MetaIsRetry] = true

	task := &model.RequestTask{
		ID:           e.ids.NewID(),
		TaskID:       e.ids.NewTaskID(idgen.PrefixRetry),
		Status:       model.TaskPending,
		Content:      s.Task.Content,
		MessageCount: s.Task.MessageCount,
		Metadata:     meta,
		CreatedAt:    now,
	}

	msgs := make([]*model.Message, 0, len(s.TaskMessages))
	for _, orig := range s.TaskMessages {
		msgs = append(msgs, e.cloneMessage(orig, task, fm, now, model.MetaIsBatchRetry))
	}
	if len(msgs) > 0 {
		task.MessageCount = len(msgs)
	}

	return &Plan{Mode: ModeBatch, Task: task, Messages: msgs, Original: s.Task}, nil
}

func (e *Engine) planSingle(s Subject, req model.RetryRequest) (*Plan, error) {
	fm := s.Failed
	var missing []string
	if s.Message == nil {
		missing = append(missing, "message")
	}
	if s.Conversation == nil {
		missing = append(missing, "conversation")
	}
	if len(missing) > 0 {
		return nil, &MissingDataError{FailedMessageID: fm.ID, Missing: missing}
	}

	now := e.clock.Now()
	meta := map[string]any{
		model.MetaIsRetry:              true,
		model.MetaIsSingleRetry:        true,
		model.MetaRetryFailedMessageID: fm.ID,
		model.MetaRetryOfMessageID:     s.Message.ID,
		model.MetaRetryContext:         retryContext(req.Context),
	}
	if fm.RequestTaskID != nil {
		meta[model.MetaRetryOfRequestTaskID] = *fm.RequestTaskID
	}

	task := &model.RequestTask{
		ID:           e.ids.NewID(),
		TaskID:       e.ids.NewTaskID(idgen.PrefixRetry),
		Status:       model.TaskPending,
		Content:      s.Message.Content,
		MessageCount: 1,
		Metadata:     meta,
		CreatedAt:    now,
	}
	msg := e.cloneMessage(s.Message, task, fm, now, model.MetaIsSingleRetry)

	return &Plan{Mode: ModeSingle, Task: task, Messages: []*model.Message{msg}}, nil
}

func (e *Engine) cloneMessage(orig *model.Message, task *model.RequestTask, fm *model.FailedMessage, now time.Time, flag string) *model.Message {
	taskID := task.ID
	return &model.Message{
		ID:             e.ids.NewID(),
		ConversationID: orig.ConversationID,
		RequestTaskID:  &taskID,
		Role:           orig.Role,
		Content:        orig.Content,
		Status:         model.MessagePending,
		Metadata: map[string]any{
			flag:                         true,
			model.MetaRetryOfMessageID:   orig.ID,
			model.MetaRetryRequestTaskID: task.ID,
			model.MetaRetryAttempt:       fm.Attempts,
		},
		CreatedAt: now,
	}
}

func retryContext(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	return model.CloneMap(in)
}
