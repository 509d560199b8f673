package batch

import (
	"context"
	"fmt"
	"time"

	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/metrics"
)

// failureRecorder persists FailedMessage records for a failed submission.
// Record ids derive from the task and message ids, so recording the same
// failure twice leaves one record per message.
type failureRecorder struct {
	save func(ctx context.Context, fm *model.FailedMessage) error
}

// submission describes where a failed task was sent.
type submission struct {
	endpoint string
	provider string
	model    string
}

// record writes one FailedMessage per message, or one task-level record when
// the task has no messages. Attempts continue the count carried by retry
// clones.
func (r failureRecorder) record(
	ctx context.Context,
	task *model.RequestTask,
	msgs []*model.Message,
	cause error,
	class model.ErrorClass,
	sub submission,
	now time.Time,
) ([]*model.FailedMessage, error) {
	fctx := map[string]any{
		model.CtxErrorClass: string(class),
		model.CtxEndpoint:   sub.endpoint,
		model.CtxProvider:   sub.provider,
		model.CtxModel:      sub.model,
		model.CtxTaskID:     task.TaskID,
	}
	taskID := task.ID

	var out []*model.FailedMessage
	if len(msgs) == 0 {
		out = append(out, &model.FailedMessage{
			ID:            failedMessageID(task.ID, ""),
			RequestTaskID: &taskID,
			Error:         cause.Error(),
			Attempts:      model.IntFromMeta(task.Metadata, model.MetaRetryAttempt) + 1,
			FailedAt:      now,
			Context:       model.CloneMap(fctx),
		})
	}
	for _, m := range msgs {
		convID, msgID := m.ConversationID, m.ID
		out = append(out, &model.FailedMessage{
			ID:             failedMessageID(task.ID, msgID),
			ConversationID: &convID,
			MessageID:      &msgID,
			RequestTaskID:  &taskID,
			Error:          cause.Error(),
			Attempts:       model.IntFromMeta(m.Metadata, model.MetaRetryAttempt) + 1,
			FailedAt:       now,
			Context:        model.CloneMap(fctx),
		})
	}

	for _, fm := range out {
		if err := r.save(ctx, fm); err != nil {
			return nil, fmt.Errorf("failed to save failed message: %w", err)
		}
		metrics.FailedMessagesTotal.WithLabelValues(string(class)).Inc()
	}
	return out, nil
}

func failedMessageID(requestTaskID, messageID string) string {
	if messageID == "" {
		return idgen.Derived("failed", requestTaskID)
	}
	return idgen.Derived("failed", requestTaskID, messageID)
}
