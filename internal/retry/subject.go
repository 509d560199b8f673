package retry

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/store"
)

// SubjectReader loads the entities a failed message refers to.
type SubjectReader interface {
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	GetRequestTask(ctx context.Context, id string) (*model.RequestTask, error)
	ListMessagesByTask(ctx context.Context, requestTaskID string) ([]*model.Message, error)
}

// LoadSubject resolves the references of fm needed for the given mode.
// Dangling references are left nil for the engine to reject.
func LoadSubject(ctx context.Context, r SubjectReader, fm *model.FailedMessage, wholeBatch bool) (Subject, error) {
	s := Subject{Failed: fm}

	if wholeBatch {
		if fm.RequestTaskID == nil {
			return s, nil
		}
		task, err := r.GetRequestTask(ctx, *fm.RequestTaskID)
		if errors.Is(err, store.ErrNotFound) {
			return s, nil
		}
		if err != nil {
			return s, fmt.Errorf("failed to load request task: %w", err)
		}
		msgs, err := r.ListMessagesByTask(ctx, task.ID)
		if err != nil {
			return s, fmt.Errorf("failed to load task messages: %w", err)
		}
		s.Task = task
		s.TaskMessages = msgs
		return s, nil
	}

	if fm.MessageID != nil {
		msg, err := r.GetMessage(ctx, *fm.MessageID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return s, fmt.Errorf("failed to load message: %w", err)
		}
		s.Message = msg
	}
	if fm.ConversationID != nil {
		conv, err := r.GetConversation(ctx, *fm.ConversationID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return s, fmt.Errorf("failed to load conversation: %w", err)
		}
		s.Conversation = conv
	}
	return s, nil
}
