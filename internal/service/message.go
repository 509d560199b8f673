package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// MessageRepository is the persistence the message service needs.
type MessageRepository interface {
	SaveMessages(ctx context.Context, msgs ...*model.Message) error
	ListPendingMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error)
	GetRequestTask(ctx context.Context, id string) (*model.RequestTask, error)
	ListMessagesByTask(ctx context.Context, requestTaskID string) ([]*model.Message, error)
}

// Flusher aggregates pending turns into a request task.
type Flusher interface {
	Flush(ctx context.Context, conversationID string) (*model.RequestTask, []*model.Message, error)
}

// MessageConfig holds batching settings.
type MessageConfig struct {
	// BatchSize is the pending count that triggers a flush; zero disables
	// automatic flushing.
	BatchSize int
}

// MessageService handles message operations.
type MessageService struct {
	repo          MessageRepository
	conversations *ConversationService
	flusher       Flusher
	ids           idgen.Generator
	clock         clock.Clock
	cfg           MessageConfig
	logger        *logger.Logger
}

// NewMessageService creates a new message service.
func NewMessageService(
	repo MessageRepository,
	conversations *ConversationService,
	flusher Flusher,
	ids idgen.Generator,
	c clock.Clock,
	cfg MessageConfig,
	log *logger.Logger,
) *MessageService {
	return &MessageService{
		repo:          repo,
		conversations: conversations,
		flusher:       flusher,
		ids:           ids,
		clock:         c,
		cfg:           cfg,
		logger:        log.Named("message"),
	}
}

// Send queues a user turn. The conversation is flushed when asked to or
// when the pending count reaches the batch size.
func (s *MessageService) Send(ctx context.Context, conversationID string, req *model.SendMessageRequest) (*model.SendMessageResponse, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != model.ConversationActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrConversationNotActive, conversationID, conv.Status)
	}

	msg := &model.Message{
		ID:             s.ids.NewID(),
		ConversationID: conversationID,
		Role:           model.RoleUser,
		Content:        req.Content,
		Status:         model.MessagePending,
		Metadata:       req.Metadata,
		CreatedAt:      s.clock.Now(),
	}
	if err := s.repo.SaveMessages(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save message: %w", err)
	}

	resp := &model.SendMessageResponse{Message: msg}

	flush := req.Flush
	if !flush && s.cfg.BatchSize > 0 {
		pending, err := s.repo.ListPendingMessages(ctx, conversationID, s.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to count pending messages: %w", err)
		}
		flush = len(pending) >= s.cfg.BatchSize
	}

	if flush {
		task, msgs, err := s.flusher.Flush(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		resp.RequestTask = task
		for _, m := range msgs {
			if m.ID == msg.ID {
				resp.Message = m
			}
		}
	}

	s.logger.Debug("message queued",
		zap.String("conversation_id", conversationID),
		zap.String("message_id", msg.ID),
		zap.Bool("flushed", resp.RequestTask != nil),
	)
	return resp, nil
}

// Flush submits every pending turn of a conversation now.
func (s *MessageService) Flush(ctx context.Context, conversationID string) (*model.FlushResponse, error) {
	task, msgs, err := s.flusher.Flush(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &model.FlushResponse{RequestTask: task, Flushed: len(msgs)}, nil
}

// GetRequestTask returns a request task with its messages.
func (s *MessageService) GetRequestTask(ctx context.Context, id string) (*model.RequestTaskResponse, error) {
	task, err := s.repo.GetRequestTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get request task %s: %w", id, err)
	}
	msgs, err := s.repo.ListMessagesByTask(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list task messages: %w", err)
	}
	if msgs == nil {
		msgs = []*model.Message{}
	}
	return &model.RequestTaskResponse{RequestTask: task, Messages: msgs}, nil
}
