// Package service provides business logic for the chat relay: conversations,
// queued user turns and operator retries.
package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

var (
	// ErrInvalidStatus is returned for an unknown conversation status.
	ErrInvalidStatus = errors.New("invalid conversation status")

	// ErrConversationNotActive is returned when a turn is sent to a
	// conversation that is not active.
	ErrConversationNotActive = errors.New("conversation is not active")
)

// ConversationRepository is the persistence the conversation service needs.
type ConversationRepository interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, conv *model.Conversation) error
}

// ConversationService handles conversation operations.
type ConversationService struct {
	repo   ConversationRepository
	ids    idgen.Generator
	clock  clock.Clock
	logger *logger.Logger
}

// NewConversationService creates a new conversation service.
func NewConversationService(repo ConversationRepository, ids idgen.Generator, c clock.Clock, log *logger.Logger) *ConversationService {
	return &ConversationService{
		repo:   repo,
		ids:    ids,
		clock:  c,
		logger: log.Named("conversation"),
	}
}

// Create opens a new active conversation.
func (s *ConversationService) Create(ctx context.Context, req *model.CreateConversationRequest) (*model.Conversation, error) {
	now := s.clock.Now()

	conv := &model.Conversation{
		ID:        s.ids.NewID(),
		Status:    model.ConversationActive,
		Metadata:  req.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	s.logger.Info("conversation created", zap.String("conversation_id", conv.ID))
	return conv, nil
}

// Get retrieves a conversation by ID.
func (s *ConversationService) Get(ctx context.Context, id string) (*model.Conversation, error) {
	conv, err := s.repo.GetConversation(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return conv, nil
}

// SetStatus moves a conversation to a new lifecycle status.
func (s *ConversationService) SetStatus(ctx context.Context, id string, status model.ConversationStatus) (*model.Conversation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	conv, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Status == status {
		return conv, nil
	}

	conv.Status = status
	conv.UpdatedAt = s.clock.Now()
	if err := s.repo.UpdateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("failed to update conversation: %w", err)
	}

	s.logger.Info("conversation status changed",
		zap.String("conversation_id", id),
		zap.String("status", string(status)),
	)
	return conv, nil
}

// Close closes a conversation. Closed conversations accept no new turns.
func (s *ConversationService) Close(ctx context.Context, id string) (*model.Conversation, error) {
	return s.SetStatus(ctx, id, model.ConversationClosed)
}
