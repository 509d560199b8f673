package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// Memory is an in-memory Store. Entities are copied on the way in and out.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]*model.Conversation
	messages      map[string]*model.Message
	tasks         map[string]*model.RequestTask
	failed        map[string]*model.FailedMessage

	locker *KeyedLocker
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]*model.Conversation),
		messages:      make(map[string]*model.Message),
		tasks:         make(map[string]*model.RequestTask),
		failed:        make(map[string]*model.FailedMessage),
		locker:        NewKeyedLocker(),
	}
}

// Conversation methods

func (s *Memory) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; exists {
		return fmt.Errorf("conversation %s already exists", conv.ID)
	}
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

func (s *Memory) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, exists := s.conversations[id]
	if !exists {
		return nil, ErrNotFound
	}
	return conv.Clone(), nil
}

func (s *Memory) UpdateConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conversations[conv.ID]; !exists {
		return ErrNotFound
	}
	s.conversations[conv.ID] = conv.Clone()
	return nil
}

// Message methods

func (s *Memory) SaveMessages(ctx context.Context, msgs ...*model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveMessagesLocked(msgs)
}

func (s *Memory) saveMessagesLocked(msgs []*model.Message) error {
	for _, m := range msgs {
		if _, ok := s.conversations[m.ConversationID]; !ok {
			return fmt.Errorf("message %s references unknown conversation %s", m.ID, m.ConversationID)
		}
	}
	for _, m := range msgs {
		s.messages[m.ID] = m.Clone()
	}
	return nil
}

func (s *Memory) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, exists := s.messages[id]
	if !exists {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *Memory) ListMessagesByTask(ctx context.Context, requestTaskID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Message
	for _, m := range s.messages {
		if m.RequestTaskID != nil && *m.RequestTaskID == requestTaskID {
			out = append(out, m.Clone())
		}
	}
	sortMessages(out)
	return out, nil
}

func (s *Memory) ListPendingMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Message
	for _, m := range s.messages {
		if m.ConversationID == conversationID && m.Status == model.MessagePending && m.RequestTaskID == nil {
			out = append(out, m.Clone())
		}
	}
	sortMessages(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Request task methods

func (s *Memory) SaveRequestTask(ctx context.Context, task *model.RequestTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveTaskLocked(task)
}

func (s *Memory) saveTaskLocked(task *model.RequestTask) error {
	for id, t := range s.tasks {
		if id != task.ID && t.TaskID == task.TaskID {
			return fmt.Errorf("task id %s already in use", task.TaskID)
		}
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

func (s *Memory) GetRequestTask(ctx context.Context, id string) (*model.RequestTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, exists := s.tasks[id]
	if !exists {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Memory) TransitionRequestTask(ctx context.Context, id string, from []model.RequestTaskStatus, to model.RequestTaskStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[id]
	if !exists {
		return ErrNotFound
	}
	if !containsStatus(from, t.Status) {
		return fmt.Errorf("%w: %s is %s", ErrStatusConflict, id, t.Status)
	}
	t.Status = to
	return nil
}

func (s *Memory) SaveBatch(ctx context.Context, task *model.RequestTask, msgs []*model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range msgs {
		if _, ok := s.conversations[m.ConversationID]; !ok {
			return fmt.Errorf("message %s references unknown conversation %s", m.ID, m.ConversationID)
		}
	}
	if err := s.saveTaskLocked(task); err != nil {
		return err
	}
	return s.saveMessagesLocked(msgs)
}

// Failed message methods

func (s *Memory) SaveFailedMessage(ctx context.Context, fm *model.FailedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.failed[fm.ID]; exists {
		return nil
	}
	s.failed[fm.ID] = fm.Clone()
	return nil
}

func (s *Memory) GetFailedMessage(ctx context.Context, id string) (*model.FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fm, exists := s.failed[id]
	if !exists {
		return nil, ErrNotFound
	}
	return fm.Clone(), nil
}

func (s *Memory) ListUnretried(ctx context.Context, limit int) ([]*model.FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.FailedMessage
	for _, fm := range s.failed {
		if !fm.Retried {
			out = append(out, fm.Clone())
		}
	}
	sortFailed(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Memory) ListFailedByTask(ctx context.Context, requestTaskID string) ([]*model.FailedMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.FailedMessage
	for _, fm := range s.failed {
		if fm.RequestTaskID != nil && *fm.RequestTaskID == requestTaskID {
			out = append(out, fm.Clone())
		}
	}
	sortFailed(out)
	return out, nil
}

func (s *Memory) AppendRetryHistory(ctx context.Context, id string, entry model.RetryHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fm, exists := s.failed[id]
	if !exists {
		return ErrNotFound
	}
	fm.RetryHistory = append(fm.RetryHistory, entry)
	return nil
}

func (s *Memory) MarkRetried(ctx context.Context, id string, entry model.RetryHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	fm, exists := s.failed[id]
	if !exists {
		return ErrNotFound
	}
	if fm.Retried {
		return ErrAlreadyRetried
	}
	fm.Retried = true
	fm.RetryHistory = append(fm.RetryHistory, entry)
	return nil
}

// Lock acquires the in-process lock for key.
func (s *Memory) Lock(ctx context.Context, key string) (func(), error) {
	return s.locker.Lock(ctx, key)
}

// Ping always succeeds.
func (s *Memory) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (s *Memory) Close() error {
	return nil
}

func sortMessages(msgs []*model.Message) {
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}

func sortFailed(fms []*model.FailedMessage) {
	sort.Slice(fms, func(i, j int) bool {
		if fms[i].FailedAt.Equal(fms[j].FailedAt) {
			return fms[i].ID < fms[j].ID
		}
		return fms[i].FailedAt.Before(fms[j].FailedAt)
	})
}
