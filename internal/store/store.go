// Package store persists conversations, messages, request tasks and failed
// messages. Two implementations share one contract: Memory for tests and
// single-node runs, Postgres for production.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

var (
	// ErrNotFound is returned when an entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyRetried is returned by MarkRetried when the retried flag was
	// already set.
	ErrAlreadyRetried = errors.New("failed message already retried")

	// ErrStatusConflict is returned by TransitionRequestTask when the task
	// was not in one of the expected statuses.
	ErrStatusConflict = errors.New("request task status conflict")
)

// Store is the full repository contract.
type Store interface {
	CreateConversation(ctx context.Context, conv *model.Conversation) error
	GetConversation(ctx context.Context, id string) (*model.Conversation, error)
	UpdateConversation(ctx context.Context, conv *model.Conversation) error

	SaveMessages(ctx context.Context, msgs ...*model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessagesByTask(ctx context.Context, requestTaskID string) ([]*model.Message, error)
	ListPendingMessages(ctx context.Context, conversationID string, limit int) ([]*model.Message, error)

	SaveRequestTask(ctx context.Context, task *model.RequestTask) error
	GetRequestTask(ctx context.Context, id string) (*model.RequestTask, error)
	TransitionRequestTask(ctx context.Context, id string, from []model.RequestTaskStatus, to model.RequestTaskStatus) error
	// SaveBatch persists a task and its messages in one unit of work.
	SaveBatch(ctx context.Context, task *model.RequestTask, msgs []*model.Message) error

	// SaveFailedMessage creates fm. Saving an id that already exists is a
	// no-op, so replayed failure recording does not duplicate or reset records.
	SaveFailedMessage(ctx context.Context, fm *model.FailedMessage) error
	GetFailedMessage(ctx context.Context, id string) (*model.FailedMessage, error)
	ListUnretried(ctx context.Context, limit int) ([]*model.FailedMessage, error)
	ListFailedByTask(ctx context.Context, requestTaskID string) ([]*model.FailedMessage, error)
	AppendRetryHistory(ctx context.Context, id string, entry model.RetryHistoryEntry) error
	// MarkRetried sets retried=true and appends entry only if retried was
	// false; otherwise it returns ErrAlreadyRetried.
	MarkRetried(ctx context.Context, id string, entry model.RetryHistoryEntry) error

	Lock(ctx context.Context, key string) (func(), error)
	Ping(ctx context.Context) error
	Close() error
}

func containsStatus(list []model.RequestTaskStatus, s model.RequestTaskStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

var (
	_ Store = (*Memory)(nil)
	_ Store = (*Postgres)(nil)
)
