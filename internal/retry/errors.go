package retry

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// Entity kinds named by NotFoundError.
const (
	KindFailedMessage = "failed message"
	KindRequestTask   = "request task"
)

// NotFoundError reports a missing failed message or request task.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// AlreadyRetriedError reports a failed message whose retry already
// succeeded. It is informational: nothing was changed.
type AlreadyRetriedError struct {
	FailedMessageID string
}

func (e *AlreadyRetriedError) Error() string {
	return fmt.Sprintf("failed message %s has already been retried", e.FailedMessageID)
}

// NotRetriableError reports a batch retry against a missing task or a task
// outside the failed/timeout statuses.
type NotRetriableError struct {
	FailedMessageID string
	RequestTaskID   string
	Status          model.RequestTaskStatus
	Reason          string
}

func (e *NotRetriableError) Error() string {
	if e.RequestTaskID == "" {
		return fmt.Sprintf("failed message %s is not retriable: %s", e.FailedMessageID, e.Reason)
	}
	return fmt.Sprintf("request task %s is not retriable (status %s): %s", e.RequestTaskID, e.Status, e.Reason)
}

// MissingDataError reports a single retry whose linked entities are gone.
type MissingDataError struct {
	FailedMessageID string
	Missing         []string
}

func (e *MissingDataError) Error() string {
	return fmt.Sprintf("failed message %s is missing %s", e.FailedMessageID, strings.Join(e.Missing, " and "))
}

// DispatchError reports that the replacement work could not be enqueued.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return "failed to dispatch retry: " + e.Err.Error()
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}
