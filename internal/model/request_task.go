package model

import (
	"time"
)

// RequestTaskStatus is the lifecycle state of a submission unit.
type RequestTaskStatus string

const (
	TaskPending    RequestTaskStatus = "pending"
	TaskProcessing RequestTaskStatus = "processing"
	TaskCompleted  RequestTaskStatus = "completed"
	TaskFailed     RequestTaskStatus = "failed"
	TaskTimeout    RequestTaskStatus = "timeout"
	TaskRetrying   RequestTaskStatus = "retrying"
)

// RetriableStatuses are the task statuses from which a batch retry may start.
var RetriableStatuses = []RequestTaskStatus{TaskFailed, TaskTimeout}

// RequestTask is one batch submitted to the remote API: the aggregated
// content of one or more messages. Tasks are never deleted; a retry creates a
// new task and leaves the original in place.
type RequestTask struct {
	ID           string            `json:"id"`
	TaskID       string            `json:"task_id"`
	Status       RequestTaskStatus `json:"status"`
	Content      string            `json:"content"`
	MessageCount int               `json:"message_count"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// IsRetriable reports whether the task may be retried as a whole batch.
func (t *RequestTask) IsRetriable() bool {
	for _, s := range RetriableStatuses {
		if t.Status == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the task has finished its submission attempt.
func (t *RequestTask) IsTerminal() bool {
	switch t.Status {
	case TaskCompleted, TaskFailed, TaskTimeout:
		return true
	}
	return false
}

// Clone returns a deep copy of the task.
func (t *RequestTask) Clone() *RequestTask {
	if t == nil {
		return nil
	}
	out := *t
	out.Metadata = CloneMap(t.Metadata)
	out.CompletedAt = cloneTime(t.CompletedAt)
	return &out
}
