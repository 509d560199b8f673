package model

import (
	"strings"
	"time"
)

// Retry history results.
const (
	HistoryRetryStarted = "retry_started"
	HistoryRetrySuccess = "retry_success"

	historyRetryFailedPrefix = "retry_failed: "
)

// RetryFailed formats the history result for a failed retry attempt.
func RetryFailed(reason string) string {
	return historyRetryFailedPrefix + reason
}

// RetryHistoryEntry is one record in the append-only retry log.
type RetryHistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Result    string    `json:"result"`
}

// IsFailure reports whether the entry records a failed retry attempt.
func (e RetryHistoryEntry) IsFailure() bool {
	return strings.HasPrefix(e.Result, historyRetryFailedPrefix)
}

// FailedMessage is the durable record of one submission failure. The
// conversation, message and task references are weak: they are used for
// lookup only and may dangle.
type FailedMessage struct {
	ID             string  `json:"id"`
	ConversationID *string `json:"conversation_id,omitempty"`
	MessageID      *string `json:"message_id,omitempty"`
	RequestTaskID  *string `json:"request_task_id,omitempty"`

	Error    string    `json:"error"`
	Attempts int       `json:"attempts"`
	FailedAt time.Time `json:"failed_at"`

	// Retried moves false -> true once and is never reset.
	Retried      bool                `json:"retried"`
	RetryHistory []RetryHistoryEntry `json:"retry_history"`

	// Context carries the error classification and remote endpoint.
	Context map[string]any `json:"context,omitempty"`
}

// LastHistoryEntry returns the most recent retry history entry.
func (f *FailedMessage) LastHistoryEntry() (RetryHistoryEntry, bool) {
	if len(f.RetryHistory) == 0 {
		return RetryHistoryEntry{}, false
	}
	return f.RetryHistory[len(f.RetryHistory)-1], true
}

// HasIncompleteRetry reports whether the history ends in retry_started
// without a terminal entry, which happens when a worker died mid-retry.
func (f *FailedMessage) HasIncompleteRetry() bool {
	last, ok := f.LastHistoryEntry()
	return ok && last.Result == HistoryRetryStarted
}

// Clone returns a deep copy of the failed message.
func (f *FailedMessage) Clone() *FailedMessage {
	if f == nil {
		return nil
	}
	out := *f
	out.ConversationID = cloneString(f.ConversationID)
	out.MessageID = cloneString(f.MessageID)
	out.RequestTaskID = cloneString(f.RequestTaskID)
	if f.RetryHistory != nil {
		out.RetryHistory = append([]RetryHistoryEntry(nil), f.RetryHistory...)
	}
	out.Context = CloneMap(f.Context)
	return &out
}
