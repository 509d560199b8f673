package model

// BatchJob is the unit of work consumed by the batch processor.
type BatchJob struct {
	RequestTaskID string   `json:"request_task_id"`
	TaskID        string   `json:"task_id"`
	Content       string   `json:"content"`
	MessageIDs    []string `json:"message_ids"`

	// Attempt is the delivery attempt of the carrying envelope, zero on first
	// delivery. Set by the consumer; not serialized.
	Attempt int `json:"-"`
}

// NewBatchJob builds the job that submits task with its messages.
func NewBatchJob(task *RequestTask, messages []*Message) BatchJob {
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return BatchJob{
		RequestTaskID: task.ID,
		TaskID:        task.TaskID,
		Content:       task.Content,
		MessageIDs:    ids,
	}
}

// RetryRequest is a directive to retry one failed message.
type RetryRequest struct {
	FailedMessageID string         `json:"failed_message_id"`
	RetryWholeBatch bool           `json:"retry_whole_batch"`
	Context         map[string]any `json:"context,omitempty"`
}

// ErrorClass classifies a submission failure.
type ErrorClass string

const (
	ErrorClassTimeout   ErrorClass = "timeout"
	ErrorClassRateLimit ErrorClass = "rate_limit"
	ErrorClassAuth      ErrorClass = "auth"
	ErrorClassClient    ErrorClass = "client"
	ErrorClassServer    ErrorClass = "server"
	ErrorClassNetwork   ErrorClass = "network"
	ErrorClassDispatch  ErrorClass = "dispatch"
	ErrorClassUnknown   ErrorClass = "unknown"
)
