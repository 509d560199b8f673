package model

// CreateConversationRequest is the request to open a conversation.
type CreateConversationRequest struct {
	Metadata map[string]any `json:"metadata,omitempty"`
}

// SendMessageRequest is the request to queue a user turn.
type SendMessageRequest struct {
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
	// Flush submits pending turns immediately instead of waiting for a full batch.
	Flush bool `json:"flush,omitempty"`
}

// SendMessageResponse is the response after queuing a message.
type SendMessageResponse struct {
	Message     *Message     `json:"message"`
	RequestTask *RequestTask `json:"request_task,omitempty"`
}

// FlushResponse is the response for an explicit flush.
type FlushResponse struct {
	RequestTask *RequestTask `json:"request_task,omitempty"`
	Flushed     int          `json:"flushed"`
}

// ListFailedMessagesResponse is the response for listing unretried failures.
type ListFailedMessagesResponse struct {
	FailedMessages []*FailedMessage `json:"failed_messages"`
	Total          int              `json:"total"`
}

// UpdateConversationRequest changes a conversation's lifecycle status.
type UpdateConversationRequest struct {
	Status ConversationStatus `json:"status"`
}

// RequestTaskResponse is a request task with the messages it owns.
type RequestTaskResponse struct {
	RequestTask *RequestTask `json:"request_task"`
	Messages    []*Message   `json:"messages"`
}
