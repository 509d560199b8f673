package model

import (
	"time"
)

// Role represents the role of a message sender.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// MessageStatus is the lifecycle state of a single chat turn.
type MessageStatus string

const (
	MessagePending    MessageStatus = "pending"
	MessageSent       MessageStatus = "sent"
	MessageReceived   MessageStatus = "received"
	MessageFailed     MessageStatus = "failed"
	MessageAggregated MessageStatus = "aggregated"
)

// Message is one chat turn. A message belongs to at most one request task at
// a time.
type Message struct {
	// Identity
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	RequestTaskID  *string `json:"request_task_id,omitempty"`

	// Content
	Role    Role          `json:"role"`
	Content string        `json:"content"`
	Status  MessageStatus `json:"status"`

	Metadata map[string]any `json:"metadata,omitempty"`

	// Timestamps
	CreatedAt  time.Time  `json:"created_at"`
	SentAt     *time.Time `json:"sent_at,omitempty"`
	ReceivedAt *time.Time `json:"received_at,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	out.RequestTaskID = cloneString(m.RequestTaskID)
	out.Metadata = CloneMap(m.Metadata)
	out.SentAt = cloneTime(m.SentAt)
	out.ReceivedAt = cloneTime(m.ReceivedAt)
	return &out
}

// CloneMessages deep-copies a slice of messages.
func CloneMessages(in []*Message) []*Message {
	if in == nil {
		return nil
	}
	out := make([]*Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
