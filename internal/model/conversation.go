// Package model defines the entities of the chat relay and the payloads that
// travel between its workers.
package model

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationInactive ConversationStatus = "inactive"
	ConversationClosed   ConversationStatus = "closed"
	ConversationArchived ConversationStatus = "archived"
)

// Valid reports whether s is a known conversation status.
func (s ConversationStatus) Valid() bool {
	switch s {
	case ConversationActive, ConversationInactive, ConversationClosed, ConversationArchived:
		return true
	}
	return false
}

// Conversation is a logical chat session. RemoteID stays nil until the
// remote API assigns one.
type Conversation struct {
	ID        string             `json:"id"`
	RemoteID  *string            `json:"remote_id,omitempty"`
	Status    ConversationStatus `json:"status"`
	Metadata  map[string]any     `json:"metadata,omitempty"`
	CreatedAt time.Time          `json:"created_at"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Clone returns a deep copy of the conversation.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.RemoteID = cloneString(c.RemoteID)
	out.Metadata = CloneMap(c.Metadata)
	return &out
}
