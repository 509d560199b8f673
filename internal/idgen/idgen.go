// Package idgen produces entity ids and human-facing task ids.
package idgen

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
)

// Task id prefixes.
const (
	PrefixTask  = "task"
	PrefixRetry = "retry"
)

// Generator creates identifiers.
type Generator interface {
	// NewID returns an entity primary key.
	NewID() string
	// NewTaskID returns a globally unique task id with the given prefix.
	NewTaskID(prefix string) string
}

// UUID generates time-ordered UUIDv7 identifiers.
type UUID struct{}

// NewID returns a UUIDv7 string.
func (UUID) NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewTaskID returns prefix-<uuidv7>.
func (UUID) NewTaskID(prefix string) string {
	return prefix + "-" + uuid.Must(uuid.NewV7()).String()
}

// namespace scopes Derived ids to this service.
var namespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/capitalize-ai/chat-relay"))

// Derived returns a name-based UUIDv5 for parts. The same parts always yield
// the same id.
func Derived(parts ...string) string {
	return uuid.NewSHA1(namespace, []byte(strings.Join(parts, "/"))).String()
}

// Sequence generates predictable ids from a monotonic counter.
type Sequence struct {
	n atomic.Int64
}

// NewID returns id-<n>.
func (s *Sequence) NewID() string {
	return fmt.Sprintf("id-%d", s.n.Add(1))
}

// NewTaskID returns prefix-<n>.
func (s *Sequence) NewTaskID(prefix string) string {
	return fmt.Sprintf("%s-%d", prefix, s.n.Add(1))
}
