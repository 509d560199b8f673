// Package dispatch defines the asynchronous work contract shared by the
// queue backends: the envelope format, the gateway used to enqueue work and
// the handler side that consumes it.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/capitalize-ai/chat-relay/internal/model"
)

// Kind identifies the unit of work carried by an envelope.
type Kind string

const (
	KindBatchSubmit  Kind = "batch.submit"
	KindRetryRequest Kind = "retry.request"
)

// Envelope wraps one unit of work on the queue.
type Envelope struct {
	ID        string              `json:"id"`
	Kind      Kind                `json:"kind"`
	CreatedAt time.Time           `json:"created_at"`
	Attempt   int                 `json:"attempt,omitempty"`
	Batch     *model.BatchJob     `json:"batch,omitempty"`
	Retry     *model.RetryRequest `json:"retry,omitempty"`
}

// NewBatchEnvelope wraps a batch job.
func NewBatchEnvelope(job model.BatchJob, now time.Time) *Envelope {
	return &Envelope{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      KindBatchSubmit,
		CreatedAt: now,
		Batch:     &job,
	}
}

// NewRetryEnvelope wraps a retry directive.
func NewRetryEnvelope(req model.RetryRequest, now time.Time) *Envelope {
	return &Envelope{
		ID:        uuid.Must(uuid.NewV7()).String(),
		Kind:      KindRetryRequest,
		CreatedAt: now,
		Retry:     &req,
	}
}

// Validate checks that the payload matches the kind.
func (e *Envelope) Validate() error {
	if e.ID == "" {
		return errors.New("envelope id is required")
	}
	switch e.Kind {
	case KindBatchSubmit:
		if e.Batch == nil || e.Batch.RequestTaskID == "" {
			return errors.New("batch envelope requires a request task id")
		}
	case KindRetryRequest:
		if e.Retry == nil || e.Retry.FailedMessageID == "" {
			return errors.New("retry envelope requires a failed message id")
		}
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}

// Encode serializes an envelope for the wire.
func Encode(e *Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Decode parses and validates a wire envelope.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// Gateway enqueues work for asynchronous execution. Enqueue must return an
// error when the work was not durably accepted.
type Gateway interface {
	Enqueue(ctx context.Context, e *Envelope) error
}

// Handler processes one envelope taken off the queue.
type Handler interface {
	Handle(ctx context.Context, e *Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, e *Envelope) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, e *Envelope) error {
	return f(ctx, e)
}

// Consumer feeds queued envelopes to a handler until ctx is done.
type Consumer interface {
	Consume(ctx context.Context, h Handler) error
}

// ErrPermanent marks failures that must not be redelivered.
var ErrPermanent = errors.New("permanent failure")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error {
	return []error{e.err, ErrPermanent}
}

// Permanent marks err as non-retryable by the queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}
