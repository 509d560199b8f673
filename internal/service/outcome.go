package service

import (
	"encoding/json"

	"github.com/capitalize-ai/chat-relay/internal/retry"
)

// OutcomeStatus names the variant of an Outcome.
type OutcomeStatus string

const (
	StatusSuccess OutcomeStatus = "success"
	StatusSkipped OutcomeStatus = "skipped"
	StatusFailure OutcomeStatus = "failure"
)

// Outcome is the result of a retry operation. It is one of Success, Skipped
// or Failure.
type Outcome interface {
	Status() OutcomeStatus
	outcome()
}

// Success reports dispatched retries. With DryRun set, RetriedCount is the
// number of items that would be retried and nothing was written.
type Success struct {
	RetriedCount int
	TotalCount   int
	DryRun       bool
	Items        []Item
}

// Skipped reports a target that needed no action, such as a failed message
// whose retry already succeeded.
type Skipped struct {
	Reason string
	Items  []Item
}

// Failure reports a target that could not be retried.
type Failure struct {
	Reason string
	Err    error
	Items  []Item
}

func (Success) Status() OutcomeStatus { return StatusSuccess }
func (Skipped) Status() OutcomeStatus { return StatusSkipped }
func (Failure) Status() OutcomeStatus { return StatusFailure }

func (Success) outcome() {}
func (Skipped) outcome() {}
func (Failure) outcome() {}

// ItemStatus is the per-target result inside an Outcome.
type ItemStatus string

const (
	ItemRetried  ItemStatus = "retried"
	ItemQueued   ItemStatus = "queued"
	ItemEligible ItemStatus = "eligible"
	ItemSkipped  ItemStatus = "skipped"
	ItemFailed   ItemStatus = "failed"
)

// Item is the result for one failed message.
type Item struct {
	FailedMessageID string     `json:"failed_message_id"`
	Mode            retry.Mode `json:"mode"`
	Status          ItemStatus `json:"status"`
	RequestTaskID   string     `json:"request_task_id,omitempty"`
	TaskID          string     `json:"task_id,omitempty"`
	MessageCount    int        `json:"message_count,omitempty"`
	Reason          string     `json:"reason,omitempty"`

	err error
}

// Err returns the error behind a skipped or failed item.
func (i Item) Err() error {
	return i.err
}

// counts reports items that count as done for the given run.
func counts(items []Item) int {
	n := 0
	for _, it := range items {
		switch it.Status {
		case ItemRetried, ItemQueued, ItemEligible:
			n++
		}
	}
	return n
}

func (s Success) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status       OutcomeStatus `json:"status"`
		RetriedCount int           `json:"retried_count"`
		TotalCount   int           `json:"total_count"`
		DryRun       bool          `json:"dry_run,omitempty"`
		Items        []Item        `json:"items,omitempty"`
	}{StatusSuccess, s.RetriedCount, s.TotalCount, s.DryRun, s.Items})
}

func (s Skipped) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status OutcomeStatus `json:"status"`
		Reason string        `json:"reason"`
		Items  []Item        `json:"items,omitempty"`
	}{StatusSkipped, s.Reason, s.Items})
}

func (f Failure) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Status OutcomeStatus `json:"status"`
		Reason string        `json:"reason"`
		Items  []Item        `json:"items,omitempty"`
	}{StatusFailure, f.Reason, f.Items})
}
