package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/dispatch"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/retry"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// DefaultRetryLimit caps "retry all pending" when no limit is given.
const DefaultRetryLimit = 100

// ErrInvalidSelection is wrapped by every selection validation error.
var ErrInvalidSelection = errors.New("invalid retry selection")

// Selection picks the failed messages an operator wants retried. Exactly one
// target is allowed: a failed message id (optionally in batch mode), a
// request task id, or all pending.
type Selection struct {
	FailedMessageID string         `json:"failed_message_id,omitempty"`
	RequestTaskID   string         `json:"request_task_id,omitempty"`
	Batch           bool           `json:"batch,omitempty"`
	All             bool           `json:"all,omitempty"`
	Limit           int            `json:"limit,omitempty"`
	DryRun          bool           `json:"dry_run,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
}

// Validate checks the mutual exclusion rules. It never touches storage.
func (s Selection) Validate() error {
	switch {
	case s.Batch && s.RequestTaskID != "":
		return fmt.Errorf("%w: batch mode takes a failed message id, not a request task id", ErrInvalidSelection)
	case s.Batch && s.FailedMessageID == "":
		return fmt.Errorf("%w: batch mode requires a failed message id", ErrInvalidSelection)
	case s.All && (s.FailedMessageID != "" || s.RequestTaskID != ""):
		return fmt.Errorf("%w: an explicit id cannot be combined with all", ErrInvalidSelection)
	case s.FailedMessageID != "" && s.RequestTaskID != "":
		return fmt.Errorf("%w: choose either a failed message id or a request task id", ErrInvalidSelection)
	case s.Limit < 0:
		return fmt.Errorf("%w: limit must not be negative", ErrInvalidSelection)
	case !s.All && s.FailedMessageID == "" && s.RequestTaskID == "":
		return fmt.Errorf("%w: no retry target selected", ErrInvalidSelection)
	}
	return nil
}

// RetryRepository is the read side the retry service needs.
type RetryRepository interface {
	retry.SubjectReader
	GetFailedMessage(ctx context.Context, id string) (*model.FailedMessage, error)
	ListUnretried(ctx context.Context, limit int) ([]*model.FailedMessage, error)
	ListFailedByTask(ctx context.Context, requestTaskID string) ([]*model.FailedMessage, error)
}

// RetryHandler runs one retry directive.
type RetryHandler interface {
	Handle(ctx context.Context, req model.RetryRequest) (*retry.Result, error)
}

// RetryService is the operator entry point for retries.
type RetryService struct {
	repo    RetryRepository
	handler RetryHandler
	engine  *retry.Engine
	gateway dispatch.Gateway
	clock   clock.Clock
	logger  *logger.Logger
}

// NewRetryService creates a retry service. The engine is used for dry-run
// previews and the gateway for asynchronous retries.
func NewRetryService(
	repo RetryRepository,
	handler RetryHandler,
	engine *retry.Engine,
	gateway dispatch.Gateway,
	c clock.Clock,
	log *logger.Logger,
) *RetryService {
	return &RetryService{
		repo:    repo,
		handler: handler,
		engine:  engine,
		gateway: gateway,
		clock:   c,
		logger:  log.Named("retry_service"),
	}
}

type target struct {
	id         string
	wholeBatch bool
	// skip is set when the target must not be retried; it holds the reason.
	skip string
}

// RetrySingle retries one failed message as a one-message task.
func (s *RetryService) RetrySingle(ctx context.Context, failedMessageID string, dryRun bool) Outcome {
	return s.one(ctx, target{id: failedMessageID}, nil, dryRun)
}

// RetryBatch resubmits the whole request task a failed message belongs to.
func (s *RetryService) RetryBatch(ctx context.Context, failedMessageID string, dryRun bool) Outcome {
	return s.one(ctx, target{id: failedMessageID, wholeBatch: true}, nil, dryRun)
}

// RetryRequestTask retries every unretried failed message of a request task.
func (s *RetryService) RetryRequestTask(ctx context.Context, requestTaskID string, dryRun bool) Outcome {
	return s.Retry(ctx, Selection{RequestTaskID: requestTaskID, DryRun: dryRun})
}

// RetryAllPending retries up to limit unretried failed messages, oldest first.
func (s *RetryService) RetryAllPending(ctx context.Context, limit int, dryRun bool) Outcome {
	return s.Retry(ctx, Selection{All: true, Limit: limit, DryRun: dryRun})
}

// Retry runs a validated selection in-process. An invalid selection is
// reported as a Failure wrapping ErrInvalidSelection.
func (s *RetryService) Retry(ctx context.Context, sel Selection) Outcome {
	if err := sel.Validate(); err != nil {
		return Failure{Reason: err.Error(), Err: err}
	}
	if sel.FailedMessageID != "" {
		return s.one(ctx, target{id: sel.FailedMessageID, wholeBatch: sel.Batch}, sel.Context, sel.DryRun)
	}

	targets, out := s.resolve(ctx, sel)
	if out != nil {
		return out
	}

	items := make([]Item, 0, len(targets))
	for _, t := range targets {
		if t.skip != "" {
			items = append(items, skippedItem(t))
			continue
		}
		if sel.DryRun {
			items = append(items, s.preview(ctx, t, sel.Context))
		} else {
			items = append(items, s.run(ctx, t, sel.Context))
		}
	}
	return s.aggregate(items, sel.DryRun)
}

// Enqueue publishes retry directives for workers instead of running them.
// Dry-run selections are previewed without publishing.
func (s *RetryService) Enqueue(ctx context.Context, sel Selection) Outcome {
	if err := sel.Validate(); err != nil {
		return Failure{Reason: err.Error(), Err: err}
	}
	if sel.DryRun {
		return s.Retry(ctx, sel)
	}

	var targets []target
	if sel.FailedMessageID != "" {
		targets = []target{{id: sel.FailedMessageID, wholeBatch: sel.Batch}}
	} else {
		var out Outcome
		if targets, out = s.resolve(ctx, sel); out != nil {
			return out
		}
	}

	items := make([]Item, 0, len(targets))
	for _, t := range targets {
		if t.skip != "" {
			items = append(items, skippedItem(t))
			continue
		}
		req := model.RetryRequest{FailedMessageID: t.id, RetryWholeBatch: t.wholeBatch, Context: sel.Context}
		item := Item{FailedMessageID: t.id, Mode: retry.ModeOf(t.wholeBatch), Status: ItemQueued}
		if err := s.gateway.Enqueue(ctx, dispatch.NewRetryEnvelope(req, s.clock.Now())); err != nil {
			item.Status, item.Reason, item.err = ItemFailed, err.Error(), &retry.DispatchError{Err: err}
		}
		items = append(items, item)
	}

	if sel.FailedMessageID != "" {
		return single(items[0])
	}
	return s.aggregate(items, false)
}

// resolve expands a request task or all-pending selection into targets. A
// non-nil Outcome ends the operation early.
//
// Messages of a task already resubmitted as a whole batch are skipped: the
// replacement task carries them.
func (s *RetryService) resolve(ctx context.Context, sel Selection) ([]target, Outcome) {
	var (
		failed []*model.FailedMessage
		err    error
	)
	if sel.RequestTaskID != "" {
		task, err := s.repo.GetRequestTask(ctx, sel.RequestTaskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				nf := &retry.NotFoundError{Kind: retry.KindRequestTask, ID: sel.RequestTaskID}
				return nil, Failure{Reason: nf.Error(), Err: nf}
			}
			return nil, Failure{Reason: err.Error(), Err: err}
		}
		if task.Status == model.TaskRetrying {
			return nil, Skipped{Reason: batchRetriedReason(task.ID)}
		}
		failed, err = s.repo.ListFailedByTask(ctx, sel.RequestTaskID)
		failed = unretried(failed)
	} else {
		limit := sel.Limit
		if limit == 0 {
			limit = DefaultRetryLimit
		}
		failed, err = s.repo.ListUnretried(ctx, limit)
	}
	if err != nil {
		return nil, Failure{Reason: err.Error(), Err: err}
	}

	if sel.RequestTaskID != "" && len(failed) == 0 {
		return nil, Skipped{Reason: "request task " + sel.RequestTaskID + " has no unretried failed messages"}
	}

	superseded := make(map[string]bool)
	targets := make([]target, 0, len(failed))
	for _, fm := range failed {
		t := target{id: fm.ID, wholeBatch: wholeBatchFor(fm)}
		if taskID := model.Deref(fm.RequestTaskID); taskID != "" && sel.RequestTaskID == "" {
			done, seen := superseded[taskID]
			if !seen {
				task, err := s.repo.GetRequestTask(ctx, taskID)
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					return nil, Failure{Reason: err.Error(), Err: err}
				}
				done = err == nil && task.Status == model.TaskRetrying
				superseded[taskID] = done
			}
			if done {
				t.skip = batchRetriedReason(taskID)
			}
		}
		targets = append(targets, t)
	}
	return targets, nil
}

func batchRetriedReason(requestTaskID string) string {
	return "request task " + requestTaskID + " was already retried as a whole batch"
}

func skippedItem(t target) Item {
	return Item{FailedMessageID: t.id, Mode: retry.ModeOf(t.wholeBatch), Status: ItemSkipped, Reason: t.skip}
}

// wholeBatchFor picks the retry mode for a failed message found by listing:
// records tied to one message are retried alone, task-level records retry
// their whole task.
func wholeBatchFor(fm *model.FailedMessage) bool {
	return fm.MessageID == nil && fm.RequestTaskID != nil
}

func unretried(in []*model.FailedMessage) []*model.FailedMessage {
	out := in[:0]
	for _, fm := range in {
		if !fm.Retried {
			out = append(out, fm)
		}
	}
	return out
}

func (s *RetryService) one(ctx context.Context, t target, rctx map[string]any, dryRun bool) Outcome {
	if dryRun {
		item := s.preview(ctx, t, rctx)
		if item.Status == ItemEligible {
			return Success{RetriedCount: 1, TotalCount: 1, DryRun: true, Items: []Item{item}}
		}
		return single(item)
	}
	return single(s.run(ctx, t, rctx))
}

func single(item Item) Outcome {
	switch item.Status {
	case ItemRetried, ItemQueued:
		return Success{RetriedCount: 1, TotalCount: 1, Items: []Item{item}}
	case ItemSkipped:
		return Skipped{Reason: item.Reason, Items: []Item{item}}
	default:
		return Failure{Reason: item.Reason, Err: item.err, Items: []Item{item}}
	}
}

func (s *RetryService) aggregate(items []Item, dryRun bool) Outcome {
	out := Success{RetriedCount: counts(items), TotalCount: len(items), DryRun: dryRun, Items: items}
	s.logger.Info("retry selection finished",
		zap.Int("retried", out.RetriedCount),
		zap.Int("total", out.TotalCount),
		zap.Bool("dry_run", dryRun),
	)
	return out
}

func (s *RetryService) run(ctx context.Context, t target, rctx map[string]any) Item {
	item := Item{FailedMessageID: t.id, Mode: retry.ModeOf(t.wholeBatch)}

	res, err := s.handler.Handle(ctx, model.RetryRequest{FailedMessageID: t.id, RetryWholeBatch: t.wholeBatch, Context: rctx})
	if err != nil {
		return classify(item, err)
	}

	item.Status = ItemRetried
	item.RequestTaskID = res.RequestTask.ID
	item.TaskID = res.RequestTask.TaskID
	item.MessageCount = res.RequestTask.MessageCount
	return item
}

// preview computes what a retry would do using only reads.
func (s *RetryService) preview(ctx context.Context, t target, rctx map[string]any) Item {
	item := Item{FailedMessageID: t.id, Mode: retry.ModeOf(t.wholeBatch)}

	fm, err := s.repo.GetFailedMessage(ctx, t.id)
	if errors.Is(err, store.ErrNotFound) {
		return classify(item, &retry.NotFoundError{Kind: retry.KindFailedMessage, ID: t.id})
	}
	if err != nil {
		return classify(item, err)
	}

	subject, err := retry.LoadSubject(ctx, s.repo, fm, t.wholeBatch)
	if err != nil {
		return classify(item, err)
	}
	plan, err := s.engine.Plan(subject, model.RetryRequest{FailedMessageID: t.id, RetryWholeBatch: t.wholeBatch, Context: rctx})
	if err != nil {
		return classify(item, err)
	}

	item.Status = ItemEligible
	item.MessageCount = plan.Task.MessageCount
	return item
}

func classify(item Item, err error) Item {
	item.Reason = err.Error()
	item.err = err

	var already *retry.AlreadyRetriedError
	if errors.As(err, &already) {
		item.Status = ItemSkipped
		return item
	}
	item.Status = ItemFailed
	return item
}

// ListFailed returns up to limit unretried failed messages, oldest first.
func (s *RetryService) ListFailed(ctx context.Context, limit int) (*model.ListFailedMessagesResponse, error) {
	if limit <= 0 {
		limit = DefaultRetryLimit
	}
	failed, err := s.repo.ListUnretried(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed messages: %w", err)
	}
	if failed == nil {
		failed = []*model.FailedMessage{}
	}
	return &model.ListFailedMessagesResponse{FailedMessages: failed, Total: len(failed)}, nil
}

// GetFailed returns one failed message with its retry history.
func (s *RetryService) GetFailed(ctx context.Context, id string) (*model.FailedMessage, error) {
	fm, err := s.repo.GetFailedMessage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get failed message %s: %w", id, err)
	}
	return fm, nil
}
