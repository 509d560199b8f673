package retry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/dispatch"
	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

type failingGateway struct {
	err error
}

func (g failingGateway) Enqueue(ctx context.Context, e *dispatch.Envelope) error {
	return g.err
}

type blockingGateway struct{}

func (blockingGateway) Enqueue(ctx context.Context, e *dispatch.Envelope) error {
	<-ctx.Done()
	return ctx.Err()
}

type fixture struct {
	store *store.Memory
	queue *dispatch.Memory
	orch  *Orchestrator
}

func newFixture(t *testing.T, gw dispatch.Gateway, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemory()
	q := dispatch.NewMemory(0)
	if gw == nil {
		gw = q
	}
	c := clock.NewManual(epoch)
	orch := NewOrchestrator(st, st, gw, NewEngine(c, &idgen.Sequence{}), c, cfg, logger.NewNop())
	return &fixture{store: st, queue: q, orch: orch}
}

// seed stores conversation C1, task T1 with messages M1 and M2, and a failed
// message F1 pointing at M1 and T1.
func (f *fixture) seed(t *testing.T, taskStatus model.RequestTaskStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateConversation(ctx, &model.Conversation{ID: "C1", Status: model.ConversationActive, CreatedAt: epoch}))
	require.NoError(t, f.store.SaveBatch(ctx,
		&model.RequestTask{ID: "T1", TaskID: "task-1", Status: taskStatus, Content: "hi\nthere", MessageCount: 2, CreatedAt: epoch},
		[]*model.Message{
			{ID: "M1", ConversationID: "C1", RequestTaskID: model.StringPtr("T1"), Role: model.RoleUser, Content: "hi", Status: model.MessageFailed, CreatedAt: epoch},
			{ID: "M2", ConversationID: "C1", RequestTaskID: model.StringPtr("T1"), Role: model.RoleUser, Content: "there", Status: model.MessageFailed, CreatedAt: epoch.Add(time.Second)},
		},
	))
	f.addFailed(t, "F1", "M1")
}

func (f *fixture) addFailed(t *testing.T, id, messageID string) {
	t.Helper()
	require.NoError(t, f.store.SaveFailedMessage(context.Background(), &model.FailedMessage{
		ID:             id,
		ConversationID: model.StringPtr("C1"),
		MessageID:      model.StringPtr(messageID),
		RequestTaskID:  model.StringPtr("T1"),
		Error:          "upstream 503",
		Attempts:       1,
		FailedAt:       epoch,
	}))
}

func (f *fixture) failed(t *testing.T, id string) *model.FailedMessage {
	t.Helper()
	fm, err := f.store.GetFailedMessage(context.Background(), id)
	require.NoError(t, err)
	return fm
}

func historyResults(fm *model.FailedMessage) []string {
	out := make([]string, 0, len(fm.RetryHistory))
	for _, e := range fm.RetryHistory {
		out = append(out, e.Result)
	}
	return out
}

func TestOrchestrator_RetrySingle(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskFailed)
	ctx := context.Background()

	res, err := f.orch.Handle(ctx, model.RetryRequest{FailedMessageID: "F1"})
	require.NoError(t, err)

	assert.Equal(t, ModeSingle, res.Mode)
	assert.Equal(t, 1, res.RequestTask.MessageCount)
	require.Len(t, res.Messages, 1)
	assert.Equal(t, "hi", res.Messages[0].Content)
	assert.Equal(t, model.MessagePending, res.Messages[0].Status)
	assert.Equal(t, "M1", res.Messages[0].Metadata[model.MetaRetryOfMessageID])

	fm := f.failed(t, "F1")
	assert.True(t, fm.Retried)
	assert.Equal(t, []string{model.HistoryRetryStarted, model.HistoryRetrySuccess}, historyResults(fm))

	stored, err := f.store.GetRequestTask(ctx, res.RequestTask.ID)
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, stored.Status)

	envs := f.queue.Drain()
	require.Len(t, envs, 1)
	assert.Equal(t, dispatch.KindBatchSubmit, envs[0].Kind)
	assert.Equal(t, res.RequestTask.ID, envs[0].Batch.RequestTaskID)
	assert.Equal(t, []string{res.Messages[0].ID}, envs[0].Batch.MessageIDs)

	// single mode never touches the original task
	orig, err := f.store.GetRequestTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, orig.Status)
}

func TestOrchestrator_RetryBatch(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskTimeout)
	ctx := context.Background()

	res, err := f.orch.Handle(ctx, model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: true})
	require.NoError(t, err)

	assert.Equal(t, ModeBatch, res.Mode)
	assert.Equal(t, "T1", res.OriginalTaskID)
	assert.Equal(t, 2, res.RequestTask.MessageCount)
	assert.Equal(t, "hi\nthere", res.RequestTask.Content)

	msgs, err := f.store.ListMessagesByTask(ctx, res.RequestTask.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, "there", msgs[1].Content)

	orig, err := f.store.GetRequestTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskRetrying, orig.Status)

	assert.True(t, f.failed(t, "F1").Retried)
	assert.Equal(t, 1, f.queue.Len())
}

func TestOrchestrator_BatchNotRetriable(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskCompleted)

	_, err := f.orch.Handle(context.Background(), model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: true})
	var nr *NotRetriableError
	require.ErrorAs(t, err, &nr)

	fm := f.failed(t, "F1")
	assert.False(t, fm.Retried)
	require.Len(t, fm.RetryHistory, 2)
	assert.Equal(t, model.HistoryRetryStarted, fm.RetryHistory[0].Result)
	assert.True(t, fm.RetryHistory[1].IsFailure())
	assert.Contains(t, fm.RetryHistory[1].Result, "not retriable")
	assert.Equal(t, 0, f.queue.Len())
}

func TestOrchestrator_NotFound(t *testing.T) {
	f := newFixture(t, nil, Config{})

	_, err := f.orch.Handle(context.Background(), model.RetryRequest{FailedMessageID: "missing"})
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, KindFailedMessage, nf.Kind)
	assert.Equal(t, "not_found", OutcomeLabel(err))
	assert.Equal(t, 0, f.queue.Len())
}

func TestOrchestrator_AlreadyRetriedLeavesHistoryAlone(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskFailed)
	ctx := context.Background()

	_, err := f.orch.Handle(ctx, model.RetryRequest{FailedMessageID: "F1"})
	require.NoError(t, err)
	before := f.failed(t, "F1")

	_, err = f.orch.Handle(ctx, model.RetryRequest{FailedMessageID: "F1"})
	var already *AlreadyRetriedError
	require.ErrorAs(t, err, &already)

	after := f.failed(t, "F1")
	assert.Equal(t, before.RetryHistory, after.RetryHistory)
	assert.Equal(t, 1, f.queue.Len())
}

func TestOrchestrator_MissingData(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskFailed)
	f.addFailed(t, "F2", "gone")

	_, err := f.orch.Handle(context.Background(), model.RetryRequest{FailedMessageID: "F2"})
	var missing *MissingDataError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"message"}, missing.Missing)

	fm := f.failed(t, "F2")
	assert.False(t, fm.Retried)
	assert.True(t, fm.RetryHistory[len(fm.RetryHistory)-1].IsFailure())
}

func TestOrchestrator_DispatchFailure(t *testing.T) {
	f := newFixture(t, failingGateway{err: errors.New("broker unavailable")}, Config{})
	f.seed(t, model.TaskFailed)
	ctx := context.Background()

	_, err := f.orch.Handle(ctx, model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: true})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.Contains(t, de.Error(), "broker unavailable")

	fm := f.failed(t, "F1")
	assert.False(t, fm.Retried)
	assert.Equal(t, []string{model.HistoryRetryStarted, model.RetryFailed(err.Error())}, historyResults(fm))

	// the original stays retriable so a later attempt can supersede it
	orig, err := f.store.GetRequestTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskFailed, orig.Status)
}

// racingStore completes the original task just before the orchestrator claims
// it, as a competing writer would.
type racingStore struct {
	*store.Memory
}

func (s racingStore) TransitionRequestTask(ctx context.Context, id string, from []model.RequestTaskStatus, to model.RequestTaskStatus) error {
	if to == model.TaskRetrying {
		if err := s.Memory.TransitionRequestTask(ctx, id, model.RetriableStatuses, model.TaskCompleted); err != nil {
			return err
		}
	}
	return s.Memory.TransitionRequestTask(ctx, id, from, to)
}

func TestOrchestrator_ClaimConflictDispatchesNothing(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskFailed)
	c := clock.NewManual(epoch)
	orch := NewOrchestrator(racingStore{f.store}, f.store, f.queue, NewEngine(c, &idgen.Sequence{}), c, Config{}, logger.NewNop())
	ctx := context.Background()

	_, err := orch.Handle(ctx, model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: true})
	var nr *NotRetriableError
	require.ErrorAs(t, err, &nr)
	assert.Equal(t, "T1", nr.RequestTaskID)

	assert.Equal(t, 0, f.queue.Len())
	assert.False(t, f.failed(t, "F1").Retried)
}

func TestOrchestrator_DispatchFailureRestoresTimeoutStatus(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskTimeout)
	c := clock.NewManual(epoch)
	engine := NewEngine(c, &idgen.Sequence{})
	broken := NewOrchestrator(f.store, f.store, failingGateway{err: errors.New("broker unavailable")}, engine, c, Config{}, logger.NewNop())
	ctx := context.Background()

	_, err := broken.Handle(ctx, model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: true})
	var de *DispatchError
	require.ErrorAs(t, err, &de)

	orig, err := f.store.GetRequestTask(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskTimeout, orig.Status)

	// a later attempt can still supersede it
	orch := NewOrchestrator(f.store, f.store, f.queue, engine, c, Config{}, logger.NewNop())
	res, err := orch.Handle(ctx, model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: true})
	require.NoError(t, err)
	assert.Equal(t, "T1", res.OriginalTaskID)
	assert.Equal(t, 1, f.queue.Len())
}

func TestOrchestrator_DispatchTimeout(t *testing.T) {
	f := newFixture(t, blockingGateway{}, Config{DispatchTimeout: 20 * time.Millisecond})
	f.seed(t, model.TaskFailed)

	_, err := f.orch.Handle(context.Background(), model.RetryRequest{FailedMessageID: "F1"})
	var de *DispatchError
	require.ErrorAs(t, err, &de)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.failed(t, "F1").Retried)
}

func TestOrchestrator_RecoversIncompleteRetry(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskFailed)
	ctx := context.Background()

	// a worker died after the first checkpoint
	require.NoError(t, f.store.AppendRetryHistory(ctx, "F1", model.RetryHistoryEntry{Timestamp: epoch, Result: model.HistoryRetryStarted}))
	require.True(t, f.failed(t, "F1").HasIncompleteRetry())

	_, err := f.orch.Handle(ctx, model.RetryRequest{FailedMessageID: "F1"})
	require.NoError(t, err)

	fm := f.failed(t, "F1")
	assert.True(t, fm.Retried)
	assert.False(t, fm.HasIncompleteRetry())
	assert.Equal(t, []string{model.HistoryRetryStarted, model.HistoryRetryStarted, model.HistoryRetrySuccess}, historyResults(fm))
}

func TestOrchestrator_ConcurrentAttemptsDispatchOnce(t *testing.T) {
	for _, wholeBatch := range []bool{false, true} {
		t.Run(string(ModeOf(wholeBatch)), func(t *testing.T) {
			f := newFixture(t, nil, Config{})
			f.seed(t, model.TaskFailed)

			const n = 16
			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
				already   int
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.orch.Handle(context.Background(), model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: wholeBatch})
					mu.Lock()
					defer mu.Unlock()
					var are *AlreadyRetriedError
					switch {
					case err == nil:
						successes++
					case errors.As(err, &are):
						already++
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, successes)
			assert.Equal(t, n-1, already)
			assert.Equal(t, 1, f.queue.Len())

			fm := f.failed(t, "F1")
			assert.True(t, fm.Retried)
			assert.Equal(t, []string{model.HistoryRetryStarted, model.HistoryRetrySuccess}, historyResults(fm))
		})
	}
}

func TestOrchestrator_ConcurrentBatchRetriesOfOneTask(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskFailed)
	f.addFailed(t, "F2", "M2")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"F1", "F2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = f.orch.Handle(context.Background(), model.RetryRequest{FailedMessageID: id, RetryWholeBatch: true})
		}(i, id)
	}
	wg.Wait()

	var ok, rejected int
	for _, err := range errs {
		var nr *NotRetriableError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &nr):
			rejected++
			assert.Equal(t, model.TaskRetrying, nr.Status)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 1, f.queue.Len())
}

func TestOrchestrator_LockCancelled(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.seed(t, model.TaskFailed)

	unlock, err := f.store.Lock(context.Background(), FailedMessageLockKey("F1"))
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err = f.orch.Handle(ctx, model.RetryRequest{FailedMessageID: "F1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, f.failed(t, "F1").RetryHistory)
}

func TestOutcomeLabel(t *testing.T) {
	assert.Equal(t, "success", OutcomeLabel(nil))
	assert.Equal(t, "already_retried", OutcomeLabel(&AlreadyRetriedError{}))
	assert.Equal(t, "not_retriable", OutcomeLabel(&NotRetriableError{}))
	assert.Equal(t, "missing_data", OutcomeLabel(&MissingDataError{}))
	assert.Equal(t, "dispatch_error", OutcomeLabel(&DispatchError{Err: errors.New("x")}))
	assert.Equal(t, "error", OutcomeLabel(errors.New("x")))
}
