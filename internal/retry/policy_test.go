package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/model"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return NewEngine(clock.NewManual(epoch), &idgen.Sequence{})
}

func singleSubject() Subject {
	return Subject{
		Failed: &model.FailedMessage{
			ID:             "F1",
			ConversationID: model.StringPtr("C1"),
			MessageID:      model.StringPtr("M1"),
			RequestTaskID:  model.StringPtr("T1"),
			Attempts:       1,
		},
		Conversation: &model.Conversation{ID: "C1", Status: model.ConversationActive},
		Message: &model.Message{
			ID:             "M1",
			ConversationID: "C1",
			RequestTaskID:  model.StringPtr("T1"),
			Role:           model.RoleUser,
			Content:        "hi",
			Status:         model.MessageFailed,
			Metadata:       map[string]any{"source": "web"},
		},
	}
}

func batchSubject(status model.RequestTaskStatus) Subject {
	task := &model.RequestTask{
		ID:           "T1",
		TaskID:       "task-1",
		Status:       status,
		Content:      "a\nb",
		MessageCount: 2,
		Metadata:     map[string]any{"provider": "openai"},
	}
	return Subject{
		Failed: &model.FailedMessage{
			ID:            "F1",
			RequestTaskID: model.StringPtr("T1"),
			Attempts:      2,
		},
		Task: task,
		TaskMessages: []*model.Message{
			{ID: "M1", ConversationID: "C1", RequestTaskID: model.StringPtr("T1"), Role: model.RoleUser, Content: "a", Status: model.MessageFailed},
			{ID: "M2", ConversationID: "C1", RequestTaskID: model.StringPtr("T1"), Role: model.RoleUser, Content: "b", Status: model.MessageFailed},
		},
	}
}

func TestEngine_PlanSingle(t *testing.T) {
	e := newTestEngine()
	s := singleSubject()

	plan, err := e.Plan(s, model.RetryRequest{FailedMessageID: "F1", Context: map[string]any{"reason": "manual"}})
	require.NoError(t, err)

	assert.Equal(t, ModeSingle, plan.Mode)
	assert.Nil(t, plan.Original)

	task := plan.Task
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, 1, task.MessageCount)
	assert.Equal(t, "hi", task.Content)
	assert.Contains(t, task.TaskID, idgen.PrefixRetry+"-")
	assert.Equal(t, true, task.Metadata[model.MetaIsRetry])
	assert.Equal(t, true, task.Metadata[model.MetaIsSingleRetry])
	assert.Equal(t, "F1", task.Metadata[model.MetaRetryFailedMessageID])
	assert.Equal(t, "M1", task.Metadata[model.MetaRetryOfMessageID])
	assert.Equal(t, "T1", task.Metadata[model.MetaRetryOfRequestTaskID])
	assert.Equal(t, map[string]any{"reason": "manual"}, task.Metadata[model.MetaRetryContext])
	assert.Equal(t, epoch, task.CreatedAt)

	require.Len(t, plan.Messages, 1)
	msg := plan.Messages[0]
	assert.NotEqual(t, "M1", msg.ID)
	assert.Equal(t, "hi", msg.Content)
	assert.Equal(t, "C1", msg.ConversationID)
	assert.Equal(t, model.RoleUser, msg.Role)
	assert.Equal(t, model.MessagePending, msg.Status)
	assert.Equal(t, task.ID, model.Deref(msg.RequestTaskID))
	assert.Equal(t, "M1", msg.Metadata[model.MetaRetryOfMessageID])
	assert.Equal(t, task.ID, msg.Metadata[model.MetaRetryRequestTaskID])
	assert.Equal(t, true, msg.Metadata[model.MetaIsSingleRetry])
	assert.Equal(t, 1, msg.Metadata[model.MetaRetryAttempt])
	assert.NotContains(t, msg.Metadata, "source")

	// inputs untouched
	assert.Equal(t, model.MessageFailed, s.Message.Status)
	assert.False(t, s.Failed.Retried)
}

func TestEngine_PlanSingleWithoutTaskReference(t *testing.T) {
	s := singleSubject()
	s.Failed.RequestTaskID = nil

	plan, err := newTestEngine().Plan(s, model.RetryRequest{FailedMessageID: "F1"})
	require.NoError(t, err)
	assert.NotContains(t, plan.Task.Metadata, model.MetaRetryOfRequestTaskID)
	assert.Equal(t, map[string]any{}, plan.Task.Metadata[model.MetaRetryContext])
}

func TestEngine_PlanSingleMissingData(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Subject)
		missing []string
	}{
		{"message", func(s *Subject) { s.Message = nil }, []string{"message"}},
		{"conversation", func(s *Subject) { s.Conversation = nil }, []string{"conversation"}},
		{"both", func(s *Subject) { s.Message, s.Conversation = nil, nil }, []string{"message", "conversation"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := singleSubject()
			tt.mutate(&s)

			_, err := newTestEngine().Plan(s, model.RetryRequest{FailedMessageID: "F1"})
			var missing *MissingDataError
			require.ErrorAs(t, err, &missing)
			assert.Equal(t, tt.missing, missing.Missing)
		})
	}
}

func TestEngine_PlanBatch(t *testing.T) {
	for _, status := range []model.RequestTaskStatus{model.TaskFailed, model.TaskTimeout} {
		t.Run(string(status), func(t *testing.T) {
			s := batchSubject(status)

			plan, err := newTestEngine().Plan(s, model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: true})
			require.NoError(t, err)

			assert.Equal(t, ModeBatch, plan.Mode)
			assert.Same(t, s.Task, plan.Original)

			task := plan.Task
			assert.NotEqual(t, "T1", task.ID)
			assert.Equal(t, model.TaskPending, task.Status)
			assert.Equal(t, "a\nb", task.Content)
			assert.Equal(t, 2, task.MessageCount)
			assert.Equal(t, "openai", task.Metadata["provider"])
			assert.Equal(t, "T1", task.Metadata[model.MetaRetryOfRequestTaskID])
			assert.Equal(t, "F1", task.Metadata[model.MetaRetryFailedMessageID])
			assert.Equal(t, true, task.Metadata[model.MetaIsRetry])

			require.Len(t, plan.Messages, 2)
			for i, msg := range plan.Messages {
				orig := s.TaskMessages[i]
				assert.Equal(t, orig.Content, msg.Content)
				assert.Equal(t, orig.Role, msg.Role)
				assert.Equal(t, orig.ConversationID, msg.ConversationID)
				assert.Equal(t, model.MessagePending, msg.Status)
				assert.Equal(t, task.ID, model.Deref(msg.RequestTaskID))
				assert.Equal(t, orig.ID, msg.Metadata[model.MetaRetryOfMessageID])
				assert.Equal(t, true, msg.Metadata[model.MetaIsBatchRetry])
				assert.Equal(t, 2, msg.Metadata[model.MetaRetryAttempt])
			}

			assert.NotContains(t, s.Task.Metadata, model.MetaIsRetry)
			assert.Equal(t, status, s.Task.Status)
		})
	}
}

func TestEngine_PlanBatchNotRetriable(t *testing.T) {
	for _, status := range []model.RequestTaskStatus{
		model.TaskPending, model.TaskProcessing, model.TaskCompleted, model.TaskRetrying,
	} {
		t.Run(string(status), func(t *testing.T) {
			_, err := newTestEngine().Plan(batchSubject(status), model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: true})

			var nr *NotRetriableError
			require.ErrorAs(t, err, &nr)
			assert.Equal(t, "T1", nr.RequestTaskID)
			assert.Equal(t, status, nr.Status)
		})
	}
}

func TestEngine_PlanBatchMissingTask(t *testing.T) {
	s := batchSubject(model.TaskFailed)
	s.Task = nil

	_, err := newTestEngine().Plan(s, model.RetryRequest{FailedMessageID: "F1", RetryWholeBatch: true})
	var nr *NotRetriableError
	require.ErrorAs(t, err, &nr)
	assert.Contains(t, nr.Error(), "T1 no longer exists")
}

func TestEngine_PlanAlreadyRetried(t *testing.T) {
	s := singleSubject()
	s.Failed.Retried = true

	_, err := newTestEngine().Plan(s, model.RetryRequest{FailedMessageID: "F1"})
	var already *AlreadyRetriedError
	assert.ErrorAs(t, err, &already)
}

func TestEngine_TaskIDsAreUnique(t *testing.T) {
	e := NewEngine(clock.System{}, idgen.UUID{})
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		plan, err := e.Plan(singleSubject(), model.RetryRequest{FailedMessageID: "F1"})
		require.NoError(t, err)
		require.False(t, seen[plan.Task.TaskID])
		seen[plan.Task.TaskID] = true
	}
}
