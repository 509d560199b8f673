package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/batch"
	"github.com/capitalize-ai/chat-relay/internal/clock"
	"github.com/capitalize-ai/chat-relay/internal/dispatch"
	"github.com/capitalize-ai/chat-relay/internal/idgen"
	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/retry"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

const testSecret = "handler-secret"

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type apiFixture struct {
	store  *store.Memory
	queue  *dispatch.Memory
	router http.Handler
	token  string
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	st := store.NewMemory()
	q := dispatch.NewMemory(0)
	ids := &idgen.Sequence{}
	c := clock.NewManual(epoch)
	log := logger.NewNop()

	engine := retry.NewEngine(c, ids)
	orch := retry.NewOrchestrator(st, st, q, engine, c, retry.Config{}, log)
	agg := batch.NewAggregator(st, st, q, ids, c, batch.AggregatorConfig{}, log)

	convs := service.NewConversationService(st, ids, c, log)
	msgs := service.NewMessageService(st, convs, agg, ids, c, service.MessageConfig{BatchSize: 2}, log)
	retries := service.NewRetryService(st, orch, engine, q, c, log)

	router := NewRouter(Handlers{
		Health:        NewHealthHandler(map[string]Pinger{"store": st}),
		Conversations: NewConversationHandler(convs, log),
		Messages:      NewMessageHandler(msgs, log),
		Retries:       NewRetryHandler(retries, log),
	}, RouterConfig{JWTSecret: testSecret}, log)

	token, err := middleware.IssueToken(testSecret, "ops", []string{middleware.ScopeRead, middleware.ScopeWrite, middleware.ScopeRetry}, time.Hour)
	require.NoError(t, err)

	return &apiFixture{store: st, queue: q, router: router, token: token}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+f.token)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

// seedFailedTask stores a failed two-message task with one failed message
// record per message.
func (f *apiFixture) seedFailedTask(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateConversation(ctx, &model.Conversation{ID: "C1", Status: model.ConversationActive, CreatedAt: epoch}))
	require.NoError(t, f.store.SaveBatch(ctx,
		&model.RequestTask{ID: "T1", TaskID: "task-1", Status: model.TaskFailed, Content: "a\n\nb", MessageCount: 2, CreatedAt: epoch},
		[]*model.Message{
			{ID: "M1", ConversationID: "C1", RequestTaskID: model.StringPtr("T1"), Role: model.RoleUser, Content: "a", Status: model.MessageFailed, CreatedAt: epoch},
			{ID: "M2", ConversationID: "C1", RequestTaskID: model.StringPtr("T1"), Role: model.RoleUser, Content: "b", Status: model.MessageFailed, CreatedAt: epoch.Add(time.Second)},
		},
	))
	for i, mid := range []string{"M1", "M2"} {
		require.NoError(t, f.store.SaveFailedMessage(ctx, &model.FailedMessage{
			ID:             "F" + mid[1:],
			ConversationID: model.StringPtr("C1"),
			MessageID:      model.StringPtr(mid),
			RequestTaskID:  model.StringPtr("T1"),
			Error:          "upstream 503",
			Attempts:       1,
			FailedAt:       epoch.Add(time.Duration(i) * time.Second),
		}))
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	NewHealthHandler(nil).Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	h := NewHealthHandler(map[string]Pinger{
		"store": pingFunc(func(ctx context.Context) error { return nil }),
		"nats":  pingFunc(func(ctx context.Context) error { return errors.New("nats: not connected") }),
	})
	rec = httptest.NewRecorder()
	h.Ready(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, map[string]interface{}{"nats": "nats: not connected"}, decode(t, rec)["failures"])
}

func TestConversationAndMessageFlow(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/conversations", map[string]interface{}{"metadata": map[string]string{"channel": "web"}})
	require.Equal(t, http.StatusCreated, rec.Code)
	convID := decode(t, rec)["id"].(string)

	rec = f.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", model.SendMessageRequest{Content: "first"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", model.SendMessageRequest{Content: "second"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	task := decode(t, rec)["request_task"].(map[string]interface{})
	assert.Equal(t, float64(2), task["message_count"])
	assert.Equal(t, 1, f.queue.Len())

	rec = f.do(t, http.MethodGet, "/api/v1/request-tasks/"+task["id"].(string), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["messages"], 2)

	rec = f.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", model.SendMessageRequest{Content: ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/api/v1/conversations/"+convID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/conversations/"+convID+"/messages", model.SendMessageRequest{Content: "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/v1/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPut, "/api/v1/conversations/"+convID, map[string]string{"status": "deleted"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRetryEndpoints(t *testing.T) {
	f := newAPIFixture(t)
	f.seedFailedTask(t)

	rec := f.do(t, http.MethodGet, "/api/v1/failed-messages?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), decode(t, rec)["total"])

	rec = f.do(t, http.MethodPost, "/api/v1/failed-messages/F1/retry?dry_run=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, true, body["dry_run"])
	assert.Zero(t, f.queue.Len())

	rec = f.do(t, http.MethodPost, "/api/v1/failed-messages/F1/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["retried_count"])
	assert.Equal(t, 1, f.queue.Len())

	rec = f.do(t, http.MethodPost, "/api/v1/failed-messages/F1/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "skipped", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/api/v1/failed-messages/F1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["retried"])

	rec = f.do(t, http.MethodPost, "/api/v1/failed-messages/nope/retry", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "failure", decode(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/api/v1/failed-messages/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetrySelectionStatuses(t *testing.T) {
	f := newAPIFixture(t)
	f.seedFailedTask(t)

	tests := []struct {
		name   string
		path   string
		body   interface{}
		status int
		result string
	}{
		{"invalid selection", "/api/v1/retries", service.Selection{FailedMessageID: "F1", All: true}, http.StatusBadRequest, "failure"},
		{"empty selection", "/api/v1/retries", service.Selection{}, http.StatusBadRequest, "failure"},
		{"unknown request task", "/api/v1/request-tasks/T9/retry", nil, http.StatusNotFound, "failure"},
		{"unknown body field", "/api/v1/retries", map[string]string{"everything": "yes"}, http.StatusBadRequest, ""},
		{"async batch", "/api/v1/retries?async=true", service.Selection{FailedMessageID: "F2", Batch: true}, http.StatusAccepted, "success"},
		{"all pending", "/api/v1/retries", service.Selection{All: true, Limit: 5}, http.StatusOK, "success"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			if tt.result != "" {
				assert.Equal(t, tt.result, decode(t, rec)["status"])
			}
		})
	}
}

func TestRetryBatchNotRetriable(t *testing.T) {
	f := newAPIFixture(t)
	f.seedFailedTask(t)
	require.NoError(t, f.store.TransitionRequestTask(context.Background(), "T1", []model.RequestTaskStatus{model.TaskFailed}, model.TaskCompleted))

	rec := f.do(t, http.MethodPost, "/api/v1/failed-messages/F1/retry?batch=true", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "failure", decode(t, rec)["status"])
}

func TestRetryRequiresScope(t *testing.T) {
	f := newAPIFixture(t)
	f.seedFailedTask(t)

	token, err := middleware.IssueToken(testSecret, "viewer", []string{middleware.ScopeRead}, time.Hour)
	require.NoError(t, err)
	f.token = token

	rec := f.do(t, http.MethodGet, "/api/v1/failed-messages", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/failed-messages/F1/retry", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, f.queue.Len())
}

func TestOutcomeStatus(t *testing.T) {
	tests := []struct {
		name   string
		out    service.Outcome
		queued bool
		want   int
	}{
		{"success", service.Success{RetriedCount: 1, TotalCount: 1}, false, http.StatusOK},
		{"queued", service.Success{RetriedCount: 1, TotalCount: 1}, true, http.StatusAccepted},
		{"skipped", service.Skipped{Reason: "done"}, false, http.StatusOK},
		{"invalid", service.Failure{Err: service.ErrInvalidSelection}, false, http.StatusBadRequest},
		{"not found", service.Failure{Err: &retry.NotFoundError{Kind: retry.KindFailedMessage, ID: "F"}}, false, http.StatusNotFound},
		{"not retriable", service.Failure{Err: &retry.NotRetriableError{FailedMessageID: "F"}}, false, http.StatusUnprocessableEntity},
		{"missing data", service.Failure{Err: &retry.MissingDataError{FailedMessageID: "F"}}, false, http.StatusUnprocessableEntity},
		{"dispatch", service.Failure{Err: &retry.DispatchError{Err: errors.New("queue down")}}, false, http.StatusBadGateway},
		{"internal", service.Failure{Err: errors.New("db down")}, false, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, outcomeStatus(tt.out, tt.queued))
		})
	}
}
