package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/chat-relay/internal/service"
)

func TestRetryCmd_Flags(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want service.Selection
	}{
		{"single", []string{"retry", "--id", "F1"}, service.Selection{FailedMessageID: "F1"}},
		{"batch short", []string{"retry", "-i", "F1", "-b"}, service.Selection{FailedMessageID: "F1", Batch: true}},
		{"request task dry run", []string{"retry", "--request-task", "T1", "--dry-run"}, service.Selection{RequestTaskID: "T1", DryRun: true}},
		{"all with limit", []string{"retry", "--all", "--limit", "25"}, service.Selection{All: true, Limit: 25}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := &Options{}
			parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
			_, err := parser.ParseArgs(tc.args)
			require.NoError(t, err)
			assert.Equal(t, "retry", parser.Active.Name)
			assert.Equal(t, tc.want, opts.Retry.Selection())
		})
	}
}

func TestRun_RejectsInvalidSelectionLocally(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))
	defer srv.Close()

	err := run(context.Background(), []string{"--server", srv.URL, "retry", "--id", "F1", "--all"}, &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrInvalidSelection)
	assert.False(t, called)
}

func TestRun_Retry(t *testing.T) {
	var got service.Selection
	var auth, query string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/retries", r.URL.Path)
		auth, query = r.Header.Get("Authorization"), r.URL.RawQuery
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"status":"success","retried_count":1,"total_count":1,"items":[{"failed_message_id":"F1","mode":"batch","status":"queued"}]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), []string{"--server", srv.URL, "--token", "tok", "retry", "-i", "F1", "-b", "--async"}, &out)
	require.NoError(t, err)

	assert.Equal(t, service.Selection{FailedMessageID: "F1", Batch: true}, got)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "async=true", query)
	assert.Equal(t, "success: retried 1 of 1\n  F1 batch queued\n", out.String())
}

func TestRun_RetryFailureOutcome(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"status":"failure","reason":"failed message F9 not found","items":[{"failed_message_id":"F9","mode":"single","status":"failed","reason":"failed message F9 not found"}]}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), []string{"--server", srv.URL, "retry", "--id", "F9"}, &out)
	assert.ErrorIs(t, err, errFailed)
	assert.True(t, strings.HasPrefix(out.String(), "failure: failed message F9 not found\n"))
}

func TestRun_FailedList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/failed-messages", r.URL.Path)
		assert.Equal(t, "5", r.URL.Query().Get("limit"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer "))
		_, _ = w.Write([]byte(`{"failed_messages":[{"id":"F1","request_task_id":"T1","message_id":"M1","error":"upstream 503","attempts":2,"failed_at":"2024-03-01T12:00:00Z","retried":false,"retry_history":[]}],"total":1}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	err := run(context.Background(), []string{"--server", srv.URL, "--secret", "s3cret", "failed", "--limit", "5"}, &out)
	require.NoError(t, err)
	assert.Equal(t,
		"F1 task=T1 message=M1 attempts=2 retried=false failed_at=2024-03-01T12:00:00Z error=\"upstream 503\"\n1 unretried\n",
		out.String())
}

func TestRun_FailedShowNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"failed to get failed message F9: not found"}`))
	}))
	defer srv.Close()

	err := run(context.Background(), []string{"--server", srv.URL, "failed", "--id", "F9"}, &bytes.Buffer{})
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Contains(t, apiErr.Message, "not found")
}
