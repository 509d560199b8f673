package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
)

// outcome mirrors the JSON form of service.Outcome.
type outcome struct {
	Status       string         `json:"status"`
	RetriedCount int            `json:"retried_count"`
	TotalCount   int            `json:"total_count"`
	DryRun       bool           `json:"dry_run"`
	Reason       string         `json:"reason"`
	Items        []service.Item `json:"items"`
}

type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("relay API returned %d: %s", e.StatusCode, e.Message)
}

// client calls the relay operator API.
type client struct {
	base  string
	token string
	http  *http.Client
}

func newClient(base, token string) *client {
	return &client{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 60 * time.Second},
	}
}

// Retry posts a selection. Outcomes come back with non-2xx statuses too, so
// any response carrying a status field is decoded as an outcome.
func (c *client) Retry(ctx context.Context, sel service.Selection, async bool) (*outcome, error) {
	path := "/api/v1/retries"
	if async {
		path += "?async=true"
	}

	var out outcome
	status, body, err := c.do(ctx, http.MethodPost, path, sel)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(body, &out); err != nil || out.Status == "" {
		return nil, &apiError{StatusCode: status, Message: errorMessage(body)}
	}
	return &out, nil
}

func (c *client) ListFailed(ctx context.Context, limit int) (*model.ListFailedMessagesResponse, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/failed-messages"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp model.ListFailedMessagesResponse
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *client) GetFailed(ctx context.Context, id string) (*model.FailedMessage, error) {
	var fm model.FailedMessage
	if err := c.getJSON(ctx, "/api/v1/failed-messages/"+url.PathEscape(id), &fm); err != nil {
		return nil, err
	}
	return &fm, nil
}

func (c *client) getJSON(ctx context.Context, path string, v interface{}) error {
	status, body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &apiError{StatusCode: status, Message: errorMessage(body)}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *client) do(ctx context.Context, method, path string, payload interface{}) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to call relay API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(string(body))
}
