package model

import (
	"time"
)

// Metadata keys written by the retry pipeline.
const (
	MetaIsRetry              = "is_retry"
	MetaRetryOfRequestTaskID = "retry_of_request_task_id"
	MetaRetryFailedMessageID = "retry_failed_message_id"
	MetaRetryContext         = "retry_context"
	MetaRetryOfMessageID     = "retry_of_message_id"
	MetaRetryRequestTaskID   = "retry_request_task_id"
	MetaIsBatchRetry         = "is_batch_retry"
	MetaIsSingleRetry        = "is_single_retry"
	MetaRetryAttempt         = "retry_attempt"
)

// Metadata keys written by the batch processor on completion.
const (
	MetaModel      = "model"
	MetaTokensIn   = "tokens_in"
	MetaTokensOut  = "tokens_out"
	MetaResponseID = "response_id"
	MetaStopReason = "stop_reason"
	MetaLatencyMs  = "latency_ms"
)

// Failure context keys.
const (
	CtxErrorClass = "error_class"
	CtxEndpoint   = "endpoint"
	CtxProvider   = "provider"
	CtxModel      = "model"
	CtxTaskID     = "task_id"
)

// StringPtr returns a pointer to s.
func StringPtr(s string) *string {
	return &s
}

// Deref returns the pointed-to string or "".
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// IntFromMeta reads an integer metadata value that may have gone through a
// JSON round trip.
func IntFromMeta(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// CloneMap deep-copies nested maps and slices of a metadata map.
func CloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
