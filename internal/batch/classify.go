// Package batch aggregates pending conversation messages into request tasks
// and submits them to the remote conversational API.
package batch

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/capitalize-ai/chat-relay/internal/llm"
	"github.com/capitalize-ai/chat-relay/internal/model"
)

// Classify maps a submission error to an ErrorClass.
func Classify(err error) model.ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrorClassTimeout
	}

	if apiErr, ok := llm.AsAPIError(err); ok {
		switch code := apiErr.StatusCode; {
		case code == http.StatusTooManyRequests:
			return model.ErrorClassRateLimit
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return model.ErrorClassAuth
		case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
			return model.ErrorClassTimeout
		case code >= 500:
			return model.ErrorClassServer
		case code >= 400:
			return model.ErrorClassClient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return model.ErrorClassTimeout
		}
		return model.ErrorClassNetwork
	}

	return model.ErrorClassUnknown
}

// taskStatusFor returns the terminal status a failed submission leaves the
// task in.
func taskStatusFor(class model.ErrorClass) model.RequestTaskStatus {
	if class == model.ErrorClassTimeout {
		return model.TaskTimeout
	}
	return model.TaskFailed
}
