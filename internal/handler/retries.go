package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/internal/retry"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/internal/store"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// RetryHandler handles failed message and retry endpoints.
type RetryHandler struct {
	service *service.RetryService
	logger  *logger.Logger
}

// NewRetryHandler creates a retry handler.
func NewRetryHandler(svc *service.RetryService, log *logger.Logger) *RetryHandler {
	return &RetryHandler{
		service: svc,
		logger:  log,
	}
}

// ListFailed handles GET /api/v1/failed-messages
func (h *RetryHandler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.ListFailed(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list failed messages", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list failed messages")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetFailed handles GET /api/v1/failed-messages/{id}
func (h *RetryHandler) GetFailed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("failed message", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fm, err := h.service.GetFailed(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, fm)
}

// Retry handles POST /api/v1/retries with a Selection body. With
// ?async=true the retries are queued for workers.
func (h *RetryHandler) Retry(w http.ResponseWriter, r *http.Request) {
	var sel service.Selection
	if err := decodeJSON(r, &sel); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.run(w, r, sel)
}

// RetryOne handles POST /api/v1/failed-messages/{id}/retry. Query flags
// batch, dry_run and async shape the selection.
func (h *RetryHandler) RetryOne(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("failed message", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sel := service.Selection{FailedMessageID: id}
	var err error
	if sel.Batch, err = queryBool(r, "batch"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if sel.DryRun, err = queryBool(r, "dry_run"); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.run(w, r, sel)
}

// RetryRequestTask handles POST /api/v1/request-tasks/{id}/retry
func (h *RetryHandler) RetryRequestTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("request task", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	dryRun, err := queryBool(r, "dry_run")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.run(w, r, service.Selection{RequestTaskID: id, DryRun: dryRun})
}

func (h *RetryHandler) run(w http.ResponseWriter, r *http.Request, sel service.Selection) {
	async, err := queryBool(r, "async")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var out service.Outcome
	if async {
		out = h.service.Enqueue(r.Context(), sel)
	} else {
		out = h.service.Retry(r.Context(), sel)
	}

	status := outcomeStatus(out, async && !sel.DryRun)
	if status >= http.StatusInternalServerError {
		if f, ok := out.(service.Failure); ok {
			h.logger.Error("retry failed", zap.String("operator", middleware.GetSubject(r.Context())), zap.Error(f.Err))
		}
	}
	h.logger.Info("retry requested",
		zap.String("operator", middleware.GetSubject(r.Context())),
		zap.String("failed_message_id", sel.FailedMessageID),
		zap.String("request_task_id", sel.RequestTaskID),
		zap.Bool("all", sel.All),
		zap.Bool("dry_run", sel.DryRun),
		zap.Bool("async", async),
		zap.String("outcome", string(out.Status())),
	)
	writeJSON(w, status, out)
}

// outcomeStatus maps an Outcome onto an HTTP status. Queued work answers
// 202; a Failure is classified by its error.
func outcomeStatus(out service.Outcome, queued bool) int {
	switch o := out.(type) {
	case service.Success:
		if queued {
			return http.StatusAccepted
		}
		return http.StatusOK
	case service.Skipped:
		return http.StatusOK
	case service.Failure:
		var (
			notFound *retry.NotFoundError
			dispatch *retry.DispatchError
		)
		switch {
		case errors.Is(o.Err, service.ErrInvalidSelection):
			return http.StatusBadRequest
		case errors.As(o.Err, &notFound), errors.Is(o.Err, store.ErrNotFound):
			return http.StatusNotFound
		case errors.As(o.Err, &dispatch):
			return http.StatusBadGateway
		case isRetryTaxonomy(o.Err):
			return http.StatusUnprocessableEntity
		default:
			return http.StatusInternalServerError
		}
	default:
		return http.StatusInternalServerError
	}
}

func isRetryTaxonomy(err error) bool {
	var (
		notRetriable *retry.NotRetriableError
		missing      *retry.MissingDataError
		already      *retry.AlreadyRetriedError
	)
	return errors.As(err, &notRetriable) || errors.As(err, &missing) || errors.As(err, &already)
}
