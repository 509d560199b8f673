package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/chat-relay/internal/middleware"
	"github.com/capitalize-ai/chat-relay/internal/model"
	"github.com/capitalize-ai/chat-relay/internal/service"
	"github.com/capitalize-ai/chat-relay/pkg/logger"
)

// MessageHandler handles message and request task endpoints.
type MessageHandler struct {
	messageService *service.MessageService
	logger         *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(msgSvc *service.MessageService, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		messageService: msgSvc,
		logger:         log,
	}
}

// Send handles POST /api/v1/conversations/{id}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateID("conversation", conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.messageService.Send(r.Context(), conversationID, &req)
	if err != nil {
		h.fail(w, "failed to send message", conversationID, err)
		return
	}

	status := http.StatusCreated
	if resp.RequestTask != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// Flush handles POST /api/v1/conversations/{id}/flush
func (h *MessageHandler) Flush(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateID("conversation", conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.messageService.Flush(r.Context(), conversationID)
	if err != nil {
		h.fail(w, "failed to flush conversation", conversationID, err)
		return
	}

	status := http.StatusOK
	if resp.RequestTask != nil {
		status = http.StatusAccepted
	}
	writeJSON(w, status, resp)
}

// GetRequestTask handles GET /api/v1/request-tasks/{id}
func (h *MessageHandler) GetRequestTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateID("request task", id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.messageService.GetRequestTask(r.Context(), id)
	if err != nil {
		writeError(w, errorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *MessageHandler) fail(w http.ResponseWriter, msg, conversationID string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("conversation_id", conversationID), zap.Error(err))
		writeError(w, status, msg)
		return
	}
	writeError(w, status, err.Error())
}
