package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hometrade-app/messaging-platform/internal/middleware"
	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/internal/store"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
)

// MessageHandler handles conversation message endpoints.
type MessageHandler struct {
	store  store.MessageStore
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(st store.MessageStore, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		store:  st,
		logger: log,
	}
}

// List handles GET /api/v1/jobs/{jobID}/messages?with={otherUserID}
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	jobID := chi.URLParam(r, "jobID")
	otherUserID := r.URL.Query().Get("with")

	if err := middleware.ValidateJobID(jobID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateUserID(otherUserID); err != nil {
		writeError(w, http.StatusBadRequest, "query parameter 'with' is required")
		return
	}

	messages, err := h.store.GetMessages(ctx, jobID, userID, otherUserID)
	if err != nil {
		h.logger.Error("failed to list messages", zap.String("job_id", jobID), zap.Error(err))
		writeAppError(w, err)
		return
	}

	resp := model.ListMessagesResponse{Messages: messages}
	if n := len(messages); n > 0 {
		resp.LastSequence = messages[n-1].Sequence
	}
	writeJSON(w, http.StatusOK, resp)
}

// Send handles POST /api/v1/jobs/{jobID}/messages
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	jobID := chi.URLParam(r, "jobID")

	if err := middleware.ValidateJobID(jobID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.JobID = jobID
	req.SenderID = userID
	if req.Type == "" {
		req.Type = model.MessageTypeText
	}
	if req.Type == model.MessageTypeText {
		if err := middleware.ValidateMessageText(req.Text); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	msg, err := h.store.SendMessage(ctx, &req)
	if err != nil {
		h.logger.Error("failed to send message", zap.String("job_id", jobID), zap.Error(err))
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

// MarkRead handles POST /api/v1/messages/{id}/read
func (h *MessageHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	messageID := chi.URLParam(r, "id")

	if err := middleware.ValidateMessageID(messageID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.store.MarkAsRead(ctx, messageID); err != nil {
		h.logger.Warn("failed to mark message read",
			zap.String("message_id", messageID), zap.Error(err))
		writeAppError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
