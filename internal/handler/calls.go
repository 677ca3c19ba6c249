package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hometrade-app/messaging-platform/internal/call"
	"github.com/hometrade-app/messaging-platform/internal/middleware"
	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
)

// CallHandler handles call session endpoints.
type CallHandler struct {
	registry *call.Registry
	logger   *logger.Logger
}

// NewCallHandler creates a new call handler.
func NewCallHandler(reg *call.Registry, log *logger.Logger) *CallHandler {
	return &CallHandler{
		registry: reg,
		logger:   log,
	}
}

// Start handles POST /api/v1/calls
func (h *CallHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.StartCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.CallType == "" {
		req.CallType = model.CallTypeInstant
	}

	sess, err := h.registry.StartInstantCall(ctx, req.JobID, userID, req.ParticipantIDs, req.CallType)
	if err != nil {
		h.logger.Warn("failed to start call",
			zap.String("job_id", req.JobID), zap.String("user_id", userID), zap.Error(err))
		writeAppError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, sess)
}

// Schedule handles POST /api/v1/calls/schedule
//
// Validation failures are expected here and carried in the result body with
// 422, not surfaced as plain errors.
func (h *CallHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req model.ScheduleCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.registry.ScheduleCall(ctx, req.JobID, userID, &req)
	if err != nil {
		h.logger.Error("failed to schedule call",
			zap.String("job_id", req.JobID), zap.Error(err))
		writeAppError(w, err)
		return
	}

	if !result.OK() {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

// Get handles GET /api/v1/calls/{id}
func (h *CallHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	callID := chi.URLParam(r, "id")

	if err := middleware.ValidateCallID(callID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.registry.Get(ctx, callID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Join handles POST /api/v1/calls/{id}/join
func (h *CallHandler) Join(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	callID := chi.URLParam(r, "id")

	if err := middleware.ValidateCallID(callID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := h.registry.JoinCall(ctx, callID, userID)
	if err != nil {
		h.logger.Warn("failed to join call",
			zap.String("call_id", callID), zap.String("user_id", userID), zap.Error(err))
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// End handles POST /api/v1/calls/{id}/end
func (h *CallHandler) End(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	callID := chi.URLParam(r, "id")

	if err := middleware.ValidateCallID(callID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	finalized, err := h.registry.EndCall(ctx, callID, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"finalized": finalized})
}

// Cancel handles POST /api/v1/calls/{id}/cancel
func (h *CallHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	callID := chi.URLParam(r, "id")

	if err := middleware.ValidateCallID(callID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := h.registry.CancelCall(ctx, callID, userID, body.Reason); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Mute handles POST /api/v1/calls/{id}/mute
func (h *CallHandler) Mute(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.registry.ToggleMute)
}

// Video handles POST /api/v1/calls/{id}/video
func (h *CallHandler) Video(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, h.registry.ToggleVideo)
}

// ScreenShare handles POST /api/v1/calls/{id}/screen-share
func (h *CallHandler) ScreenShare(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, func(ctx context.Context, callID, userID string, on bool) error {
		if on {
			return h.registry.StartScreenShare(ctx, callID, userID)
		}
		return h.registry.StopScreenShare(ctx, callID, userID)
	})
}

// toggle runs one on/off participant control. The mutation must complete (or
// fail loudly) before the response commits the new state.
func (h *CallHandler) toggle(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, callID, userID string, on bool) error) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	callID := chi.URLParam(r, "id")

	if err := middleware.ValidateCallID(callID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := fn(ctx, callID, userID, body.On); err != nil {
		writeAppError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Recording handles POST /api/v1/calls/{id}/recording
func (h *CallHandler) Recording(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
	callID := chi.URLParam(r, "id")

	if err := middleware.ValidateCallID(callID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var body struct {
		On bool `json:"on"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if body.On {
		if err := h.registry.StartRecording(ctx, callID, userID); err != nil {
			writeAppError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	url, err := h.registry.StopRecording(ctx, callID, userID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"recording_url": url})
}
