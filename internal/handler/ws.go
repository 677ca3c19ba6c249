package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hometrade-app/messaging-platform/internal/call"
	"github.com/hometrade-app/messaging-platform/internal/middleware"
	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
	"github.com/hometrade-app/messaging-platform/pkg/metrics"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// CallWSHandler pushes full call session snapshots over a websocket.
type CallWSHandler struct {
	registry *call.Registry
	logger   *logger.Logger
}

// NewCallWSHandler creates a new call websocket handler.
func NewCallWSHandler(reg *call.Registry, log *logger.Logger) *CallWSHandler {
	return &CallWSHandler{
		registry: reg,
		logger:   log,
	}
}

// Connect handles GET /api/v1/calls/{id}/ws
//
// The current snapshot is sent immediately on connect, then every state
// change pushes a fresh full snapshot. The read loop exists only to observe
// client disconnect.
func (h *CallWSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)
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

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed",
			zap.String("call_id", callID), zap.Error(err))
		return
	}
	defer conn.Close()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	updates := make(chan *model.CallSession, 16)
	unsub, err := h.registry.SubscribeToCallUpdates(callID, func(s *model.CallSession) {
		select {
		case updates <- s:
		default:
			// Slow consumer: snapshots are self-contained, dropping one is
			// safe because the next carries the full state.
		}
	})
	if err != nil {
		h.logger.Error("failed to subscribe to call updates",
			zap.String("call_id", callID), zap.Error(err))
		return
	}
	defer unsub()

	h.logger.Info("call websocket connected",
		zap.String("call_id", callID), zap.String("user_id", userID))

	stop := make(chan struct{})
	go func() {
		defer close(stop)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(s *model.CallSession) bool {
		data, err := json.Marshal(s)
		if err != nil {
			return true
		}
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.logger.Warn("websocket push failed",
				zap.String("call_id", callID), zap.Error(err))
			return false
		}
		return true
	}

	if !write(sess) {
		return
	}

	for {
		select {
		case s := <-updates:
			if !write(s) {
				return
			}
			if s.Status.Terminal() {
				return
			}
		case <-stop:
			h.logger.Info("call websocket disconnected",
				zap.String("call_id", callID), zap.String("user_id", userID))
			return
		case <-ctx.Done():
			return
		}
	}
}
