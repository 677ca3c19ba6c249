package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hometrade-app/messaging-platform/internal/middleware"
	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/internal/realtime"
	"github.com/hometrade-app/messaging-platform/internal/store"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
	"github.com/hometrade-app/messaging-platform/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	store   store.MessageStore
	channel *realtime.Channel
	logger  *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(st store.MessageStore, ch *realtime.Channel, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		store:   st,
		channel: ch,
		logger:  log,
	}
}

type streamEvent struct {
	name string
	data interface{}
}

// Stream handles GET /api/v1/jobs/{jobID}/stream?with={otherUserID}
// Supports ?after_sequence=N for resuming from a specific point.
//
// The live subscription is opened only after the history replay completes,
// so the client never reconciles live deltas against a stale list. Replayed
// and live copies of the same message are deduplicated client-side by ID.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
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

	var afterSequence uint64
	if seqStr := r.URL.Query().Get("after_sequence"); seqStr != "" {
		if seq, err := strconv.ParseUint(seqStr, 10, 64); err == nil {
			afterSequence = seq
		}
	}

	// Set SSE headers
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	metrics.SSEConnectionsActive.Inc()
	defer metrics.SSEConnectionsActive.Dec()

	sendSSEEvent(w, flusher, "connected", map[string]string{
		"job_id": jobID,
	})

	// Replay history first.
	history, err := h.store.GetMessages(ctx, jobID, userID, otherUserID)
	if err != nil {
		h.logger.Error("failed to replay messages",
			zap.String("job_id", jobID), zap.Error(err))
		sendSSEEvent(w, flusher, "error", map[string]string{
			"code":    "replay_error",
			"message": "failed to replay messages",
		})
		return
	}

	var lastSequence uint64
	replayed := 0
	for _, msg := range history {
		if msg.Sequence <= afterSequence {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		sendSSEEvent(w, flusher, "message", msg)
		lastSequence = msg.Sequence
		replayed++
	}

	sendSSEEvent(w, flusher, "replay_complete", map[string]interface{}{
		"last_sequence": lastSequence,
		"message_count": replayed,
	})

	// Then go live.
	events := make(chan streamEvent, 64)
	push := func(name string) realtime.MessageHandler {
		return func(msg *model.Message) {
			select {
			case events <- streamEvent{name: name, data: msg}:
			default:
				// Slow consumer: drop rather than block the dispatcher. The
				// client re-syncs from after_sequence on reconnect.
			}
		}
	}

	sub, err := h.channel.Subscribe(jobID, push("message"), push("message_update"))
	if err != nil {
		h.logger.Error("failed to open live subscription",
			zap.String("job_id", jobID), zap.Error(err))
		sendSSEEvent(w, flusher, "error", map[string]string{
			"code":    "subscribe_error",
			"message": "failed to open live subscription",
		})
		return
	}
	defer sub.Unsubscribe()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			sendSSEEvent(w, flusher, ev.name, ev.data)
		case t := <-heartbeat.C:
			sendSSEEvent(w, flusher, "heartbeat", map[string]string{
				"timestamp": t.UTC().Format(time.RFC3339),
			})
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	flusher.Flush()
}
