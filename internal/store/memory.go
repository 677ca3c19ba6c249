package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hometrade-app/messaging-platform/internal/apperr"
	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/internal/realtime"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
	"github.com/hometrade-app/messaging-platform/pkg/metrics"
)

// MemoryStore is an in-memory MessageStore for tests and single-node
// deployments. Messages are held per job in insertion order with a global
// sequence counter.
type MemoryStore struct {
	bus    realtime.Bus
	logger *logger.Logger

	mu      sync.RWMutex
	seq     uint64
	byJob   map[string][]*model.Message
	byID    map[string]*model.Message
	nowFunc func() time.Time
}

// NewMemoryStore creates an empty in-memory store publishing on bus.
func NewMemoryStore(bus realtime.Bus, log *logger.Logger) *MemoryStore {
	return &MemoryStore{
		bus:     bus,
		logger:  log,
		byJob:   make(map[string][]*model.Message),
		byID:    make(map[string]*model.Message),
		nowFunc: time.Now,
	}
}

// SetNowFunc overrides the clock. Used in tests.
func (s *MemoryStore) SetNowFunc(f func() time.Time) {
	s.mu.Lock()
	s.nowFunc = f
	s.mu.Unlock()
}

// GetMessages returns the conversation in insertion order.
func (s *MemoryStore) GetMessages(ctx context.Context, jobID, userID, otherUserID string) ([]model.Message, error) {
	if jobID == "" {
		return nil, apperr.NotFound("job conversation not found")
	}
	if userID == "" || otherUserID == "" {
		return nil, apperr.Validation("both participant ids are required")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	for _, m := range s.byJob[jobID] {
		if betweenUsers(m, userID, otherUserID) {
			out = append(out, *m)
		}
	}
	return out, nil
}

// SendMessage persists one new message and publishes it on the bus.
func (s *MemoryStore) SendMessage(ctx context.Context, req *model.SendMessageRequest) (*model.Message, error) {
	if err := validateSend(req); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.seq++
	msg := &model.Message{
		ID:            uuid.Must(uuid.NewV7()).String(),
		JobID:         req.JobID,
		SenderID:      req.SenderID,
		ReceiverID:    req.ReceiverID,
		Type:          req.Type,
		Text:          req.Text,
		CallID:        req.CallID,
		CallDuration:  req.CallDuration,
		ScheduledTime: req.ScheduledTime,
		CreatedAt:     s.nowFunc(),
		Sequence:      s.seq,
	}
	s.byJob[req.JobID] = append(s.byJob[req.JobID], msg)
	s.byID[msg.ID] = msg
	snapshot := *msg
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	s.publish(realtime.MessageSubject(msg.JobID), &snapshot)

	return &snapshot, nil
}

// MarkAsRead performs the unread-to-read transition, idempotently.
func (s *MemoryStore) MarkAsRead(ctx context.Context, messageID string) error {
	s.mu.Lock()
	msg, ok := s.byID[messageID]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFound("message not found")
	}
	if msg.Read {
		s.mu.Unlock()
		return nil
	}
	msg.Read = true
	snapshot := *msg
	s.mu.Unlock()

	metrics.ReadReceiptsTotal.Inc()
	s.publish(realtime.MessageUpdateSubject(snapshot.JobID), &snapshot)
	return nil
}

func (s *MemoryStore) publish(subject string, msg *model.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("failed to marshal message event", zap.Error(err))
		return
	}
	if err := s.bus.Publish(subject, data); err != nil {
		s.logger.Error("failed to publish message event",
			zap.String("subject", subject), zap.Error(err))
	}
}

func betweenUsers(m *model.Message, a, b string) bool {
	return (m.SenderID == a && m.ReceiverID == b) ||
		(m.SenderID == b && m.ReceiverID == a)
}

func validateSend(req *model.SendMessageRequest) error {
	if req.JobID == "" {
		return apperr.NotFound("job conversation not found")
	}
	if req.SenderID == "" || req.ReceiverID == "" {
		return apperr.Validation("sender and receiver are required")
	}
	if req.SenderID == req.ReceiverID {
		return apperr.Validation("sender and receiver must differ")
	}
	if !req.Type.Valid() {
		return apperr.Validation("unknown message type")
	}
	if req.Type == model.MessageTypeText && req.Text == "" {
		return apperr.Validation("text messages require a body")
	}
	return nil
}
