package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/hometrade-app/messaging-platform/internal/apperr"
	"github.com/hometrade-app/messaging-platform/internal/model"
	natsclient "github.com/hometrade-app/messaging-platform/internal/nats"
	"github.com/hometrade-app/messaging-platform/internal/realtime"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
	"github.com/hometrade-app/messaging-platform/pkg/metrics"
)

const (
	// StreamName is the name of the conversations stream.
	StreamName = "CONVERSATIONS"

	// streamSubjects captures new-message traffic only. Core NATS
	// subscribers on the same subjects receive the realtime copy, so one
	// publish serves both the durable log and live delivery. Read-receipt
	// update subjects deliberately fall outside the stream.
	streamSubjects = "hometrade.jobs.*.messages.new"
)

// StreamStore is a MessageStore backed by a NATS JetStream stream. The
// stream's per-message ack sequence is the authoritative insertion order.
//
// Read receipts are kept in a process-local index and broadcast as update
// events; they are intentionally not written to the durable log, since
// read-state is best-effort in this system.
type StreamStore struct {
	client *natsclient.Client
	logger *logger.Logger

	mu   sync.RWMutex
	read map[string]bool
	// jobByID maps message id to job so MarkAsRead can address the update
	// subject without a store round trip.
	jobByID map[string]string
}

// NewStreamStore creates a store over an established NATS connection.
func NewStreamStore(client *natsclient.Client, log *logger.Logger) *StreamStore {
	return &StreamStore{
		client:  client,
		logger:  log,
		read:    make(map[string]bool),
		jobByID: make(map[string]string),
	}
}

// EnsureStream ensures the conversations stream exists with proper configuration.
func (s *StreamStore) EnsureStream(ctx context.Context) error {
	js := s.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{streamSubjects},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "All job conversation messages",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// SendMessage publishes one new message to the durable log.
func (s *StreamStore) SendMessage(ctx context.Context, req *model.SendMessageRequest) (*model.Message, error) {
	if err := validateSend(req); err != nil {
		return nil, err
	}

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
		CreatedAt:     time.Now(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	ack, err := s.client.JetStream().Publish(ctx, realtime.MessageSubject(msg.JobID), data)
	if err != nil {
		return nil, apperr.Transient("failed to persist message", err)
	}
	msg.Sequence = ack.Sequence

	s.mu.Lock()
	s.jobByID[msg.ID] = msg.JobID
	s.mu.Unlock()

	metrics.MessagesTotal.WithLabelValues(string(msg.Type)).Inc()
	return msg, nil
}

// GetMessages replays the conversation from the durable log in stream order.
func (s *StreamStore) GetMessages(ctx context.Context, jobID, userID, otherUserID string) ([]model.Message, error) {
	if jobID == "" {
		return nil, apperr.NotFound("job conversation not found")
	}
	if userID == "" || otherUserID == "" {
		return nil, apperr.Validation("both participant ids are required")
	}

	js := s.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		FilterSubject: realtime.MessageSubject(jobID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, apperr.Transient("failed to create consumer", err)
	}

	var messages []model.Message
	for {
		batch, err := consumer.Fetch(256, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, apperr.Transient("failed to fetch messages", err)
		}

		count := 0
		for raw := range batch.Messages() {
			count++
			var m model.Message
			if err := json.Unmarshal(raw.Data(), &m); err != nil {
				continue
			}
			if meta, err := raw.Metadata(); err == nil {
				m.Sequence = meta.Sequence.Stream
			}
			if betweenUsers(&m, userID, otherUserID) {
				messages = append(messages, m)
			}
		}
		if batch.Error() != nil && !errors.Is(batch.Error(), context.DeadlineExceeded) {
			return nil, apperr.Transient("batch error", batch.Error())
		}
		if count < 256 {
			break
		}
	}

	s.mu.Lock()
	for i := range messages {
		if s.read[messages[i].ID] {
			messages[i].Read = true
		}
		s.jobByID[messages[i].ID] = jobID
	}
	s.mu.Unlock()

	return messages, nil
}

// MarkAsRead records the read transition locally and broadcasts an update
// event for live subscribers. Idempotent.
func (s *StreamStore) MarkAsRead(ctx context.Context, messageID string) error {
	s.mu.Lock()
	jobID, ok := s.jobByID[messageID]
	if !ok {
		s.mu.Unlock()
		return apperr.NotFound("message not found")
	}
	if s.read[messageID] {
		s.mu.Unlock()
		return nil
	}
	s.read[messageID] = true
	s.mu.Unlock()

	metrics.ReadReceiptsTotal.Inc()

	receipt := model.Message{ID: messageID, JobID: jobID, Read: true}
	data, err := json.Marshal(&receipt)
	if err != nil {
		return fmt.Errorf("failed to marshal read receipt: %w", err)
	}
	if err := s.client.Conn().Publish(realtime.MessageUpdateSubject(jobID), data); err != nil {
		return apperr.Transient("failed to broadcast read receipt", err)
	}
	return nil
}
