// Package model defines data structures for the messaging platform.
package model

import (
	"time"
)

// MessageType represents the type of a conversation message.
type MessageType string

const (
	MessageTypeText          MessageType = "text"
	MessageTypeCallInvite    MessageType = "video_call_invitation"
	MessageTypeCallStarted   MessageType = "video_call_started"
	MessageTypeCallEnded     MessageType = "video_call_ended"
	MessageTypeCallMissed    MessageType = "video_call_missed"
	MessageTypeCallScheduled MessageType = "video_call_scheduled"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeCallInvite, MessageTypeCallStarted,
		MessageTypeCallEnded, MessageTypeCallMissed, MessageTypeCallScheduled:
		return true
	}
	return false
}

// Message represents one chat turn in a job conversation.
type Message struct {
	// Identity
	ID    string `json:"id"`
	JobID string `json:"job_id"`

	// Participants
	SenderID   string `json:"sender_id"`
	ReceiverID string `json:"receiver_id"`

	// Content
	Type MessageType `json:"message_type"`
	Text string      `json:"text"`

	// Call metadata (nullable for plain text messages)
	CallID        *string    `json:"call_id,omitempty"`
	CallDuration  *int       `json:"call_duration,omitempty"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`

	// Delivery state
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`

	// Sequence is the store's authoritative order key (populated on persist/read).
	// CreatedAt is advisory; ties and ordering are decided by Sequence.
	Sequence uint64 `json:"sequence,omitempty"`
}

// SendMessageRequest is the request to send a new message.
type SendMessageRequest struct {
	JobID         string      `json:"job_id"`
	SenderID      string      `json:"sender_id"`
	ReceiverID    string      `json:"receiver_id"`
	Type          MessageType `json:"message_type"`
	Text          string      `json:"text"`
	CallID        *string     `json:"call_id,omitempty"`
	CallDuration  *int        `json:"call_duration,omitempty"`
	ScheduledTime *time.Time  `json:"scheduled_time,omitempty"`
}

// ListMessagesResponse is the response for listing conversation messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	HasMore      bool      `json:"has_more"`
	LastSequence uint64    `json:"last_sequence"`
}
