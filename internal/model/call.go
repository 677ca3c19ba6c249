package model

import (
	"time"
)

// CallStatus represents the lifecycle state of a call session.
type CallStatus string

const (
	CallStatusScheduled CallStatus = "scheduled"
	CallStatusActive    CallStatus = "active"
	CallStatusEnded     CallStatus = "ended"
	CallStatusCancelled CallStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s CallStatus) Terminal() bool {
	return s == CallStatusEnded || s == CallStatusCancelled
}

// CallType represents the purpose of a call.
type CallType string

const (
	CallTypeConsultation CallType = "consultation"
	CallTypeUpdate       CallType = "update"
	CallTypeReview       CallType = "review"
	CallTypeInstant      CallType = "instant"
)

// Valid reports whether t is a known call type.
func (t CallType) Valid() bool {
	switch t {
	case CallTypeConsultation, CallTypeUpdate, CallTypeReview, CallTypeInstant:
		return true
	}
	return false
}

// ParticipantRole distinguishes the call host from invited participants.
type ParticipantRole string

const (
	RoleHost        ParticipantRole = "host"
	RoleParticipant ParticipantRole = "participant"
)

// Participant is one user in a call session.
type Participant struct {
	UserID      string          `json:"user_id"`
	DisplayName string          `json:"display_name"`
	Role        ParticipantRole `json:"role"`
	Muted       bool            `json:"muted"`
	VideoOff    bool            `json:"video_off"`
}

// CallSession represents one video call tied to a job. Records are never
// deleted; ended and cancelled sessions persist for history.
type CallSession struct {
	ID           string        `json:"id"`
	JobID        string        `json:"job_id"`
	Participants []Participant `json:"participants"`
	Status       CallStatus    `json:"status"`
	Type         CallType      `json:"call_type"`

	StartedAt     time.Time  `json:"started_at"`
	ScheduledTime *time.Time `json:"scheduled_time,omitempty"`
	// Duration in seconds, finalized when the call ends.
	Duration int `json:"duration"`

	Recording    bool   `json:"recording"`
	ScreenShare  bool   `json:"screen_share"`
	RecordingURL string `json:"recording_url,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// ParticipantByID returns the participant entry for userID, if present.
func (s *CallSession) ParticipantByID(userID string) (*Participant, bool) {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i], true
		}
	}
	return nil, false
}

// Clone returns a deep copy of the session. Subscribers always receive
// snapshots, never the registry's live record.
func (s *CallSession) Clone() *CallSession {
	cp := *s
	cp.Participants = make([]Participant, len(s.Participants))
	copy(cp.Participants, s.Participants)
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// StartCallRequest is the request to start an instant call.
type StartCallRequest struct {
	JobID          string   `json:"job_id"`
	ParticipantIDs []string `json:"participant_ids"`
	CallType       CallType `json:"call_type"`
}

// ScheduleCallRequest is the request to schedule a future call.
type ScheduleCallRequest struct {
	JobID         string            `json:"job_id"`
	Participants  []Participant     `json:"participants"`
	ScheduledTime time.Time         `json:"scheduled_time"`
	CallType      CallType          `json:"call_type"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// ScheduleResult is the explicit outcome of a schedule attempt. Scheduling
// failures are expected and handled inline by callers, so they are carried
// here rather than as an error return.
type ScheduleResult struct {
	Session *CallSession `json:"session,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

// OK reports whether the schedule attempt produced a session.
func (r *ScheduleResult) OK() bool {
	return r.Session != nil
}
