package call

import (
	"context"
	"encoding/json"
	"fmt"
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

// UpdateHandler receives the full session snapshot after every state change.
// Snapshots, never deltas: subscribers always reconcile against a consistent
// whole.
type UpdateHandler func(session *model.CallSession)

// Registry owns all call session state. UI components never mutate the
// in-call flag directly; they read it through IsUserInCall and mutate through
// the registry's operations.
type Registry struct {
	bus         realtime.Bus
	presence    PresenceStore
	logger      *logger.Logger
	joinLockTTL time.Duration

	mu       sync.RWMutex
	sessions map[string]*model.CallSession
	nowFunc  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(bus realtime.Bus, presence PresenceStore, log *logger.Logger, joinLockTTL time.Duration) *Registry {
	if joinLockTTL <= 0 {
		joinLockTTL = 10 * time.Second
	}
	return &Registry{
		bus:         bus,
		presence:    presence,
		logger:      log,
		joinLockTTL: joinLockTTL,
		sessions:    make(map[string]*model.CallSession),
		nowFunc:     time.Now,
	}
}

// SetNowFunc overrides the clock. Used in tests.
func (r *Registry) SetNowFunc(f func() time.Time) {
	r.mu.Lock()
	r.nowFunc = f
	r.mu.Unlock()
}

// IsUserInCall reports whether the user currently holds a non-ended call.
func (r *Registry) IsUserInCall(ctx context.Context, userID string) bool {
	callID, err := r.presence.ActiveCall(ctx, userID)
	if err != nil {
		r.logger.Error("presence lookup failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	return callID != ""
}

// Get returns a snapshot of the session.
func (r *Registry) Get(ctx context.Context, callID string) (*model.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[callID]
	if !ok {
		return nil, apperr.NotFound("call not found")
	}
	return sess.Clone(), nil
}

// StartInstantCall creates and activates a call immediately. The caller
// becomes the host.
func (r *Registry) StartInstantCall(ctx context.Context, jobID, userID string, participantIDs []string, callType model.CallType) (*model.CallSession, error) {
	if jobID == "" {
		return nil, apperr.Validation("job id is required")
	}
	if !callType.Valid() {
		return nil, apperr.Validation("unknown call type")
	}
	if r.IsUserInCall(ctx, userID) {
		return nil, apperr.Conflict("user is already in a call")
	}

	now := r.now()
	sess := &model.CallSession{
		ID:        uuid.Must(uuid.NewV7()).String(),
		JobID:     jobID,
		Status:    model.CallStatusActive,
		Type:      callType,
		StartedAt: now,
		Participants: []model.Participant{
			{UserID: userID, Role: model.RoleHost},
		},
	}
	for _, pid := range participantIDs {
		if pid == userID {
			continue
		}
		sess.Participants = append(sess.Participants, model.Participant{
			UserID: pid, Role: model.RoleParticipant,
		})
	}

	ok, err := r.presence.SetActiveCall(ctx, userID, sess.ID)
	if err != nil {
		return nil, apperr.Transient("failed to record call presence", err)
	}
	if !ok {
		return nil, apperr.Conflict("user is already in a call")
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	snapshot := sess.Clone()
	r.mu.Unlock()

	metrics.CallsActive.Inc()
	r.broadcast(snapshot)
	r.logger.Info("instant call started",
		zap.String("call_id", sess.ID), zap.String("job_id", jobID), zap.String("host", userID))

	return snapshot, nil
}

// ScheduleCall creates a future call. Validation failures are expected and
// returned in the result, not as an error.
func (r *Registry) ScheduleCall(ctx context.Context, jobID, userID string, req *model.ScheduleCallRequest) (*model.ScheduleResult, error) {
	if jobID == "" {
		return &model.ScheduleResult{Reason: "job id is required"}, nil
	}
	if !req.CallType.Valid() {
		return &model.ScheduleResult{Reason: "unknown call type"}, nil
	}
	if !req.ScheduledTime.After(r.now()) {
		return &model.ScheduleResult{Reason: "scheduled time must be in the future"}, nil
	}

	scheduled := req.ScheduledTime
	sess := &model.CallSession{
		ID:            uuid.Must(uuid.NewV7()).String(),
		JobID:         jobID,
		Status:        model.CallStatusScheduled,
		Type:          req.CallType,
		ScheduledTime: &scheduled,
		Metadata:      req.Metadata,
	}

	hasHost := false
	for _, p := range req.Participants {
		if p.UserID == userID {
			hasHost = true
			p.Role = model.RoleHost
		}
		sess.Participants = append(sess.Participants, p)
	}
	if !hasHost {
		sess.Participants = append([]model.Participant{
			{UserID: userID, Role: model.RoleHost},
		}, sess.Participants...)
	}

	r.mu.Lock()
	r.sessions[sess.ID] = sess
	snapshot := sess.Clone()
	r.mu.Unlock()

	r.broadcast(snapshot)
	r.logger.Info("call scheduled",
		zap.String("call_id", sess.ID), zap.String("job_id", jobID),
		zap.Time("scheduled_time", scheduled))

	return &model.ScheduleResult{Session: snapshot}, nil
}

// JoinCall adds the user to a scheduled or active call, activating it if
// needed. At most one join per (callID, userID) may be in flight.
func (r *Registry) JoinCall(ctx context.Context, callID, userID string) (*model.CallSession, error) {
	acquired, err := r.presence.AcquireJoinLock(ctx, callID, userID, r.joinLockTTL)
	if err != nil {
		return nil, apperr.Transient("failed to acquire join lock", err)
	}
	if !acquired {
		return nil, apperr.Conflict("join already in progress")
	}
	defer func() {
		if err := r.presence.ReleaseJoinLock(ctx, callID, userID); err != nil {
			r.logger.Warn("failed to release join lock",
				zap.String("call_id", callID), zap.String("user_id", userID), zap.Error(err))
		}
	}()

	current, err := r.presence.ActiveCall(ctx, userID)
	if err != nil {
		return nil, apperr.Transient("presence lookup failed", err)
	}
	if current != "" && current != callID {
		return nil, apperr.Conflict("user is already in a call")
	}

	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return nil, apperr.NotFound("call not found")
	}
	if sess.Status.Terminal() {
		r.mu.Unlock()
		return nil, apperr.Conflict("call has ended")
	}
	if sess.Status == model.CallStatusScheduled {
		sess.Status = model.CallStatusActive
		sess.StartedAt = r.nowLocked()
		metrics.CallsActive.Inc()
	}
	if _, present := sess.ParticipantByID(userID); !present {
		sess.Participants = append(sess.Participants, model.Participant{
			UserID: userID, Role: model.RoleParticipant,
		})
	}
	snapshot := sess.Clone()
	r.mu.Unlock()

	if _, err := r.presence.SetActiveCall(ctx, userID, callID); err != nil {
		return nil, apperr.Transient("failed to record call presence", err)
	}

	r.broadcast(snapshot)
	return snapshot, nil
}

// EndCall finalizes an active call. Safe to call multiple times; racing hang
// up signals from both ends resolve to a single ended transition. The bool
// reports whether this invocation performed the transition, so exactly one
// caller observes true.
func (r *Registry) EndCall(ctx context.Context, callID, userID string) (bool, error) {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return false, apperr.NotFound("call not found")
	}
	if sess.Status == model.CallStatusEnded {
		r.mu.Unlock()
		return false, nil
	}
	if sess.Status != model.CallStatusActive {
		r.mu.Unlock()
		return false, apperr.Conflict("call is not active")
	}
	sess.Status = model.CallStatusEnded
	sess.Duration = int(r.nowLocked().Sub(sess.StartedAt) / time.Second)
	sess.Recording = false
	sess.ScreenShare = false
	snapshot := sess.Clone()
	r.mu.Unlock()

	for _, p := range snapshot.Participants {
		if err := r.presence.ClearActiveCall(ctx, p.UserID, callID); err != nil {
			r.logger.Warn("failed to clear call presence",
				zap.String("call_id", callID), zap.String("user_id", p.UserID), zap.Error(err))
		}
	}

	metrics.CallsActive.Dec()
	metrics.RecordCallEnd(string(snapshot.Type), "ended", float64(snapshot.Duration))
	r.broadcast(snapshot)
	r.logger.Info("call ended",
		zap.String("call_id", callID), zap.String("ended_by", userID),
		zap.Int("duration_sec", snapshot.Duration))

	return true, nil
}

// CancelCall declines a scheduled call. Only valid from the scheduled state;
// cancelling an already-cancelled call is a no-op.
func (r *Registry) CancelCall(ctx context.Context, callID, userID, reason string) error {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("call not found")
	}
	if sess.Status == model.CallStatusCancelled {
		r.mu.Unlock()
		return nil
	}
	if sess.Status != model.CallStatusScheduled {
		r.mu.Unlock()
		return apperr.Conflict("only scheduled calls can be cancelled")
	}
	sess.Status = model.CallStatusCancelled
	if reason != "" {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]string)
		}
		sess.Metadata["cancel_reason"] = reason
	}
	snapshot := sess.Clone()
	r.mu.Unlock()

	metrics.RecordCallEnd(string(snapshot.Type), "cancelled", 0)
	r.broadcast(snapshot)
	r.logger.Info("call cancelled",
		zap.String("call_id", callID), zap.String("cancelled_by", userID),
		zap.String("reason", reason))

	return nil
}

// ToggleMute sets the participant's mute state and broadcasts the snapshot.
func (r *Registry) ToggleMute(ctx context.Context, callID, userID string, muted bool) error {
	return r.mutateParticipant(callID, userID, func(p *model.Participant) {
		p.Muted = muted
	})
}

// ToggleVideo sets the participant's camera state and broadcasts the snapshot.
func (r *Registry) ToggleVideo(ctx context.Context, callID, userID string, videoOff bool) error {
	return r.mutateParticipant(callID, userID, func(p *model.Participant) {
		p.VideoOff = videoOff
	})
}

// StartScreenShare marks the session as screen-sharing.
func (r *Registry) StartScreenShare(ctx context.Context, callID, userID string) error {
	return r.mutateSession(callID, userID, func(s *model.CallSession) {
		s.ScreenShare = true
	})
}

// StopScreenShare clears the screen-share flag.
func (r *Registry) StopScreenShare(ctx context.Context, callID, userID string) error {
	return r.mutateSession(callID, userID, func(s *model.CallSession) {
		s.ScreenShare = false
	})
}

// StartRecording marks the session as recording.
func (r *Registry) StartRecording(ctx context.Context, callID, userID string) error {
	return r.mutateSession(callID, userID, func(s *model.CallSession) {
		s.Recording = true
	})
}

// StopRecording stops recording and returns the recording URL.
func (r *Registry) StopRecording(ctx context.Context, callID, userID string) (string, error) {
	url := fmt.Sprintf("https://recordings.hometrade.app/%s/%s", callID, uuid.New().String())
	err := r.mutateSession(callID, userID, func(s *model.CallSession) {
		s.Recording = false
		s.RecordingURL = url
	})
	if err != nil {
		return "", err
	}
	return url, nil
}

// SubscribeToCallUpdates pushes the full session snapshot on every state
// change. The returned unsubscribe is idempotent and immediately effective.
func (r *Registry) SubscribeToCallUpdates(callID string, onUpdate UpdateHandler) (func(), error) {
	var mu sync.RWMutex
	closed := false

	unsub, err := r.bus.Subscribe(realtime.CallSubject(callID), func(data []byte) {
		var sess model.CallSession
		if err := json.Unmarshal(data, &sess); err != nil {
			r.logger.Warn("dropping undecodable call event",
				zap.String("call_id", callID), zap.Error(err))
			return
		}
		// Checked and released before the callback: onUpdate may react to a
		// terminal snapshot by unsubscribing, which needs the write lock.
		mu.RLock()
		c := closed
		mu.RUnlock()
		if c {
			return
		}
		onUpdate(&sess)
	})
	if err != nil {
		return nil, err
	}

	return func() {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		closed = true
		mu.Unlock()
		_ = unsub()
	}, nil
}

func (r *Registry) mutateParticipant(callID, userID string, fn func(*model.Participant)) error {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("call not found")
	}
	if sess.Status.Terminal() {
		r.mu.Unlock()
		return apperr.Conflict("call has ended")
	}
	p, present := sess.ParticipantByID(userID)
	if !present {
		r.mu.Unlock()
		return apperr.NotFound("participant not in call")
	}
	fn(p)
	snapshot := sess.Clone()
	r.mu.Unlock()

	r.broadcast(snapshot)
	return nil
}

func (r *Registry) mutateSession(callID, userID string, fn func(*model.CallSession)) error {
	r.mu.Lock()
	sess, ok := r.sessions[callID]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("call not found")
	}
	if sess.Status.Terminal() {
		r.mu.Unlock()
		return apperr.Conflict("call has ended")
	}
	if _, present := sess.ParticipantByID(userID); !present {
		r.mu.Unlock()
		return apperr.NotFound("participant not in call")
	}
	fn(sess)
	snapshot := sess.Clone()
	r.mu.Unlock()

	r.broadcast(snapshot)
	return nil
}

func (r *Registry) broadcast(sess *model.CallSession) {
	data, err := json.Marshal(sess)
	if err != nil {
		r.logger.Error("failed to marshal call snapshot",
			zap.String("call_id", sess.ID), zap.Error(err))
		return
	}
	if err := r.bus.Publish(realtime.CallSubject(sess.ID), data); err != nil {
		r.logger.Error("failed to broadcast call snapshot",
			zap.String("call_id", sess.ID), zap.Error(err))
	}
}

func (r *Registry) now() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.nowFunc()
}

// nowLocked reads the clock while r.mu is already held.
func (r *Registry) nowLocked() time.Time {
	return r.nowFunc()
}
