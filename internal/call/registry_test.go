package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hometrade-app/messaging-platform/internal/apperr"
	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/internal/realtime"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
)

func newTestRegistry() *Registry {
	return NewRegistry(realtime.NewMemoryBus(), NewMemoryPresence(), logger.NewNop(), 10*time.Second)
}

func TestStartInstantCall(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sess, err := r.StartInstantCall(ctx, "job-1", "homeowner-1", []string{"contractor-1"}, model.CallTypeInstant)
	if err != nil {
		t.Fatalf("StartInstantCall: %v", err)
	}
	if sess.Status != model.CallStatusActive {
		t.Fatalf("expected active status, got %s", sess.Status)
	}
	if len(sess.Participants) != 2 {
		t.Fatalf("expected 2 participants, got %d", len(sess.Participants))
	}
	if sess.Participants[0].Role != model.RoleHost {
		t.Fatal("caller is not the host")
	}
	if !r.IsUserInCall(ctx, "homeowner-1") {
		t.Fatal("caller not flagged as in a call")
	}
}

func TestStartInstantCallConflictWhileInCall(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	if _, err := r.StartInstantCall(ctx, "job-1", "homeowner-1", nil, model.CallTypeInstant); err != nil {
		t.Fatalf("StartInstantCall: %v", err)
	}
	_, err := r.StartInstantCall(ctx, "job-2", "homeowner-1", nil, model.CallTypeInstant)
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestEndCallFinalizesExactlyOnce(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := start
	r.SetNowFunc(func() time.Time { return now })

	sess, err := r.StartInstantCall(ctx, "job-1", "homeowner-1", []string{"contractor-1"}, model.CallTypeConsultation)
	if err != nil {
		t.Fatalf("StartInstantCall: %v", err)
	}
	now = start.Add(95 * time.Second)

	finalized, err := r.EndCall(ctx, sess.ID, "homeowner-1")
	if err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if !finalized {
		t.Fatal("first EndCall did not report the transition")
	}

	// The racing hang up from the other side is a quiet no-op.
	finalized, err = r.EndCall(ctx, sess.ID, "contractor-1")
	if err != nil {
		t.Fatalf("second EndCall: %v", err)
	}
	if finalized {
		t.Fatal("second EndCall claimed the transition too")
	}

	got, err := r.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != model.CallStatusEnded {
		t.Fatalf("expected ended, got %s", got.Status)
	}
	if got.Duration != 95 {
		t.Fatalf("expected duration 95s, got %d", got.Duration)
	}
	if r.IsUserInCall(ctx, "homeowner-1") || r.IsUserInCall(ctx, "contractor-1") {
		t.Fatal("presence not cleared after end")
	}
}

func TestEndCallUnknown(t *testing.T) {
	r := newTestRegistry()
	if _, err := r.EndCall(context.Background(), "nope", "u"); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestScheduleCallRejectsPastTime(t *testing.T) {
	r := newTestRegistry()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	r.SetNowFunc(func() time.Time { return now })

	result, err := r.ScheduleCall(context.Background(), "job-1", "homeowner-1", &model.ScheduleCallRequest{
		CallType:      model.CallTypeReview,
		ScheduledTime: now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("ScheduleCall: %v", err)
	}
	if result.OK() {
		t.Fatal("expected failure result for past time")
	}
	if result.Reason == "" {
		t.Fatal("failure result carries no reason")
	}
}

func TestScheduleCallDoesNotSetPresence(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	result, err := r.ScheduleCall(ctx, "job-1", "homeowner-1", &model.ScheduleCallRequest{
		CallType:      model.CallTypeUpdate,
		ScheduledTime: time.Now().Add(time.Hour),
		Participants:  []model.Participant{{UserID: "contractor-1"}},
	})
	if err != nil {
		t.Fatalf("ScheduleCall: %v", err)
	}
	if !result.OK() {
		t.Fatalf("schedule failed: %s", result.Reason)
	}
	if result.Session.Status != model.CallStatusScheduled {
		t.Fatalf("expected scheduled, got %s", result.Session.Status)
	}
	if r.IsUserInCall(ctx, "homeowner-1") {
		t.Fatal("scheduling alone must not flag the user as in a call")
	}
}

func TestJoinCallActivatesScheduled(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	result, _ := r.ScheduleCall(ctx, "job-1", "homeowner-1", &model.ScheduleCallRequest{
		CallType:      model.CallTypeConsultation,
		ScheduledTime: time.Now().Add(time.Hour),
	})
	callID := result.Session.ID

	sess, err := r.JoinCall(ctx, callID, "contractor-1")
	if err != nil {
		t.Fatalf("JoinCall: %v", err)
	}
	if sess.Status != model.CallStatusActive {
		t.Fatalf("expected active after join, got %s", sess.Status)
	}
	if _, ok := sess.ParticipantByID("contractor-1"); !ok {
		t.Fatal("joiner missing from participants")
	}
	if !r.IsUserInCall(ctx, "contractor-1") {
		t.Fatal("joiner not flagged as in a call")
	}

	// Rejoining the same call is fine and adds no duplicate.
	sess, err = r.JoinCall(ctx, callID, "contractor-1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	count := 0
	for _, p := range sess.Participants {
		if p.UserID == "contractor-1" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("joiner duplicated, %d entries", count)
	}
}

func TestJoinCallConflictWhileInAnotherCall(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	if _, err := r.StartInstantCall(ctx, "job-1", "contractor-1", nil, model.CallTypeInstant); err != nil {
		t.Fatalf("StartInstantCall: %v", err)
	}

	result, _ := r.ScheduleCall(ctx, "job-2", "homeowner-1", &model.ScheduleCallRequest{
		CallType:      model.CallTypeUpdate,
		ScheduledTime: time.Now().Add(time.Hour),
	})

	_, err := r.JoinCall(ctx, result.Session.ID, "contractor-1")
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestJoinCallBlockedByJoinLock(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	result, _ := r.ScheduleCall(ctx, "job-1", "homeowner-1", &model.ScheduleCallRequest{
		CallType:      model.CallTypeUpdate,
		ScheduledTime: time.Now().Add(time.Hour),
	})
	callID := result.Session.ID

	// Simulate an in-flight join holding the lock.
	held, err := r.presence.AcquireJoinLock(ctx, callID, "contractor-1", time.Minute)
	if err != nil || !held {
		t.Fatalf("acquire lock: held=%v err=%v", held, err)
	}

	if _, err := r.JoinCall(ctx, callID, "contractor-1"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict while lock held, got %v", err)
	}

	if err := r.presence.ReleaseJoinLock(ctx, callID, "contractor-1"); err != nil {
		t.Fatalf("release lock: %v", err)
	}
	if _, err := r.JoinCall(ctx, callID, "contractor-1"); err != nil {
		t.Fatalf("join after release: %v", err)
	}
}

func TestJoinEndedCall(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sess, _ := r.StartInstantCall(ctx, "job-1", "homeowner-1", nil, model.CallTypeInstant)
	if _, err := r.EndCall(ctx, sess.ID, "homeowner-1"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if _, err := r.JoinCall(ctx, sess.ID, "contractor-1"); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict joining ended call, got %v", err)
	}
}

func TestCancelCallOnlyFromScheduled(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	result, _ := r.ScheduleCall(ctx, "job-1", "homeowner-1", &model.ScheduleCallRequest{
		CallType:      model.CallTypeReview,
		ScheduledTime: time.Now().Add(time.Hour),
	})
	callID := result.Session.ID

	if err := r.CancelCall(ctx, callID, "contractor-1", "emergency came up"); err != nil {
		t.Fatalf("CancelCall: %v", err)
	}
	// Cancelling again is a no-op.
	if err := r.CancelCall(ctx, callID, "contractor-1", ""); err != nil {
		t.Fatalf("repeat CancelCall: %v", err)
	}

	got, _ := r.Get(ctx, callID)
	if got.Status != model.CallStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
	if got.Metadata["cancel_reason"] != "emergency came up" {
		t.Fatal("cancel reason not recorded")
	}

	active, _ := r.StartInstantCall(ctx, "job-2", "homeowner-1", nil, model.CallTypeInstant)
	if err := r.CancelCall(ctx, active.ID, "homeowner-1", ""); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict cancelling active call, got %v", err)
	}
}

func TestToggleMuteRequiresLiveCall(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sess, _ := r.StartInstantCall(ctx, "job-1", "homeowner-1", []string{"contractor-1"}, model.CallTypeInstant)

	if err := r.ToggleMute(ctx, sess.ID, "homeowner-1", true); err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	got, _ := r.Get(ctx, sess.ID)
	p, _ := got.ParticipantByID("homeowner-1")
	if !p.Muted {
		t.Fatal("mute not applied")
	}

	if err := r.ToggleMute(ctx, sess.ID, "stranger", true); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not-found for non-participant, got %v", err)
	}

	if _, err := r.EndCall(ctx, sess.ID, "homeowner-1"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if err := r.ToggleMute(ctx, sess.ID, "homeowner-1", false); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected conflict after end, got %v", err)
	}
}

func TestConcurrentSameIntentTogglesConverge(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sess, _ := r.StartInstantCall(ctx, "job-1", "homeowner-1", nil, model.CallTypeInstant)

	done := make(chan struct{})
	for i := 0; i < 2; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			if err := r.ToggleMute(ctx, sess.ID, "homeowner-1", true); err != nil {
				t.Errorf("ToggleMute: %v", err)
			}
		}()
	}
	<-done
	<-done

	got, _ := r.Get(ctx, sess.ID)
	p, _ := got.ParticipantByID("homeowner-1")
	if !p.Muted {
		t.Fatal("same-intent toggles did not converge to muted")
	}
}

func TestStopRecordingReturnsURL(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sess, _ := r.StartInstantCall(ctx, "job-1", "homeowner-1", nil, model.CallTypeInstant)

	if err := r.StartRecording(ctx, sess.ID, "homeowner-1"); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	got, _ := r.Get(ctx, sess.ID)
	if !got.Recording {
		t.Fatal("recording flag not set")
	}

	url, err := r.StopRecording(ctx, sess.ID, "homeowner-1")
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if url == "" {
		t.Fatal("no recording url returned")
	}
	got, _ = r.Get(ctx, sess.ID)
	if got.Recording || got.RecordingURL != url {
		t.Fatal("session state does not reflect stopped recording")
	}
}

func TestSubscribeToCallUpdates(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	sess, _ := r.StartInstantCall(ctx, "job-1", "homeowner-1", nil, model.CallTypeInstant)

	var statuses []model.CallStatus
	unsub, err := r.SubscribeToCallUpdates(sess.ID, func(s *model.CallSession) {
		statuses = append(statuses, s.Status)
	})
	if err != nil {
		t.Fatalf("SubscribeToCallUpdates: %v", err)
	}

	if err := r.ToggleMute(ctx, sess.ID, "homeowner-1", true); err != nil {
		t.Fatalf("ToggleMute: %v", err)
	}
	if _, err := r.EndCall(ctx, sess.ID, "homeowner-1"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	if len(statuses) != 2 || statuses[0] != model.CallStatusActive || statuses[1] != model.CallStatusEnded {
		t.Fatalf("unexpected update sequence: %v", statuses)
	}

	unsub()
	unsub() // idempotent
}
