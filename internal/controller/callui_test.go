package controller

import (
	"context"
	"testing"
	"time"

	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
)

func newTestInterface(t *testing.T, env *testEnv, userID string) (*CallInterface, *model.CallSession) {
	t.Helper()
	sess, err := env.registry.StartInstantCall(context.Background(), "job-1", userID, []string{"contractor-1"}, model.CallTypeInstant)
	if err != nil {
		t.Fatalf("StartInstantCall: %v", err)
	}
	ci := NewCallInterface(env.registry, logger.NewNop(), sess.ID, userID)
	if err := ci.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return ci, sess
}

func TestConnectActivatesInterface(t *testing.T) {
	env := newTestEnv()
	ci, _ := newTestInterface(t, env, "homeowner-1")
	defer ci.Teardown()

	if ci.State() != CallUIActive {
		t.Fatalf("expected active, got %s", ci.State())
	}
}

func TestConnectUnknownCall(t *testing.T) {
	env := newTestEnv()
	ci := NewCallInterface(env.registry, logger.NewNop(), "nope", "homeowner-1")
	if err := ci.Connect(context.Background()); err == nil {
		t.Fatal("expected error for unknown call")
	}
}

func TestDurationTracksWallClock(t *testing.T) {
	env := newTestEnv()
	start := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := start
	env.registry.SetNowFunc(func() time.Time { return now })

	ci, _ := newTestInterface(t, env, "homeowner-1")
	defer ci.Teardown()
	ci.SetNowFunc(func() time.Time { return now })

	if d := ci.Duration(); d != 0 {
		t.Fatalf("expected zero duration at start, got %v", d)
	}

	// The clock jumps ahead, as after a backgrounded app resumes. Duration
	// follows the wall clock rather than counted ticks.
	now = start.Add(3 * time.Minute)
	if d := ci.Duration(); d != 3*time.Minute {
		t.Fatalf("expected 3m, got %v", d)
	}
}

func TestControlsAutoHide(t *testing.T) {
	env := newTestEnv()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	ci, _ := newTestInterface(t, env, "homeowner-1")
	defer ci.Teardown()
	ci.SetNowFunc(func() time.Time { return now })

	ci.Touch()
	if !ci.ControlsVisible() {
		t.Fatal("controls hidden right after interaction")
	}

	now = now.Add(DefaultControlsTimeout - time.Second)
	if !ci.ControlsVisible() {
		t.Fatal("controls hidden before timeout")
	}

	now = now.Add(2 * time.Second)
	if ci.ControlsVisible() {
		t.Fatal("controls still visible after timeout")
	}

	// Any interaction reveals them again.
	ci.Touch()
	if !ci.ControlsVisible() {
		t.Fatal("controls not revealed by interaction")
	}
}

func TestSetMutedConfirmsThroughRegistry(t *testing.T) {
	env := newTestEnv()
	ci, sess := newTestInterface(t, env, "homeowner-1")
	defer ci.Teardown()

	ci.SetMuted(context.Background(), true)
	if !ci.Muted() {
		t.Fatal("local mute not set")
	}
	got, _ := env.registry.Get(context.Background(), sess.ID)
	p, _ := got.ParticipantByID("homeowner-1")
	if !p.Muted {
		t.Fatal("registry mute not applied")
	}
	if ci.LastError() != nil {
		t.Fatalf("unexpected error: %v", ci.LastError())
	}
}

func TestToggleFailureKeepsLocalStateAndSurfacesError(t *testing.T) {
	env := newTestEnv()
	ci, sess := newTestInterface(t, env, "homeowner-1")

	// End the call underneath the interface so the mutator fails.
	if _, err := env.registry.EndCall(context.Background(), sess.ID, "contractor-1"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}

	ci.SetMuted(context.Background(), true)
	if !ci.Muted() {
		t.Fatal("optimistic value reverted on failure")
	}
	if ci.LastError() == nil {
		t.Fatal("failure not surfaced via LastError")
	}
}

func TestLocalOnlyControls(t *testing.T) {
	env := newTestEnv()
	ci, _ := newTestInterface(t, env, "homeowner-1")
	defer ci.Teardown()

	if ci.SpeakerOn() {
		t.Fatal("speaker should start off")
	}
	ci.ToggleSpeaker()
	if !ci.SpeakerOn() {
		t.Fatal("speaker toggle ignored")
	}
	ci.SwitchCamera()
	ci.SwitchCamera()

	ci.SetQuality("poor")
	if ci.Quality() != "poor" {
		t.Fatalf("quality not recorded: %s", ci.Quality())
	}
}

func TestRecordingFlow(t *testing.T) {
	env := newTestEnv()
	ci, _ := newTestInterface(t, env, "homeowner-1")
	defer ci.Teardown()
	ctx := context.Background()

	ci.StartRecording(ctx)
	if !ci.Recording() {
		t.Fatal("recording flag not set")
	}

	url, err := ci.StopRecording(ctx)
	if err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if url == "" {
		t.Fatal("no recording url")
	}
	if ci.Recording() {
		t.Fatal("recording flag still set")
	}
}

func TestEndRequiresConfirmation(t *testing.T) {
	env := newTestEnv()
	ci, sess := newTestInterface(t, env, "homeowner-1")
	ctx := context.Background()

	// Without an armed request, nothing happens.
	finalized, err := ci.ConfirmEnd(ctx)
	if err != nil || finalized {
		t.Fatalf("unarmed ConfirmEnd acted: finalized=%v err=%v", finalized, err)
	}
	if got, _ := env.registry.Get(ctx, sess.ID); got.Status != model.CallStatusActive {
		t.Fatal("call ended without confirmation")
	}

	// A back gesture arms the prompt; cancelling disarms it.
	ci.RequestEnd()
	if !ci.EndRequested() {
		t.Fatal("prompt not armed")
	}
	ci.CancelEnd()
	if ci.EndRequested() {
		t.Fatal("prompt not disarmed")
	}
	if got, _ := env.registry.Get(ctx, sess.ID); got.Status != model.CallStatusActive {
		t.Fatal("call ended by cancelled prompt")
	}

	ci.RequestEnd()
	finalized, err = ci.ConfirmEnd(ctx)
	if err != nil {
		t.Fatalf("ConfirmEnd: %v", err)
	}
	if !finalized {
		t.Fatal("confirming end did not finalize the call")
	}
	if ci.State() != CallUITornDown {
		t.Fatalf("expected torn_down, got %s", ci.State())
	}
	if got, _ := env.registry.Get(ctx, sess.ID); got.Status != model.CallStatusEnded {
		t.Fatal("call not ended")
	}
}

func TestRemoteEndTearsDown(t *testing.T) {
	env := newTestEnv()
	ci, sess := newTestInterface(t, env, "homeowner-1")

	if _, err := env.registry.EndCall(context.Background(), sess.ID, "contractor-1"); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if ci.State() != CallUITornDown {
		t.Fatalf("expected torn_down after remote end, got %s", ci.State())
	}

	// Teardown after remote end is a no-op.
	ci.Teardown()
}
