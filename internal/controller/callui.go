package controller

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hometrade-app/messaging-platform/internal/call"
	"github.com/hometrade-app/messaging-platform/internal/model"
	"github.com/hometrade-app/messaging-platform/pkg/logger"
)

// CallUIState is the local lifecycle of the call interface.
type CallUIState string

const (
	CallUIConnecting CallUIState = "connecting"
	CallUIActive     CallUIState = "active"
	CallUITornDown   CallUIState = "torn_down"
)

// DefaultControlsTimeout is how long on-screen controls stay visible after
// the last interaction.
const DefaultControlsTimeout = 5 * time.Second

// CallInterface manages the active call's local UI state and forwards
// intents to the registry. Toggles are optimistic; a mutator failure is
// logged and surfaced via LastError, never silently reverted.
type CallInterface struct {
	registry *call.Registry
	logger   *logger.Logger
	callID   string
	userID   string

	mu    sync.Mutex
	state CallUIState

	muted       bool
	videoOff    bool
	speakerOn   bool
	frontCamera bool
	recording   bool
	screenShare bool
	// confirmed* hold the registry's last acknowledged values.
	confirmedMuted    bool
	confirmedVideoOff bool
	lastErr           error

	quality string

	// Duration is always now minus the confirmed start time, never an
	// accumulator, so missed ticks cannot drift it.
	confirmedStart time.Time

	controlsTimeout time.Duration
	lastInteraction time.Time

	endRequested bool
	unsub        func()
	nowFunc      func() time.Time
}

// NewCallInterface creates the interface controller in the connecting state.
func NewCallInterface(reg *call.Registry, log *logger.Logger, callID, userID string) *CallInterface {
	return &CallInterface{
		registry:        reg,
		logger:          log.With(zap.String("call_id", callID), zap.String("user_id", userID)),
		callID:          callID,
		userID:          userID,
		state:           CallUIConnecting,
		frontCamera:     true,
		quality:         "good",
		controlsTimeout: DefaultControlsTimeout,
		nowFunc:         time.Now,
	}
}

// SetNowFunc overrides the clock. Used in tests.
func (ci *CallInterface) SetNowFunc(f func() time.Time) {
	ci.mu.Lock()
	ci.nowFunc = f
	ci.mu.Unlock()
}

// Connect subscribes to session updates and transitions to active once the
// session confirms. Remote end events tear the interface down.
func (ci *CallInterface) Connect(ctx context.Context) error {
	sess, err := ci.registry.Get(ctx, ci.callID)
	if err != nil {
		return err
	}

	unsub, err := ci.registry.SubscribeToCallUpdates(ci.callID, ci.onUpdate)
	if err != nil {
		return err
	}

	ci.mu.Lock()
	ci.unsub = unsub
	ci.lastInteraction = ci.nowFunc()
	ci.mu.Unlock()

	ci.onUpdate(sess)
	return nil
}

func (ci *CallInterface) onUpdate(sess *model.CallSession) {
	ci.mu.Lock()
	if ci.state == CallUITornDown {
		ci.mu.Unlock()
		return
	}
	if sess.Status.Terminal() {
		ci.state = CallUITornDown
		unsub := ci.unsub
		ci.unsub = nil
		ci.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return
	}
	if sess.Status == model.CallStatusActive {
		ci.state = CallUIActive
		ci.confirmedStart = sess.StartedAt
		if p, ok := sess.ParticipantByID(ci.userID); ok {
			ci.confirmedMuted = p.Muted
			ci.confirmedVideoOff = p.VideoOff
		}
		ci.recording = sess.Recording
		ci.screenShare = sess.ScreenShare
	}
	ci.mu.Unlock()
}

// State returns the interface lifecycle state.
func (ci *CallInterface) State() CallUIState {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.state
}

// Duration returns the elapsed call time, zero before the call is active.
func (ci *CallInterface) Duration() time.Duration {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.confirmedStart.IsZero() {
		return 0
	}
	return ci.nowFunc().Sub(ci.confirmedStart)
}

// SetMuted applies the mute intent: optimistic local flip, then the registry
// mutator. Near-simultaneous calls with the same intent converge without
// flicker because the desired value, not a toggle, is forwarded.
func (ci *CallInterface) SetMuted(ctx context.Context, muted bool) {
	ci.mu.Lock()
	ci.muted = muted
	ci.mu.Unlock()

	if err := ci.registry.ToggleMute(ctx, ci.callID, ci.userID, muted); err != nil {
		ci.recordToggleErr("mute", err)
		return
	}
	ci.mu.Lock()
	ci.confirmedMuted = muted
	ci.mu.Unlock()
}

// SetVideoOff applies the camera intent.
func (ci *CallInterface) SetVideoOff(ctx context.Context, videoOff bool) {
	ci.mu.Lock()
	ci.videoOff = videoOff
	ci.mu.Unlock()

	if err := ci.registry.ToggleVideo(ctx, ci.callID, ci.userID, videoOff); err != nil {
		ci.recordToggleErr("video", err)
		return
	}
	ci.mu.Lock()
	ci.confirmedVideoOff = videoOff
	ci.mu.Unlock()
}

// SetScreenShare starts or stops screen sharing.
func (ci *CallInterface) SetScreenShare(ctx context.Context, on bool) {
	ci.mu.Lock()
	ci.screenShare = on
	ci.mu.Unlock()

	var err error
	if on {
		err = ci.registry.StartScreenShare(ctx, ci.callID, ci.userID)
	} else {
		err = ci.registry.StopScreenShare(ctx, ci.callID, ci.userID)
	}
	if err != nil {
		ci.recordToggleErr("screen_share", err)
	}
}

// StartRecording begins recording the call.
func (ci *CallInterface) StartRecording(ctx context.Context) {
	ci.mu.Lock()
	ci.recording = true
	ci.mu.Unlock()

	if err := ci.registry.StartRecording(ctx, ci.callID, ci.userID); err != nil {
		ci.recordToggleErr("recording", err)
	}
}

// StopRecording stops recording and returns the recording URL.
func (ci *CallInterface) StopRecording(ctx context.Context) (string, error) {
	ci.mu.Lock()
	ci.recording = false
	ci.mu.Unlock()

	url, err := ci.registry.StopRecording(ctx, ci.callID, ci.userID)
	if err != nil {
		ci.recordToggleErr("recording", err)
		return "", err
	}
	return url, nil
}

// ToggleSpeaker flips the local speaker route. Purely local, no registry
// round trip.
func (ci *CallInterface) ToggleSpeaker() {
	ci.mu.Lock()
	ci.speakerOn = !ci.speakerOn
	ci.mu.Unlock()
}

// SwitchCamera flips between front and back camera. Purely local.
func (ci *CallInterface) SwitchCamera() {
	ci.mu.Lock()
	ci.frontCamera = !ci.frontCamera
	ci.mu.Unlock()
}

// Muted returns the optimistic local mute state.
func (ci *CallInterface) Muted() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.muted
}

// VideoOff returns the optimistic local camera state.
func (ci *CallInterface) VideoOff() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.videoOff
}

// SpeakerOn returns the local speaker route.
func (ci *CallInterface) SpeakerOn() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.speakerOn
}

// Recording returns the local recording state.
func (ci *CallInterface) Recording() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.recording
}

// ScreenShare returns the local screen-share state.
func (ci *CallInterface) ScreenShare() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.screenShare
}

// LastError returns the most recent toggle failure, or nil.
func (ci *CallInterface) LastError() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.lastErr
}

// SetQuality records the connection quality indicator value.
func (ci *CallInterface) SetQuality(q string) {
	ci.mu.Lock()
	ci.quality = q
	ci.mu.Unlock()
}

// Quality returns the connection quality indicator value.
func (ci *CallInterface) Quality() string {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.quality
}

// Touch registers a user interaction, revealing the controls and resetting
// the auto-hide timer.
func (ci *CallInterface) Touch() {
	ci.mu.Lock()
	ci.lastInteraction = ci.nowFunc()
	ci.mu.Unlock()
}

// ControlsVisible reports whether the on-screen controls should be shown.
// Pure function of the last interaction time, so missed timer ticks never
// desynchronize it.
func (ci *CallInterface) ControlsVisible() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.lastInteraction.IsZero() {
		return true
	}
	return ci.nowFunc().Sub(ci.lastInteraction) < ci.controlsTimeout
}

// RequestEnd arms the end-call confirmation. A back gesture or hang-up tap
// never ends the call directly.
func (ci *CallInterface) RequestEnd() {
	ci.mu.Lock()
	ci.endRequested = true
	ci.mu.Unlock()
}

// CancelEnd dismisses the confirmation prompt.
func (ci *CallInterface) CancelEnd() {
	ci.mu.Lock()
	ci.endRequested = false
	ci.mu.Unlock()
}

// EndRequested reports whether the confirmation prompt is showing.
func (ci *CallInterface) EndRequested() bool {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.endRequested
}

// ConfirmEnd ends the call and tears the interface down. Returns whether
// this confirmation performed the ended transition.
func (ci *CallInterface) ConfirmEnd(ctx context.Context) (bool, error) {
	ci.mu.Lock()
	if !ci.endRequested {
		ci.mu.Unlock()
		return false, nil
	}
	ci.endRequested = false
	ci.mu.Unlock()

	finalized, err := ci.registry.EndCall(ctx, ci.callID, ci.userID)
	ci.teardown()
	return finalized, err
}

// Teardown detaches the interface without ending the call (e.g. on
// navigation after a remote end). Idempotent.
func (ci *CallInterface) Teardown() {
	ci.teardown()
}

func (ci *CallInterface) teardown() {
	ci.mu.Lock()
	if ci.state == CallUITornDown {
		ci.mu.Unlock()
		return
	}
	ci.state = CallUITornDown
	unsub := ci.unsub
	ci.unsub = nil
	ci.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (ci *CallInterface) recordToggleErr(op string, err error) {
	ci.mu.Lock()
	ci.lastErr = err
	ci.mu.Unlock()
	ci.logger.Warn("call control failed", zap.String("control", op), zap.Error(err))
}
